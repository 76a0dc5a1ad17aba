// Package tus implements the tus resumable upload protocol (version
// 1.0.0) on top of the session manager: creation, HEAD offset probes,
// PATCH appends, termination, per-chunk checksums and expiration.
package tus

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	log "github.com/sjqzhang/seelog"

	"github.com/sjqzhang/go-upload/internal/stream"
	"github.com/sjqzhang/go-upload/internal/upload"
)

const (
	protocolVersion = "1.0.0"
	// StatusChecksumMismatch is the tus checksum extension's status code
	// for a chunk whose digest does not match Upload-Checksum.
	StatusChecksumMismatch = 460
)

var (
	reExtractFileID  = regexp.MustCompile(`([^/]+)\/?$`)
	reForwardedHost  = regexp.MustCompile(`host=([^,]+)`)
	reForwardedProto = regexp.MustCompile(`proto=(https?)`)
)

// HTTPError is an error carrying the status code to respond with.
type HTTPError interface {
	error
	StatusCode() int
	Body() []byte
}

type httpError struct {
	error
	statusCode int
}

func (err httpError) StatusCode() int {
	return err.statusCode
}

func (err httpError) Body() []byte {
	return []byte(err.Error())
}

func NewHTTPError(err error, statusCode int) HTTPError {
	return httpError{err, statusCode}
}

var (
	ErrUnsupportedVersion  = NewHTTPError(errors.New("unsupported version"), http.StatusPreconditionFailed)
	ErrMaxSizeExceeded     = NewHTTPError(errors.New("maximum size exceeded"), http.StatusRequestEntityTooLarge)
	ErrInvalidContentType  = NewHTTPError(errors.New("missing or invalid Content-Type header"), http.StatusBadRequest)
	ErrInvalidUploadLength = NewHTTPError(errors.New("missing or invalid Upload-Length header"), http.StatusBadRequest)
	ErrInvalidOffset       = NewHTTPError(errors.New("missing or invalid Upload-Offset header"), http.StatusBadRequest)
	ErrNotFound            = NewHTTPError(errors.New("upload not found"), http.StatusNotFound)
	ErrFileLocked          = NewHTTPError(errors.New("file currently locked"), 423) // Locked (WebDAV) (RFC 4918)
	ErrMismatchOffset      = NewHTTPError(errors.New("mismatched offset"), http.StatusConflict)
	ErrSizeExceeded        = NewHTTPError(errors.New("resource's size exceeded"), http.StatusRequestEntityTooLarge)
	ErrNotOwner            = NewHTTPError(errors.New("upload belongs to another client"), http.StatusForbidden)
	ErrUploadGone          = NewHTTPError(errors.New("upload already finished"), http.StatusGone)
	ErrTooManyUploads      = NewHTTPError(errors.New("too many concurrent uploads"), http.StatusTooManyRequests)
	ErrChecksumAlgorithm   = NewHTTPError(errors.New("unsupported checksum algorithm"), http.StatusBadRequest)
	ErrChecksumMismatch    = NewHTTPError(errors.New("chunk checksum mismatch"), StatusChecksumMismatch)
	ErrNotImplemented      = NewHTTPError(errors.New("feature not implemented"), http.StatusNotImplemented)
)

// Config configures a Handler.
type Config struct {
	// BasePath is the URL path uploads are created under, e.g.
	// "/big/upload/". The Location header is built from it.
	BasePath string
	// MaxSize caps Upload-Length; 0 means unlimited.
	MaxSize int64
	// Expiry is how long an idle upload survives; advertised through
	// Upload-Expires when positive.
	Expiry time.Duration
	// RespectForwardedHeaders trusts X-Forwarded-Host/-Proto and
	// Forwarded when building absolute Location URLs.
	RespectForwardedHeaders bool
	// DisableTermination withdraws the termination extension: DELETE is
	// refused and the extension is not advertised.
	DisableTermination bool
}

// Handler exposes the protocol operations as plain http.HandlerFuncs so
// any router can mount them. Wrap the mounted routes in Middleware.
type Handler struct {
	config     Config
	manager    *upload.Manager
	pipeline   *stream.Pipeline
	extensions string
}

func NewHandler(config Config, manager *upload.Manager, pipeline *stream.Pipeline) *Handler {
	if config.BasePath == "" {
		config.BasePath = "/"
	}
	if !strings.HasSuffix(config.BasePath, "/") {
		config.BasePath += "/"
	}
	if pipeline == nil {
		pipeline = stream.NewPipeline(0, 0)
	}
	// only what is actually enabled is promoted
	extensions := "creation"
	if !config.DisableTermination {
		extensions += ",termination"
	}
	extensions += ",checksum,expiration"
	return &Handler{config: config, manager: manager, pipeline: pipeline, extensions: extensions}
}

// ServeHTTP dispatches by method: POST on the base path creates, the
// rest address an existing upload by the trailing path segment.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case "POST":
			h.PostFile(w, r)
		case "HEAD":
			h.HeadFile(w, r)
		case "PATCH":
			h.PatchFile(w, r)
		case "DELETE":
			h.DelFile(w, r)
		default:
			w.Header().Set("Allow", "POST, HEAD, PATCH, DELETE, OPTIONS")
			h.sendError(w, r, NewHTTPError(errors.New("method not allowed"), http.StatusMethodNotAllowed))
		}
	})).ServeHTTP(w, r)
}

// Middleware handles method overriding, CORS, protocol discovery via
// OPTIONS and the Tus-Resumable version gate. Every mutating route must
// pass through it.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// some clients cannot issue PATCH or DELETE directly
		if newMethod := r.Header.Get("X-HTTP-Method-Override"); newMethod != "" {
			r.Method = newMethod
		}

		header := w.Header()

		if origin := r.Header.Get("Origin"); origin != "" {
			header.Set("Access-Control-Allow-Origin", origin)

			if r.Method == "OPTIONS" {
				header.Add("Access-Control-Allow-Methods", "POST, HEAD, PATCH, DELETE, OPTIONS")
				header.Add("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Upload-Length, Upload-Offset, Upload-Metadata, Upload-Checksum, Tus-Resumable, X-Client-Id")
				header.Set("Access-Control-Max-Age", "86400")
			} else {
				header.Add("Access-Control-Expose-Headers", "Upload-Offset, Location, Upload-Length, Upload-Expires, Tus-Version, Tus-Resumable, Tus-Max-Size, Tus-Extension, Upload-Metadata")
			}
		}

		header.Set("Tus-Resumable", protocolVersion)
		header.Set("X-Content-Type-Options", "nosniff")

		if r.Method == "OPTIONS" {
			if h.config.MaxSize > 0 {
				header.Set("Tus-Max-Size", strconv.FormatInt(h.config.MaxSize, 10))
			}
			header.Set("Tus-Version", protocolVersion)
			header.Set("Tus-Extension", h.extensions)
			header.Set("Tus-Checksum-Algorithm", "md5,sha1")

			// 200 instead of 204: some browsers treat a 204 preflight
			// response as a rejection
			h.sendResp(w, r, http.StatusOK)
			return
		}

		// GET is not part of the protocol and may come from a browser
		// without the version header
		if r.Method != "GET" && r.Header.Get("Tus-Resumable") != protocolVersion {
			h.sendError(w, r, ErrUnsupportedVersion)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// PostFile creates a new upload from the Upload-Length and
// Upload-Metadata headers and answers 201 with its Location.
func (h *Handler) PostFile(w http.ResponseWriter, r *http.Request) {
	size, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || size < 0 {
		h.sendError(w, r, ErrInvalidUploadLength)
		return
	}
	if h.config.MaxSize > 0 && size > h.config.MaxSize {
		h.sendError(w, r, ErrMaxSizeExceeded)
		return
	}

	meta := ParseMetadataHeader(r.Header.Get("Upload-Metadata"))
	filename := meta["filename"]
	if filename == "" {
		filename = meta["name"]
	}

	s, err := h.manager.CreateUpload(upload.CreateOptions{
		Filename:         filename,
		ClientID:         clientID(r),
		TotalSize:        size,
		ContentType:      meta["filetype"],
		ExpectedChecksum: meta["checksum"],
		Metadata:         meta,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if err = s.OpenForWriting(); err != nil {
		h.manager.RemoveUpload(s.ID())
		h.sendError(w, r, err)
		return
	}

	url := h.absFileURL(r, s.ID())
	w.Header().Set("Location", url)
	w.Header().Set("Upload-Offset", "0")
	h.setExpires(w)

	log.Info(fmt.Sprintf("tus created id:%s size:%d url:%s", s.ID(), size, url))

	if size == 0 {
		if err = s.Complete(); err != nil {
			h.sendError(w, r, err)
			return
		}
	}
	h.sendResp(w, r, http.StatusCreated)
}

// HeadFile reports the current offset and length so a client can resume.
func (h *Handler) HeadFile(w http.ResponseWriter, r *http.Request) {
	s, err := h.lookup(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	if meta := s.Metadata(); len(meta) != 0 {
		w.Header().Set("Upload-Metadata", SerializeMetadataHeader(meta))
	}
	w.Header().Set("Upload-Length", strconv.FormatInt(s.TotalSize(), 10))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Upload-Offset", strconv.FormatInt(s.BytesReceived(), 10))
	h.sendResp(w, r, http.StatusOK)
}

// PatchFile appends a chunk at the declared offset. A stale offset gets
// 409 and mutates nothing; hitting the upload length completes the
// upload before the 204 goes out.
func (h *Handler) PatchFile(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/offset+octet-stream" {
		h.sendError(w, r, ErrInvalidContentType)
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		h.sendError(w, r, ErrInvalidOffset)
		return
	}
	s, err := h.lookup(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if s.Status().Terminal() {
		h.sendError(w, r, ErrUploadGone)
		return
	}
	// a restored session may still be Pending, open it on first append
	if s.Status() == upload.StatusPending {
		if err = s.OpenForWriting(); err != nil {
			h.sendError(w, r, err)
			return
		}
	}
	if offset != s.BytesReceived() {
		h.sendError(w, r, ErrMismatchOffset)
		return
	}

	// already complete, nothing left to proxy
	if s.TotalSize() >= 0 && offset == s.TotalSize() {
		w.Header().Set("Upload-Offset", strconv.FormatInt(offset, 10))
		h.sendResp(w, r, http.StatusNoContent)
		return
	}

	if err = h.writeChunk(s, offset, r); err != nil {
		h.sendError(w, r, err)
		return
	}

	newOffset := s.BytesReceived()
	w.Header().Set("Upload-Offset", strconv.FormatInt(newOffset, 10))
	h.setExpires(w)

	if s.TotalSize() >= 0 && newOffset == s.TotalSize() {
		if err = s.Complete(); err != nil {
			h.sendError(w, r, err)
			return
		}
		log.Info(fmt.Sprintf("tus completed id:%s bytes:%d path:%s", s.ID(), newOffset, s.FinalPath()))
	}
	h.sendResp(w, r, http.StatusNoContent)
}

// writeChunk streams the PATCH body into the session. When the request
// carries Upload-Checksum the body is held back and verified first so a
// corrupt chunk is discarded whole.
func (h *Handler) writeChunk(s *upload.Session, offset int64, r *http.Request) error {
	maxSize := int64(0)
	if s.TotalSize() >= 0 {
		maxSize = s.TotalSize() - offset
	} else if h.config.MaxSize > 0 {
		maxSize = h.config.MaxSize - offset
	}
	if r.ContentLength > 0 {
		if maxSize > 0 && r.ContentLength > maxSize {
			return ErrSizeExceeded
		}
		maxSize = r.ContentLength
	}
	if r.Body == nil {
		return nil
	}
	var reader io.Reader = r.Body
	if maxSize > 0 {
		reader = io.LimitReader(r.Body, maxSize)
	}

	if sum := r.Header.Get("Upload-Checksum"); sum != "" {
		return h.writeVerifiedChunk(s, offset, reader, sum)
	}

	// positioned writes so a racing PATCH that also passed the offset
	// pre-check fails on its first fragment instead of interleaving
	_, err := h.pipeline.ConsumeSequential(s, reader, offset)
	return err
}

// writeVerifiedChunk applies the checksum extension: the whole chunk is
// read, its digest compared against the Upload-Checksum header and only
// a matching chunk reaches the session.
func (h *Handler) writeVerifiedChunk(s *upload.Session, offset int64, reader io.Reader, header string) error {
	alg, expected, err := parseChecksumHeader(header)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	var digest []byte
	switch alg {
	case "md5":
		d := md5.Sum(body)
		digest = d[:]
	case "sha1":
		d := sha1.Sum(body)
		digest = d[:]
	}
	actual := base64.StdEncoding.EncodeToString(digest)
	if actual != expected {
		return ErrChecksumMismatch
	}
	if len(body) == 0 {
		return nil
	}
	return s.WriteRangeChunk(body, offset, offset+int64(len(body))-1)
}

// parseChecksumHeader splits "md5 <base64-digest>".
func parseChecksumHeader(header string) (alg, digest string, err error) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 {
		return "", "", ErrChecksumAlgorithm
	}
	alg = strings.ToLower(parts[0])
	if alg != "md5" && alg != "sha1" {
		return "", "", ErrChecksumAlgorithm
	}
	return alg, strings.TrimSpace(parts[1]), nil
}

// DelFile terminates an upload permanently and frees its partial data.
func (h *Handler) DelFile(w http.ResponseWriter, r *http.Request) {
	if h.config.DisableTermination {
		h.sendError(w, r, ErrNotImplemented)
		return
	}
	s, err := h.lookup(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	if s.Status() == upload.StatusCompleted {
		h.sendError(w, r, ErrUploadGone)
		return
	}
	if err = s.Cancel(); err != nil && !upload.IsKind(err, upload.KindInvalidState) {
		h.sendError(w, r, err)
		return
	}
	h.manager.RemoveUpload(s.ID())
	log.Info(fmt.Sprintf("tus terminated id:%s", s.ID()))
	h.sendResp(w, r, http.StatusNoContent)
}

// lookup resolves the path id to a session owned by the caller.
func (h *Handler) lookup(r *http.Request) (*upload.Session, error) {
	id, err := extractIDFromPath(r.URL.Path)
	if err != nil {
		return nil, err
	}
	s, ok := h.manager.GetUpload(id)
	if !ok {
		return nil, ErrNotFound
	}
	if owner := s.Owner(); owner != "" && owner != clientID(r) {
		return nil, ErrNotOwner
	}
	return s, nil
}

// clientID identifies the caller: an explicit X-Client-Id header wins,
// otherwise the remote address without its port.
func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-Id"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Handler) setExpires(w http.ResponseWriter) {
	if h.config.Expiry > 0 {
		w.Header().Set("Upload-Expires", time.Now().Add(h.config.Expiry).UTC().Format(http.TimeFormat))
	}
}

// sendError maps session errors onto protocol status codes and writes
// the reason as a plain text body.
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	switch upload.KindOf(err) {
	case upload.KindNotFound:
		err = ErrNotFound
	case upload.KindBusy:
		err = ErrFileLocked
	case upload.KindOffsetMismatch:
		err = ErrMismatchOffset
	case upload.KindSizeExceeded:
		err = ErrMaxSizeExceeded
	case upload.KindConcurrencyLimit:
		err = ErrTooManyUploads
	case upload.KindChecksumMismatch:
		err = ErrChecksumMismatch
	case upload.KindInvalidState:
		err = NewHTTPError(err, http.StatusConflict)
	}

	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		err = errors.New("read tcp: i/o timeout")
	}

	statusErr, ok := err.(HTTPError)
	if !ok {
		statusErr = NewHTTPError(err, http.StatusInternalServerError)
	}

	reason := append(statusErr.Body(), '\n')
	if r.Method == "HEAD" {
		reason = nil
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(reason)))
	w.WriteHeader(statusErr.StatusCode())
	w.Write(reason)

	log.Warn(fmt.Sprintf("tus %s %s -> %d: %v", r.Method, r.URL.Path, statusErr.StatusCode(), err))
}

func (h *Handler) sendResp(w http.ResponseWriter, r *http.Request, status int) {
	w.WriteHeader(status)
}

// absFileURL builds the Location for a created upload from the request's
// host and protocol, honoring proxy headers when configured.
func (h *Handler) absFileURL(r *http.Request, id string) string {
	host, proto := getHostAndProtocol(r, h.config.RespectForwardedHeaders)
	return proto + "://" + host + h.config.BasePath + id
}

func getHostAndProtocol(r *http.Request, allowForwarded bool) (host, proto string) {
	if r.TLS != nil {
		proto = "https"
	} else {
		proto = "http"
	}
	host = r.Host
	if !allowForwarded {
		return
	}
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = h
	}
	if h := r.Header.Get("X-Forwarded-Proto"); h == "http" || h == "https" {
		proto = h
	}
	if h := r.Header.Get("Forwarded"); h != "" {
		if m := reForwardedHost.FindStringSubmatch(h); len(m) == 2 {
			host = m[1]
		}
		if m := reForwardedProto.FindStringSubmatch(h); len(m) == 2 {
			proto = m[1]
		}
	}
	return
}

// ParseMetadataHeader parses the Upload-Metadata header of the creation
// extension, e.g. "name bHVucmpzLnBuZw==,type aW1hZ2UvcG5n". Malformed
// elements are skipped.
func ParseMetadataHeader(header string) map[string]string {
	meta := make(map[string]string)
	for _, element := range strings.Split(header, ",") {
		element := strings.TrimSpace(element)
		parts := strings.Split(element, " ")
		if len(parts) != 2 {
			continue
		}
		value, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			continue
		}
		meta[parts[0]] = string(value)
	}
	return meta
}

// SerializeMetadataHeader is the inverse of ParseMetadataHeader, used in
// HEAD responses.
func SerializeMetadataHeader(meta map[string]string) string {
	header := ""
	for key, value := range meta {
		header += key + " " + base64.StdEncoding.EncodeToString([]byte(value)) + ","
	}
	if len(header) > 0 {
		header = header[:len(header)-1]
	}
	return header
}

// extractIDFromPath pulls the last segment from the url provided.
func extractIDFromPath(url string) (string, error) {
	result := reExtractFileID.FindStringSubmatch(url)
	if len(result) != 2 {
		return "", ErrNotFound
	}
	return result[1], nil
}
