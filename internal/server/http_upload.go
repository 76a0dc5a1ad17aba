package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sjqzhang/seelog"

	"github.com/sjqzhang/go-upload/internal/httprange"
	"github.com/sjqzhang/go-upload/internal/stream"
	"github.com/sjqzhang/go-upload/internal/upload"
)

// Upload accepts a one-shot upload: a multipart form with a "file"
// field, or the raw request body with the name in ?filename= or
// X-File-Name. The body streams through the pipeline into a session
// that is completed before the response goes out.
func (this *Server) Upload(w http.ResponseWriter, r *http.Request) {
	if this.conf.EnableCrossOrigin() {
		this.CrossOrigin(w, r)
	}
	if r.Method == http.MethodOptions {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !this.CheckUploadAuth(w, r) {
		return
	}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		this.uploadMultipart(w, r)
		return
	}
	this.uploadRaw(w, r)
}

func (this *Server) uploadMultipart(w http.ResponseWriter, r *http.Request) {
	var (
		err error
	)
	maxMemory := int64(stream.DefaultDiskThreshold)
	if stream.ShouldStreamToDisk(r.Header.Get("Content-Type"), r.ContentLength, int64(stream.DefaultDiskThreshold)) {
		// spill parts to disk past one pipeline buffer
		maxMemory = int64(this.conf.BufferSize())
	}
	if err = r.ParseMultipartForm(maxMemory); err != nil {
		log.Error(err)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("malformed multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		log.Error(err)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("missing file field"))
		return
	}
	defer file.Close()

	s, err := this.manager.CreateUpload(upload.CreateOptions{
		Filename:         header.Filename,
		ClientID:         this.ClientID(r),
		TotalSize:        header.Size,
		ContentType:      header.Header.Get("Content-Type"),
		ExpectedChecksum: r.FormValue("md5"),
	})
	if err != nil {
		this.writeError(w, err)
		return
	}
	this.finishOneShot(w, r, s, func() error {
		if err := s.OpenForWriting(); err != nil {
			return err
		}
		_, err := this.pipeline.Consume(s, file, header.Size, false)
		return err
	})
}

func (this *Server) uploadRaw(w http.ResponseWriter, r *http.Request) {
	var (
		filename string
	)
	filename = r.FormValue("filename")
	if filename == "" {
		filename = r.Header.Get("X-File-Name")
	}
	s, err := this.manager.CreateUpload(upload.CreateOptions{
		Filename:         filename,
		ClientID:         this.ClientID(r),
		TotalSize:        r.ContentLength,
		ContentType:      r.Header.Get("Content-Type"),
		ExpectedChecksum: r.FormValue("md5"),
	})
	if err != nil {
		this.writeError(w, err)
		return
	}
	this.finishOneShot(w, r, s, func() error {
		if err := s.OpenForWriting(); err != nil {
			return err
		}
		// the http server has already decoded any transfer coding
		_, err := this.pipeline.Consume(s, r.Body, r.ContentLength, false)
		return err
	})
}

// finishOneShot runs the body transfer, completes the session and
// answers with the file result. The session does not outlive the
// request; failures drop it with its temp file.
func (this *Server) finishOneShot(w http.ResponseWriter, r *http.Request, s *upload.Session, transfer func() error) {
	var (
		err error
	)
	if err = transfer(); err != nil {
		this.manager.RemoveUpload(s.ID())
		this.writeError(w, err)
		return
	}
	if err = s.Complete(); err != nil {
		this.manager.RemoveUpload(s.ID())
		this.writeError(w, err)
		return
	}
	this.addFileStat(1, s.BytesReceived())
	log.Info(fmt.Sprintf("upload done id:%s file:%s size:%d", s.ID(), s.Filename(), s.BytesReceived()))
	result := this.BuildFileResult(s, r)
	this.manager.RemoveUpload(s.ID())
	this.writeResult(w, result)
}

func (this *Server) BuildFileResult(s *upload.Session, r *http.Request) FileResult {
	var (
		domain string
	)
	domain = this.conf.DownloadDomain()
	if domain == "" {
		domain = fmt.Sprintf("http://%s", r.Host)
	}
	name := filepath.Base(s.FinalPath())
	var modTime int64
	if fi, err := os.Stat(s.FinalPath()); err == nil {
		modTime = fi.ModTime().Unix()
	}
	return FileResult{
		Url:     domain + "/" + name,
		Md5:     s.ActualChecksum(),
		Path:    "/" + name,
		Domain:  domain,
		Size:    s.BytesReceived(),
		ModTime: modTime,
	}
}

// CreateRangeUpload registers a resumable session for positioned
// writes and returns its id and upload url.
func (this *Server) CreateRangeUpload(w http.ResponseWriter, r *http.Request) {
	if this.conf.EnableCrossOrigin() {
		this.CrossOrigin(w, r)
	}
	if r.Method == http.MethodOptions {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !this.conf.EnableRangeRequests() {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	if !this.CheckUploadAuth(w, r) {
		return
	}

	var (
		size int64 = -1
		err  error
	)
	if v := r.FormValue("size"); v != "" {
		if size, err = strconv.ParseInt(v, 10, 64); err != nil || size < 0 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("invalid size"))
			return
		}
	}
	s, err := this.manager.CreateUpload(upload.CreateOptions{
		Filename:         r.FormValue("filename"),
		ClientID:         this.ClientID(r),
		TotalSize:        size,
		ContentType:      r.FormValue("content_type"),
		SupportsRange:    true,
		ExpectedChecksum: r.FormValue("md5"),
	})
	if err != nil {
		this.writeError(w, err)
		return
	}
	if err = s.OpenForWriting(); err != nil {
		this.manager.RemoveUpload(s.ID())
		this.writeError(w, err)
		return
	}
	this.writeResult(w, map[string]interface{}{
		"id":   s.ID(),
		"url":  "/upload/range/" + s.ID(),
		"size": size,
	})
}

// RangeUpload dispatches the per-session range operations:
// PUT writes the span in Content-Range, GET reports progress, DELETE
// cancels, POST on .../complete finalizes.
func (this *Server) RangeUpload(w http.ResponseWriter, r *http.Request) {
	if this.conf.EnableCrossOrigin() {
		this.CrossOrigin(w, r)
	}
	if r.Method == http.MethodOptions {
		return
	}
	if !this.conf.EnableRangeRequests() {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/upload/range/")
	complete := false
	if strings.HasSuffix(id, "/complete") {
		id = strings.TrimSuffix(id, "/complete")
		complete = true
	}
	s, ok := this.manager.GetUpload(id)
	if !ok {
		this.writeError(w, upload.ErrNotFound(id))
		return
	}
	if owner := s.Owner(); owner != "" && owner != this.ClientID(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch {
	case complete && r.Method == http.MethodPost:
		this.completeRangeUpload(w, r, s)
	case r.Method == http.MethodPut:
		this.putRangeChunk(w, r, s)
	case r.Method == http.MethodGet:
		this.rangeUploadStatus(w, s)
	case r.Method == http.MethodDelete:
		this.cancelRangeUpload(w, s)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (this *Server) putRangeChunk(w http.ResponseWriter, r *http.Request, s *upload.Session) {
	var (
		start, end, total int64
		err               error
	)
	header := r.Header.Get("Content-Range")
	if header == "" {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("missing Content-Range"))
		return
	}
	if start, end, total, err = httprange.ParseContentRange(header); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(err.Error()))
		return
	}
	if total >= 0 && s.TotalSize() >= 0 && total != s.TotalSize() {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("Content-Range total does not match the declared size"))
		return
	}
	// sessions without a declared size are still bounded by the server cap
	if max := this.conf.MaxFileSize(); max > 0 && end >= max {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		w.Write([]byte("range exceeds the maximum file size"))
		return
	}
	if _, err = this.pipeline.ConsumeAt(s, r.Body, start, end); err != nil {
		this.writeError(w, err)
		return
	}
	this.writeResult(w, map[string]interface{}{
		"id":            s.ID(),
		"bytesReceived": s.BytesReceived(),
	})
}

func (this *Server) completeRangeUpload(w http.ResponseWriter, r *http.Request, s *upload.Session) {
	if err := s.Complete(); err != nil {
		this.writeError(w, err)
		return
	}
	this.addFileStat(1, s.BytesReceived())
	log.Info(fmt.Sprintf("range upload done id:%s file:%s size:%d", s.ID(), s.Filename(), s.BytesReceived()))
	this.writeResult(w, this.BuildFileResult(s, r))
}

func (this *Server) rangeUploadStatus(w http.ResponseWriter, s *upload.Session) {
	this.writeResult(w, map[string]interface{}{
		"id":            s.ID(),
		"filename":      s.Filename(),
		"status":        s.Status().String(),
		"bytesReceived": s.BytesReceived(),
		"totalSize":     s.TotalSize(),
	})
}

func (this *Server) cancelRangeUpload(w http.ResponseWriter, s *upload.Session) {
	if err := s.Cancel(); err != nil && !upload.IsKind(err, upload.KindInvalidState) {
		this.writeError(w, err)
		return
	}
	this.manager.RemoveUpload(s.ID())
	w.WriteHeader(http.StatusNoContent)
}
