package server

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nfnt/resize"
	log "github.com/sjqzhang/seelog"

	"github.com/sjqzhang/go-upload/internal/httprange"
)

// Download serves stored files. A single satisfiable Range gets 206
// with Content-Range; an unsatisfiable one gets 416 with "bytes */N".
// Multiple ranges that do not coalesce are answered with the whole
// representation.
func (this *Server) Download(w http.ResponseWriter, r *http.Request) {
	var (
		err      error
		fullpath string
		fi       os.FileInfo
	)
	if this.conf.EnableCrossOrigin() {
		this.CrossOrigin(w, r)
	}
	if r.Method == http.MethodOptions {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if fullpath, err = this.GetFilePathFromRequest(r); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if fi, err = os.Stat(fullpath); err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if fi.IsDir() {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("list dir deny"))
		return
	}

	r.ParseForm()
	if this.conf.EnableImageResize() && r.Header.Get("Range") == "" {
		width, _ := strconv.Atoi(r.FormValue("width"))
		height, _ := strconv.Atoi(r.FormValue("height"))
		if width > 0 || height > 0 {
			if width > this.conf.ImageMaxWidth() {
				width = this.conf.ImageMaxWidth()
			}
			if height > this.conf.ImageMaxHeight() {
				height = this.conf.ImageMaxHeight()
			}
			this.ResizeImage(w, fullpath, uint(width), uint(height))
			return
		}
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))
	if ct := mime.TypeByExtension(filepath.Ext(fullpath)); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	if r.FormValue("download") == "1" {
		this.SetDownloadHeader(w, r, filepath.Base(fullpath))
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" || !this.conf.EnableRangeRequests() {
		this.sendWholeFile(w, r, fullpath, fi.Size())
		return
	}
	this.sendRangedFile(w, r, fullpath, fi.Size(), rangeHeader)
}

// GetFilePathFromRequest maps the url path onto the upload directory,
// refusing anything that escapes it.
func (this *Server) GetFilePathFromRequest(r *http.Request) (string, error) {
	var (
		err   error
		fpath string
	)
	fpath = strings.Split(r.RequestURI, "?")[0]
	if fpath, err = url.PathUnescape(fpath); err != nil {
		return "", err
	}
	fpath = filepath.Clean("/" + fpath)
	full := filepath.Join(this.conf.UploadDir(), fpath)
	uploadDir := filepath.Clean(this.conf.UploadDir())
	if full != uploadDir && !strings.HasPrefix(full, uploadDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %s escapes the upload directory", fpath)
	}
	return full, nil
}

func (this *Server) SetDownloadHeader(w http.ResponseWriter, r *http.Request, name string) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", "attachment;filename="+strconv.Quote(name))
}

func (this *Server) sendWholeFile(w http.ResponseWriter, r *http.Request, fullpath string, size int64) {
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if r.Method == http.MethodHead {
		return
	}
	file, err := os.Open(fullpath)
	if err != nil {
		log.Error(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer file.Close()
	if _, err = io.Copy(w, file); err != nil {
		log.Error(err)
	}
}

func (this *Server) sendRangedFile(w http.ResponseWriter, r *http.Request, fullpath string, size int64, rangeHeader string) {
	ranges, err := httprange.ParseRangeHeader(rangeHeader)
	if err != nil {
		// a malformed Range header is ignored, not failed
		log.Warn(fmt.Sprintf("ignoring range %q: %v", rangeHeader, err))
		this.sendWholeFile(w, r, fullpath, size)
		return
	}
	byteRanges, err := httprange.NormalizeAll(ranges, size)
	if err != nil {
		w.Header().Set("Content-Range", httprange.FormatContentRange(httprange.ContentRange{Unsatisfiable: true, Total: size}))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	merged := httprange.MergeRanges(byteRanges)
	if len(merged) != 1 {
		// disjoint multi-range bodies are not produced
		this.sendWholeFile(w, r, fullpath, size)
		return
	}

	br := merged[0]
	w.Header().Set("Content-Range", httprange.FormatContentRange(httprange.ContentRange{Start: br.Start, End: br.End, Total: size}))
	w.Header().Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	file, err := os.Open(fullpath)
	if err != nil {
		log.Error(err)
		return
	}
	defer file.Close()
	if _, err = file.Seek(br.Start, io.SeekStart); err != nil {
		log.Error(err)
		return
	}
	if _, err = io.CopyN(w, file, br.Length()); err != nil {
		log.Error(err)
	}
}

// ResizeImage decodes, scales and re-encodes an image response. Formats
// other than jpeg and png pass through untouched.
func (this *Server) ResizeImage(w http.ResponseWriter, fullpath string, width, height uint) {
	var (
		img     image.Image
		err     error
		imgType string
		file    *os.File
	)
	file, err = os.Open(fullpath)
	if err != nil {
		log.Error(err)
		w.WriteHeader(http.StatusNotFound)
		return
	}
	defer file.Close()
	img, imgType, err = image.Decode(file)
	if err != nil {
		log.Error(err)
		file.Seek(0, io.SeekStart)
		io.Copy(w, file)
		return
	}
	img = resize.Resize(width, height, img, resize.Lanczos3)
	if imgType == "jpg" || imgType == "jpeg" {
		jpeg.Encode(w, img, nil)
	} else if imgType == "png" {
		png.Encode(w, img)
	} else {
		file.Seek(0, io.SeekStart)
		io.Copy(w, file)
	}
}
