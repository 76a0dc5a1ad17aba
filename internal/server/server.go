// Package server wires the upload engine to its HTTP surface: one-shot
// and range uploads, tus resumable uploads, ranged downloads and the
// status endpoint.
package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/astaxie/beego/httplib"
	jsoniter "github.com/json-iterator/go"
	"github.com/sjqzhang/googleAuthenticator"
	"github.com/sjqzhang/goutil"
	log "github.com/sjqzhang/seelog"

	"github.com/sjqzhang/go-upload/internal/config"
	"github.com/sjqzhang/go-upload/internal/stream"
	"github.com/sjqzhang/go-upload/internal/tus"
	"github.com/sjqzhang/go-upload/internal/upload"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	CONST_STAT_FILE_COUNT_KEY      = "fileCount"
	CONST_STAT_FILE_TOTAL_SIZE_KEY = "totalSize"
)

type JsonResult struct {
	Message string      `json:"message"`
	Status  string      `json:"status"`
	Data    interface{} `json:"data"`
}

type FileResult struct {
	Url     string `json:"url"`
	Md5     string `json:"md5"`
	Path    string `json:"path"`
	Domain  string `json:"domain"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
}

type Server struct {
	conf       *config.Config
	manager    *upload.Manager
	pipeline   *stream.Pipeline
	tusHandler *tus.Handler
	util       *goutil.Common
	statMap    *goutil.CommonMap
	startTime  time.Time
}

func NewServer(conf *config.Config) *Server {
	manager := upload.NewManager(upload.Config{
		UploadDir:            conf.UploadDir(),
		TempDir:              conf.TempDir(),
		MaxFileSize:          conf.MaxFileSize(),
		MaxConcurrentUploads: conf.MaxConcurrentUploads(),
		UploadTimeout:        conf.UploadTimeout(),
		FileSumArithmetic:    conf.FileSumArithmetic(),
		EnableIntegrityCheck: conf.EnableIntegrityCheck(),
	}, conf.LevelDB())

	this := &Server{
		conf:      conf,
		manager:   manager,
		pipeline:  stream.NewPipeline(conf.BufferSize(), conf.MaxUploadRate()),
		util:      &goutil.Common{},
		statMap:   goutil.NewCommonMap(0),
		startTime: time.Now(),
	}
	this.statMap.Put(CONST_STAT_FILE_COUNT_KEY, int64(0))
	this.statMap.Put(CONST_STAT_FILE_TOTAL_SIZE_KEY, int64(0))

	if conf.EnableResumableUploads() {
		this.tusHandler = tus.NewHandler(tus.Config{
			BasePath:           conf.BigUploadPathSuffix(),
			MaxSize:            conf.MaxFileSize(),
			Expiry:             conf.UploadTimeout(),
			DisableTermination: conf.DisableTusTermination(),
		}, manager, this.pipeline)
		if n := manager.RestoreSessions(); n > 0 {
			log.Info(fmt.Sprintf("resumed %d interrupted uploads", n))
		}
	}
	return this
}

func (this *Server) Manager() *upload.Manager {
	return this.manager
}

// Routes builds the request mux. Exposed so tests can mount it on an
// httptest server.
func (this *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/upload", this.Upload)
	mux.HandleFunc("/upload/range", this.CreateRangeUpload)
	mux.HandleFunc("/upload/range/", this.RangeUpload)
	mux.HandleFunc("/status", this.Status)
	if this.tusHandler != nil {
		mux.HandleFunc(this.conf.BigUploadPathSuffix(), this.BigUpload)
	}
	mux.HandleFunc("/", this.Download)
	return mux
}

// Start runs the HTTP server and the background loops until the
// listener fails.
func (this *Server) Start() error {
	go this.ExpireLoop()
	if this.conf.EnableFsNotify() {
		go this.WatchFilesChange()
	}

	srv := &http.Server{
		Addr:              this.conf.Addr(),
		Handler:           this.Routes(),
		ReadTimeout:       this.conf.ReadTimeout(),
		ReadHeaderTimeout: this.conf.ReadHeaderTimeout(),
		WriteTimeout:      this.conf.WriteTimeout(),
		IdleTimeout:       this.conf.IdleTimeout(),
	}
	fmt.Println("Listen on " + this.conf.Addr())
	err := srv.ListenAndServe()
	log.Error(err)
	return err
}

// ExpireLoop sweeps idle sessions every tenth of the timeout, bounded
// so the sweep stays responsive without burning cycles.
func (this *Server) ExpireLoop() {
	timeout := this.conf.UploadTimeout()
	if timeout <= 0 {
		return
	}
	interval := timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	for range time.Tick(interval) {
		if n := this.manager.ExpireStale(); n > 0 {
			log.Info(fmt.Sprintf("expired %d idle uploads", n))
		}
	}
}

// BigUpload fronts the tus mount. Creating an upload passes the same
// auth gates as the plain upload endpoints; the protocol handler owns
// everything else.
func (this *Server) BigUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && !this.CheckUploadAuth(w, r) {
		return
	}
	this.tusHandler.ServeHTTP(w, r)
}

func (this *Server) CrossOrigin(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Content-Range, Depth, User-Agent, X-File-Size, X-Requested-With, X-Requested-By, If-Modified-Since, X-File-Name, X-File-Type, X-Client-Id, Cache-Control, Origin")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, PUT, DELETE")
	w.Header().Set("Access-Control-Expose-Headers", "Authorization")
}

func (this *Server) NotPermit(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(401)
}

// CheckAuth forwards the request's form values and headers to the
// configured auth endpoint; anything but "ok" denies the request.
func (this *Server) CheckAuth(r *http.Request) bool {
	var (
		err        error
		req        *httplib.BeegoHTTPRequest
		result     string
		jsonResult JsonResult
	)
	if err = r.ParseForm(); err != nil {
		log.Error(err)
		return false
	}
	req = httplib.Post(this.conf.AuthUrl())
	req.SetTimeout(time.Second*10, time.Second*10)
	req.Param("__path__", r.URL.Path)
	req.Param("__query__", r.URL.RawQuery)
	for k := range r.Form {
		req.Param(k, r.FormValue(k))
	}
	for k, v := range r.Header {
		req.Header(k, v[0])
	}
	result, err = req.String()
	if err != nil {
		log.Error(err)
		return false
	}
	result = strings.TrimSpace(result)
	if strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}") {
		if err = json.Unmarshal([]byte(result), &jsonResult); err != nil {
			log.Error(err)
			return false
		}
		if jsonResult.Data != "ok" {
			log.Warn(result)
			return false
		}
	} else {
		if result != "ok" {
			log.Warn(result)
			return false
		}
	}
	return true
}

func (this *Server) VerifyGoogleCode(secret string, code string, discrepancy int64) bool {
	var (
		goauth *googleAuthenticator.GAuth
	)
	goauth = googleAuthenticator.NewGAuth()
	if ok, err := goauth.VerifyCode(secret, code, discrepancy); ok {
		return ok
	} else {
		log.Error(err)
		return ok
	}
}

// CheckUploadAuth runs the configured gates for mutating requests: the
// external auth url first, then the TOTP code when a secret is set.
func (this *Server) CheckUploadAuth(w http.ResponseWriter, r *http.Request) bool {
	if this.conf.AuthUrl() != "" && !this.CheckAuth(r) {
		this.NotPermit(w, r)
		return false
	}
	if this.conf.EnableGoogleAuth() && this.conf.GoogleAuthSecret() != "" {
		if !this.VerifyGoogleCode(this.conf.GoogleAuthSecret(), r.FormValue("code"), 3) {
			this.NotPermit(w, r)
			return false
		}
	}
	return true
}

// ClientID identifies the uploader: explicit X-Client-Id header, else
// the remote address without its port.
func (this *Server) ClientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-Id"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps engine errors onto HTTP status codes and answers with
// the standard json envelope.
func (this *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status int
		result JsonResult
	)
	if err == stream.ErrTruncatedBody || err == stream.ErrInvalidChunk || err == stream.ErrChunkTooLarge {
		result.Status = "fail"
		result.Message = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(this.util.JsonEncodePretty(result)))
		return
	}
	switch upload.KindOf(err) {
	case upload.KindNotFound:
		status = http.StatusNotFound
	case upload.KindBusy:
		status = 423 // Locked (RFC 4918)
	case upload.KindOffsetMismatch, upload.KindInvalidState:
		status = http.StatusConflict
	case upload.KindSizeExceeded:
		status = http.StatusRequestEntityTooLarge
	case upload.KindConcurrencyLimit:
		status = http.StatusTooManyRequests
	case upload.KindChecksumMismatch:
		status = http.StatusUnprocessableEntity
	default:
		status = http.StatusInternalServerError
	}
	result.Status = "fail"
	result.Message = err.Error()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(this.util.JsonEncodePretty(result)))
}

// addFileStat bumps the stored-file counters. When the directory
// watcher runs it owns the counters and handler-side updates are
// suppressed.
func (this *Server) addFileStat(count, size int64) {
	if this.conf.EnableFsNotify() {
		return
	}
	this.statMap.AddCountInt64(CONST_STAT_FILE_COUNT_KEY, count)
	this.statMap.AddCountInt64(CONST_STAT_FILE_TOTAL_SIZE_KEY, size)
}

func (this *Server) writeResult(w http.ResponseWriter, data interface{}) {
	var (
		result JsonResult
	)
	result.Status = "ok"
	result.Data = data
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(this.util.JsonEncodePretty(result)))
}
