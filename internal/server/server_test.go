package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/astaxie/beego/httplib"

	"github.com/sjqzhang/go-upload/internal/config"
)

func newTestServer(t *testing.T, extraYaml string) (*httptest.Server, *Server, string) {
	t.Helper()
	dir := t.TempDir()
	uploadDir := filepath.Join(dir, "files")
	body := "addr: \":0\"\n" +
		"upload_dir: \"" + uploadDir + "\"\n" +
		"temp_dir: \"" + filepath.Join(dir, "tmp") + "\"\n" +
		"data_dir: \"" + filepath.Join(dir, "data") + "\"\n" +
		"log_dir: \"" + filepath.Join(dir, "log") + "\"\n" +
		"leveldb_file: \"" + filepath.Join(dir, "data", "sessions.db") + "\"\n" +
		"upload_timeout: 3600\n" +
		"enable_resumable_uploads: true\n" +
		"enable_range_requests: true\n" +
		"enable_integrity_check: true\n" +
		extraYaml
	file := filepath.Join(dir, "upload.yml")
	if err := os.WriteFile(file, []byte(body), 0664); err != nil {
		t.Fatal(err)
	}
	conf, err := config.NewConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(conf.RegisterExit)
	srv := NewServer(conf)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, srv, uploadDir
}

func TestUploadMultipart(t *testing.T) {
	ts, _, uploadDir := newTestServer(t, "")
	src := filepath.Join(t.TempDir(), "report.txt")
	payload := []byte("multipart upload payload")
	if err := os.WriteFile(src, payload, 0664); err != nil {
		t.Fatal(err)
	}

	var result JsonResult
	req := httplib.Post(ts.URL + "/upload")
	req.PostFile("file", src)
	if err := req.ToJSON(&result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "ok" {
		t.Fatalf("result = %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(uploadDir, "report.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("stored bytes differ")
	}
}

func TestUploadRawBody(t *testing.T) {
	ts, _, uploadDir := newTestServer(t, "")
	payload := []byte("raw body bytes")

	var result JsonResult
	req := httplib.Post(ts.URL + "/upload?filename=raw.bin")
	req.Body(payload)
	if err := req.ToJSON(&result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "ok" {
		t.Fatalf("result = %+v", result)
	}
	fields, ok := result.Data.(map[string]interface{})
	if !ok || fields["md5"] == "" {
		t.Fatalf("data = %#v", result.Data)
	}
	data, err := os.ReadFile(filepath.Join(uploadDir, "raw.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("stored bytes differ")
	}
}

func TestUploadOverSizeLimit(t *testing.T) {
	ts, _, _ := newTestServer(t, "max_file_size: 8\n")
	req := httplib.Post(ts.URL + "/upload?filename=big.bin")
	req.Body([]byte("way more than eight"))
	resp, err := req.DoRequest()
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func rangePut(t *testing.T, url string, contentRange string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Range", contentRange)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp
}

func TestRangeUploadLifecycle(t *testing.T) {
	ts, _, uploadDir := newTestServer(t, "")

	var created JsonResult
	req := httplib.Post(ts.URL + "/upload/range")
	req.Param("filename", "ranged.bin")
	req.Param("size", "10")
	if err := req.ToJSON(&created); err != nil {
		t.Fatal(err)
	}
	if created.Status != "ok" {
		t.Fatalf("create = %+v", created)
	}
	id := created.Data.(map[string]interface{})["id"].(string)
	url := ts.URL + "/upload/range/" + id

	// out of order: tail first
	if resp := rangePut(t, url, "bytes 5-9/10", []byte("56789"), nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("tail put status = %d", resp.StatusCode)
	}
	if resp := rangePut(t, url, "bytes 0-4/10", []byte("01234"), nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("head put status = %d", resp.StatusCode)
	}

	var status JsonResult
	if err := httplib.Get(url).ToJSON(&status); err != nil {
		t.Fatal(err)
	}
	if got := status.Data.(map[string]interface{})["bytesReceived"].(float64); got != 10 {
		t.Fatalf("bytesReceived = %v", got)
	}

	var done JsonResult
	if err := httplib.Post(url + "/complete").ToJSON(&done); err != nil {
		t.Fatal(err)
	}
	if done.Status != "ok" {
		t.Fatalf("complete = %+v", done)
	}
	data, err := os.ReadFile(filepath.Join(uploadDir, "ranged.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "0123456789" {
		t.Fatalf("stored %q", data)
	}
}

func TestUploadMultipartLargeBody(t *testing.T) {
	ts, _, uploadDir := newTestServer(t, "")
	src := filepath.Join(t.TempDir(), "large.bin")
	// several times the pipeline buffer so the parts spool to disk
	payload := bytes.Repeat([]byte("0123456789abcdef"), 20000)
	if err := os.WriteFile(src, payload, 0664); err != nil {
		t.Fatal(err)
	}

	var result JsonResult
	req := httplib.Post(ts.URL + "/upload")
	req.PostFile("file", src)
	if err := req.ToJSON(&result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "ok" {
		t.Fatalf("result = %+v", result)
	}
	data, err := os.ReadFile(filepath.Join(uploadDir, "large.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("stored bytes differ")
	}
}

func TestRangePutBeyondMaxFileSize(t *testing.T) {
	ts, _, _ := newTestServer(t, "max_file_size: 100\n")
	var created JsonResult
	req := httplib.Post(ts.URL + "/upload/range")
	req.Param("filename", "huge.bin")
	// no size declared, the server cap must still bound the span
	if err := req.ToJSON(&created); err != nil {
		t.Fatal(err)
	}
	id := created.Data.(map[string]interface{})["id"].(string)
	resp := rangePut(t, ts.URL+"/upload/range/"+id, "bytes 0-268435455/*", []byte("tiny"), nil)
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
}

func TestRangeUploadMismatchedTotal(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	var created JsonResult
	req := httplib.Post(ts.URL + "/upload/range")
	req.Param("filename", "m.bin")
	req.Param("size", "10")
	if err := req.ToJSON(&created); err != nil {
		t.Fatal(err)
	}
	id := created.Data.(map[string]interface{})["id"].(string)
	resp := rangePut(t, ts.URL+"/upload/range/"+id, "bytes 0-4/99", []byte("01234"), nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestRangeUploadOwnership(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	var created JsonResult
	req := httplib.Post(ts.URL + "/upload/range")
	req.Param("filename", "own.bin")
	req.Param("size", "5")
	req.Header("X-Client-Id", "alice")
	if err := req.ToJSON(&created); err != nil {
		t.Fatal(err)
	}
	id := created.Data.(map[string]interface{})["id"].(string)
	url := ts.URL + "/upload/range/" + id

	resp := rangePut(t, url, "bytes 0-4/5", []byte("12345"), map[string]string{"X-Client-Id": "mallory"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	resp = rangePut(t, url, "bytes 0-4/5", []byte("12345"), map[string]string{"X-Client-Id": "alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner status = %d", resp.StatusCode)
	}
}

func TestRangeUploadCancel(t *testing.T) {
	ts, srv, _ := newTestServer(t, "")
	var created JsonResult
	req := httplib.Post(ts.URL + "/upload/range")
	req.Param("filename", "c.bin")
	req.Param("size", "5")
	if err := req.ToJSON(&created); err != nil {
		t.Fatal(err)
	}
	id := created.Data.(map[string]interface{})["id"].(string)

	dreq, _ := http.NewRequest(http.MethodDelete, ts.URL+"/upload/range/"+id, nil)
	resp, err := http.DefaultClient.Do(dreq)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if _, ok := srv.Manager().GetUpload(id); ok {
		t.Fatal("session survived cancel")
	}
}

func uploadFixture(t *testing.T, ts *httptest.Server, name string, payload []byte) {
	t.Helper()
	req := httplib.Post(ts.URL + "/upload?filename=" + name)
	req.Body(payload)
	var result JsonResult
	if err := req.ToJSON(&result); err != nil {
		t.Fatal(err)
	}
	if result.Status != "ok" {
		t.Fatalf("fixture upload = %+v", result)
	}
}

func TestDownloadRanges(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	uploadFixture(t, ts, "abc.txt", []byte("0123456789"))

	get := func(rangeHeader string) (*http.Response, string) {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/abc.txt", nil)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return resp, string(body)
	}

	resp, body := get("")
	if resp.StatusCode != http.StatusOK || body != "0123456789" {
		t.Fatalf("full get = %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		t.Fatal("Accept-Ranges missing")
	}

	resp, body = get("bytes=2-5")
	if resp.StatusCode != http.StatusPartialContent || body != "2345" {
		t.Fatalf("range get = %d %q", resp.StatusCode, body)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Fatalf("Content-Range = %q", cr)
	}

	// suffix range
	resp, body = get("bytes=-3")
	if resp.StatusCode != http.StatusPartialContent || body != "789" {
		t.Fatalf("suffix get = %d %q", resp.StatusCode, body)
	}

	// adjacent ranges coalesce into one
	resp, body = get("bytes=0-2,3-5")
	if resp.StatusCode != http.StatusPartialContent || body != "012345" {
		t.Fatalf("coalesced get = %d %q", resp.StatusCode, body)
	}

	// disjoint ranges fall back to the full representation
	resp, body = get("bytes=0-1,8-9")
	if resp.StatusCode != http.StatusOK || body != "0123456789" {
		t.Fatalf("disjoint get = %d %q", resp.StatusCode, body)
	}

	resp, _ = get("bytes=100-200")
	if resp.StatusCode != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("unsatisfiable = %d, want 416", resp.StatusCode)
	}
	if cr := resp.Header.Get("Content-Range"); cr != "bytes */10" {
		t.Fatalf("416 Content-Range = %q", cr)
	}

	// malformed Range is ignored
	resp, body = get("bytes=oops")
	if resp.StatusCode != http.StatusOK || body != "0123456789" {
		t.Fatalf("malformed = %d %q", resp.StatusCode, body)
	}
}

func TestDownloadUnknownFile(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/nope.bin")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestDownloadAttachmentHeader(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	uploadFixture(t, ts, "dl.bin", []byte("x"))
	resp, err := http.Get(ts.URL + "/dl.bin?download=1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if cd := resp.Header.Get("Content-Disposition"); cd == "" {
		t.Fatal("no Content-Disposition for download=1")
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	uploadFixture(t, ts, "s.bin", []byte("abcdef"))

	var status JsonResult
	if err := httplib.Get(ts.URL + "/status").ToJSON(&status); err != nil {
		t.Fatal(err)
	}
	if status.Status != "ok" {
		t.Fatalf("status = %+v", status)
	}
	sts := status.Data.(map[string]interface{})
	if sts["Up.FileCount"].(float64) != 1 {
		t.Fatalf("Up.FileCount = %v", sts["Up.FileCount"])
	}
	if sts["Up.FileTotalSize"].(float64) != 6 {
		t.Fatalf("Up.FileTotalSize = %v", sts["Up.FileTotalSize"])
	}
	if _, ok := sts["Sys.MemInfo"]; !ok {
		t.Fatal("no memory info")
	}
}

func TestTusMountedOnBigUploadPath(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/big/upload/", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Tus-Version") != "1.0.0" {
		t.Fatal("tus handler not mounted")
	}
}

func TestAuthUrlGate(t *testing.T) {
	verdict := "fail"
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, verdict)
	}))
	defer auth.Close()

	ts, _, _ := newTestServer(t, "auth_url: \""+auth.URL+"\"\n")
	req := httplib.Post(ts.URL + "/upload?filename=a.bin")
	req.Body([]byte("x"))
	resp, err := req.DoRequest()
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("denied status = %d, want 401", resp.StatusCode)
	}

	verdict = "ok"
	req = httplib.Post(ts.URL + "/upload?filename=a.bin")
	req.Body([]byte("x"))
	resp, err = req.DoRequest()
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("allowed status = %d", resp.StatusCode)
	}
}

func TestRangeEndpointsDisabled(t *testing.T) {
	ts, _, _ := newTestServer(t, "enable_range_requests: false\n")
	req := httplib.Post(ts.URL + "/upload/range")
	req.Param("filename", "x")
	resp, err := req.DoRequest()
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.StatusCode)
	}
}
