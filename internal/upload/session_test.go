package upload

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	dir := t.TempDir()
	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(dir, "files")
	}
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(dir, "tmp")
	}
	return NewManager(cfg, nil)
}

func mustCreate(t *testing.T, m *Manager, opt CreateOptions) *Session {
	t.Helper()
	s, err := m.CreateUpload(opt)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSequentialWriteAndComplete(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "data.bin", ClientID: "c1", TotalSize: 30})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	first := bytes.Repeat([]byte{'a'}, 10)
	second := bytes.Repeat([]byte{'b'}, 20)
	if err := s.WriteChunk(first); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk(second); err != nil {
		t.Fatal(err)
	}
	if got := s.BytesReceived(); got != 30 {
		t.Fatalf("bytesReceived = %d, want 30", got)
	}
	if err := s.Complete(); err != nil {
		t.Fatal(err)
	}
	if s.Status() != StatusCompleted {
		t.Fatalf("status = %s", s.Status())
	}
	if s.FinalPath() == "" {
		t.Fatal("finalPath empty after completion")
	}
	data, err := os.ReadFile(s.FinalPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, append(first, second...)) {
		t.Fatal("final file does not equal concatenation of writes")
	}
}

func TestZeroLengthChunkIsNoop(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "z", ClientID: "c1", TotalSize: 5})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk(nil); err != nil {
		t.Fatal(err)
	}
	if s.BytesReceived() != 0 {
		t.Fatalf("bytesReceived = %d", s.BytesReceived())
	}
}

func TestWriteBeforeOpenFails(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "x", ClientID: "c1", TotalSize: 5})
	err := s.WriteChunk([]byte("abc"))
	if !IsKind(err, KindInvalidState) {
		t.Fatalf("err = %v, want invalid state", err)
	}
}

func TestOpenForWritingIdempotentWhileInProgress(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "x", ClientID: "c1", TotalSize: 5})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	if err := s.OpenForWriting(); err != nil {
		t.Fatalf("second open: %v", err)
	}
	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}
	if err := s.OpenForWriting(); !IsKind(err, KindInvalidState) {
		t.Fatalf("open after cancel = %v", err)
	}
}

func TestRangeChunksOutOfOrder(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "r.bin", ClientID: "c1", TotalSize: 10, SupportsRange: true})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	// tail first, then head
	if err := s.WriteRangeChunk([]byte("56789"), 5, 9); err != nil {
		t.Fatal(err)
	}
	if s.BytesReceived() != 10 {
		t.Fatalf("bytesReceived = %d, want 10", s.BytesReceived())
	}
	if err := s.WriteRangeChunk([]byte("01234"), 0, 4); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(s.FinalPath())
	if string(data) != "0123456789" {
		t.Fatalf("final bytes = %q", data)
	}
}

func TestStrictRangeRequiresContiguousOffset(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "s.bin", ClientID: "c1", TotalSize: 10})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	err := s.WriteRangeChunk([]byte("56789"), 5, 9)
	if !IsKind(err, KindOffsetMismatch) {
		t.Fatalf("err = %v, want offset mismatch", err)
	}
	if s.BytesReceived() != 0 {
		t.Fatalf("bytesReceived mutated to %d", s.BytesReceived())
	}
}

func TestRangeLengthMismatchRejected(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "s.bin", ClientID: "c1", TotalSize: 10, SupportsRange: true})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRangeChunk([]byte("abc"), 0, 9); err == nil {
		t.Fatal("length mismatch accepted")
	}
}

func TestChecksumMismatchRetainsTempFile(t *testing.T) {
	m := testManager(t, Config{EnableIntegrityCheck: true})
	s := mustCreate(t, m, CreateOptions{
		Filename:         "sum.bin",
		ClientID:         "c1",
		TotalSize:        4,
		ExpectedChecksum: "deadbeefdeadbeefdeadbeefdeadbeef",
	})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	err := s.Complete()
	if !IsKind(err, KindChecksumMismatch) {
		t.Fatalf("err = %v, want checksum mismatch", err)
	}
	if s.Status() != StatusFailed {
		t.Fatalf("status = %s, want failed", s.Status())
	}
	if s.FinalPath() != "" {
		t.Fatal("finalPath set after failed completion")
	}
	if _, err := os.Stat(s.TempPath()); err != nil {
		t.Fatalf("temp file not retained: %v", err)
	}
}

func TestChecksumMatchCaseInsensitive(t *testing.T) {
	payload := []byte("hello upload")
	sum := md5.Sum(payload)
	expected := hex.EncodeToString(sum[:])
	m := testManager(t, Config{EnableIntegrityCheck: true})
	s := mustCreate(t, m, CreateOptions{
		Filename:         "ok.bin",
		ClientID:         "c1",
		TotalSize:        int64(len(payload)),
		ExpectedChecksum: string(bytes.ToUpper([]byte(expected))),
	})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk(payload); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); err != nil {
		t.Fatal(err)
	}
	if s.ActualChecksum() != expected {
		t.Fatalf("actual = %s, want %s", s.ActualChecksum(), expected)
	}
}

func TestCompleteIncompleteFails(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "x", ClientID: "c1", TotalSize: 10})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); !IsKind(err, KindInvalidState) {
		t.Fatalf("err = %v, want invalid state", err)
	}
	if s.Status() != StatusInProgress {
		t.Fatalf("status = %s", s.Status())
	}
}

func TestCompleteUnknownTotalSize(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "u", ClientID: "c1", TotalSize: -1})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteChunk([]byte("streamed")); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); err != nil {
		t.Fatal(err)
	}
	if s.TotalSize() != 8 {
		t.Fatalf("totalSize = %d after completion", s.TotalSize())
	}
}

func TestCompleteRetryAfterRenameFailure(t *testing.T) {
	dir := t.TempDir()
	uploadDir := filepath.Join(dir, "files")
	// occupy the upload dir path with a plain file so the first
	// completion attempt cannot land
	if err := os.WriteFile(uploadDir, []byte("blocker"), 0664); err != nil {
		t.Fatal(err)
	}
	m := NewManager(Config{UploadDir: uploadDir, TempDir: filepath.Join(dir, "tmp")}, nil)
	s := mustCreate(t, m, CreateOptions{Filename: "late.bin", ClientID: "c1", TotalSize: 10, SupportsRange: true})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	// out of order so the retry has to rescan the still-open temp file
	if err := s.WriteRangeChunk([]byte("56789"), 5, 9); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteRangeChunk([]byte("01234"), 0, 4); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); !IsKind(err, KindIO) {
		t.Fatalf("err = %v, want io failure", err)
	}
	if s.Status() != StatusInProgress {
		t.Fatalf("status = %s after failed completion", s.Status())
	}

	if err := os.Remove(uploadDir); err != nil {
		t.Fatal(err)
	}
	if err := s.Complete(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	data, err := os.ReadFile(s.FinalPath())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "0123456789" {
		t.Fatalf("stored %q", data)
	}
}

func TestCancelDeletesTempAndIsIdempotent(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "c", ClientID: "c1", TotalSize: 4})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	tempPath := s.TempPath()
	if err := s.Cancel(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tempPath); !os.IsNotExist(err) {
		t.Fatal("temp file not removed on cancel")
	}
	if err := s.Cancel(); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if err := s.WriteChunk([]byte("x")); !IsKind(err, KindInvalidState) {
		t.Fatalf("write after cancel = %v", err)
	}
}

func TestBusySessionRejectsSecondWriter(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "b", ClientID: "c1", TotalSize: 100})
	if err := s.OpenForWriting(); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock() // simulate an in-flight write holding the session lock
	defer s.mu.Unlock()
	if err := s.WriteChunk([]byte("x")); !IsKind(err, KindBusy) {
		t.Fatalf("err = %v, want busy", err)
	}
	if err := s.Cancel(); !IsKind(err, KindBusy) {
		t.Fatalf("cancel err = %v, want busy", err)
	}
}

func TestIsExpired(t *testing.T) {
	m := testManager(t, Config{})
	s := mustCreate(t, m, CreateOptions{Filename: "e", ClientID: "c1", TotalSize: 1})
	if s.IsExpired(time.Hour) {
		t.Fatal("fresh session reported expired")
	}
	if !s.IsExpired(0) {
		// any elapsed time exceeds a zero timeout
		t.Fatal("zero timeout never expires")
	}
}

func TestFinalPathCollisionSuffix(t *testing.T) {
	m := testManager(t, Config{})
	for i := 0; i < 2; i++ {
		s := mustCreate(t, m, CreateOptions{Filename: "same.txt", ClientID: "c1", TotalSize: 1})
		if err := s.OpenForWriting(); err != nil {
			t.Fatal(err)
		}
		if err := s.WriteChunk([]byte{'x'}); err != nil {
			t.Fatal(err)
		}
		if err := s.Complete(); err != nil {
			t.Fatal(err)
		}
		want := "same.txt"
		if i == 1 {
			want = "1_same.txt"
		}
		if filepath.Base(s.FinalPath()) != want {
			t.Fatalf("finalPath = %s, want %s", s.FinalPath(), want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"report.pdf":          "report.pdf",
		"../../etc/passwd":    "passwd",
		"dir/sub/name.txt":    "name.txt",
		"a..b.txt":            "a_b.txt",
		"..":                  "unnamed",
		"":                    "unnamed",
		"C:\\Users\\x\\f.doc": "f.doc",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
