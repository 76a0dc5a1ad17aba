package upload

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sjqzhang/seelog"
)

// Status is the session state. Completed, Cancelled and Failed are
// terminal: no operation may mutate the session afterwards.
type Status int32

const (
	StatusPending Status = iota
	StatusInProgress
	StatusCompleted
	StatusCancelled
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Session is the mutable record of one upload attempt. All writes go
// through the session mutex; a held mutex makes concurrent writers fail
// with KindBusy instead of queueing.
type Session struct {
	id            string
	filename      string
	contentType   string
	ownerClientID string
	supportsRange bool
	metadata      map[string]string

	totalSize     int64 // -1 until declared or completed
	tempDir       string
	uploadDir     string
	sumAlg        string
	expectedSum   string

	mu            sync.Mutex
	file          *os.File
	tempPath      string
	finalPath     string
	digest        hash.Hash
	needRescan    bool // positioned write broke the rolling digest
	actualSum     string
	createdAt     time.Time

	// read without the session lock by stats and the expiry sweep
	status        int32
	bytesReceived int64
	lastActivity  int64 // unix nano

	recorder recorder // optional persistence hook, may be nil
}

type recorder interface {
	saveSession(s *Session)
}

func newSession(id string, opt CreateOptions, tempDir, uploadDir, sumAlg string) *Session {
	s := &Session{
		id:            id,
		filename:      SanitizeFilename(opt.Filename),
		contentType:   opt.ContentType,
		ownerClientID: opt.ClientID,
		supportsRange: opt.SupportsRange,
		metadata:      opt.Metadata,
		totalSize:     opt.TotalSize,
		tempDir:       tempDir,
		uploadDir:     uploadDir,
		sumAlg:        sumAlg,
		expectedSum:   opt.ExpectedChecksum,
		digest:        newDigest(sumAlg),
		createdAt:     time.Now(),
	}
	s.touch()
	return s
}

func newDigest(alg string) hash.Hash {
	if strings.ToLower(alg) == "sha1" {
		return sha1.New()
	}
	return md5.New()
}

// SanitizeFilename strips directories and parent references from a
// client-supplied name so it is safe to join under the upload dir.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "/" {
		return "unnamed"
	}
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.Trim(name, ". ")
	if name == "" {
		name = "unnamed"
	}
	return name
}

func (s *Session) ID() string            { return s.id }
func (s *Session) Filename() string      { return s.filename }
func (s *Session) ContentType() string   { return s.contentType }
func (s *Session) Owner() string         { return s.ownerClientID }
func (s *Session) SupportsRange() bool   { return s.supportsRange }
func (s *Session) CreatedAt() time.Time  { return s.createdAt }
func (s *Session) ExpectedChecksum() string { return s.expectedSum }

func (s *Session) Metadata() map[string]string {
	m := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		m[k] = v
	}
	return m
}

func (s *Session) Status() Status {
	return Status(atomic.LoadInt32(&s.status))
}

func (s *Session) BytesReceived() int64 {
	return atomic.LoadInt64(&s.bytesReceived)
}

// TotalSize is -1 while the declared length is unknown.
func (s *Session) TotalSize() int64 {
	return atomic.LoadInt64(&s.totalSize)
}

func (s *Session) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

// FinalPath is non-empty exactly when the session completed.
func (s *Session) FinalPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalPath
}

// TempPath exists only while the session is in progress (and, for
// diagnosis, after a checksum failure).
func (s *Session) TempPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tempPath
}

// ActualChecksum is the hex digest over the written bytes, available
// after completion was attempted.
func (s *Session) ActualChecksum() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actualSum
}

// IsExpired reports whether the session saw no activity for longer than
// the timeout. Lock-free so the expiry sweep never blocks on writers.
func (s *Session) IsExpired(timeout time.Duration) bool {
	return time.Since(s.LastActivity()) > timeout
}

func (s *Session) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

func (s *Session) setStatus(st Status) {
	atomic.StoreInt32(&s.status, int32(st))
}

// OpenForWriting creates the temp file and moves Pending to InProgress.
// Calling it again while InProgress is a no-op.
func (s *Session) OpenForWriting() error {
	if !s.mu.TryLock() {
		return newError(KindBusy, "session %s is being written", s.id)
	}
	defer s.mu.Unlock()
	switch s.Status() {
	case StatusInProgress:
		return nil
	case StatusPending:
	default:
		return newError(KindInvalidState, "cannot open %s session %s", s.Status(), s.id)
	}
	if err := os.MkdirAll(s.tempDir, 0775); err != nil {
		return ioError(err)
	}
	s.tempPath = filepath.Join(s.tempDir, s.id+".part")
	fp, err := os.OpenFile(s.tempPath, os.O_RDWR|os.O_CREATE, 0664)
	if err != nil {
		s.tempPath = ""
		return ioError(err)
	}
	s.file = fp
	s.setStatus(StatusInProgress)
	s.touch()
	s.record()
	return nil
}

// WriteChunk appends at the current end of the upload. A zero-length
// chunk succeeds without touching the file.
func (s *Session) WriteChunk(p []byte) error {
	if !s.mu.TryLock() {
		return newError(KindBusy, "session %s is being written", s.id)
	}
	defer s.mu.Unlock()
	return s.writeLocked(p, s.BytesReceived())
}

// WriteRangeChunk writes len(p) == end-start+1 bytes at the given
// offset. Without range support the write must start exactly at
// bytesReceived; with it, arbitrary positions are accepted and
// bytesReceived advances to max(bytesReceived, end+1).
func (s *Session) WriteRangeChunk(p []byte, start, end int64) error {
	if int64(len(p)) != end-start+1 {
		return newError(KindInvalidState, "range %d-%d does not match %d body bytes", start, end, len(p))
	}
	if !s.mu.TryLock() {
		return newError(KindBusy, "session %s is being written", s.id)
	}
	defer s.mu.Unlock()
	if !s.supportsRange && start != s.BytesReceived() {
		return newError(KindOffsetMismatch, "write at %d, session %s is at %d", start, s.id, s.BytesReceived())
	}
	return s.writeLocked(p, start)
}

// writeLocked performs the write with the session lock held. Status is
// re-checked here so a cancellation that won the lock race leaves
// nothing to write into.
func (s *Session) writeLocked(p []byte, offset int64) error {
	if s.Status() != StatusInProgress {
		return newError(KindInvalidState, "cannot write to %s session %s", s.Status(), s.id)
	}
	if len(p) == 0 {
		s.touch()
		return nil
	}
	received := s.BytesReceived()
	newEnd := offset + int64(len(p))
	total := s.TotalSize()
	if total >= 0 && newEnd > total {
		return newError(KindSizeExceeded, "write to %d exceeds declared size %d", newEnd, total)
	}
	if _, err := s.file.WriteAt(p, offset); err != nil {
		return ioError(err)
	}
	if offset == received && !s.needRescan {
		s.digest.Write(p)
	} else {
		// positioned write out of order, digest from the file at completion
		s.needRescan = true
	}
	if newEnd > received {
		atomic.StoreInt64(&s.bytesReceived, newEnd)
	}
	s.touch()
	s.record()
	return nil
}

// Complete finishes the upload: verifies byte accounting and, when an
// expected checksum was declared, the digest; then atomically renames
// the temp file under the upload directory. A checksum mismatch leaves
// the session Failed with the temp file retained for inspection.
func (s *Session) Complete() error {
	if !s.mu.TryLock() {
		return newError(KindBusy, "session %s is being written", s.id)
	}
	defer s.mu.Unlock()
	if s.Status() != StatusInProgress {
		return newError(KindInvalidState, "cannot complete %s session %s", s.Status(), s.id)
	}
	total := s.TotalSize()
	received := s.BytesReceived()
	if total >= 0 && received != total {
		return newError(KindInvalidState, "session %s has %d of %d bytes", s.id, received, total)
	}
	sum, err := s.digestLocked()
	if err != nil {
		return err
	}
	s.actualSum = sum
	if s.expectedSum != "" && !strings.EqualFold(s.expectedSum, sum) {
		// temp file deliberately retained for post-mortem inspection
		s.setStatus(StatusFailed)
		s.closeFile()
		s.record()
		return newError(KindChecksumMismatch, "session %s: declared %s, computed %s", s.id, s.expectedSum, sum)
	}
	// the handle stays open until the rename lands so a failed
	// completion can be retried against the still-open temp file
	finalPath, err := s.resolveFinalPath()
	if err != nil {
		return err
	}
	if err = os.Rename(s.tempPath, finalPath); err != nil {
		return ioError(err)
	}
	s.closeFile()
	if total < 0 {
		atomic.StoreInt64(&s.totalSize, received)
	}
	s.finalPath = finalPath
	s.tempPath = ""
	s.setStatus(StatusCompleted)
	s.touch()
	s.record()
	log.Info(fmt.Sprintf("upload complete id:%s file:%s size:%d sum:%s", s.id, finalPath, received, sum))
	return nil
}

func (s *Session) digestLocked() (string, error) {
	if !s.needRescan {
		return hex.EncodeToString(s.digest.Sum(nil)), nil
	}
	h := newDigest(s.sumAlg)
	if _, err := s.file.Seek(0, 0); err != nil {
		return "", ioError(err)
	}
	if _, err := io.Copy(h, s.file); err != nil {
		return "", ioError(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// resolveFinalPath joins the sanitized filename under the upload dir,
// suffixing deterministically on collision the way the store does for
// distinct files.
func (s *Session) resolveFinalPath() (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0775); err != nil {
		return "", ioError(err)
	}
	outPath := filepath.Join(s.uploadDir, s.filename)
	if _, err := os.Stat(outPath); err != nil {
		return outPath, nil
	}
	for i := 1; i < 10000; i++ {
		outPath = filepath.Join(s.uploadDir, fmt.Sprintf("%d_%s", i, s.filename))
		if _, err := os.Stat(outPath); err != nil {
			return outPath, nil
		}
	}
	return "", newError(KindIO, "no free name for %s", s.filename)
}

// Cancel deletes the temp file and moves the session to Cancelled.
// Idempotent when already cancelled; fails on other terminal states.
func (s *Session) Cancel() error {
	if !s.mu.TryLock() {
		return newError(KindBusy, "session %s is being written", s.id)
	}
	defer s.mu.Unlock()
	switch s.Status() {
	case StatusCancelled:
		return nil
	case StatusCompleted, StatusFailed:
		return newError(KindInvalidState, "cannot cancel %s session %s", s.Status(), s.id)
	}
	s.closeFile()
	if s.tempPath != "" {
		if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
			return ioError(err)
		}
		s.tempPath = ""
	}
	s.setStatus(StatusCancelled)
	s.touch()
	s.record()
	return nil
}

// reopenTemp reattaches a restored session to its on-disk temp file.
// Called before the session is published, so no locking.
func (s *Session) reopenTemp(tempPath string, bytesReceived int64) error {
	fp, err := os.OpenFile(tempPath, os.O_RDWR, 0664)
	if err != nil {
		return ioError(err)
	}
	fi, err := fp.Stat()
	if err != nil {
		fp.Close()
		return ioError(err)
	}
	if fi.Size() < bytesReceived {
		fp.Close()
		return newError(KindIO, "temp file %s has %d of %d recorded bytes", tempPath, fi.Size(), bytesReceived)
	}
	s.file = fp
	s.tempPath = tempPath
	atomic.StoreInt64(&s.bytesReceived, bytesReceived)
	s.setStatus(StatusInProgress)
	return nil
}

func (s *Session) closeFile() {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			log.Error(err)
		}
		s.file = nil
	}
}

func (s *Session) record() {
	if s.recorder != nil {
		s.recorder.saveSession(s)
	}
}
