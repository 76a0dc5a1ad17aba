package stream

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/sjqzhang/go-upload/internal/upload"
)

// ErrTruncatedBody indicates the connection ended before the declared
// Content-Length (or Content-Range span) was delivered.
var ErrTruncatedBody = errors.New("stream: body shorter than declared length")

const defaultBufferSize = 64 * 1024

// diskThreshold is the body size above which buffering in memory stops
// being reasonable and the payload goes straight to the session's temp
// file.
const DefaultDiskThreshold = 8 * 1024 * 1024

// Pipeline feeds a request body into an upload session in bounded
// fragments. It never holds more than one buffer of payload in memory.
type Pipeline struct {
	bufferSize int
	maxRate    int64 // bytes per second, 0 means unlimited
}

func NewPipeline(bufferSize int, maxRate int64) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Pipeline{bufferSize: bufferSize, maxRate: maxRate}
}

// Consume reads the body to exhaustion and appends it to the session.
// contentLength bounds the read when non-negative; chunked selects the
// transfer decoder for bodies the HTTP layer has not already decoded.
// Returns the byte count delivered to the session.
func (p *Pipeline) Consume(s *upload.Session, r io.Reader, contentLength int64, chunked bool) (int64, error) {
	if chunked {
		r = NewChunkedReader(r)
	} else if contentLength >= 0 {
		r = io.LimitReader(r, contentLength)
	}
	if p.maxRate > 0 {
		r = NewRateLimitedReader(r, p.maxRate)
	}
	buf := make([]byte, p.bufferSize)
	var written int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.WriteChunk(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
	}
	if contentLength >= 0 && !chunked && written != contentLength {
		return written, ErrTruncatedBody
	}
	return written, nil
}

// ConsumeAt is the range variant of Consume: the body covers exactly the
// byte span [start, end] of the session's file, fed in bufferSize
// fragments so a client-declared span never sits in memory whole. The
// session's declared size bounds the writes, so an oversized span fails
// on its first fragment.
func (p *Pipeline) ConsumeAt(s *upload.Session, r io.Reader, start, end int64) (int64, error) {
	length := end - start + 1
	r = io.LimitReader(r, length)
	if p.maxRate > 0 {
		r = NewRateLimitedReader(r, p.maxRate)
	}
	buf := make([]byte, p.bufferSize)
	var written int64
	pos := start
	for written < length {
		want := length - written
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			if werr := s.WriteRangeChunk(buf[:n], pos, pos+int64(n)-1); werr != nil {
				return written, werr
			}
			pos += int64(n)
			written += int64(n)
		}
		if err != nil {
			return written, ErrTruncatedBody
		}
	}
	return written, nil
}

// ConsumeSequential feeds a gapless append body starting at offset. Each
// fragment must land exactly at the session's current end, which the
// session re-validates under its lock, so two racing bodies cannot
// interleave: the loser fails with an offset mismatch on its next
// fragment.
func (p *Pipeline) ConsumeSequential(s *upload.Session, r io.Reader, offset int64) (int64, error) {
	if p.maxRate > 0 {
		r = NewRateLimitedReader(r, p.maxRate)
	}
	buf := make([]byte, p.bufferSize)
	var written int64
	pos := offset
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.WriteRangeChunk(buf[:n], pos, pos+int64(n)-1); werr != nil {
				return written, werr
			}
			pos += int64(n)
			written += int64(n)
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

// ShouldStreamToDisk decides whether a body is written incrementally to
// the temp file or may be buffered. Anything large, of unknown size, or
// an opaque binary type streams.
func ShouldStreamToDisk(contentType string, contentLength, threshold int64) bool {
	if threshold <= 0 {
		threshold = DefaultDiskThreshold
	}
	if contentLength < 0 || contentLength > threshold {
		return true
	}
	ct := contentType
	if semi := strings.IndexByte(ct, ';'); semi >= 0 {
		ct = ct[:semi]
	}
	ct = strings.ToLower(strings.TrimSpace(ct))
	switch {
	case ct == "application/octet-stream":
		return true
	case strings.HasPrefix(ct, "multipart/"):
		return true
	case strings.HasPrefix(ct, "video/"), strings.HasPrefix(ct, "audio/"):
		return true
	}
	return false
}

// RateLimitedReader throttles reads to roughly rate bytes per second by
// sleeping off the debt after each read. Good enough for an upload cap;
// not a token bucket.
type RateLimitedReader struct {
	r     io.Reader
	rate  int64
	start time.Time
	total int64
}

func NewRateLimitedReader(r io.Reader, bytesPerSecond int64) *RateLimitedReader {
	return &RateLimitedReader{r: r, rate: bytesPerSecond, start: time.Now()}
}

func (l *RateLimitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.total += int64(n)
	if l.rate > 0 && n > 0 {
		expected := time.Duration(float64(l.total) / float64(l.rate) * float64(time.Second))
		if elapsed := time.Since(l.start); elapsed < expected {
			time.Sleep(expected - elapsed)
		}
	}
	return n, err
}
