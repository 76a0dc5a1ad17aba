// Package stream bridges the HTTP engine's incremental body delivery to
// an upload session: chunked-transfer decoding, bounded-body accounting
// and the stream-to-disk routing decision.
package stream

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
)

var (
	// ErrInvalidChunk indicates a malformed chunk-size line or a
	// truncated chunk/trailer. The connection cannot be reused after it.
	ErrInvalidChunk = errors.New("stream: invalid chunk framing")
	// ErrChunkTooLarge indicates a chunk-size token beyond the sane cap.
	ErrChunkTooLarge = errors.New("stream: chunk size too large")
)

// maxChunkSize bounds a single transfer chunk so a hostile size line
// cannot make the reader commit to gigabytes.
const maxChunkSize = 16 * 1024 * 1024

// ChunkedReader decodes an HTTP/1.1 chunked-transfer-encoded body:
// a hex size line, CRLF, payload, CRLF, repeated until a zero-size
// chunk, optionally followed by trailer lines. Payloads are surfaced
// directly; nothing is assembled in memory.
type ChunkedReader struct {
	reader    *bufio.Reader
	remaining int64
	done      bool
	err       error
}

func NewChunkedReader(r io.Reader) *ChunkedReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &ChunkedReader{reader: br}
}

func (c *ChunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.done {
		return 0, io.EOF
	}
	if c.remaining == 0 {
		if err := c.readSizeLine(); err != nil {
			c.err = err
			return 0, err
		}
		if c.done {
			return 0, io.EOF
		}
	}
	toRead := int64(len(p))
	if toRead > c.remaining {
		toRead = c.remaining
	}
	n, err := c.reader.Read(p[:toRead])
	c.remaining -= int64(n)
	if err != nil {
		if err == io.EOF {
			// body ended inside a chunk
			err = ErrInvalidChunk
		}
		c.err = err
		return n, err
	}
	if c.remaining == 0 {
		if err := c.consumeCRLF(); err != nil {
			c.err = err
			return n, err
		}
	}
	return n, nil
}

// readSizeLine parses "<hex-size>[;ext]\r\n". A zero size marks the
// terminal chunk; its trailers are consumed up to the blank line.
func (c *ChunkedReader) readSizeLine() error {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return ErrInvalidChunk
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if semi := strings.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return ErrInvalidChunk
	}
	size, err := strconv.ParseInt(token, 16, 64)
	if err != nil || size < 0 {
		return ErrInvalidChunk
	}
	if size > maxChunkSize {
		return ErrChunkTooLarge
	}
	if size == 0 {
		c.done = true
		return c.consumeTrailers()
	}
	c.remaining = size
	return nil
}

func (c *ChunkedReader) consumeCRLF() error {
	var buf [2]byte
	if _, err := io.ReadFull(c.reader, buf[:]); err != nil {
		return ErrInvalidChunk
	}
	if buf[0] == '\n' {
		// lenient: bare LF, un-read what we grabbed past it
		return c.reader.UnreadByte()
	}
	if buf[0] != '\r' || buf[1] != '\n' {
		return ErrInvalidChunk
	}
	return nil
}

// consumeTrailers reads trailer lines after the terminal chunk until the
// blank line. A body that ends before the blank line is truncated.
func (c *ChunkedReader) consumeTrailers() error {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return ErrInvalidChunk
		}
		if line == "\r\n" || line == "\n" {
			return nil
		}
	}
}
