package upload

import (
	"errors"
	"fmt"
)

// ErrorKind classifies upload failures so protocol handlers can map them
// to HTTP status codes without string matching.
type ErrorKind int

const (
	KindSizeExceeded ErrorKind = iota
	KindConcurrencyLimit
	KindNotFound
	KindBusy
	KindOffsetMismatch
	KindChecksumMismatch
	KindInvalidState
	KindIO
)

func (k ErrorKind) String() string {
	switch k {
	case KindSizeExceeded:
		return "size exceeded"
	case KindConcurrencyLimit:
		return "concurrency limit"
	case KindNotFound:
		return "not found"
	case KindBusy:
		return "busy"
	case KindOffsetMismatch:
		return "offset mismatch"
	case KindChecksumMismatch:
		return "checksum mismatch"
	case KindInvalidState:
		return "invalid state"
	case KindIO:
		return "io error"
	}
	return "unknown"
}

type UploadError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *UploadError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("upload: %s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("upload: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("upload: %s", e.Kind)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, format string, args ...interface{}) *UploadError {
	return &UploadError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func ioError(err error) *UploadError {
	return &UploadError{Kind: KindIO, Err: err}
}

// ErrNotFound builds the lookup failure for an unknown session id.
func ErrNotFound(id string) *UploadError {
	return newError(KindNotFound, "no upload session %s", id)
}

// KindOf extracts the error kind, KindIO for foreign errors.
func KindOf(err error) ErrorKind {
	var ue *UploadError
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindIO
}

func IsKind(err error, kind ErrorKind) bool {
	var ue *UploadError
	return errors.As(err, &ue) && ue.Kind == kind
}
