package gotq

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/juju/errors"
)

// ErrorKind classifies job errors.
type ErrorKind int

const (
	// KindDownload is the generic "did not complete" kind, and the kind of
	// any error that carries no classification.
	KindDownload ErrorKind = iota
	KindCommunication
	KindChecksum
	KindDiskFull
	KindIO
	KindLock
)

func (k ErrorKind) String() string {
	switch k {
	case KindCommunication:
		return "communication"
	case KindChecksum:
		return "checksum"
	case KindDiskFull:
		return "disk full"
	case KindIO:
		return "io"
	case KindLock:
		return "lock"
	}
	return "download"
}

// Error is a classified job error.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {

	if e.Err == nil {
		switch e.Kind {
		case KindChecksum:
			return "checksum failed to validate for download"
		case KindLock:
			return "failed to acquire lock, the job is already running"
		}
		return "download failed"
	}

	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server responded with status %d: %s", e.Code, e.Body)
}

// DiskFullError carries both sides of a failed disk-space preflight.
type DiskFullError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *DiskFullError) Error() string {
	return fmt.Sprintf(
		"not enough disk space in %s: %s required, %s available",
		e.Path, humanize.IBytes(e.Required), humanize.IBytes(e.Available),
	)
}

var (
	// ErrChecksum is a hash mismatch after a chunk was written.
	ErrChecksum = &Error{Kind: KindChecksum}

	// ErrLocked is returned when a job is asked to run twice at the same time.
	ErrLocked = &Error{Kind: KindLock}

	// ErrIncomplete is returned when a job exhausted its attempts without
	// verifying every chunk.
	ErrIncomplete = &Error{Kind: KindDownload}
)

func communicationError(err error) error {
	return &Error{Kind: KindCommunication, Err: err}
}

func ioError(err error) error {
	return &Error{Kind: KindIO, Err: err}
}

func diskFullError(path string, required, available uint64) error {
	return &Error{Kind: KindDiskFull, Err: &DiskFullError{
		Path:      path,
		Required:  required,
		Available: available,
	}}
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) ErrorKind {

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindDownload
}

// IsRetryable reports whether a chunk attempt that failed with err may be
// attempted again.
func IsRetryable(err error) bool {

	switch KindOf(err) {
	case KindCommunication, KindChecksum, KindLock:
		return true
	}

	return false
}
