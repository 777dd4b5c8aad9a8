package gotq

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var chunkLogger = loggo.GetLogger("gotq.chunk")

const (
	// copyBufferSize bounds how many bytes are read between two control
	// flag checks, and therefore how long a pause takes to be observed.
	copyBufferSize = 512

	writeBufferSize = 1 << 20
)

// Chunk is a byte range of a file, both ends inclusive.
type Chunk struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range.
func (c Chunk) Len() uint64 {
	return c.End - c.Start + 1
}

// Range returns the Range header value of the chunk.
func (c Chunk) Range() string {
	return fmt.Sprintf("bytes=%d-%d", c.Start, c.End)
}

// OffsetWriter writes sequentially into an io.WriterAt starting at Offset.
type OffsetWriter struct {
	io.WriterAt
	Offset int64
}

func (w *OffsetWriter) Write(b []byte) (n int, err error) {
	n, err = w.WriteAt(b, w.Offset)
	w.Offset += int64(n)
	return n, err
}

// ContentLengthError is returned when a chunk response does not announce
// the length the manifest declares.
type ContentLengthError struct {
	Expected uint64
	Got      int64
}

func (e *ContentLengthError) Error() string {
	return fmt.Sprintf("invalid Content-Length: %d, expected %d", e.Got, e.Expected)
}

// copyChunk copies exactly size bytes from src to dst, or everything up to
// EOF when size is negative, checking flag before every read. It returns
// false when the flag was observed as Stop. Read errors are passed through
// readErr, write errors are IO errors.
func copyChunk(dst io.Writer, src io.Reader, size int64, flag *ControlFlag, progress *ProgressHandle, readErr func(error) error) (bool, error) {

	var (
		buf     = make([]byte, copyBufferSize)
		written int64
	)

	for size < 0 || written < size {

		if flag.Stopped() {
			return false, nil
		}

		want := int64(len(buf))
		if left := size - written; size >= 0 && left < want {
			want = left
		}

		n, err := src.Read(buf[:want])

		if n > 0 {

			if _, werr := dst.Write(buf[:n]); werr != nil {
				return false, ioError(errors.Trace(werr))
			}

			written += int64(n)
			progress.Add(uint64(n))
		}

		if err == io.EOF {
			if size >= 0 && written < size {
				return false, readErr(io.ErrUnexpectedEOF)
			}
			break
		}

		if err != nil {
			return false, readErr(errors.Trace(err))
		}
	}

	return true, nil
}

// stopping reports whether an error is the consequence of a pause or a
// cancelled job rather than a real failure.
func stopping(ctx context.Context, flag *ControlFlag) bool {
	return flag.Stopped() || ctx.Err() != nil
}

// DownloadChunk fetches one chunk, writes it at its offset while hashing it
// and verifies the checksum. It returns false without error when the job
// was paused before the chunk finished. Permissions are left to the caller,
// they apply once every chunk of the file is verified.
func DownloadChunk(ctx context.Context, remote *Remote, dc DownloadContext, flag *ControlFlag, progress *ProgressHandle) (bool, error) {

	if flag.Stopped() {
		progress.Set(0)
		return false, nil
	}

	res, err := remote.Chunk(ctx, dc)

	if err != nil {

		if stopping(ctx, flag) {
			progress.Set(0)
			return false, nil
		}

		return false, err
	}

	defer res.Body.Close()

	// Nothing is written unless the server announces the expected length.
	if res.ContentLength != int64(dc.Length) {
		return false, communicationError(errors.Annotatef(
			&ContentLengthError{Expected: dc.Length, Got: res.ContentLength},
			"chunk %s", dc,
		))
	}

	file, err := os.OpenFile(dc.Path, os.O_WRONLY, 0)

	if err != nil {
		return false, ioError(errors.Trace(err))
	}

	defer file.Close()

	var (
		hash = md5.New()
		out  = bufio.NewWriterSize(&OffsetWriter{file, int64(dc.Offset)}, writeBufferSize)
	)

	completed, err := copyChunk(io.MultiWriter(out, hash), res.Body, int64(dc.Length), flag, progress, communicationError)

	if ferr := out.Flush(); ferr != nil && err == nil {
		err = ioError(errors.Trace(ferr))
	}

	if err != nil {

		if stopping(ctx, flag) {
			progress.Set(0)
			return false, nil
		}

		return false, err
	}

	if !completed {
		chunkLogger.Tracef("chunk %s stopped", dc)
		progress.Set(0)
		return false, nil
	}

	if sum := hex.EncodeToString(hash.Sum(nil)); sum != dc.Checksum {
		return false, errors.Annotatef(ErrChecksum, "chunk %s: got %s, expected %s", dc, sum, dc.Checksum)
	}

	chunkLogger.Tracef("chunk %s verified, %d bytes", dc, dc.Length)

	return true, nil
}

// ValidateChunk re-reads a chunk from disk and compares its hash, without
// any network access. A short file is reported as invalid.
func ValidateChunk(dc DownloadContext, flag *ControlFlag, progress *ProgressHandle) (bool, error) {

	if flag.Stopped() {
		progress.Set(0)
		return false, nil
	}

	file, err := os.Open(dc.Path)

	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, ioError(errors.Trace(err))
	}

	defer file.Close()

	hash := md5.New()
	src := io.NewSectionReader(file, int64(dc.Offset), int64(dc.Length))

	completed, err := copyChunk(hash, src, int64(dc.Length), flag, progress, ioError)

	if errors.Is(err, io.ErrUnexpectedEOF) {
		chunkLogger.Debugf("chunk %s is truncated on disk", dc)
		return false, nil
	}

	if err != nil || !completed {
		return false, err
	}

	if sum := hex.EncodeToString(hash.Sum(nil)); sum != dc.Checksum {
		chunkLogger.Debugf("chunk %s on disk: got %s, expected %s", dc, sum, dc.Checksum)
		return false, nil
	}

	return true, nil
}
