package gotq

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var resumeLogger = loggo.GetLogger("gotq.resume")

// ResumeFileName is the name of the resume record inside a job's output
// directory.
const ResumeFileName = ".gotq"

// ResumeRecord is the persisted form of a ResumeStore.
type ResumeRecord struct {
	JobID    string   `codec:"job_id"`
	Version  string   `codec:"job_version"`
	Verified []string `codec:"verified"`
}

// ResumeStore remembers which chunk checksums are verified on disk for one
// job. It is keyed by checksum rather than chunk index so it survives
// manifest reordering.
type ResumeStore struct {
	path string
	meta Metadata

	mu       sync.Mutex
	verified set.Strings
}

var msgpackHandle = &codec.MsgpackHandle{}

// OpenResumeStore reads the record in dir. A missing, unreadable or foreign
// record yields an empty store.
func OpenResumeStore(dir string, meta Metadata) *ResumeStore {

	s := &ResumeStore{
		path:     filepath.Join(dir, ResumeFileName),
		meta:     meta,
		verified: set.NewStrings(),
	}

	rec, err := readResumeRecord(s.path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		resumeLogger.Debugf("%s: no resume record in %s", meta, dir)

	case err != nil:
		resumeLogger.Warningf("%s: ignoring resume record: %v", meta, err)

	case rec.JobID != meta.ID || rec.Version != meta.Version:
		resumeLogger.Infof(
			"%s: resume record belongs to %s@%s, starting over",
			meta, rec.JobID, rec.Version,
		)

	default:
		s.verified = set.NewStrings(rec.Verified...)
		resumeLogger.Debugf("%s: %d verified chunks on record", meta, s.verified.Size())
	}

	return s
}

func readResumeRecord(path string) (*ResumeRecord, error) {

	f, err := os.Open(path)

	if err != nil {
		return nil, errors.Trace(err)
	}

	defer f.Close()

	rec := new(ResumeRecord)

	if err := codec.NewDecoder(bufio.NewReader(f), msgpackHandle).Decode(rec); err != nil {
		return nil, errors.Annotatef(err, "decoding %s", path)
	}

	return rec, nil
}

// Path returns the location of the record.
func (s *ResumeStore) Path() string {
	return s.path
}

// Verified returns a copy of the verified checksums.
func (s *ResumeStore) Verified() set.Strings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return set.NewStrings(s.verified.Values()...)
}

// IsVerified reports whether checksum is on record.
func (s *ResumeStore) IsVerified(checksum string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified.Contains(checksum)
}

// Set replaces the verified checksums.
func (s *ResumeStore) Set(verified set.Strings) {
	s.mu.Lock()
	s.verified = set.NewStrings(verified.Values()...)
	s.mu.Unlock()
}

// Write persists the record next to the job output, replacing the previous
// one atomically.
func (s *ResumeStore) Write() error {

	s.mu.Lock()
	rec := ResumeRecord{
		JobID:    s.meta.ID,
		Version:  s.meta.Version,
		Verified: s.verified.SortedValues(),
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return ioError(errors.Trace(err))
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ResumeFileName+".*")

	if err != nil {
		return ioError(errors.Trace(err))
	}

	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)

	if err := codec.NewEncoder(w, msgpackHandle).Encode(&rec); err != nil {
		tmp.Close()
		return errors.Annotatef(err, "encoding resume record of %s", s.meta)
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return ioError(errors.Trace(err))
	}

	if err := tmp.Close(); err != nil {
		return ioError(errors.Trace(err))
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return ioError(errors.Trace(err))
	}

	resumeLogger.Tracef("%s: wrote %d verified chunks", s.meta, len(rec.Verified))

	return nil
}

// Remove deletes the record from disk and forgets every checksum.
func (s *ResumeStore) Remove() error {

	s.mu.Lock()
	s.verified = set.NewStrings()
	s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return ioError(errors.Trace(err))
	}

	return nil
}
