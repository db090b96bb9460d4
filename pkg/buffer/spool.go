package buffer

import (
	"bytes"
	"io"
	"os"

	"github.com/emweb-io/emweb/pkg/errors"
)

const (
	// DefaultSpoolMemory is the in-memory stage size used when a Spool is
	// created without an explicit threshold.
	DefaultSpoolMemory = 1024 * 1024 // 1MB
)

// Spool accumulates a message body in two stages. Small payloads live in
// a compacting Buffer; the first write that would cross the memory
// threshold moves the accumulated bytes to a file in the configured
// directory and every later write streams straight to disk, so the
// in-memory stage never holds more than the threshold.
//
// A Spool is owned by the fiber that created it and is not safe for
// concurrent use; after the first I/O failure it is poisoned and every
// subsequent operation returns that failure.
type Spool struct {
	mem    *Buffer
	dir    string // "" selects the system temp directory
	limit  int
	file   *os.File
	path   string
	size   int64
	closed bool
	fail   error
}

// NewSpool creates a Spool spilling to the system temp directory above
// limit bytes.
func NewSpool(limit int64) *Spool {
	return NewSpoolIn("", limit)
}

// NewSpoolIn creates a Spool whose overflow file is placed in dir.
func NewSpoolIn(dir string, limit int64) *Spool {
	if limit <= 0 {
		limit = DefaultSpoolMemory
	}
	return &Spool{
		mem:   New(int(limit)),
		dir:   dir,
		limit: int(limit),
	}
}

// Write stores p, moving to the disk stage when the memory stage would
// overflow.
func (s *Spool) Write(p []byte) (int, error) {
	if s.closed {
		return 0, errors.NewBadState("write", "spool is closed")
	}
	if s.fail != nil {
		return 0, s.fail
	}

	if s.file == nil {
		if s.mem.Len()+len(p) <= s.limit {
			s.mem.Write(p)
			s.size += int64(len(p))
			return len(p), nil
		}
		if err := s.spill(); err != nil {
			s.fail = err
			return 0, err
		}
	}

	written := 0
	for written < len(p) {
		n, err := s.file.Write(p[written:])
		written += n
		if err != nil {
			s.fail = errors.Wrap(errors.KindMemory, "spool", "writing overflow file", err)
			s.size += int64(written)
			return written, s.fail
		}
	}
	s.size += int64(len(p))
	return len(p), nil
}

// spill opens the overflow file and drains the memory stage into it.
// From here on the Spool is in the disk stage for good.
func (s *Spool) spill() error {
	dir := s.dir
	if dir == "" {
		dir = os.TempDir()
	}
	file, err := os.CreateTemp(dir, "emweb-body-")
	if err != nil {
		return errors.Wrap(errors.KindMemory, "spool", "creating overflow file", err)
	}

	window := s.mem.Bytes()
	for len(window) > 0 {
		n, err := file.Write(window)
		window = window[n:]
		if err != nil {
			file.Close()
			os.Remove(file.Name())
			return errors.Wrap(errors.KindMemory, "spool", "draining memory stage", err)
		}
	}

	s.file = file
	s.path = file.Name()
	s.mem.Reset()
	return nil
}

// Len returns the total number of bytes written.
func (s *Spool) Len() int64 {
	return s.size
}

// IsSpilled reports whether the payload reached the disk stage.
func (s *Spool) IsSpilled() bool {
	return s.file != nil
}

// Path returns the overflow file path, or "" while the payload is still
// in memory.
func (s *Spool) Path() string {
	return s.path
}

// Bytes returns a copy of the whole payload regardless of stage. Spilled
// payloads are read back from the overflow file.
func (s *Spool) Bytes() ([]byte, error) {
	if s.closed {
		return nil, errors.NewBadState("read", "spool is closed")
	}
	if s.fail != nil {
		return nil, s.fail
	}
	if s.file == nil {
		return append([]byte(nil), s.mem.Bytes()...), nil
	}
	if err := s.file.Sync(); err != nil {
		return nil, errors.NewReadError("syncing overflow file", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.NewReadError("reading overflow file", err)
	}
	return data, nil
}

// Reader provides a fresh reader over the payload.
func (s *Spool) Reader() (io.ReadCloser, error) {
	if s.closed {
		return nil, errors.NewBadState("read", "spool is closed")
	}
	if s.fail != nil {
		return nil, s.fail
	}
	if s.file == nil {
		return io.NopCloser(bytes.NewReader(s.mem.Bytes())), nil
	}
	if err := s.file.Sync(); err != nil {
		return nil, errors.NewReadError("syncing overflow file", err)
	}
	file, err := os.Open(s.path)
	if err != nil {
		return nil, errors.NewReadError("opening overflow file", err)
	}
	return file, nil
}

// Close releases both stages, unlinking the overflow file. Idempotent.
func (s *Spool) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.mem.Reset()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	if removeErr := os.Remove(s.path); removeErr != nil && err == nil {
		err = removeErr
	}
	s.file = nil
	if err != nil {
		return errors.Wrap(errors.KindMemory, "spool", "releasing overflow file", err)
	}
	return nil
}
