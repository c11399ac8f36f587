// Package stream implements the logical byte-range view over a torrent's
// ordered file list (spec.md section 4.2, "stream"). Content is addressed
// as a single range [0, total) regardless of how many files back it; Get,
// Put, and Sha1Range translate a range into the underlying file reads and
// writes, opening files lazily through a caller-supplied OpenFunc the way
// piecereader.FileReader defers opening until the first Read.
package stream

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrNotPresent is returned by Get when the underlying file is missing,
// mirroring spec.md's "ENOENT surfaces as piece not present" rule. Every
// other OS error is treated as fatal by the caller.
var ErrNotPresent = errors.New("stream: piece not present")

// FileSpec is one file in a torrent's ordered layout.
type FileSpec struct {
	Path   string
	Length int64
}

// OpenFunc opens path for reading (writable=false) or read-write
// (writable=true), creating it if absent when writable. Get closes each read
// handle before it returns; a write handle stays open until a write reaches
// the end of its file, and Close closes any write handles still open.
type OpenFunc func(path string, writable bool) (*os.File, error)

// Stream maps byte range [0, total) onto an ordered list of files.
type Stream struct {
	files   []FileSpec
	starts  []int64 // starts[i] = logical offset of files[i]
	total   int64
	open    OpenFunc
	mu      sync.Mutex
	handles map[int]*os.File // lazily opened write handles, by file index
}

// New builds a Stream over files, using open to lazily open underlying fds.
func New(files []FileSpec, open OpenFunc) *Stream {
	starts := make([]int64, len(files))
	var total int64
	for i, f := range files {
		starts[i] = total
		total += f.Length
	}
	return &Stream{
		files:   files,
		starts:  starts,
		total:   total,
		open:    open,
		handles: make(map[int]*os.File),
	}
}

// Len returns the total logical length of the stream.
func (s *Stream) Len() int64 { return s.total }

// fileAt returns the index of the file containing logical offset off.
func (s *Stream) fileAt(off int64) (int, error) {
	if off < 0 || off >= s.total {
		return 0, fmt.Errorf("stream: offset %d out of range [0,%d)", off, s.total)
	}
	lo, hi := 0, len(s.files)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if s.starts[mid] <= off {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo, nil
}

// Get reads len(buf) bytes starting at logical offset off, spanning file
// boundaries transparently. Read-only files are opened and closed per call;
// Stream holds no read handles open between calls.
func (s *Stream) Get(off int64, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		idx, err := s.fileAt(off + int64(n))
		if err != nil {
			return n, err
		}
		fileOff := off + int64(n) - s.starts[idx]
		remaining := s.files[idx].Length - fileOff
		want := int64(len(buf) - n)
		if want > remaining {
			want = remaining
		}

		f, err := s.open(s.files[idx].Path, false)
		if err != nil {
			if os.IsNotExist(err) {
				return n, ErrNotPresent
			}
			return n, fmt.Errorf("open %s: %w", s.files[idx].Path, err)
		}
		if _, err := f.Seek(fileOff, io.SeekStart); err != nil {
			f.Close()
			return n, fmt.Errorf("seek %s: %w", s.files[idx].Path, err)
		}
		r := io.LimitReader(f, want)
		got, err := io.ReadFull(r, buf[n:int64(n)+want])
		f.Close()
		n += got
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return n, fmt.Errorf("read %s: %w", s.files[idx].Path, err)
		}
		if got == 0 {
			break
		}
	}
	return n, nil
}

// Put writes buf starting at logical offset off, spanning file boundaries.
// A write handle for a given file is kept open across calls (via the
// handles map) and fsync'd and closed once a write reaches that file's end,
// per spec.md's "fsyncs on file-close-at-boundary" rule.
func (s *Stream) Put(off int64, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for n < len(buf) {
		idx, err := s.fileAt(off + int64(n))
		if err != nil {
			return err
		}
		fileOff := off + int64(n) - s.starts[idx]
		remaining := s.files[idx].Length - fileOff
		want := int64(len(buf) - n)
		if want > remaining {
			want = remaining
		}

		f, err := s.handleFor(idx)
		if err != nil {
			return err
		}
		if _, err := f.Seek(fileOff, io.SeekStart); err != nil {
			return fmt.Errorf("seek %s: %w", s.files[idx].Path, err)
		}
		if _, err := f.Write(buf[n : int64(n)+want]); err != nil {
			return fmt.Errorf("write %s: %w", s.files[idx].Path, err)
		}
		n += int(want)

		if fileOff+want == s.files[idx].Length {
			if err := f.Sync(); err != nil {
				return fmt.Errorf("sync %s: %w", s.files[idx].Path, err)
			}
			f.Close()
			delete(s.handles, idx)
		}
	}
	return nil
}

func (s *Stream) handleFor(idx int) (*os.File, error) {
	if f, ok := s.handles[idx]; ok {
		return f, nil
	}
	f, err := s.open(s.files[idx].Path, true)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.files[idx].Path, err)
	}
	s.handles[idx] = f
	return f, nil
}

// Sha1Range returns the SHA-1 digest of the length bytes starting at off.
func (s *Stream) Sha1Range(off, length int64) ([20]byte, error) {
	h := sha1.New()
	buf := make([]byte, 32*1024)
	var read int64
	for read < length {
		want := int64(len(buf))
		if length-read < want {
			want = length - read
		}
		n, err := s.Get(off+read, buf[:want])
		if n > 0 {
			h.Write(buf[:n])
		}
		read += int64(n)
		if err != nil {
			return [20]byte{}, err
		}
		if n == 0 {
			break
		}
	}
	var sum [20]byte
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

// Close flushes and closes any write handles left open by Put.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for idx, f := range s.handles {
		if err := f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.handles, idx)
	}
	return firstErr
}
