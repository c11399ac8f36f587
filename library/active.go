package library

import (
	"fmt"
	"os"

	"github.com/btpd/btpd-sub000/core"
)

const hashSize = 20

// activeFile persists the set of active info hashes as a flat file of
// fixed 20-byte records. Removal swaps the last record into the removed
// slot and truncates by one record's length (spec.md section 7's
// supplemented btpd/active.c behavior), avoiding an O(n) rewrite of every
// remaining record on every removal.
type activeFile struct {
	path string
}

// Add appends hash, without checking for duplicates (callers are expected
// to only mark a torrent active once; a duplicate entry is harmless but
// wasteful).
func (a *activeFile) Add(hash core.InfoHash) error {
	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open active file: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(hash[:]); err != nil {
		return fmt.Errorf("append active entry: %w", err)
	}
	return nil
}

// Remove deletes hash's record, if present, via swap-delete-truncate. A
// missing active file or a hash with no record is not an error.
func (a *activeFile) Remove(hash core.InfoHash) error {
	f, err := os.OpenFile(a.path, os.O_RDWR, 0644)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open active file: %w", err)
	}
	defer f.Close()

	entries, err := readEntries(f)
	if err != nil {
		return err
	}
	idx := -1
	for i, e := range entries {
		if e == hash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	last := len(entries) - 1
	if idx != last {
		entries[idx] = entries[last]
		if _, err := f.WriteAt(entries[idx][:], int64(idx*hashSize)); err != nil {
			return fmt.Errorf("rewrite swapped entry: %w", err)
		}
	}
	if err := f.Truncate(int64(last * hashSize)); err != nil {
		return fmt.Errorf("truncate active file: %w", err)
	}
	return nil
}

// List returns every hash currently recorded. A missing active file
// yields an empty, non-error result.
func (a *activeFile) List() ([]core.InfoHash, error) {
	f, err := os.Open(a.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open active file: %w", err)
	}
	defer f.Close()
	return readEntries(f)
}

func readEntries(f *os.File) ([]core.InfoHash, error) {
	data, err := os.ReadFile(f.Name())
	if err != nil {
		return nil, fmt.Errorf("read active file: %w", err)
	}
	if len(data)%hashSize != 0 {
		return nil, fmt.Errorf("active file size %d is not a multiple of %d", len(data), hashSize)
	}
	n := len(data) / hashSize
	entries := make([]core.InfoHash, n)
	for i := 0; i < n; i++ {
		copy(entries[i][:], data[i*hashSize:(i+1)*hashSize])
	}
	return entries, nil
}
