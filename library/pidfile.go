package library

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PIDFile holds an exclusive advisory lock on a working directory's pid
// file, preventing two daemon processes from sharing one working
// directory (spec.md section 7's supplemented btpd/btpd.c behavior),
// grounded on the flock-a-lock-file idiom used elsewhere in the example
// corpus for single-instance enforcement.
type PIDFile struct {
	f *os.File
}

// AcquirePID opens (creating if necessary) the pid file at path, takes a
// non-blocking exclusive flock on it, and writes the current process ID.
// Returns an error if another process already holds the lock.
func AcquirePID(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("library: open pid file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("library: another instance holds %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("library: truncate pid file: %w", err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("library: write pid file: %w", err)
	}
	return &PIDFile{f: f}, nil
}

// Release unlocks and closes the pid file. Safe to call once.
func (p *PIDFile) Release() error {
	defer p.f.Close()
	return unix.Flock(int(p.f.Fd()), unix.LOCK_UN)
}
