package library

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquirePIDRejectsSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")

	p1, err := AcquirePID(path)
	require.NoError(t, err)
	defer p1.Release()

	_, err = AcquirePID(path)
	require.Error(t, err)
}

func TestAcquirePIDSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pid")

	p1, err := AcquirePID(path)
	require.NoError(t, err)
	require.NoError(t, p1.Release())

	p2, err := AcquirePID(path)
	require.NoError(t, err)
	defer p2.Release()
}
