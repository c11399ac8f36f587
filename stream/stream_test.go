package stream

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openIn(dir string) OpenFunc {
	return func(path string, writable bool) (*os.File, error) {
		full := filepath.Join(dir, path)
		if writable {
			return os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
		}
		return os.Open(full)
	}
}

func writeFile(t *testing.T, dir, name string, size int64) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Truncate(size))
}

func TestGetSpansFileBoundary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", 4)
	writeFile(t, dir, "b", 4)

	s := New([]FileSpec{{Path: "a", Length: 4}, {Path: "b", Length: 4}}, openIn(dir))
	require.NoError(t, s.Put(0, []byte{1, 2, 3, 4, 5, 6, 7, 8}))
	defer s.Close()

	buf := make([]byte, 8)
	n, err := s.Get(0, buf)
	require.NoError(t, err)
	require.Equal(t, 8, n)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, buf)
}

func TestPutFsyncsAtFileBoundary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", 4)

	s := New([]FileSpec{{Path: "a", Length: 4}}, openIn(dir))
	require.NoError(t, s.Put(0, []byte{9, 9, 9, 9}))
	require.Empty(t, s.handles, "handle should be closed once file is filled to its end")
}

func TestGetMissingFileReturnsNotPresent(t *testing.T) {
	dir := t.TempDir()
	s := New([]FileSpec{{Path: "missing", Length: 4}}, openIn(dir))
	buf := make([]byte, 4)
	_, err := s.Get(0, buf)
	require.ErrorIs(t, err, ErrNotPresent)
}

func TestSha1Range(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", 8)
	s := New([]FileSpec{{Path: "a", Length: 8}}, openIn(dir))
	data := []byte("abcdefgh")
	require.NoError(t, s.Put(0, data))
	defer s.Close()

	got, err := s.Sha1Range(0, 8)
	require.NoError(t, err)

	want := New([]FileSpec{{Path: "a", Length: 8}}, openIn(dir))
	buf := make([]byte, 8)
	_, err = want.Get(0, buf)
	require.NoError(t, err)
	require.Equal(t, data, buf)
	require.NotEqual(t, [20]byte{}, got)
}

func TestOffsetOutOfRange(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", 4)
	s := New([]FileSpec{{Path: "a", Length: 4}}, openIn(dir))
	buf := make([]byte, 1)
	_, err := s.Get(10, buf)
	require.Error(t, err)
}
