package library

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/btpd/btpd-sub000/core"
)

func TestAddWritesEntryFilesAndReadInfoRoundTrips(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	hash := hashOf(1)
	info := Info{Dir: "/downloads/foo", Name: "foo"}
	require.NoError(t, r.Add(hash, []byte("d4:name3:fooe"), info))

	data, err := os.ReadFile(r.TorrentPath(hash))
	require.NoError(t, err)
	require.Equal(t, "d4:name3:fooe", string(data))

	got, err := r.ReadInfo(hash)
	require.NoError(t, err)
	require.Equal(t, info, got)
}

func TestAddRejectsDuplicateEntry(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	hash := hashOf(2)
	require.NoError(t, r.Add(hash, []byte("x"), Info{Name: "x"}))
	require.Error(t, r.Add(hash, []byte("x"), Info{Name: "x"}))
}

func TestRemoveDeletesEntryDirAndActiveRecord(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	hash := hashOf(3)
	require.NoError(t, r.Add(hash, []byte("x"), Info{Name: "x"}))
	require.NoError(t, r.MarkActive(hash))

	require.NoError(t, r.Remove(hash))

	_, err = os.Stat(filepath.Join(dir, "torrents", hash.Hex()))
	require.True(t, os.IsNotExist(err))

	active, err := r.ActiveHashes()
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestListReturnsAllRegisteredHashes(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	h1, h2 := hashOf(4), hashOf(5)
	require.NoError(t, r.Add(h1, []byte("x"), Info{Name: "x"}))
	require.NoError(t, r.Add(h2, []byte("x"), Info{Name: "x"}))

	hashes, err := r.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []core.InfoHash{h1, h2}, hashes)
}

func TestMarkActiveAndInactive(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	h1, h2, h3 := hashOf(6), hashOf(7), hashOf(8)
	require.NoError(t, r.MarkActive(h1))
	require.NoError(t, r.MarkActive(h2))
	require.NoError(t, r.MarkActive(h3))

	require.NoError(t, r.MarkInactive(h2))

	active, err := r.ActiveHashes()
	require.NoError(t, err)
	require.ElementsMatch(t, []core.InfoHash{h1, h3}, active)
}
