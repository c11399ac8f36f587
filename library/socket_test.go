package library

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenCreatesOwnerOnlySocket(t *testing.T) {
	dir := t.TempDir()

	l, err := Listen(dir)
	require.NoError(t, err)
	defer l.Close()

	st, err := os.Stat(SocketPath(dir))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), st.Mode().Perm())
}

func TestListenRemovesStaleSocketFile(t *testing.T) {
	dir := t.TempDir()

	l1, err := Listen(dir)
	require.NoError(t, err)
	// A unix listener unlinks its socket file on Close by default; turn
	// that off so the file stays behind, simulating an unclean shutdown.
	l1.(*net.UnixListener).SetUnlinkOnClose(false)
	l1.Close()

	l2, err := Listen(dir)
	require.NoError(t, err)
	defer l2.Close()
}

func TestListenRejectsWhenSocketInUse(t *testing.T) {
	dir := t.TempDir()

	l, err := Listen(dir)
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(dir)
	require.Error(t, err)
}
