package cmd

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/ipc"
	"github.com/btpd/btpd-sub000/library"
	"github.com/btpd/btpd-sub000/torrent"
)

func TestServeIPCConnRoundTripsUnwiredCommand(t *testing.T) {
	dir := t.TempDir()
	reg, err := library.Open(dir)
	require.NoError(t, err)
	torrents := torrent.NewManager()

	srv := ipc.NewServer(reg, torrents, nil, zap.NewNop().Sugar())

	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serveIPCConn(ctx, server, srv, zap.NewNop().Sugar())

	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, ipc.Command{Name: ipc.CmdRate}))
	client.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = client.Write(buf.Bytes())
	require.NoError(t, err)

	var resp ipc.Response
	require.NoError(t, bencode.Unmarshal(client, &resp))
	require.Equal(t, ipc.FAIL, resp.Code)
}

func TestOpenInDirCreatesWritableFileAndParentDirs(t *testing.T) {
	dir := t.TempDir()
	open := openInDir(dir)

	f, err := open("nested/file.bin", true)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f2, err := open("nested/file.bin", false)
	require.NoError(t, err)
	require.NoError(t, f2.Close())
}
