package cmd

import (
	"bytes"
	"context"
	"io"
	"net"

	bencode "github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/ipc"
)

// serveIPC accepts connections on ln in a loop, handing each off to its own
// goroutine, grounded on swarm.Swarm.acceptLoop's "accept, hand off,
// continue" shape. ctx cancellation stops the loop; ln.Close (done by the
// caller) unblocks the pending Accept.
func serveIPC(ctx context.Context, ln net.Listener, srv *ipc.Server, logger *zap.SugaredLogger) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			logger.Infow("ipc accept failed, exiting ipc loop", "error", err)
			return
		}
		go serveIPCConn(ctx, nc, srv, logger)
	}
}

// serveIPCConn reads bencoded Commands off nc until it errors or closes,
// dispatching each through srv and writing back a bencoded Response.
// Bencode's self-delimiting encoding lets a single connection carry many
// request/response round trips without a length prefix.
func serveIPCConn(ctx context.Context, nc net.Conn, srv *ipc.Server, logger *zap.SugaredLogger) {
	defer nc.Close()
	for {
		var cmd ipc.Command
		if err := bencode.Unmarshal(nc, &cmd); err != nil {
			if err != io.EOF {
				logger.Infow("ipc: decode command failed", "error", err)
			}
			return
		}
		resp := srv.Dispatch(ctx, cmd)
		var buf bytes.Buffer
		if err := bencode.Marshal(&buf, resp); err != nil {
			logger.Errorw("ipc: encode response failed", "error", err)
			return
		}
		if _, err := nc.Write(buf.Bytes()); err != nil {
			logger.Infow("ipc: write response failed", "error", err)
			return
		}
	}
}
