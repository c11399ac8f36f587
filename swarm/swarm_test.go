package swarm

import (
	"context"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/core"
	"github.com/btpd/btpd-sub000/peer"
)

type recordingDispatch struct {
	conns chan *peer.Conn
}

func (d *recordingDispatch) DispatchConn(c *peer.Conn) {
	d.conns <- c
}

func TestAcceptAndDialHandshake(t *testing.T) {
	serverID, err := core.RandomPeerID()
	require.NoError(t, err)
	infoHash := core.NewInfoHashFromBytes([]byte("swarm-test"))

	dispatch := &recordingDispatch{conns: make(chan *peer.Conn, 1)}
	s := New(Config{ListenAddr: "127.0.0.1:0"}, serverID, tally.NoopScope, clock.New(),
		zap.NewNop().Sugar(), func(h core.InfoHash) bool { return h == infoHash }, dispatch)
	require.NoError(t, s.Start())
	defer s.Stop()

	client, err := s.Dial(context.Background(), s.Addr().String(), serverID, infoHash)
	require.NoError(t, err)
	defer client.Close()
	require.Equal(t, serverID, client.PeerID())

	select {
	case c := <-dispatch.conns:
		defer c.Close()
		// Both ends of the loopback connection belong to s: the outbound
		// Dial and the inbound accept each hold one slot.
		require.Equal(t, 2, s.NumConns())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestFDBudgetRejectsBeyondMax(t *testing.T) {
	serverID, err := core.RandomPeerID()
	require.NoError(t, err)
	infoHash := core.NewInfoHashFromBytes([]byte("fd-budget"))

	dispatch := &recordingDispatch{conns: make(chan *peer.Conn, 4)}
	s := New(Config{ListenAddr: "127.0.0.1:0", MaxConns: 0}, serverID, tally.NoopScope, clock.New(),
		zap.NewNop().Sugar(), func(h core.InfoHash) bool { return h == infoHash }, dispatch)
	require.NoError(t, s.Start())
	defer s.Stop()

	s.mu.Lock()
	s.config.MaxConns = 1
	s.numConns = 1
	s.mu.Unlock()

	_, err = s.Dial(context.Background(), s.Addr().String(), serverID, infoHash)
	require.Error(t, err)
}
