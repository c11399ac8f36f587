package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/core"
)

func newTestRequest(t *testing.T) Request {
	peerID, err := core.RandomPeerID()
	require.NoError(t, err)
	return Request{
		InfoHash: core.NewInfoHashFromBytes([]byte("tracker-test-info")),
		PeerID:   peerID,
		Port:     6881,
		Left:     1024,
		Event:    EventStarted,
	}
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		require.Equal(t, "started", r.URL.Query().Get("event"))
		// Two compact peers: 1.2.3.4:6881 and 5.6.7.8:6882.
		w.Write([]byte("d8:intervali1800e5:peers12:\x01\x02\x03\x04\x1a\xe1\x05\x06\x07\x08\x1a\xe2e"))
	}))
	defer srv.Close()

	c := New(Config{AnnounceURL: srv.URL}, zap.NewNop().Sugar())
	resp, err := c.Announce(context.Background(), newTestRequest(t))
	require.NoError(t, err)
	require.Empty(t, resp.FailureReason)
	require.Len(t, resp.Peers, 2)
	require.Equal(t, "1.2.3.4", resp.Peers[0].IP.String())
	require.Equal(t, uint16(6881), resp.Peers[0].Port)
}

func TestAnnounceReturnsFailureReasonWithoutRetry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte("d14:failure reason11:bad requeste"))
	}))
	defer srv.Close()

	c := New(Config{AnnounceURL: srv.URL}, zap.NewNop().Sugar())
	resp, err := c.Announce(context.Background(), newTestRequest(t))
	require.NoError(t, err)
	require.Equal(t, "bad request", resp.FailureReason)
	require.Equal(t, 1, calls)
}

func TestAnnounceRetriesOnServerError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("d8:intervali1800e5:peers0:e"))
	}))
	defer srv.Close()

	c := New(Config{AnnounceURL: srv.URL, MaxRetries: 3}, zap.NewNop().Sugar())
	resp, err := c.Announce(context.Background(), newTestRequest(t))
	require.NoError(t, err)
	require.Empty(t, resp.Peers)
	require.GreaterOrEqual(t, calls, 2)
}
