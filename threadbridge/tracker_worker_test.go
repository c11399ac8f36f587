package threadbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/btpd/btpd-sub000/tracker"
)

func TestTrackerWorkerDeliversAnnounceResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali1800e5:peers0:e"))
	}))
	defer srv.Close()

	b := New()
	go b.Run()
	defer b.Stop()

	w := NewTrackerWorker(b)
	defer w.Stop()

	client := tracker.New(tracker.Config{AnnounceURL: srv.URL}, zap.NewNop().Sugar())

	result := make(chan *tracker.Response, 1)
	w.Announce(context.Background(), client, tracker.Request{}, func(resp *tracker.Response, err error) {
		require.NoError(t, err)
		result <- resp
	})

	select {
	case resp := <-result:
		require.Equal(t, 1800*time.Second, resp.Interval)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announce result")
	}
}
