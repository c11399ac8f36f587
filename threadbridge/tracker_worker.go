package threadbridge

import (
	"context"

	"github.com/btpd/btpd-sub000/tracker"
)

// TrackerWorker runs HTTP tracker announces on a single dedicated worker
// goroutine (spec.md section 6.11), so a slow or unreachable tracker never
// blocks the torrent that's announcing to it.
type TrackerWorker struct {
	pool *Pool
}

// NewTrackerWorker constructs a TrackerWorker, posting results back
// through bridge.
func NewTrackerWorker(bridge *Bridge) *TrackerWorker {
	return &TrackerWorker{pool: NewPool(bridge, 16)}
}

// Announce runs client.Announce(ctx, req) on the worker goroutine and
// delivers its result through the bridge once it returns.
func (w *TrackerWorker) Announce(ctx context.Context, client *tracker.Client, req tracker.Request, deliver func(*tracker.Response, error)) {
	w.pool.Submit(
		func() (interface{}, error) {
			return client.Announce(ctx, req)
		},
		func(v interface{}, err error) {
			resp, _ := v.(*tracker.Response)
			deliver(resp, err)
		},
	)
}

// Stop stops the worker's goroutine.
func (w *TrackerWorker) Stop() { w.pool.Stop() }
