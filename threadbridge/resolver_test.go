package threadbridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNameResolverDeliversLookupResult(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	lookup := func(ctx context.Context, host string) ([]string, error) {
		require.Equal(t, "tracker.example.com", host)
		return []string{"203.0.113.5"}, nil
	}
	r := newNameResolver(b, lookup)
	defer r.Stop()

	result := make(chan []string, 1)
	r.Resolve(context.Background(), "tracker.example.com", func(addrs []string, err error) {
		require.NoError(t, err)
		result <- addrs
	})

	select {
	case addrs := <-result:
		require.Equal(t, []string{"203.0.113.5"}, addrs)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resolution")
	}
}
