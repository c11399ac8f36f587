package threadbridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolSubmitDeliversResultThroughBridge(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	p := NewPool(b, 4)
	defer p.Stop()

	result := make(chan int, 1)
	p.Submit(
		func() (interface{}, error) { return 42, nil },
		func(v interface{}, err error) {
			require.NoError(t, err)
			result <- v.(int)
		},
	)

	select {
	case v := <-result:
		require.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted result")
	}
}

func TestPoolSubmitDeliversError(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	p := NewPool(b, 4)
	defer p.Stop()

	wantErr := errors.New("boom")
	errc := make(chan error, 1)
	p.Submit(
		func() (interface{}, error) { return nil, wantErr },
		func(v interface{}, err error) { errc <- err },
	)

	select {
	case err := <-errc:
		require.Equal(t, wantErr, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for submitted error")
	}
}
