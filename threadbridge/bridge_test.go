package threadbridge

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPostDeliversInPostedOrder(t *testing.T) {
	b := New()
	go b.Run()
	defer b.Stop()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		i := i
		b.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	waitOrTimeout(t, &wg)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestStopPerformsFinalDrain(t *testing.T) {
	b := New()

	done := make(chan struct{})
	b.Post(func() { close(done) })
	b.Stop()
	go b.Run()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("callback posted before Stop was never delivered")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	c := make(chan struct{})
	go func() {
		wg.Wait()
		close(c)
	}()
	select {
	case <-c:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callbacks")
	}
}
