package oob

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHub_AllGather(t *testing.T) {
	const n = 4
	hub := NewHub(n)

	var wg sync.WaitGroup
	results := make([][][]byte, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ch := hub.Channel(r)
			out, err := ch.AllGather(context.Background(), []byte(fmt.Sprintf("node-%d", r)))
			require.NoError(t, err)
			results[r] = out
		}(r)
	}
	waitAll(t, &wg)

	for r := 0; r < n; r++ {
		for peer := 0; peer < n; peer++ {
			require.Equal(t, fmt.Sprintf("node-%d", peer), string(results[r][peer]))
		}
	}
}

func TestHub_Broadcast(t *testing.T) {
	const n = 3
	hub := NewHub(n)
	var wg sync.WaitGroup
	out := make([][]byte, n)
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ch := hub.Channel(r)
			var buf []byte
			if r == 1 {
				buf = []byte("root-payload")
			}
			res, err := ch.Broadcast(context.Background(), 1, buf)
			require.NoError(t, err)
			out[r] = res
		}(r)
	}
	waitAll(t, &wg)
	for r := 0; r < n; r++ {
		require.Equal(t, "root-payload", string(out[r]))
	}
}

func TestHub_Barrier(t *testing.T) {
	const n = 5
	hub := NewHub(n)
	var wg sync.WaitGroup
	for r := 0; r < n; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			require.NoError(t, hub.Channel(r).Barrier(context.Background()))
		}(r)
	}
	waitAll(t, &wg)
}

func TestHub_BarrierContextCancel(t *testing.T) {
	hub := NewHub(2)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := hub.Channel(0).Barrier(ctx) // only one of two ranks arrives
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func waitAll(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
