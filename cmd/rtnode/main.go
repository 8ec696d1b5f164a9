// Command rtnode is a runnable demonstration of package corert: it
// stands up a small job of simulated nodes in one process (there is no
// CLI surface to the library itself, per spec.md §6 — "CLI: none, this
// is a library") and exercises PUT/GET/AMO/ExecOn/Barrier/Finalize
// end-to-end, logging a stats snapshot per node on completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/joeycumines/logiface"
	"go.uber.org/automaxprocs/maxprocs"

	corert "github.com/fabriccomm/corert"
	"github.com/fabriccomm/corert/internal/rtlog"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/fabric/simfabric"
	"github.com/fabriccomm/corert/pkg/oob"
	"github.com/fabriccomm/corert/pkg/task"
)

func main() {
	nodes := flag.Int("nodes", 4, "number of simulated nodes")
	heapMiB := flag.Int("heap-mib", 4, "per-node registered heap size, in MiB")
	flag.Parse()

	if _, err := maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {})); err != nil {
		fmt.Fprintf(os.Stderr, "rtnode: automaxprocs: %v\n", err)
	}

	if err := run(*nodes, uint64(*heapMiB)<<20); err != nil {
		fmt.Fprintf(os.Stderr, "rtnode: %v\n", err)
		os.Exit(1)
	}
}

func run(n int, heapSize uint64) error {
	log := rtlog.New(os.Stdout, logiface.LevelInfo)
	net := simfabric.NewNetwork()
	hub := oob.NewHub(n)
	pool := task.NewPool(n)

	ctx := context.Background()
	runtimes := make([]*corert.Runtime, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			universe := simfabric.NewUniverse(net, nodeName(i))
			rt, err := corert.Init(ctx, universe, hub.Channel(i), heapSize, pool, log)
			if err != nil {
				mu.Lock()
				firstErr = err
				mu.Unlock()
				return
			}
			mu.Lock()
			runtimes[i] = rt
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	if err := demo(ctx, runtimes); err != nil {
		return err
	}

	for i, rt := range runtimes {
		snap := rt.Stats()
		log.Info().
			Int("node", i).
			Uint64("puts_issued", snap.PutsIssued).
			Uint64("gets_issued", snap.GetsIssued).
			Log("rtnode: final stats")
	}

	wg = sync.WaitGroup{}
	for i, rt := range runtimes {
		wg.Add(1)
		go func(i int, rt *corert.Runtime) {
			defer wg.Done()
			if err := rt.Finalize(ctx); err != nil {
				mu.Lock()
				firstErr = err
				mu.Unlock()
			}
		}(i, rt)
	}
	wg.Wait()
	return firstErr
}

// demo exercises a PUT/GET round trip from node 0 to node 1, then an
// ExecOn, then a barrier that every node must reach before returning.
func demo(ctx context.Context, runtimes []*corert.Runtime) error {
	if len(runtimes) < 2 {
		return nil
	}
	// Each simulated node gets its own task-private block: AmDone and
	// PutBitmap are per-task state, never shared across concurrently
	// running ranks even though this demo runs every rank in one process.
	privs := make([]*task.Private, len(runtimes))
	for i := range privs {
		privs[i] = task.NewPrivate(len(runtimes))
	}

	payload := []byte("rtnode demo payload")
	raddr := uint64(corert.HeapReserve)

	if err := runtimes[0].Put(ctx, privs[0], payload, 1, raddr); err != nil {
		return fmt.Errorf("demo put: %w", err)
	}

	var ran sync.WaitGroup
	ran.Add(1)
	fid := runtimes[1].RegisterBody(func(ctx context.Context, arg []byte) {
		ran.Done()
	})
	if err := runtimes[0].ExecOn(ctx, privs[0], 1, fid, []byte("hello"), true); err != nil {
		return fmt.Errorf("demo exec_on: %w", err)
	}
	ran.Wait()

	var wg sync.WaitGroup
	errs := make([]error, len(runtimes))
	for i, rt := range runtimes {
		wg.Add(1)
		go func(i int, rt *corert.Runtime) {
			defer wg.Done()
			errs[i] = rt.Barrier(ctx, privs[i])
		}(i, rt)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("demo barrier: %w", err)
		}
	}
	return nil
}

func nodeName(i int) string { return fmt.Sprintf("rtnode-%d", i) }

var _ fabric.Universe = (*simfabric.Universe)(nil)
