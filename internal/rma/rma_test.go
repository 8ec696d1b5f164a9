package rma

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriccomm/corert/internal/epfabric"
	"github.com/fabriccomm/corert/internal/ordering"
	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/internal/tci"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/fabric/simfabric"
	"github.com/fabriccomm/corert/pkg/oob"
	"github.com/fabriccomm/corert/pkg/task"
)

func nodeName(i int) string { return "node-" + string(rune('a'+i)) }

type harness struct {
	engines []*Engine
	fabrics []*epfabric.Fabric
	tables  []*registry.Table
	pool    *task.Pool
}

func build(t *testing.T, n int, haveDeliveryComplete bool) *harness {
	t.Helper()
	net := simfabric.NewNetwork()
	hub := oob.NewHub(n)
	pool := task.NewPool(0)

	h := &harness{
		engines: make([]*Engine, n),
		fabrics: make([]*epfabric.Fabric, n),
		tables:  make([]*registry.Table, n),
		pool:    pool,
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := net.NewProvider(nodeName(i))
			if err != nil {
				mu.Lock()
				firstErr = err
				mu.Unlock()
				return
			}
			f, err := epfabric.Build(context.Background(), p, hub.Channel(i), epfabric.Sizing{ProviderMax: 4, MaxParallelism: 4})
			if err != nil {
				mu.Lock()
				firstErr = err
				mu.Unlock()
				return
			}
			table := registry.NewTable(i, n, nil)
			if err := table.Register(context.Background(), p, hub.Channel(i), &registry.Heap{Base: 0, Size: 1 << 20}); err != nil {
				mu.Lock()
				firstErr = err
				mu.Unlock()
				return
			}
			ord := ordering.New(haveDeliveryComplete, table, 0)
			tciTab := tci.NewTable(f.TxCtxs, f.NumWorkerCtxs)
			resolve := func(node int) fabric.AVAddr { return f.RxRMAAddr(node) }
			h.engines[i] = NewEngine(i, 1<<20, 256, table, ord, tciTab, resolve, pool, f.FixedBindingEnabled)
			h.fabrics[i] = f
			h.tables[i] = table
		}(i)
	}
	wg.Wait()
	require.NoError(t, firstErr)
	return h
}

func TestPutThenGetRoundTrip(t *testing.T) {
	h := build(t, 2, false)
	priv := task.NewPrivate(2)
	ctx := context.Background()

	payload := []byte("hello from node 0")
	require.NoError(t, h.engines[0].Put(ctx, priv, payload, 1, 128))

	back := make([]byte, len(payload))
	require.NoError(t, h.engines[0].Get(ctx, priv, back, 1, 128))
	require.Equal(t, payload, back)
}

func TestPutRecordsBitmapUnderMessageOrder(t *testing.T) {
	h := build(t, 2, false)
	priv := task.NewPrivate(2)
	ctx := context.Background()

	small := make([]byte, 8) // below the 256-byte inject threshold
	require.NoError(t, h.engines[0].Put(ctx, priv, small, 1, 0))
	require.True(t, priv.PutBitmap.Test(1), "a small injected PUT under message-order should mark the bitmap")
}

func TestPutDeliveryCompleteNeverMarksBitmap(t *testing.T) {
	h := build(t, 2, true)
	priv := task.NewPrivate(2)
	ctx := context.Background()

	small := make([]byte, 8)
	require.NoError(t, h.engines[0].Put(ctx, priv, small, 1, 0))
	require.False(t, priv.PutBitmap.Test(1))
}

func TestGetClearsBitmap(t *testing.T) {
	h := build(t, 2, false)
	priv := task.NewPrivate(2)
	ctx := context.Background()

	small := make([]byte, 8)
	require.NoError(t, h.engines[0].Put(ctx, priv, small, 1, 0))
	require.True(t, priv.PutBitmap.Test(1))

	back := make([]byte, 8)
	require.NoError(t, h.engines[0].Get(ctx, priv, back, 1, 0))
	require.False(t, priv.PutBitmap.Test(1), "Get flushes node's pending PUTs before issuing the real GET")
}

func TestPutChunksAboveMaxMsgSize(t *testing.T) {
	h := build(t, 2, false)
	h.engines[0].maxMsgSize = 4 // force chunking
	priv := task.NewPrivate(2)
	ctx := context.Background()

	payload := []byte("0123456789")
	require.NoError(t, h.engines[0].Put(ctx, priv, payload, 1, 512))

	back := make([]byte, len(payload))
	require.NoError(t, h.engines[1].Get(ctx, task.NewPrivate(2), back, 1, 512))
	require.Equal(t, payload, back)
}

func TestPutNoRemoteKeyWithoutFallbackFails(t *testing.T) {
	h := build(t, 2, false)
	priv := task.NewPrivate(2)
	ctx := context.Background()

	err := h.engines[0].Put(ctx, priv, []byte("x"), 1, 1<<30) // far outside the registered heap
	require.Error(t, err)
	require.True(t, rterr.Is(err, rterr.BadState))
}

type fallbackStub struct {
	gets, puts int
}

func (f *fallbackStub) RequestGet(ctx context.Context, node int, local []byte, raddr uint64) error {
	f.gets++
	return nil
}

func (f *fallbackStub) RequestPut(ctx context.Context, node int, local []byte, raddr uint64) error {
	f.puts++
	return nil
}

func TestFallbackInvokedWhenNoRemoteKey(t *testing.T) {
	h := build(t, 2, false)
	fb := &fallbackStub{}
	h.engines[0].SetFallback(fb)
	priv := task.NewPrivate(2)
	ctx := context.Background()

	require.NoError(t, h.engines[0].Put(ctx, priv, []byte("x"), 1, 1<<30))
	require.Equal(t, 1, fb.gets)

	require.NoError(t, h.engines[0].Get(ctx, priv, make([]byte, 1), 1, 1<<30))
	require.Equal(t, 1, fb.puts)
}
