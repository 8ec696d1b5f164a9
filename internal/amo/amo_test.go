package amo

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriccomm/corert/internal/epfabric"
	"github.com/fabriccomm/corert/internal/ordering"
	"github.com/fabriccomm/corert/internal/registry"
	"github.com/fabriccomm/corert/internal/tci"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/fabric/simfabric"
	"github.com/fabriccomm/corert/pkg/oob"
	"github.com/fabriccomm/corert/pkg/task"
)

func nodeName(i int) string { return "node-" + string(rune('a'+i)) }

// mapMemory is a trivial LocalMemory test double, standing in for the
// language runtime's actual heap (an external collaborator per
// spec.md §1).
type mapMemory struct {
	mu  sync.Mutex
	buf map[uint64][]byte
}

func newMapMemory() *mapMemory { return &mapMemory{buf: make(map[uint64][]byte)} }

func (m *mapMemory) Access(raddr, size uint64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buf[raddr]
	if !ok {
		b = make([]byte, size)
		m.buf[raddr] = b
	}
	return b, nil
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func TestCPUAMO_SumFetch(t *testing.T) {
	e := &Engine{self: 0, probed: make(map[probeKey]bool)}
	mem := newMapMemory()
	priv := task.NewPrivate(1)
	result := make([]byte, 4)

	require.NoError(t, e.DoAMO(context.Background(), priv, mem, fabric.AtomicRequest{
		Op: fabric.AtomicWrite, Datatype: fabric.DatatypeU32, Operand1: u32(10),
	}, 0, 64, nil))

	require.NoError(t, e.DoAMO(context.Background(), priv, mem, fabric.AtomicRequest{
		Op: fabric.AtomicSum, Datatype: fabric.DatatypeU32, Operand1: u32(5), Fetch: true,
	}, 0, 64, result))
	require.Equal(t, uint32(10), binary.LittleEndian.Uint32(result), "fetch returns the pre-update value")

	got, err := mem.Access(64, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(15), binary.LittleEndian.Uint32(got))
}

func TestSub_NegatesOperandBeforeSum(t *testing.T) {
	e := &Engine{self: 0, probed: make(map[probeKey]bool)}
	mem := newMapMemory()
	priv := task.NewPrivate(1)

	require.NoError(t, e.DoAMO(context.Background(), priv, mem, fabric.AtomicRequest{
		Op: fabric.AtomicWrite, Datatype: fabric.DatatypeU32, Operand1: u32(10),
	}, 0, 8, nil))

	require.NoError(t, e.Sub(context.Background(), priv, mem, fabric.AtomicRequest{
		Datatype: fabric.DatatypeU32, Operand1: u32(3),
	}, 0, 8, nil))

	got, err := mem.Access(8, 4)
	require.NoError(t, err)
	require.Equal(t, uint32(7), binary.LittleEndian.Uint32(got))
}

func TestCswap_OnlyWritesWhenComparatorMatches(t *testing.T) {
	e := &Engine{self: 0, probed: make(map[probeKey]bool)}
	mem := newMapMemory()
	priv := task.NewPrivate(1)

	require.NoError(t, e.DoAMO(context.Background(), priv, mem, fabric.AtomicRequest{
		Op: fabric.AtomicWrite, Datatype: fabric.DatatypeU32, Operand1: u32(1),
	}, 0, 16, nil))

	require.NoError(t, e.DoAMO(context.Background(), priv, mem, fabric.AtomicRequest{
		Op: fabric.AtomicCswap, Datatype: fabric.DatatypeU32, Operand1: u32(99), Operand2: u32(0),
	}, 0, 16, nil))
	got, _ := mem.Access(16, 4)
	require.Equal(t, uint32(1), binary.LittleEndian.Uint32(got), "mismatched comparator leaves the value untouched")

	require.NoError(t, e.DoAMO(context.Background(), priv, mem, fabric.AtomicRequest{
		Op: fabric.AtomicCswap, Datatype: fabric.DatatypeU32, Operand1: u32(99), Operand2: u32(1),
	}, 0, 16, nil))
	got, _ = mem.Access(16, 4)
	require.Equal(t, uint32(99), binary.LittleEndian.Uint32(got))
}

type harness struct {
	engines []*Engine
}

func build(t *testing.T, n int) *harness {
	t.Helper()
	net := simfabric.NewNetwork()
	hub := oob.NewHub(n)

	h := &harness{engines: make([]*Engine, n)}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := net.NewProvider(nodeName(i))
			require.NoError(t, err)
			f, err := epfabric.Build(context.Background(), p, hub.Channel(i), epfabric.Sizing{ProviderMax: 4, MaxParallelism: 4})
			require.NoError(t, err)
			table := registry.NewTable(i, n, nil)
			require.NoError(t, table.Register(context.Background(), p, hub.Channel(i), &registry.Heap{Base: 0, Size: 1 << 20}))
			ord := ordering.New(false, table, 0)
			tciTab := tci.NewTable(f.TxCtxs, f.NumWorkerCtxs)
			resolve := func(node int) fabric.AVAddr { return f.RxRMAAddr(node) }
			h.engines[i] = NewEngine(i, p, table, ord, tciTab, resolve, task.NewPool(0), f.FixedBindingEnabled)
		}(i)
	}
	wg.Wait()
	return h
}

func TestRemoteAMORoundTrip(t *testing.T) {
	h := build(t, 2)
	priv := task.NewPrivate(2)
	result := make([]byte, 4)

	require.NoError(t, h.engines[0].DoAMO(context.Background(), priv, nil, fabric.AtomicRequest{
		Op: fabric.AtomicWrite, Datatype: fabric.DatatypeU32, Operand1: u32(42),
	}, 1, 256, nil))

	require.NoError(t, h.engines[0].DoAMO(context.Background(), priv, nil, fabric.AtomicRequest{
		Op: fabric.AtomicRead, Datatype: fabric.DatatypeU32, Operand1: u32(0), Fetch: true,
	}, 1, 256, result))
	require.Equal(t, uint32(42), binary.LittleEndian.Uint32(result))
}

func TestBatchSubmit_RejectsFetching(t *testing.T) {
	h := build(t, 2)
	priv := task.NewPrivate(2)
	err := h.engines[0].BatchSubmit(context.Background(), priv, []fabric.AtomicRequest{
		{Op: fabric.AtomicSum, Datatype: fabric.DatatypeU32, Operand1: u32(1), Fetch: true},
	}, 1, []uint64{256})
	require.Error(t, err)
}

func TestBatchSubmit_AppliesAllThenDrains(t *testing.T) {
	h := build(t, 2)
	priv := task.NewPrivate(2)

	require.NoError(t, h.engines[0].BatchSubmit(context.Background(), priv, []fabric.AtomicRequest{
		{Op: fabric.AtomicSum, Datatype: fabric.DatatypeU32, Operand1: u32(1)},
		{Op: fabric.AtomicSum, Datatype: fabric.DatatypeU32, Operand1: u32(2)},
		{Op: fabric.AtomicSum, Datatype: fabric.DatatypeU32, Operand1: u32(3)},
	}, 1, []uint64{300, 300, 300}))

	result := make([]byte, 4)
	require.NoError(t, h.engines[0].DoAMO(context.Background(), priv, nil, fabric.AtomicRequest{
		Op: fabric.AtomicRead, Datatype: fabric.DatatypeU32, Operand1: u32(0), Fetch: true,
	}, 1, 300, result))
	require.Equal(t, uint32(6), binary.LittleEndian.Uint32(result))
}
