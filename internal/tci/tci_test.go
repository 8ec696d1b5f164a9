package tci

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/pkg/fabric/simfabric"
	"github.com/fabriccomm/corert/pkg/task"
)

func newTable(t *testing.T, numWorker, numHandler int) *Table {
	t.Helper()
	net := simfabric.NewNetwork()
	p, err := net.NewProvider("self")
	require.NoError(t, err)
	av, err := p.OpenAddressVector(4)
	require.NoError(t, err)
	txs, err := p.OpenTxContexts(numWorker+numHandler, av)
	require.NoError(t, err)
	return NewTable(txs, numWorker)
}

func TestAlloc_ReusesCachedUnboundEntry(t *testing.T) {
	tab := newTable(t, 4, 1)
	priv, _ := task.FromContext(context.Background(), 1)

	e1, err := tab.Alloc(priv, false, false, false)
	require.NoError(t, err)
	tab.Free(e1)

	e2, err := tab.Alloc(priv, false, false, false)
	require.NoError(t, err)
	require.Same(t, e1, e2)
}

func TestAlloc_BindsFixedThread(t *testing.T) {
	tab := newTable(t, 2, 1)
	priv, _ := task.FromContext(context.Background(), 1)

	e, err := tab.Alloc(priv, true, true, false)
	require.NoError(t, err)
	require.True(t, e.Bound())

	// A bound entry is never reassigned, and this task's cache returns
	// the same bound entry on every subsequent Alloc.
	e2, err := tab.Alloc(priv, true, true, false)
	require.NoError(t, err)
	require.Same(t, e, e2)
}

func TestAlloc_FatalWhenEveryEntryBound(t *testing.T) {
	tab := newTable(t, 1, 1)
	priv1, _ := task.FromContext(context.Background(), 1)
	_, err := tab.Alloc(priv1, true, true, false)
	require.NoError(t, err)

	priv2, _ := task.FromContext(context.Background(), 1)
	_, err = tab.Alloc(priv2, true, true, false)
	require.Error(t, err)
	require.True(t, rterr.Is(err, rterr.BadState))
}

func TestAllocForHandler_AlwaysBindsReservedSlot(t *testing.T) {
	tab := newTable(t, 2, 1)
	e := tab.AllocForHandler()
	require.True(t, e.Bound())
	require.Equal(t, 2, e.Index())
}
