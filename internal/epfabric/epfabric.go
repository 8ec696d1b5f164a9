// Package epfabric constructs the endpoint/address-vector/tx-context
// table described in spec.md §4.3: one address vector sized 2N (AM and
// RMA addresses per node), rx endpoints for AM and RMA, and a sized
// table of transmit contexts shared by worker tasks and the AM handler.
package epfabric

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/pkg/fabric"
	"github.com/fabriccomm/corert/pkg/oob"
)

// Sizing holds the inputs to numTxCtxs (spec.md §4.3's init_ofiEpNumCtxs).
type Sizing struct {
	ProviderMax    int
	UserConcurrency int // 0 == no cap
	MaxParallelism int
	FixedThreads   int // 0 if the tasking layer has no fixed pool
}

const numAMHandlers = 1

// NumTxCtxs computes the final transmit-context-table length and
// whether fixed-thread binding should be enabled, per spec.md §4.3.
func NumTxCtxs(s Sizing) (total int, fixedBindingEnabled bool) {
	n := s.ProviderMax
	if s.UserConcurrency > 0 && s.UserConcurrency < n {
		n = s.UserConcurrency
	}
	if s.MaxParallelism > 0 && s.MaxParallelism < n {
		n = s.MaxParallelism
	}
	if s.FixedThreads > 0 {
		if s.FixedThreads+1 < n {
			n = s.FixedThreads + 1
		}
		fixedBindingEnabled = n == s.FixedThreads+1
	}
	if n < 1 {
		n = 1
	}
	return n + numAMHandlers, fixedBindingEnabled
}

// Fabric is the constructed endpoint/context fabric for one node.
type Fabric struct {
	Provider fabric.Provider
	AV       fabric.AddressVector

	AMRx  fabric.RxEndpoint
	RMARx fabric.RxEndpoint

	// TxCtxs is the full transmit-context table, length W+H: indices
	// [0,W) are worker contexts, the final H=1 entries are reserved
	// for AM handlers (spec.md §3 TCI).
	TxCtxs []fabric.TxContext

	// NumWorkerCtxs is W, the boundary between worker and handler slots.
	NumWorkerCtxs int

	FixedBindingEnabled bool

	// rxMsgAddr[node] / rxRMAAddr[node] implement spec.md §4.3's
	// rxMsgAddr(node)=2n / rxRmaAddr(node)=2n+1 addressing scheme.
	rxMsgAddr []fabric.AVAddr
	rxRMAAddr []fabric.AVAddr
}

// Build constructs the fabric for this node: opens the provider's
// address vector (capacity 2N), opens AM/RMA rx endpoints, inserts this
// node's endpoint names, all-gathers every node's names over oobCh, and
// opens the transmit-context table sized per sizing.
func Build(ctx context.Context, provider fabric.Provider, oobCh oob.Channel, sizing Sizing) (*Fabric, error) {
	n := oobCh.Size()
	av, err := provider.OpenAddressVector(2 * n)
	if err != nil {
		return nil, rterr.Wrap(rterr.BadState, "epfabric: opening address vector", err)
	}

	amRx, err := provider.OpenRxEndpoint(fabric.RxAM, av)
	if err != nil {
		return nil, rterr.Wrap(rterr.BadState, "epfabric: opening AM rx endpoint", err)
	}
	rmaRx, err := provider.OpenRxEndpoint(fabric.RxRMA, av)
	if err != nil {
		return nil, rterr.Wrap(rterr.BadState, "epfabric: opening RMA rx endpoint", err)
	}

	local := [][]byte{amRx.LocalName(), rmaRx.LocalName()}
	wire := encodeNames(local)
	gathered, err := oobCh.AllGather(ctx, wire)
	if err != nil {
		return nil, rterr.Wrap(rterr.BadState, "epfabric: all-gathering endpoint names", err)
	}

	rxMsgAddr := make([]fabric.AVAddr, n)
	rxRMAAddr := make([]fabric.AVAddr, n)
	for node, buf := range gathered {
		names, derr := decodeNames(buf)
		if derr != nil {
			return nil, rterr.Wrap(rterr.BadState, fmt.Sprintf("epfabric: decoding node %d's endpoint names", node), derr)
		}
		amAddr, ierr := av.Insert(names[0])
		if ierr != nil {
			return nil, rterr.Wrap(rterr.BadState, fmt.Sprintf("epfabric: inserting node %d's AM address", node), ierr)
		}
		rmaAddr, ierr := av.Insert(names[1])
		if ierr != nil {
			return nil, rterr.Wrap(rterr.BadState, fmt.Sprintf("epfabric: inserting node %d's RMA address", node), ierr)
		}
		rxMsgAddr[node] = amAddr
		rxRMAAddr[node] = rmaAddr
	}

	total, fixedBinding := NumTxCtxs(sizing)
	txCtxs, err := provider.OpenTxContexts(total, av)
	if err != nil {
		return nil, rterr.Wrap(rterr.OpenFileLimit, openFileLimitDiagnostic(n, total), err)
	}

	return &Fabric{
		Provider:            provider,
		AV:                  av,
		AMRx:                amRx,
		RMARx:               rmaRx,
		TxCtxs:              txCtxs,
		NumWorkerCtxs:       total - numAMHandlers,
		FixedBindingEnabled: fixedBinding,
		rxMsgAddr:           rxMsgAddr,
		rxRMAAddr:           rxRMAAddr,
	}, nil
}

// RxMsgAddr returns node's AM rx address in this fabric's address vector.
func (f *Fabric) RxMsgAddr(node int) fabric.AVAddr { return f.rxMsgAddr[node] }

// RxRMAAddr returns node's RMA rx address in this fabric's address vector.
func (f *Fabric) RxRMAAddr(node int) fabric.AVAddr { return f.rxRMAAddr[node] }

// HandlerTxCtx returns the reserved AM-handler transmit context,
// tciTab[W] in spec.md §4.4 terms.
func (f *Fabric) HandlerTxCtx() fabric.TxContext {
	return f.TxCtxs[f.NumWorkerCtxs]
}

// openFileLimitDiagnostic reads the process's real open-file limit via
// getrlimit(2) and folds it into rterr's required diagnostic text
// (spec.md §7 / §8 scenario F). A failed Getrlimit just omits the
// number rather than failing the already-failing Build call.
func openFileLimitDiagnostic(n, numTxCtxs int) string {
	var rlim unix.Rlimit
	var cur uint64
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err == nil {
		cur = rlim.Cur
	}
	return rterr.OpenFileLimitDiagnostic(n, numTxCtxs, cur)
}

func encodeNames(names [][]byte) []byte {
	var out []byte
	for _, n := range names {
		out = append(out, byte(len(n)), byte(len(n)>>8))
		out = append(out, n...)
	}
	return out
}

func decodeNames(buf []byte) ([][]byte, error) {
	var out [][]byte
	off := 0
	for off < len(buf) {
		if off+2 > len(buf) {
			return nil, fmt.Errorf("epfabric: truncated name length prefix at offset %d", off)
		}
		l := int(buf[off]) | int(buf[off+1])<<8
		off += 2
		if off+l > len(buf) {
			return nil, fmt.Errorf("epfabric: truncated name payload at offset %d", off)
		}
		out = append(out, buf[off:off+l])
		off += l
	}
	return out, nil
}

// maxParallelismDefault falls back to runtime.GOMAXPROCS(0) when a
// tasking layer does not otherwise report a parallelism cap.
func maxParallelismDefault() int { return runtime.GOMAXPROCS(0) }
