package selector

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabriccomm/corert/internal/rtconfig"
	"github.com/fabriccomm/corert/pkg/fabric"
)

type fakeProvider struct{ name string }

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Info() fabric.Info { return fabric.Info{ProviderName: f.name} }
func (f *fakeProvider) OpenAddressVector(int) (fabric.AddressVector, error) { return nil, nil }
func (f *fakeProvider) OpenTxContexts(int, fabric.AddressVector) ([]fabric.TxContext, error) {
	return nil, nil
}
func (f *fakeProvider) OpenRxEndpoint(fabric.RxKind, fabric.AddressVector) (fabric.RxEndpoint, error) {
	return nil, nil
}
func (f *fakeProvider) RegisterUniverse() (fabric.MemoryRegion, error)       { return nil, nil }
func (f *fakeProvider) RegisterHeap(uint64, uint64) (fabric.MemoryRegion, error) { return nil, nil }
func (f *fakeProvider) ProbeAtomic(fabric.Datatype, fabric.AtomicOp) bool    { return true }
func (f *fakeProvider) Close() error                                        { return nil }

type fakeUniverse struct {
	infos []fabric.Info
}

func (u *fakeUniverse) Query(fabric.Hints) ([]fabric.Info, error) { return u.infos, nil }
func (u *fakeUniverse) Open(info fabric.Info) (fabric.Provider, error) {
	return &fakeProvider{name: info.ProviderName}, nil
}

func TestSelect_PrefersGoodDeliveryComplete(t *testing.T) {
	u := &fakeUniverse{infos: []fabric.Info{
		{ProviderName: "tcp", Good: false, DeliveryCompleteCapable: true, OpFlags: fabric.FlagDeliveryComplete},
		{ProviderName: "verbs;ofi_rxm", Good: true, DeliveryCompleteCapable: true, OpFlags: fabric.FlagDeliveryComplete},
	}}
	res, err := Select(u, rtconfig.Config{DoDeliveryComplete: true})
	require.NoError(t, err)
	require.Equal(t, "verbs;ofi_rxm", res.Provider.Name())
	require.True(t, res.HaveDeliveryComplete)
}

func TestSelect_FallsBackToMessageOrder(t *testing.T) {
	u := &fakeUniverse{infos: []fabric.Info{
		{ProviderName: "psm2", Good: true, MessageOrderCapable: true},
	}}
	res, err := Select(u, rtconfig.Config{DoDeliveryComplete: true})
	require.NoError(t, err)
	require.Equal(t, "psm2", res.Provider.Name())
	require.False(t, res.HaveDeliveryComplete)
}

func TestSelect_ExcludesUntrustedDeliveryComplete(t *testing.T) {
	u := &fakeUniverse{infos: []fabric.Info{
		{ProviderName: "sockets", Good: true, DeliveryCompleteCapable: true, OpFlags: fabric.FlagDeliveryComplete, MessageOrderCapable: true},
	}}
	res, err := Select(u, rtconfig.Config{DoDeliveryComplete: true})
	require.NoError(t, err)
	// sockets is untrusted for delivery-complete, so message-order wins instead.
	require.False(t, res.HaveDeliveryComplete)
}

func TestSelect_NoProvider(t *testing.T) {
	u := &fakeUniverse{}
	_, err := Select(u, rtconfig.Config{DoDeliveryComplete: true})
	require.Error(t, err)
}

func TestSelect_ForcedProviderName(t *testing.T) {
	u := &fakeUniverse{infos: []fabric.Info{
		{ProviderName: "tcp", Good: false, MessageOrderCapable: true},
		{ProviderName: "verbs", Good: true, MessageOrderCapable: true},
	}}
	res, err := Select(u, rtconfig.Config{DoDeliveryComplete: true, Provider: "tcp"})
	require.NoError(t, err)
	require.Equal(t, "tcp", res.Provider.Name())
}
