package simfabric

import "github.com/fabriccomm/corert/pkg/fabric"

// Universe adapts one simulated node's registration onto net into the
// fabric.Universe SPI that internal/selector.Select queries, so the
// real provider-selection algorithm runs unmodified even against the
// in-process reference transport (spec.md §4.1).
type Universe struct {
	net  *Network
	name string
	opts []Option
}

// NewUniverse returns a Universe that will register name on net the
// first time selector.Select calls Open.
func NewUniverse(net *Network, name string, opts ...Option) *Universe {
	return &Universe{net: net, name: name, opts: opts}
}

// Query reports the single simulated provider's capabilities. name is
// not yet registered on net at this point; the reported Info matches
// what NewProvider will return, since simfabric's Info is static.
func (u *Universe) Query(hints fabric.Hints) ([]fabric.Info, error) {
	return []fabric.Info{{
		ProviderName:                "simfabric",
		Good:                        true,
		DeliveryCompleteCapable:     true,
		DeliveryCompleteTrustworthy: true,
		MessageOrderCapable:         true,
		MaxMsgSize:                  1 << 20,
		InjectSize:                  4096,
		MaxTxCtx:                    64,
		MaxEpCtx:                    64,
		WaitSetable:                 true,
		OpFlags:                     fabric.FlagDeliveryComplete,
	}}, nil
}

// Open registers and returns this Universe's node's Provider.
func (u *Universe) Open(info fabric.Info) (fabric.Provider, error) {
	return u.net.NewProvider(u.name, u.opts...)
}
