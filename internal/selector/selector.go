// Package selector implements provider selection (spec.md §4.1): given a
// fabric.Universe and the operator's environment overrides, it picks a
// single fabric.Provider and reports whether the chosen provider has
// delivery-complete semantics.
package selector

import (
	"fmt"

	"github.com/fabriccomm/corert/internal/rtconfig"
	"github.com/fabriccomm/corert/internal/rterr"
	"github.com/fabriccomm/corert/pkg/fabric"
)

// providersKnownUnreliableDeliveryComplete lists provider names that
// advertise delivery-complete without implementing it correctly
// (spec.md §4.1 step 4). Named the way the donor environment variable
// FI_PROVIDER would, e.g. a utility layer stacked over a core provider.
var providersKnownUnreliableDeliveryComplete = map[string]bool{
	"tcp;ofi_rxm": true,
	"sockets":     true,
}

// Result is the outcome of Select: the chosen provider plus the
// have_delivery_complete flag that downstream ordering logic branches on.
type Result struct {
	Provider             fabric.Provider
	HaveDeliveryComplete bool
}

// Select runs the up-to-four-round algorithm of spec.md §4.1 against
// universe, honoring cfg's forced-provider/delivery-complete overrides.
func Select(universe fabric.Universe, cfg rtconfig.Config) (Result, error) {
	hints := fabric.Hints{
		Caps:               fabric.CapMsg | fabric.CapMultiRecv | fabric.CapRMA | fabric.CapLocalComm | fabric.CapRemoteComm,
		PreferGoodProvider: true,
	}

	candidates, err := universe.Query(hints)
	if err != nil {
		return Result{}, rterr.Wrap(rterr.NoProvider, "selector: query failed", err)
	}
	if cfg.Provider != "" {
		candidates = filterByName(candidates, cfg.Provider)
	}
	if len(candidates) == 0 {
		return Result{}, rterr.New(rterr.NoProvider, "selector: no candidate providers matched hints")
	}

	forcedOrdering := cfg.Provider != ""

	rounds := []func(fabric.Info) bool{
		func(i fabric.Info) bool { return i.Good && deliveryCompleteTrusted(i) },
		func(i fabric.Info) bool { return i.Good && i.MessageOrderCapable },
	}
	if !cfg.DoDeliveryComplete {
		rounds[0], rounds[1] = rounds[1], rounds[0]
	}
	// Rounds (c)-(d): repeat without the "good provider" preference,
	// unless an environment override has turned provider quality
	// filtering off entirely (forced hints are hard constraints).
	if !forcedOrdering {
		rounds = append(rounds, func(i fabric.Info) bool { return deliveryCompleteTrusted(i) })
		rounds = append(rounds, func(i fabric.Info) bool { return i.MessageOrderCapable })
	}

	for _, ok := range rounds {
		for _, info := range candidates {
			if ok(info) {
				return open(universe, info)
			}
		}
	}
	return Result{}, rterr.New(rterr.NoProvider, "selector: no provider satisfies delivery-complete or message-order requirements")
}

func open(universe fabric.Universe, info fabric.Info) (Result, error) {
	p, err := universe.Open(info)
	if err != nil {
		return Result{}, rterr.Wrap(rterr.NoProvider, fmt.Sprintf("selector: opening provider %q", info.ProviderName), err)
	}
	have := info.OpFlags&fabric.FlagDeliveryComplete != 0 && deliveryCompleteTrusted(info)
	return Result{Provider: p, HaveDeliveryComplete: have}, nil
}

func deliveryCompleteTrusted(i fabric.Info) bool {
	if !i.DeliveryCompleteCapable {
		return false
	}
	if providersKnownUnreliableDeliveryComplete[i.ProviderName] {
		return i.DeliveryCompleteTrustworthy // only an explicit override can re-admit these
	}
	return true
}

func filterByName(in []fabric.Info, name string) []fabric.Info {
	out := make([]fabric.Info, 0, len(in))
	for _, i := range in {
		if i.ProviderName == name {
			out = append(out, i)
		}
	}
	return out
}
