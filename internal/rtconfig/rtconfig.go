// Package rtconfig parses the environment variables recognized per
// spec.md §6. No flag/env-parsing library is pulled in for this: the
// donor's transport-adjacent packages (eventloop, catrate, microbatch)
// never reach for one either, and spec.md §6 explicitly states there is
// no CLI, so a five-field struct populated via os.LookupEnv is the
// idiomatic match rather than importing a library built for dozens of
// flags (see DESIGN.md).
package rtconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the recognized environment variables, with defaults
// applied.
type Config struct {
	// Provider forces a provider name (COMM_OFI_PROVIDER), equivalent to
	// FI_PROVIDER. Empty means "let selection choose".
	Provider string

	// AbortOnError (COMM_OFI_ABORT_ON_ERROR) makes every FatalError call
	// os.Exit immediately rather than the configured AbortFunc.
	AbortOnError bool

	// DoDeliveryComplete (COMM_OFI_DO_DELIVERY_COMPLETE) tries
	// delivery-complete before message-order during provider selection.
	// Defaults to true.
	DoDeliveryComplete bool

	// UseScalableEP (COMM_OFI_USE_SCALABLE_EP) permits a scalable
	// transmit endpoint. Defaults to true.
	UseScalableEP bool

	// Concurrency (COMM_CONCURRENCY) caps the number of TX contexts.
	// Zero means "auto" (derive from provider/parallelism limits).
	Concurrency int

	// DebugSelection and DebugFile are debug knobs, only consulted when
	// the binary was built with debug logging compiled in.
	DebugSelection string
	DebugFile      string
}

// Load reads Config from the process environment, applying the defaults
// documented in spec.md §6.
func Load() (Config, error) {
	cfg := Config{
		DoDeliveryComplete: true,
		UseScalableEP:      true,
	}

	cfg.Provider = os.Getenv("COMM_OFI_PROVIDER")

	var err error
	if cfg.AbortOnError, err = getBool("COMM_OFI_ABORT_ON_ERROR", false); err != nil {
		return cfg, err
	}
	if cfg.DoDeliveryComplete, err = getBool("COMM_OFI_DO_DELIVERY_COMPLETE", true); err != nil {
		return cfg, err
	}
	if cfg.UseScalableEP, err = getBool("COMM_OFI_USE_SCALABLE_EP", true); err != nil {
		return cfg, err
	}
	if cfg.Concurrency, err = getInt("COMM_CONCURRENCY", 0); err != nil {
		return cfg, err
	}

	cfg.DebugSelection = os.Getenv("COMM_OFI_DEBUG_SELECTION")
	cfg.DebugFile = os.Getenv("COMM_OFI_DEBUG_FILE")

	return cfg, cfg.Validate()
}

// Validate surfaces a misconfiguration before init rather than at first
// use (spec.md §3 SUPPLEMENTED FEATURES).
func (c Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("rtconfig: COMM_CONCURRENCY must be >= 0, got %d", c.Concurrency)
	}
	return nil
}

func getBool(name string, def bool) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("rtconfig: %s=%q: %w", name, v, err)
	}
	return b, nil
}

func getInt(name string, def int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || strings.TrimSpace(v) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, fmt.Errorf("rtconfig: %s=%q: %w", name, v, err)
	}
	return n, nil
}
