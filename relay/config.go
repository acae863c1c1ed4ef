package relay

import (
	"time"

	"go.uber.org/zap"

	"github.com/vx-labs/site-relay/relayer"
)

// Config mirrors RELAY2's fluent @Property set, built via functional
// options instead of a setter chain — the idiomatic Go analogue of
// RELAY2's `site(name) RELAY2` builder methods.
type Config struct {
	Site                      string
	MaxSiteMasters            int
	SiteMastersRatio          float64
	CanBecomeSiteMaster       bool
	EnableAddressTagging      bool
	AsyncRelayCreation        bool
	SiteMasterPicker          SiteMasterPicker
	// TopoWaitTime is accepted for RELAY2 config compatibility but bounds
	// nothing in this port: the TOPO_REQ/TOPO_RSP wire exchange it used to
	// bound was cut in favor of feeding Topology from HandleView's own
	// self-advertisement directly (see DESIGN.md's Open Question
	// decisions), which has no wait to bound.
	TopoWaitTime              time.Duration
	SuppressTimeNoRouteErrors time.Duration
	RouteStatusListener       RouteStatusListener
	SiteMasterListener        func(isSiteMaster bool)
	BridgeFactory             relayer.BridgeFactory
	BridgeConfig              relayer.Config
	Bundling                  *relayer.BundlingConfig
	Logger                    *zap.Logger

	// Deprecated options, accepted and ignored for config compatibility
	// (spec.md §9 Open Questions): neither affects behavior.
	relayMulticasts        bool
	canForwardLocalCluster bool
}

// Option configures a Relay at construction time.
type Option func(*Config)

func WithSite(name string) Option {
	return func(c *Config) { c.Site = name }
}

func WithMaxSiteMasters(n int) Option {
	return func(c *Config) {
		if n < 1 {
			n = 1
		}
		c.MaxSiteMasters = n
	}
}

func WithSiteMastersRatio(ratio float64) Option {
	return func(c *Config) { c.SiteMastersRatio = ratio }
}

func WithCanBecomeSiteMaster(flag bool) Option {
	return func(c *Config) { c.CanBecomeSiteMaster = flag }
}

func WithEnableAddressTagging(flag bool) Option {
	return func(c *Config) { c.EnableAddressTagging = flag }
}

func WithAsyncRelayCreation(flag bool) Option {
	return func(c *Config) { c.AsyncRelayCreation = flag }
}

func WithSiteMasterPicker(p SiteMasterPicker) Option {
	return func(c *Config) {
		if p != nil {
			c.SiteMasterPicker = p
		}
	}
}

func WithTopoWaitTime(d time.Duration) Option {
	return func(c *Config) { c.TopoWaitTime = d }
}

func WithSuppressTimeNoRouteErrors(d time.Duration) Option {
	return func(c *Config) { c.SuppressTimeNoRouteErrors = d }
}

func WithRouteStatusListener(l RouteStatusListener) Option {
	return func(c *Config) { c.RouteStatusListener = l }
}

func WithSiteMasterListener(fn func(bool)) Option {
	return func(c *Config) { c.SiteMasterListener = fn }
}

func WithBridgeFactory(f relayer.BridgeFactory) Option {
	return func(c *Config) { c.BridgeFactory = f }
}

func WithBridgeConfig(cfg relayer.Config) Option {
	return func(c *Config) { c.BridgeConfig = cfg }
}

// WithBundling enables per-route message bundling (spec's Bundler
// subsystem): outbound relay messages are queued per destination and
// flushed once the accumulated byte count reaches maxSize, instead of being sent
// one at a time. Left uncalled, routes send directly.
func WithBundling(maxSize, capacity int, processLoopbacks bool) Option {
	return func(c *Config) {
		c.Bundling = &relayer.BundlingConfig{
			MaxSize:          maxSize,
			Capacity:         capacity,
			ProcessLoopbacks: processLoopbacks,
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithRelayMulticasts and WithCanForwardLocalCluster are deprecated
// options, accepted and ignored exactly as RELAY2 does, per spec.md §9's
// explicit instruction to preserve accept-and-ignore behavior for config
// compatibility.
func WithRelayMulticasts(flag bool) Option {
	return func(c *Config) { c.relayMulticasts = flag }
}

func WithCanForwardLocalCluster(flag bool) Option {
	return func(c *Config) { c.canForwardLocalCluster = flag }
}

func defaultConfig() Config {
	return Config{
		MaxSiteMasters:            1,
		CanBecomeSiteMaster:       true,
		AsyncRelayCreation:        true,
		TopoWaitTime:              2 * time.Second,
		SuppressTimeNoRouteErrors: 60 * time.Second,
		Logger:                    zap.NewNop(),
	}
}
