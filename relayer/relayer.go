// Package relayer owns every open bridge and the routing table (site name
// -> ordered list of routes, primary first) for one site master instance.
// Grounded on RELAY2.java's Relayer/Route handling and the teacher's
// memberlist-backed cluster layer (cluster/layer.go), repurposed here as
// the bridge implementation each Route rides.
package relayer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/vx-labs/site-relay/bundler"
	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/internal/wire"
	"github.com/vx-labs/site-relay/route"
)

// SiteConfig describes one remote site's bridge: the inter-site cluster it
// joins and the seed hosts to dial.
type SiteConfig struct {
	Name  string
	Seeds []string
}

// Config is the set of remote sites this relayer should bridge to.
type Config struct {
	Sites []SiteConfig

	// Bundling, when non-nil, attaches a per-route bundler.SizeBundler to
	// every bridge this relayer opens, batching outbound relay messages
	// per destination under a byte budget instead of sending each one
	// immediately (spec's Bundler subsystem, grounded on
	// org.jgroups.protocols.BaseBundler). Left nil, routes send directly.
	Bundling *BundlingConfig
}

// BundlingConfig mirrors BaseBundler's tunables.
type BundlingConfig struct {
	MaxSize          int
	Capacity         int
	ProcessLoopbacks bool
}

// BridgeFactory constructs and joins the bridge cluster for one remote
// site. Splitting this out from Relayer keeps the memberlist wiring
// swappable in tests without a real network.
type BridgeFactory func(localSite, bridgeName string, cfg SiteConfig, onMessage func(src address.Site, hdr *wire.RelayHeader, payload []byte)) (route.Bridge, error)

// Relayer owns bridges and the routing table for one site-master tenure.
// Its lifetime is exactly the tenure: start() on becoming site master,
// stop() on ceasing to be.
type Relayer struct {
	logger        *zap.Logger
	localSite     string
	newBridge     BridgeFactory
	onMessage     func(src address.Site, hdr *wire.RelayHeader, payload []byte)

	mu                sync.RWMutex
	routes            map[string][]*route.Route
	bridges           map[string]route.Bridge
	bundlers          map[string]*bundler.SizeBundler
	bundling          *BundlingConfig
	stopped           bool
	forwardingMatcher forwardingMatcherFunc
}

// forwardingMatcherFunc implements GetForwardingRouteMatching's transitive
// lookup: given the target site and a snapshot of the routing table,
// return a route to forward through, or nil.
type forwardingMatcherFunc func(site string, routes map[string][]*route.Route) *route.Route

// WithForwardingMatcher installs the transitive-forwarding algorithm;
// left unset, GetForwardingRouteMatching always returns nil (the hook
// exists, per spec, but its algorithm is implementation-defined unless
// interop with an existing deployment requires a specific one).
func (r *Relayer) WithForwardingMatcher(fn forwardingMatcherFunc) *Relayer {
	r.forwardingMatcher = fn
	return r
}

func New(logger *zap.Logger, localSite string, newBridge BridgeFactory, onMessage func(src address.Site, hdr *wire.RelayHeader, payload []byte)) *Relayer {
	return &Relayer{
		logger:    logger,
		localSite: localSite,
		newBridge: newBridge,
		onMessage: onMessage,
		routes:    map[string][]*route.Route{},
		bridges:   map[string]route.Bridge{},
		bundlers:  map[string]*bundler.SizeBundler{},
	}
}

// Start asynchronously opens one bridge per configured remote site. Each
// bridge join happens on its own goroutine so a slow or failing remote
// site never blocks the others or the caller.
func (r *Relayer) Start(cfg Config, bridgeName string) {
	r.mu.Lock()
	r.bundling = cfg.Bundling
	r.mu.Unlock()
	for _, site := range cfg.Sites {
		site := site
		go r.startBridge(bridgeName, site)
	}
}

func (r *Relayer) startBridge(bridgeName string, site SiteConfig) {
	bridge, err := r.newBridge(r.localSite, bridgeName, site, r.onMessage)
	if err != nil {
		r.logger.Error("failed starting bridge to site", zap.String("site", site.Name), zap.Error(err))
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.bridges[site.Name] = bridge
	siteMaster := address.SiteMaster{Site: site.Name}
	rt := route.New(site.Name, bridge, siteMaster)
	if bc := r.bundling; bc != nil {
		bdl := bundler.NewSizeBundler(r.logger)
		bdl.MaxSize = bc.MaxSize
		bdl.Capacity = bc.Capacity
		bdl.ProcessLoopbacks = bc.ProcessLoopbacks
		bdl.Init(&bundlerTransport{
			bridge:          bridge,
			local:           address.SiteMaster{Site: r.localSite},
			overhead:        16,
			processLoopback: bc.ProcessLoopbacks,
			onLoopback:      r.onMessage,
		})
		bdl.Start()
		r.bundlers[site.Name] = bdl
		rt = rt.WithOutbound(bdl)
	}
	r.routes[site.Name] = append(r.routes[site.Name], rt)
	r.mu.Unlock()
	r.logger.Info("bridge up", zap.String("site", site.Name))
}

// MarkDown flips every route riding the named bridge to Down; callers
// decide separately whether to evict them (e.g. on view churn vs. a
// transient network blip).
func (r *Relayer) MarkDown(siteName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rt := range r.routes[siteName] {
		rt.Status = route.Down
	}
}

// Stop closes every bridge and clears the routing table. Safe to call
// more than once.
func (r *Relayer) Stop() {
	r.mu.Lock()
	bridges := r.bridges
	bundlers := r.bundlers
	r.bridges = map[string]route.Bridge{}
	r.bundlers = map[string]*bundler.SizeBundler{}
	r.routes = map[string][]*route.Route{}
	r.stopped = true
	r.mu.Unlock()

	for _, bdl := range bundlers {
		bdl.Flush()
		bdl.Stop()
	}

	for name, b := range bridges {
		if closer, ok := b.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				r.logger.Warn("error closing bridge", zap.String("site", name), zap.Error(err))
			}
		}
	}
}

// GetRoute returns the primary UP route for site, or nil if none is
// currently available (including while bridges are still starting up
// asynchronously — treated identically to "no route").
func (r *Relayer) GetRoute(site string) *route.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes[site] {
		if rt.Status == route.Up {
			return rt
		}
	}
	return nil
}

// GetForwardingRouteMatching is the fallback lookup allowing transitive
// forwarding via an intermediate site whose own routing table might cover
// site. The relay's own multicast cycle prevention (visited_sites) keeps
// this safe even when such a path exists; the precise selection algorithm
// among candidate intermediaries is implementation-defined (spec's own
// Open Question) — left unset by default, installed via
// WithForwardingMatcher when a deployment needs it.
func (r *Relayer) GetForwardingRouteMatching(site string) *route.Route {
	if r.forwardingMatcher == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forwardingMatcher(site, r.routes)
}

// GetSiteNames lists every site this relayer currently has at least one
// route for.
func (r *Relayer) GetSiteNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	return names
}

// PrintRoutes renders the routing table for introspection.
func (r *Relayer) PrintRoutes() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var b strings.Builder
	for site, routes := range r.routes {
		fmt.Fprintf(&b, "%s: ", site)
		parts := make([]string, len(routes))
		for i, rt := range routes {
			parts[i] = rt.String()
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}
	return b.String()
}

// GetBridgeView returns the membership view of a named bridge, if open.
func (r *Relayer) GetBridgeView(siteName string) []*memberlist.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[siteName]
	if !ok {
		return nil
	}
	if v, ok := b.(interface{ Members() []*memberlist.Node }); ok {
		return v.Members()
	}
	return nil
}

// Routes returns a shallow snapshot of the routing table, used by the
// relay core's multicast fan-out (sendToBridges).
func (r *Relayer) Routes() map[string][]*route.Route {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]*route.Route, len(r.routes))
	for k, v := range r.routes {
		cp := make([]*route.Route, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
