package relay

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/internal/scheduler"
	"github.com/vx-labs/site-relay/internal/wire"
	"github.com/vx-labs/site-relay/relayer"
	"github.com/vx-labs/site-relay/route"
	"github.com/vx-labs/site-relay/suppresslog"
	"github.com/vx-labs/site-relay/topology"
)

// ErrNoRouteToSite is returned when neither a direct nor a forwarding
// route exists to the target site; the failure is also reported as a
// SITE_UNREACHABLE notification.
var ErrNoRouteToSite = errors.New("relay: no route to site")

// ErrSiteMasterMissing surfaces an invariant violation: a SiteMaster
// delivery was attempted but the picker returned no candidate.
var ErrSiteMasterMissing = errors.New("relay: site master was nil")

// Relay is the relay core for one node: site-master election, the
// down/up paths, routing, multicast fan-out with cycle prevention, and
// the admin-message protocol. One Relay represents one cluster member;
// the local cluster's other members are reached only through
// DeliveryContract.ForwardLocal, never simulated in-process.
type Relay struct {
	cfg       Config
	logger    *zap.Logger
	localAddr address.Local
	delivery  DeliveryContract
	stats     stats

	suppressLog *suppresslog.Log
	topo        *topology.Topology

	mu                          sync.RWMutex
	view                        View
	siteMasters                 []address.Local
	isSiteMaster                bool
	broadcastRouteNotifications bool
	relayer                     *relayer.Relayer
	siteCache                   map[string]bool
}

func New(localAddr address.Local, delivery DeliveryContract, opts ...Option) *Relay {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.SiteMasterPicker == nil {
		cfg.SiteMasterPicker = randomSiteMasterPicker{rand: rand.Intn}
	}
	return &Relay{
		cfg:         cfg,
		logger:      cfg.Logger,
		localAddr:   localAddr,
		delivery:    delivery,
		suppressLog: suppresslog.New(cfg.Logger),
		topo:        topology.New(cfg.Logger, cfg.Site),
		siteCache:   map[string]bool{},
	}
}

// DetermineSiteMasters is the election algorithm (spec.md §4.6): walk the
// view in order, skipping members whose can-become-site-master flag is
// unset when useFlags is true, collecting up to maxNum. Falls back to
// the view's coordinator if nothing was collected.
func DetermineSiteMasters(view View, maxNum int, useFlags bool) []address.Local {
	var result []address.Local
	for _, m := range view.Members {
		if useFlags && !m.IsFlagSet(address.FlagCanBecomeSiteMaster) {
			continue
		}
		if len(result) >= maxNum {
			break
		}
		result = append(result, m.Local)
	}
	if len(result) == 0 && len(view.Members) > 0 {
		result = append(result, view.Coord())
	}
	return result
}

func containsLocal(list []address.Local, l address.Local) bool {
	for _, v := range list {
		if v == l {
			return true
		}
	}
	return false
}

func (r *Relay) maxNumSiteMasters(view View) int {
	max := r.cfg.MaxSiteMasters
	if r.cfg.SiteMastersRatio > 0 {
		if n := int(float64(len(view.Members)) * r.cfg.SiteMastersRatio); n > max {
			max = n
		}
	}
	return max
}

// HandleView applies a new membership view: recomputes site masters,
// starts or stops the relayer on a become/cease transition, and merges
// the view into the topology cache. Matches RELAY2.handleView exactly.
func (r *Relay) HandleView(view View) {
	r.mu.Lock()
	oldMasters := r.siteMasters
	r.view = view
	newMasters := DetermineSiteMasters(view, r.maxNumSiteMasters(view), r.cfg.EnableAddressTagging)

	become := containsLocal(newMasters, r.localAddr) && !containsLocal(oldMasters, r.localAddr)
	cease := containsLocal(oldMasters, r.localAddr) && !containsLocal(newMasters, r.localAddr)
	r.siteMasters = newMasters
	if len(newMasters) > 0 && newMasters[0] == r.localAddr {
		r.broadcastRouteNotifications = true
	}
	r.mu.Unlock()

	if become {
		r.becomeSiteMaster()
	} else if cease {
		r.ceaseSiteMaster()
	}

	r.suppressLog.RemoveExpired(r.cfg.SuppressTimeNoRouteErrors, time.Now())
	r.topo.Adjust(r.viewAsMembers(view, newMasters))
}

func (r *Relay) viewAsMembers(view View, masters []address.Local) *wire.Members {
	m := &wire.Members{Site: r.cfg.Site}
	for _, member := range view.Members {
		addr := &wire.SiteAddressPB{LocalID: member.Local.String(), Site: r.cfg.Site}
		m.AddJoined(&wire.MemberInfo{
			Site:         r.cfg.Site,
			Addr:         addr,
			IsSiteMaster: containsLocal(masters, member.Local),
		})
	}
	return m
}

func (r *Relay) becomeSiteMaster() {
	r.mu.Lock()
	if r.relayer != nil {
		prev := r.relayer
		r.mu.Unlock()
		prev.Stop()
		r.mu.Lock()
	}
	r.isSiteMaster = true
	rel := relayer.New(r.logger, r.cfg.Site, r.cfg.BridgeFactory, r.handleBridgeMessage)
	r.relayer = rel
	r.mu.Unlock()

	bridgeName := "_" + r.localAddr.String()
	if r.cfg.AsyncRelayCreation {
		scheduler.One(func() { r.startRelayer(rel, bridgeName) })
	} else {
		r.startRelayer(rel, bridgeName)
	}
	r.notifySiteMasterListener(true)
}

func (r *Relay) ceaseSiteMaster() {
	r.mu.Lock()
	r.isSiteMaster = false
	rel := r.relayer
	r.relayer = nil
	r.mu.Unlock()

	r.notifySiteMasterListener(false)
	r.logger.Debug("ceased to be site master; closing bridges", zap.String("site", r.cfg.Site))
	if rel != nil {
		rel.Stop()
	}
}

func (r *Relay) startRelayer(rel *relayer.Relayer, bridgeName string) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic starting relayer", zap.Any("panic", p))
		}
	}()
	bridgeCfg := r.cfg.BridgeConfig
	bridgeCfg.Bundling = r.cfg.Bundling
	rel.Start(bridgeCfg, bridgeName)
}

func (r *Relay) notifySiteMasterListener(flag bool) {
	if r.cfg.SiteMasterListener != nil {
		r.cfg.SiteMasterListener(flag)
	}
}

func (r *Relay) IsSiteMaster() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isSiteMaster
}

func (r *Relay) siteMastersSnapshot() []address.Local {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := make([]address.Local, len(r.siteMasters))
	copy(cp, r.siteMasters)
	return cp
}

func (r *Relay) relayerSnapshot() *relayer.Relayer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.relayer
}

// Down handles an application-originated send (spec.md "Down path").
func (r *Relay) Down(dest address.Site, payload []byte) error {
	sender := address.SiteUUID{Local: r.localAddr, Site: r.cfg.Site}
	if dest.SiteName() == r.cfg.Site {
		return r.deliverIntraSite(dest, sender, payload)
	}
	if !r.IsSiteMaster() {
		return r.forwardToSiteMaster(sender, dest, payload)
	}
	return r.route(dest, sender, payload, true)
}

func (r *Relay) deliverIntraSite(dest, sender address.Site, payload []byte) error {
	if su, ok := dest.(address.SiteUUID); ok && su.Local == r.localAddr {
		return r.delivery.ForwardLocal(r.localAddr, dest, sender, payload)
	}
	if _, ok := dest.(address.SiteMaster); ok && r.IsSiteMaster() {
		return r.delivery.ForwardLocal(r.localAddr, dest, sender, payload)
	}
	return r.deliverLocally(dest, sender, payload)
}

// deliverLocally hands a message to a member of this node's own site,
// resolving a SiteMaster destination to whichever local member currently
// holds that role.
func (r *Relay) deliverLocally(dest, sender address.Site, payload []byte) error {
	start := time.Now()
	var local address.Local
	switch d := dest.(type) {
	case address.SiteMaster:
		local = r.cfg.SiteMasterPicker.PickSiteMaster(r.siteMastersSnapshot(), sender)
		if local == (address.Local{}) {
			return ErrSiteMasterMissing
		}
	case address.SiteUUID:
		local = d.Local
	default:
		return fmt.Errorf("relay: unknown site address variant %T", dest)
	}
	err := r.delivery.ForwardLocal(local, dest, sender, payload)
	if err == nil {
		elapsed := time.Since(start)
		r.stats.forwardToLocalMbr.Inc()
		r.stats.timeForwardingToLocalMbr.Add(int64(elapsed))
		promForwardedToLocalMbr.WithLabelValues(r.cfg.Site).Inc()
		promForwardToLocalMbrSeconds.Observe(elapsed.Seconds())
	}
	return err
}

func (r *Relay) forwardToSiteMaster(sender, dest address.Site, payload []byte) error {
	start := time.Now()
	sm := r.cfg.SiteMasterPicker.PickSiteMaster(r.siteMastersSnapshot(), sender)
	if sm == (address.Local{}) {
		return ErrSiteMasterMissing
	}
	err := r.delivery.ForwardLocal(sm, dest, sender, payload)
	if err == nil {
		elapsed := time.Since(start)
		r.stats.forwardToSiteMaster.Inc()
		r.stats.timeForwardingToSM.Add(int64(elapsed))
		promForwardedToSiteMaster.WithLabelValues(r.cfg.Site).Inc()
		promForwardToSMSeconds.Observe(elapsed.Seconds())
	}
	return err
}

// route is called by a site master to get a message to its final
// destination site (spec.md "Routing (site master)"). localOrigin is
// true when payload originated from this node's own Down call (so a
// SITE_UNREACHABLE is deliverable straight back to it), false when it
// arrived already-relayed from a bridge.
func (r *Relay) route(dest, sender address.Site, payload []byte, localOrigin bool) error {
	if dest.SiteName() == r.cfg.Site {
		return r.deliverIntraSite(dest, sender, payload)
	}
	rel := r.relayerSnapshot()
	if rel == nil {
		r.noRoute(dest.SiteName(), sender, localOrigin)
		return ErrNoRouteToSite
	}
	rt := rel.GetRoute(dest.SiteName())
	if rt == nil {
		rt = rel.GetForwardingRouteMatching(dest.SiteName())
	}
	if rt == nil {
		r.noRoute(dest.SiteName(), sender, localOrigin)
		return ErrNoRouteToSite
	}
	start := time.Now()
	if err := rt.Send(dest, sender, payload); err != nil {
		return err
	}
	elapsed := time.Since(start)
	r.stats.relayed.Inc()
	r.stats.timeRelaying.Add(int64(elapsed))
	promRelayed.WithLabelValues(r.cfg.Site).Inc()
	promRelaySeconds.Observe(elapsed.Seconds())
	return nil
}

// noRoute handles a failed lookup for targetSite (spec.md §4.6 "Routing
// (site master)", §7 item 2): a locally-originated message short-circuits
// straight to the local RouteStatusListener, while a message relayed in
// from another site gets a SITE_UNREACHABLE sent back over this node's
// route to the sender's site, so the remote sender actually finds out, matching
// RELAY2.sendSiteUnreachableTo's non-local case.
func (r *Relay) noRoute(targetSite string, sender address.Site, localOrigin bool) {
	r.suppressLog.Log(suppresslog.Error, targetSite, r.cfg.SuppressTimeNoRouteErrors, time.Now(),
		"no route to site", zap.String("site", targetSite))
	r.stats.noRouteErrors.Inc()
	promNoRouteErrors.WithLabelValues(targetSite).Inc()
	if localOrigin {
		r.triggerSiteUnreachable(targetSite)
		return
	}
	r.sendSiteUnreachableTo(targetSite, sender)
}

func (r *Relay) triggerSiteUnreachable(site string) {
	if r.cfg.RouteStatusListener != nil {
		r.cfg.RouteStatusListener.SitesUnreachable(site)
	}
}

// sendSiteUnreachableTo is the non-local twin of triggerSiteUnreachable:
// it notifies the site that originated the undeliverable message, by
// sending a HeaderSiteUnreachable frame back over this node's route to
// sender's site, rather than only firing the local listener.
func (r *Relay) sendSiteUnreachableTo(targetSite string, sender address.Site) {
	if sender == nil {
		r.triggerSiteUnreachable(targetSite)
		return
	}
	originSite := sender.SiteName()
	if originSite == "" || originSite == r.cfg.Site {
		r.triggerSiteUnreachable(targetSite)
		return
	}
	rel := r.relayerSnapshot()
	if rel == nil {
		return
	}
	rt := rel.GetRoute(originSite)
	if rt == nil {
		return
	}
	hdr := &wire.RelayHeader{
		Type:  uint32(wire.HeaderSiteUnreachable),
		Sites: []string{targetSite},
	}
	if err := rt.SendControl(hdr); err != nil {
		r.logger.Debug("failed sending site-unreachable notice", zap.String("site", originSite), zap.Error(err))
	}
}

// handleBridgeMessage is the relayer's onMessage callback: invoked once
// per message arriving over any bridge this node's relayer owns.
// Matches RELAY2.handleRelayMessage/handleMessage.
func (r *Relay) handleBridgeMessage(src address.Site, hdr *wire.RelayHeader, payload []byte) {
	if hdr == nil {
		r.logger.Error("bridge message missing relay header")
		return
	}
	if r.handleAdminMessage(hdr) {
		return
	}
	switch hdr.HeaderType() {
	case wire.HeaderData:
		if hdr.FinalDest != nil {
			dest := wire.ToSiteAddress(hdr.FinalDest)
			sender := wire.ToSiteAddress(hdr.OriginalSender)
			if err := r.route(dest, sender, payload, false); err != nil {
				r.logger.Debug("failed routing relayed message", zap.Error(err))
			}
			return
		}
		// final_dest == nil: a multicast relayed from another site. Since
		// one Relay models exactly one cluster member, "deliver into the
		// local cluster" is this node's own up-delivery rather than a
		// further local-transport hop.
		sender := wire.ToSiteAddress(hdr.OriginalSender)
		r.delivery.DeliverUp(nil, sender, payload)
		r.sendToBridges(sender, payload, hdr.VisitedSites)
	case wire.HeaderSiteUnreachable:
		if len(hdr.Sites) > 0 {
			r.triggerSiteUnreachable(hdr.Sites[0])
		}
	default:
		r.logger.Error("unknown relay header type", zap.Stringer("type", hdr.HeaderType()))
	}
}

// handleAdminMessage handles SITES_UP/SITES_DOWN; returns true if hdr was
// an admin type (and so fully consumed).
func (r *Relay) handleAdminMessage(hdr *wire.RelayHeader) bool {
	switch hdr.HeaderType() {
	case wire.HeaderSitesUp, wire.HeaderSitesDown:
		if r.cfg.RouteStatusListener == nil || len(hdr.Sites) == 0 {
			return true
		}
		r.mu.Lock()
		sites := make([]string, 0, len(hdr.Sites))
		for _, s := range hdr.Sites {
			if s == r.cfg.Site {
				continue
			}
			sites = append(sites, s)
		}
		if hdr.HeaderType() == wire.HeaderSitesUp {
			fresh := sites[:0]
			for _, s := range sites {
				if !r.siteCache[s] {
					fresh = append(fresh, s)
					r.siteCache[s] = true
				}
			}
			sites = fresh
		}
		r.mu.Unlock()
		if len(sites) == 0 {
			return true
		}
		if hdr.HeaderType() == wire.HeaderSitesUp {
			r.cfg.RouteStatusListener.SitesUp(sites)
		} else {
			r.cfg.RouteStatusListener.SitesDown(sites)
			r.mu.Lock()
			for _, s := range sites {
				delete(r.siteCache, s)
			}
			r.mu.Unlock()
			if err := r.topo.RemoveAll(sites); err != nil {
				r.logger.Warn("failed evicting unreachable sites from topology", zap.Error(err))
			}
		}
		return true
	}
	return false
}

// sendToBridges fans a multicast out to every known remote site not yet
// visited, breaking after the first successful route per site (spec.md
// "Multicast relaying with cycle prevention").
func (r *Relay) sendToBridges(originalSender address.Site, payload []byte, alreadyVisited []string) {
	rel := r.relayerSnapshot()
	if rel == nil {
		return
	}
	routes := rel.Routes()
	if len(routes) == 0 {
		return
	}

	visited := map[string]bool{r.cfg.Site: true}
	for _, s := range alreadyVisited {
		visited[s] = true
	}

	headerVisited := make([]string, 0, len(routes)+len(alreadyVisited)+1)
	headerVisited = append(headerVisited, r.cfg.Site)
	for site := range routes {
		headerVisited = append(headerVisited, site)
	}
	headerVisited = append(headerVisited, alreadyVisited...)

	for site, candidates := range routes {
		if visited[site] {
			continue
		}
		for _, rt := range candidates {
			if err := rt.SendVisited(nil, originalSender, payload, headerVisited); err == nil {
				break
			} else {
				r.logger.Error("failed relaying multicast via route", zap.String("site", site), zap.Error(err))
			}
		}
	}
}

// SendLocalMulticast is the up-path entry point for a message originated
// locally with no specific destination: if this node is a site master
// (and the caller hasn't set NO_RELAY), it is fanned out to every bridge
// before being handed up-stack (spec.md "Up path", dest == nil branch).
func (r *Relay) SendLocalMulticast(sender address.Site, payload []byte, noRelay bool) {
	if r.IsSiteMaster() && !noRelay {
		r.sendToBridges(sender, payload, nil)
	}
	r.delivery.DeliverUp(nil, sender, payload)
}

// SitesChanged originates a SITES_UP/SITES_DOWN narration to the local
// cluster; a no-op unless this node has been the first site master of some
// view (spec.md "broadcast_route_notifications"). HandleView sets that flag
// and never clears it.
func (r *Relay) SitesChanged(down bool, sites []string) error {
	r.mu.RLock()
	enabled := r.broadcastRouteNotifications
	r.mu.RUnlock()
	if !enabled || len(sites) == 0 {
		return nil
	}
	typ := wire.HeaderSitesUp
	if down {
		typ = wire.HeaderSitesDown
	}
	hdr := &wire.RelayHeader{Type: uint32(typ), Sites: sites}
	buf, err := wire.Marshal(hdr)
	if err != nil {
		return err
	}
	return r.delivery.SendDown(buf)
}

// GetRoute passes through to the active relayer, or nil if this node is
// not currently a site master.
func (r *Relay) GetRoute(site string) *route.Route {
	rel := r.relayerSnapshot()
	if rel == nil {
		return nil
	}
	return rel.GetRoute(site)
}

// GetCurrentSites lists the sites this node's relayer currently has
// routes for, or nil if it is not a site master.
func (r *Relay) GetCurrentSites() []string {
	rel := r.relayerSnapshot()
	if rel == nil {
		return nil
	}
	return rel.GetSiteNames()
}

func (r *Relay) PrintRoutes() string {
	rel := r.relayerSnapshot()
	if rel == nil {
		return ""
	}
	return rel.PrintRoutes()
}

func (r *Relay) PrintTopology() string { return r.topo.Print("") }

func (r *Relay) PrintLocalTopology() string { return r.topo.Print(r.cfg.Site) }

func (r *Relay) Stats() Snapshot { return r.stats.Snapshot() }

func (r *Relay) ResetStats() { r.stats.Reset() }

func (r *Relay) ClearNoRouteCache() { r.suppressLog.Clear() }

// GCTopology purges members tombstoned before cutoff from the topology
// cache; callers typically pass crdt.ExpireAfter8Hours() on a periodic
// timer.
func (r *Relay) GCTopology(cutoff int64) error { return r.topo.GC(cutoff) }
