package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/internal/wire"
	"github.com/vx-labs/site-relay/relayer"
	"github.com/vx-labs/site-relay/route"
)

func newLocal() address.Local { return address.Local{ID: uuid.New()} }

// recordedDelivery is a DeliveryContract test double that records every
// call so assertions can inspect exactly what the core tried to do.
type recordedDelivery struct {
	mu         sync.Mutex
	delivered  []struct{ dest, sender address.Site }
	forwarded  []struct {
		local         address.Local
		dest, sender  address.Site
	}
	sentDown [][]byte
}

func (d *recordedDelivery) DeliverUp(dest, sender address.Site, payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, struct{ dest, sender address.Site }{dest, sender})
}

func (d *recordedDelivery) ForwardLocal(local address.Local, dest, sender address.Site, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forwarded = append(d.forwarded, struct {
		local        address.Local
		dest, sender address.Site
	}{local, dest, sender})
	return nil
}

func (d *recordedDelivery) SendDown(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sentDown = append(d.sentDown, payload)
	return nil
}

func (d *recordedDelivery) forwardCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.forwarded)
}

func (d *recordedDelivery) deliverCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

// fakeBridge wires two in-process Relay instances together synchronously:
// Send hands the envelope straight to the peer's handleBridgeMessage, no
// network involved. Grounded on route.Bridge's minimal contract.
type fakeBridge struct {
	name      string
	localSite string
	peer      func(src address.Site, hdr *wire.RelayHeader, payload []byte)
}

func (b *fakeBridge) Name() string { return b.name }

func (b *fakeBridge) Send(dest address.Site, hdr *wire.RelayHeader, payload []byte) error {
	b.peer(address.SiteMaster{Site: b.localSite}, hdr, payload)
	return nil
}

// bridgeFactory returns a BridgeFactory that dials peers by site name.
func bridgeFactory(peers map[string]*Relay) relayer.BridgeFactory {
	return func(localSite, bridgeName string, cfg relayer.SiteConfig, onMessage func(address.Site, *wire.RelayHeader, []byte)) (route.Bridge, error) {
		peer := peers[cfg.Name]
		return &fakeBridge{name: cfg.Name, localSite: localSite, peer: peer.handleBridgeMessage}, nil
	}
}

func waitForRoute(t *testing.T, r *Relay, site string) *route.Route {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rt := r.GetRoute(site); rt != nil {
			return rt
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no route to %s appeared in time", site)
	return nil
}

func singleMemberView(local address.Local) View {
	return View{Members: []address.Extended{{Local: local}}}
}

func TestDetermineSiteMasters(t *testing.T) {
	a, b, c := newLocal(), newLocal(), newLocal()

	t.Run("respects max and flag", func(t *testing.T) {
		view := View{Members: []address.Extended{
			{Local: a, Flags: address.FlagCanBecomeSiteMaster},
			{Local: b, Flags: address.FlagCanBecomeSiteMaster},
			{Local: c, Flags: 0},
		}}
		masters := DetermineSiteMasters(view, 2, true)
		require.Equal(t, []address.Local{a, b}, masters)
	})

	t.Run("falls back to coordinator when nobody qualifies", func(t *testing.T) {
		view := View{Members: []address.Extended{{Local: a}, {Local: b}, {Local: c}}}
		masters := DetermineSiteMasters(view, 2, true)
		require.Equal(t, []address.Local{a}, masters)
	})

	t.Run("idempotent on identical views", func(t *testing.T) {
		view := View{Members: []address.Extended{{Local: a}, {Local: b}}}
		m1 := DetermineSiteMasters(view, 1, false)
		m2 := DetermineSiteMasters(view, 1, false)
		require.Equal(t, m1, m2)
	})
}

func TestHandleViewIdempotence(t *testing.T) {
	a := newLocal()
	r := New(a, &recordedDelivery{}, WithSite("LON"), WithAsyncRelayCreation(false),
		WithBridgeFactory(bridgeFactory(map[string]*Relay{})))
	view := singleMemberView(a)

	r.HandleView(view)
	require.True(t, r.IsSiteMaster())
	first := r.relayerSnapshot()

	r.HandleView(view)
	require.True(t, r.IsSiteMaster())
	require.True(t, first == r.relayerSnapshot(), "reapplying an unchanged view must not restart the relayer")
}

// TestTwoSitesSingleMasterRouting is scenario 1: two sites, single master
// each, A routes a unicast to B in the other site.
func TestTwoSitesSingleMasterRouting(t *testing.T) {
	lonA, lonB := newLocal(), newLocal()
	sfoA, sfoB := newLocal(), newLocal()

	deliveryLON := &recordedDelivery{}
	deliverySFO := &recordedDelivery{}

	peers := map[string]*Relay{}
	relayLON := New(lonA, deliveryLON, WithSite("LON"), WithAsyncRelayCreation(false),
		WithBridgeConfig(relayer.Config{Sites: []relayer.SiteConfig{{Name: "SFO"}}}),
		WithBridgeFactory(bridgeFactory(peers)))
	relaySFO := New(sfoA, deliverySFO, WithSite("SFO"), WithAsyncRelayCreation(false),
		WithBridgeConfig(relayer.Config{Sites: []relayer.SiteConfig{{Name: "LON"}}}),
		WithBridgeFactory(bridgeFactory(peers)))
	peers["SFO"] = relaySFO
	peers["LON"] = relayLON

	relayLON.HandleView(View{Members: []address.Extended{{Local: lonA}, {Local: lonB}}})
	relaySFO.HandleView(View{Members: []address.Extended{{Local: sfoA}, {Local: sfoB}}})

	require.True(t, relayLON.IsSiteMaster())
	require.True(t, relaySFO.IsSiteMaster())
	waitForRoute(t, relayLON, "SFO")

	dest := address.SiteUUID{Local: sfoB, Name: "B", Site: "SFO"}
	err := relayLON.Down(dest, []byte("hello"))
	require.NoError(t, err)

	require.Equal(t, int64(1), relayLON.Stats().NumRelayed)
	require.Equal(t, int64(1), relaySFO.Stats().NumForwardedToLocalMbr)
	require.Equal(t, 1, deliverySFO.forwardCount())
	require.Equal(t, sfoB, deliverySFO.forwarded[0].local)
}

// TestUnreachableSite is scenario 3.
func TestUnreachableSite(t *testing.T) {
	a := newLocal()
	core, obs := observer.New(zap.ErrorLevel)
	logger := zap.New(core)

	listener := &recordingListener{}
	r := New(a, &recordedDelivery{}, WithSite("LON"), WithAsyncRelayCreation(false),
		WithLogger(logger), WithRouteStatusListener(listener),
		WithSuppressTimeNoRouteErrors(time.Minute),
		WithBridgeFactory(bridgeFactory(map[string]*Relay{})))
	r.HandleView(singleMemberView(a))
	require.True(t, r.IsSiteMaster())

	dest := address.SiteUUID{Local: newLocal(), Site: "TOK"}
	err1 := r.Down(dest, []byte("x"))
	require.Error(t, err1)
	err2 := r.Down(dest, []byte("y"))
	require.Error(t, err2)

	require.Equal(t, 1, obs.FilterMessage("no route to site").Len(),
		"the second attempt within the suppression window must not log again")
	require.Equal(t, []string{"TOK", "TOK"}, listener.unreachable)
	require.Equal(t, int64(2), r.Stats().NumberOfNoRouteErrors)
}

// TestUnreachableSiteNotifiesRemoteOrigin is the non-local twin of
// TestUnreachableSite: a message relayed in from another site, destined for
// a site this node has no route to, must send a SITE_UNREACHABLE back
// over this node's route to the origin site so that site's own listener
// fires too, instead of only this node's local listener (spec.md §4.6,
// §7 item 2; RELAY2.sendSiteUnreachableTo's non-local case).
func TestUnreachableSiteNotifiesRemoteOrigin(t *testing.T) {
	lon, sfo := newLocal(), newLocal()

	lonListener := &recordingListener{}
	sfoListener := &recordingListener{}
	peers := map[string]*Relay{}
	relayLON := New(lon, &recordedDelivery{}, WithSite("LON"), WithAsyncRelayCreation(false),
		WithRouteStatusListener(lonListener),
		WithBridgeConfig(relayer.Config{Sites: []relayer.SiteConfig{{Name: "SFO"}}}),
		WithBridgeFactory(bridgeFactory(peers)))
	relaySFO := New(sfo, &recordedDelivery{}, WithSite("SFO"), WithAsyncRelayCreation(false),
		WithRouteStatusListener(sfoListener),
		WithBridgeConfig(relayer.Config{Sites: []relayer.SiteConfig{{Name: "LON"}}}),
		WithBridgeFactory(bridgeFactory(peers)))
	peers["SFO"] = relaySFO
	peers["LON"] = relayLON

	relayLON.HandleView(singleMemberView(lon))
	relaySFO.HandleView(singleMemberView(sfo))
	waitForRoute(t, relayLON, "SFO")
	waitForRoute(t, relaySFO, "LON")

	// Simulate a DATA message that arrived at SFO already relayed from
	// LON, destined for a third site ("TOK") SFO has no bridge to.
	dest := address.SiteUUID{Local: newLocal(), Site: "TOK"}
	hdr := &wire.RelayHeader{
		Type:           uint32(wire.HeaderData),
		FinalDest:      &wire.SiteAddressPB{Site: "TOK", LocalID: dest.Local.String()},
		OriginalSender: &wire.SiteAddressPB{Site: "LON", IsMaster: true},
	}
	relaySFO.handleBridgeMessage(address.SiteMaster{Site: "SFO"}, hdr, []byte("x"))

	require.Equal(t, []string{"TOK"}, lonListener.unreachable,
		"LON (the message's origin site) must be told TOK is unreachable")
	require.Empty(t, sfoListener.unreachable,
		"SFO observed the failure itself, not a remote one")
}

type recordingListener struct {
	mu          sync.Mutex
	up, down    []string
	unreachable []string
}

func (l *recordingListener) SitesUp(sites []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.up = append(l.up, sites...)
}
func (l *recordingListener) SitesDown(sites []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = append(l.down, sites...)
}
func (l *recordingListener) SitesUnreachable(site string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unreachable = append(l.unreachable, site)
}

// TestMulticastCyclePrevention is scenario 4, modeled as the path A-B-C
// the scenario's own visited-sites trace describes (A bridges only to B;
// B bridges to both A and C; C bridges only to B).
func TestMulticastCyclePrevention(t *testing.T) {
	a, b, c := newLocal(), newLocal(), newLocal()
	delA, delB, delC := &recordedDelivery{}, &recordedDelivery{}, &recordedDelivery{}

	peers := map[string]*Relay{}
	relA := New(a, delA, WithSite("A"), WithAsyncRelayCreation(false),
		WithBridgeConfig(relayer.Config{Sites: []relayer.SiteConfig{{Name: "B"}}}),
		WithBridgeFactory(bridgeFactory(peers)))
	relB := New(b, delB, WithSite("B"), WithAsyncRelayCreation(false),
		WithBridgeConfig(relayer.Config{Sites: []relayer.SiteConfig{{Name: "A"}, {Name: "C"}}}),
		WithBridgeFactory(bridgeFactory(peers)))
	relC := New(c, delC, WithSite("C"), WithAsyncRelayCreation(false),
		WithBridgeConfig(relayer.Config{Sites: []relayer.SiteConfig{{Name: "B"}}}),
		WithBridgeFactory(bridgeFactory(peers)))
	peers["A"], peers["B"], peers["C"] = relA, relB, relC

	relA.HandleView(singleMemberView(a))
	relB.HandleView(singleMemberView(b))
	relC.HandleView(singleMemberView(c))
	waitForRoute(t, relA, "B")
	waitForRoute(t, relB, "A")
	waitForRoute(t, relB, "C")
	waitForRoute(t, relC, "B")

	sender := address.SiteUUID{Local: a, Site: "A"}
	relA.SendLocalMulticast(sender, []byte("multicast"), false)

	require.Equal(t, 1, delB.deliverCount(), "B must up-deliver the multicast exactly once")
	require.Equal(t, 1, delC.deliverCount(), "C must up-deliver the multicast exactly once")
}
