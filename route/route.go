// Package route represents one directional path to a remote site through a
// bridge channel, with optional failover alternates tracked by the caller
// (the Relayer owns the ordered list; Route itself is single-path).
package route

import (
	"fmt"

	"github.com/vx-labs/site-relay/bundler"
	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/internal/wire"
)

// Status mirrors the Route lifecycle: UP while its bridge is connected,
// DOWN once the bridge is lost (the Relayer decides whether to keep or
// evict it).
type Status int

const (
	Up Status = iota
	Down
)

func (s Status) String() string {
	if s == Up {
		return "UP"
	}
	return "DOWN"
}

// Bridge is the minimal capability a Route needs from the cluster
// connection it rides on: address the remote site master within the
// bridge's membership, and ship a payload there (or to everyone on the
// bridge, when dest is nil, for multicast relaying).
type Bridge interface {
	Name() string
	Send(dest address.Site, header *wire.RelayHeader, payload []byte) error
}

// Route is {site_name, bridge_channel, site_master_address_on_bridge,
// status}. Its lifetime ends when the bridge it rides is closed; it never
// outlives the bridge (the Relayer invariant).
type Route struct {
	SiteName   string
	Bridge     Bridge
	SiteMaster address.Site
	Status     Status

	// Outbound, when set, routes every Send/SendVisited through a
	// bundler instead of calling Bridge.Send directly — per-destination
	// batching under a byte budget (spec's Bundler subsystem), mirroring
	// how RELAY2's own Route hands payloads to its protocol stack's
	// configured Bundler rather than writing straight to the socket.
	Outbound bundler.Sender
}

func New(siteName string, bridge Bridge, siteMaster address.Site) *Route {
	return &Route{SiteName: siteName, Bridge: bridge, SiteMaster: siteMaster, Status: Up}
}

// WithOutbound attaches a bundler to batch this route's outbound traffic.
func (r *Route) WithOutbound(s bundler.Sender) *Route {
	r.Outbound = s
	return r
}

// SendControl ships a non-DATA relay header (e.g. SITE_UNREACHABLE,
// SITES_UP/DOWN) straight to this route's site master, bypassing any
// attached bundler: control frames are small and latency-sensitive, unlike
// the bulk DATA traffic the bundler exists to batch.
func (r *Route) SendControl(hdr *wire.RelayHeader) error {
	return r.Bridge.Send(r.SiteMaster, hdr, nil)
}

func (r *Route) String() string {
	return fmt.Sprintf("%s(bridge=%s,master=%s,%s)", r.SiteName, r.Bridge.Name(), r.SiteMaster, r.Status)
}

// Send wraps payload with a DATA relay header carrying finalDest and
// originalSender as the end-to-end identity, then forwards it down the
// bridge. When finalDest is nil the send is a bridge-wide multicast,
// otherwise it targets this Route's site master on the bridge.
func (r *Route) Send(finalDest, originalSender address.Site, payload []byte) error {
	return r.send(finalDest, originalSender, payload, nil)
}

// SendVisited is Send plus a visited-sites breadcrumb trail, used by
// multicast relaying to prevent the message from being echoed back to a
// site it already traversed.
func (r *Route) SendVisited(finalDest, originalSender address.Site, payload []byte, visitedSites []string) error {
	return r.send(finalDest, originalSender, payload, visitedSites)
}

func (r *Route) send(finalDest, originalSender address.Site, payload []byte, visitedSites []string) error {
	hdr := &wire.RelayHeader{
		Type:           uint32(wire.HeaderData),
		FinalDest:      wire.FromSiteAddress(finalDest),
		OriginalSender: wire.FromSiteAddress(originalSender),
		VisitedSites:   visitedSites,
	}
	bridgeDest := address.Site(nil)
	if finalDest != nil {
		bridgeDest = r.SiteMaster
	}
	if r.Outbound != nil {
		// bundler.Dest is interface{}; a nil address.Site boxed directly
		// would compare unequal to untyped nil inside the bundler
		// (typed-nil-interface gotcha), so route it through an
		// interface{} local that stays truly nil for the multicast case.
		var dest bundler.Dest
		if bridgeDest != nil {
			dest = bridgeDest
		}
		r.Outbound.Send(&bundler.Message{
			Dest:    dest,
			Src:     originalSender,
			Payload: payload,
			Headers: map[string]interface{}{"hdr": hdr},
		}, len(payload))
		return nil
	}
	return r.Bridge.Send(bridgeDest, hdr, payload)
}

