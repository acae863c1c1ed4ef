// Package relay implements the relay core: site-master election, the
// down (application-to-network) and up (network-to-application) paths,
// routing, multicast relaying with cycle prevention, and the admin
// message protocol. Grounded on RELAY2.java end to end.
package relay

import (
	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/route"
)

// View is the membership snapshot handleView is called with: the ordered
// member list (first entry is the coordinator) plus, when address
// tagging is enabled, each member's can-become-site-master flag.
type View struct {
	Members []address.Extended
}

// Coord returns the view's coordinator (its first member), or the zero
// value if the view is empty.
func (v View) Coord() address.Local {
	if len(v.Members) == 0 {
		return address.Local{}
	}
	return v.Members[0].Local
}

// DeliveryContract is what the relay core needs from whatever sits above
// it in the stack: deliver an up-stack message addressed (dest, sender),
// and send a message down the local cluster to a specific local member
// (a SiteMaster destination is resolved to a concrete member by the relay
// core's SiteMasterPicker before ForwardLocal is called).
//
// This is the external collaborator spec.md marks "out of scope:
// serialization of individual messages" — callers own encoding; the
// relay core only ever hands it an opaque payload plus addressing.
type DeliveryContract interface {
	// DeliverUp passes a message up the local stack, addressed from
	// sender to dest.
	DeliverUp(dest, sender address.Site, payload []byte)
	// ForwardLocal sends payload to a specific local cluster member
	// (identified by its Local id within the current view).
	ForwardLocal(local address.Local, dest, sender address.Site, payload []byte) error
	// SendDown ships a raw admin/control frame to every member of the
	// local cluster (used for the SITES_UP/SITES_DOWN narration).
	SendDown(payload []byte) error
}

// SiteMasterPicker is the relay's only two plugin points for arbitrating
// between multiple eligible site masters or multiple routes to the same
// site — mirrors RELAY2's SiteMasterPicker interface exactly.
type SiteMasterPicker interface {
	PickSiteMaster(candidates []address.Local, sender address.Site) address.Local
	PickRoute(routes []*route.Route, sender address.Site) *route.Route
}

// RouteStatusListener receives the three route-change notifications the
// admin-message path and the unreachable-site path can raise. Any method
// may be left as a no-op; the whole listener may be nil.
type RouteStatusListener interface {
	SitesUp(sites []string)
	SitesDown(sites []string)
	SitesUnreachable(site string)
}

// randomSiteMasterPicker is the default SiteMasterPicker: pick uniformly
// at random among candidates/routes, matching RELAY2's inline anonymous
// default implementation.
type randomSiteMasterPicker struct {
	rand func(n int) int
}

func (p randomSiteMasterPicker) PickSiteMaster(candidates []address.Local, _ address.Site) address.Local {
	if len(candidates) == 0 {
		return address.Local{}
	}
	if len(candidates) == 1 {
		return candidates[0]
	}
	return candidates[p.rand(len(candidates))]
}

func (p randomSiteMasterPicker) PickRoute(routes []*route.Route, _ address.Site) *route.Route {
	if len(routes) == 0 {
		return nil
	}
	if len(routes) == 1 {
		return routes[0]
	}
	return routes[p.rand(len(routes))]
}
