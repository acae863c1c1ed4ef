package wire

import (
	"github.com/google/uuid"

	"github.com/vx-labs/site-relay/internal/address"
)

// ToSiteAddress converts a wire-form site address into its in-process
// address.Site variant, the shared counterpart to FromSiteAddress used by
// every bridge boundary (route.Route.send, the relay core's bridge-message
// handler, memberlistBridge.deliver).
func ToSiteAddress(a *SiteAddressPB) address.Site {
	if a == nil {
		return nil
	}
	if a.IsMaster {
		return address.SiteMaster{Site: a.Site}
	}
	var local address.Local
	if id, err := uuid.Parse(a.LocalID); err == nil {
		local = address.Local{ID: id}
	}
	return address.SiteUUID{Local: local, Name: a.Name, Site: a.Site}
}

// FromSiteAddress converts an in-process address.Site into its wire form,
// or nil for a nil/unrecognized address.
func FromSiteAddress(a address.Site) *SiteAddressPB {
	if a == nil {
		return nil
	}
	switch v := a.(type) {
	case address.SiteUUID:
		return &SiteAddressPB{LocalID: v.Local.String(), Name: v.Name, Site: v.Site}
	case address.SiteMaster:
		return &SiteAddressPB{Site: v.Site, IsMaster: true}
	default:
		return nil
	}
}
