// Package address implements the polymorphic address variants used by the
// relay: plain local addresses, site-scoped addresses (concrete member or
// virtual site master), and the flag-carrying extended variant used for
// site-master election tagging.
package address

import (
	"fmt"

	"github.com/google/uuid"
)

// Local is an opaque cluster-unique identifier, comparable and hashable.
type Local struct {
	ID uuid.UUID
}

func NewLocal() Local {
	return Local{ID: uuid.New()}
}

func (l Local) String() string {
	return l.ID.String()
}

// FlagCanBecomeSiteMaster is the only flag the relay core reads off an
// Extended address.
const FlagCanBecomeSiteMaster uint32 = 1 << 1

// Extended wraps a Local address with a flag set. enable_address_tagging
// generates these so that determineSiteMasters can skip members that
// opted out of site-master duty.
type Extended struct {
	Local
	Flags uint32
}

func (e Extended) IsFlagSet(flag uint32) bool {
	return e.Flags&flag != 0
}

func (e Extended) WithFlag(flag uint32) Extended {
	e.Flags |= flag
	return e
}

// Site is the tagged-variant address family: either a concrete member of a
// remote/local site (SiteUUID) or the virtual "current site master of site
// S" address (SiteMaster), resolved dynamically at delivery time.
//
// Comparisons and hashing are type-aware: a SiteMaster is equal only to
// another SiteMaster of the same site, never to a SiteUUID, even one that
// happens to currently be the site master.
type Site interface {
	fmt.Stringer
	SiteName() string
	isSiteAddress()
}

// SiteUUID identifies a concrete member (local or remote) in a named site.
type SiteUUID struct {
	Local Local
	Name  string // human-readable name, e.g. hostname; may be empty
	Site  string
}

func (s SiteUUID) SiteName() string  { return s.Site }
func (SiteUUID) isSiteAddress()      {}
func (s SiteUUID) String() string {
	if s.Name != "" {
		return fmt.Sprintf("%s@%s", s.Name, s.Site)
	}
	return fmt.Sprintf("%s@%s", s.Local, s.Site)
}

// Equal reports whether other is a SiteUUID naming the same local address
// in the same site.
func (s SiteUUID) Equal(other Site) bool {
	o, ok := other.(SiteUUID)
	return ok && o.Site == s.Site && o.Local == s.Local
}

// SiteMaster is the virtual address denoting "the current site master of
// site S", resolved dynamically by the relay core at delivery time.
type SiteMaster struct {
	Site string
}

func (s SiteMaster) SiteName() string { return s.Site }
func (SiteMaster) isSiteAddress()     {}
func (s SiteMaster) String() string   { return fmt.Sprintf("site-master@%s", s.Site) }

// Equal reports whether other is a SiteMaster of the same site.
func (s SiteMaster) Equal(other Site) bool {
	o, ok := other.(SiteMaster)
	return ok && o.Site == s.Site
}

// SameSiteAddress is type-aware equality across the Site interface: a
// SiteMaster is never equal to a SiteUUID, even for the same site.
func SameSiteAddress(a, b Site) bool {
	switch av := a.(type) {
	case SiteUUID:
		return av.Equal(b)
	case SiteMaster:
		return av.Equal(b)
	default:
		return false
	}
}
