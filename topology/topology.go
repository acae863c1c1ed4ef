// Package topology maintains a node's cached view of site membership:
// which SiteUUIDs exist, which one is currently flagged as site master,
// merged via the same CRDT last-write-wins rule the teacher uses for its
// peer store (cluster/peers/store.go), backed here by hashicorp/go-memdb
// instead of a plain map so id-keyed merges and site-scoped lookups both
// get an index to run against. The relay core feeds it only its own
// site's views; no remote site's membership is received.
package topology

import (
	"fmt"
	"io"
	"strings"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"go.uber.org/zap"

	"github.com/vx-labs/site-relay/crdt"
	"github.com/vx-labs/site-relay/events"
	"github.com/vx-labs/site-relay/internal/wire"
)

const memberTable = "members"

const (
	// MemberAdded fires each time a live MemberInfo is inserted or
	// refreshed by a merge.
	MemberAdded = "topology_member_added"
	// MemberRemoved fires once a MemberInfo is tombstoned.
	MemberRemoved = "topology_member_removed"
)

var now = func() int64 { return time.Now().UnixNano() }

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			memberTable: {
				Name: memberTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:         "id",
						Unique:       true,
						AllowMissing: false,
						Indexer:      &memdb.StringFieldIndex{Field: "idKey"},
					},
					"site": {
						Name:         "site",
						Unique:       false,
						AllowMissing: false,
						Indexer:      &memdb.StringFieldIndex{Field: "Site"},
					},
				},
			},
		},
	}
}

// memberRecord is what actually gets stored: wire.MemberInfo plus a
// precomputed unique key, since memdb's StringFieldIndex needs a plain
// string field and GetID() derives its key from a pointer field
// memdb can't index directly.
type memberRecord struct {
	wire.MemberInfo
	idKey string
}

func (r *memberRecord) GetID() string         { return r.idKey }
func (r *memberRecord) GetLastAdded() int64   { return r.LastAdded }
func (r *memberRecord) GetLastDeleted() int64 { return r.LastDeleted }

func recordID(site string, addr *wire.SiteAddressPB) string {
	if addr == nil {
		return site
	}
	return fmt.Sprintf("%s/%s/%s", site, addr.Site, addr.LocalID)
}

// Topology is one node's merged view of site membership.
type Topology struct {
	localSite string
	db        *memdb.MemDB
	events    *events.Bus
	logger    *zap.Logger
}

func New(logger *zap.Logger, localSite string) *Topology {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		panic(err)
	}
	return &Topology{
		localSite: localSite,
		db:        db,
		events:    events.NewEventBus(),
		logger:    logger,
	}
}

// Adjust merges a site's membership advertisement into the cache: each
// MemberInfo is inserted if new, or merged via crdt.IsEntryOutdated if an
// entry with the same identity already exists (matching
// cluster/peers/store.go's own upsert-via-CRDT-timestamp pattern). Named
// after RELAY2's own self-advertisement call (handleView feeds its own
// member list through this same merge); this port folds RELAY2's separate
// TOPO_REQ/TOPO_RSP exchange into self-advertisement only (see DESIGN.md's
// Open Question decisions).
func (t *Topology) Adjust(members *wire.Members) error {
	if members == nil {
		return nil
	}
	for _, mi := range members.Joined {
		rec := &memberRecord{MemberInfo: *mi, idKey: recordID(members.Site, mi.Addr)}
		if rec.LastAdded == 0 && rec.LastDeleted == 0 {
			rec.LastAdded = now()
		}
		if err := t.merge(rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *Topology) merge(rec *memberRecord) error {
	tx := t.db.Txn(true)
	defer tx.Abort()

	existingRaw, err := tx.First(memberTable, "id", rec.idKey)
	if err != nil {
		return err
	}
	if existingRaw != nil {
		existing := existingRaw.(*memberRecord)
		if !crdt.IsEntryOutdated(existing, rec) {
			return nil
		}
	}
	if err := tx.Insert(memberTable, rec); err != nil {
		return err
	}
	tx.Commit()

	if crdt.IsEntryAdded(rec) {
		t.events.Emit(events.Event{Key: MemberAdded, Entry: rec.MemberInfo})
	} else if crdt.IsEntryRemoved(rec) {
		t.events.Emit(events.Event{Key: MemberRemoved, Entry: rec.MemberInfo})
	}
	return nil
}

// RemoveAll tombstones every cached member of the named sites; the relay
// core calls it when a SITES_DOWN admin message reports those sites down.
func (t *Topology) RemoveAll(sites []string) error {
	for _, site := range sites {
		members, err := t.BySite(site)
		if err != nil {
			return err
		}
		for _, mi := range members {
			mi := mi
			mi.LastDeleted = now()
			rec := &memberRecord{MemberInfo: mi, idKey: recordID(site, mi.Addr)}
			if err := t.merge(rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// BySite returns every live (non-tombstoned) member currently cached for
// site.
func (t *Topology) BySite(site string) ([]wire.MemberInfo, error) {
	tx := t.db.Txn(false)
	defer tx.Abort()

	it, err := tx.Get(memberTable, "site", site)
	if err != nil {
		return nil, err
	}
	var out []wire.MemberInfo
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*memberRecord)
		if crdt.IsEntryAdded(rec) {
			out = append(out, rec.MemberInfo)
		}
	}
	return out, nil
}

// SiteMasterOf returns the member currently flagged as site master for
// site, if known.
func (t *Topology) SiteMasterOf(site string) (*wire.MemberInfo, error) {
	members, err := t.BySite(site)
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		if m.IsSiteMaster {
			m := m
			return &m, nil
		}
	}
	return nil, nil
}

// On subscribes to MemberAdded/MemberRemoved, returning an unsubscribe
// func.
func (t *Topology) On(key string, handler func(wire.MemberInfo)) func() {
	return t.events.Subscribe(key, func(ev events.Event) {
		handler(ev.Entry.(wire.MemberInfo))
	})
}

// GC purges tombstoned members whose deletion predates cutoff, reusing the
// teacher's generic crdt.GCEntries sweep (crdt/gc.go) over a memdb
// iterator instead of its original log-structured store.
func (t *Topology) GC(cutoff int64) error {
	tx := t.db.Txn(true)
	defer tx.Abort()

	it, err := tx.Get(memberTable, "id")
	if err != nil {
		return err
	}
	next := func() (crdt.Entry, error) {
		raw := it.Next()
		if raw == nil {
			return nil, io.EOF
		}
		return raw.(*memberRecord), nil
	}
	gc := func(id string) error {
		_, err := tx.DeleteAll(memberTable, "id", id)
		return err
	}
	if err := crdt.GCEntries(cutoff, next, gc); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

// Print renders the cached membership, optionally scoped to one site (the
// empty string means every site), for the debug/introspection surface.
func (t *Topology) Print(site string) string {
	tx := t.db.Txn(false)
	defer tx.Abort()

	var it memdb.ResultIterator
	var err error
	if site == "" {
		it, err = tx.Get(memberTable, "id")
	} else {
		it, err = tx.Get(memberTable, "site", site)
	}
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}

	var b strings.Builder
	for raw := it.Next(); raw != nil; raw = it.Next() {
		rec := raw.(*memberRecord)
		if !crdt.IsEntryAdded(rec) {
			continue
		}
		role := ""
		if rec.IsSiteMaster {
			role = " (site-master)"
		}
		fmt.Fprintf(&b, "%s/%s%s\n", rec.Site, rec.Addr.String(), role)
	}
	return b.String()
}
