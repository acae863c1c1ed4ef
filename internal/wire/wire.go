// Package wire defines the messages that cross a bridge channel: the relay
// header attached to relayed data, the envelope/batch framing around it,
// and the membership records the Topology cache merges.
//
// These types are hand-authored protobuf messages (no protoc is run in
// this environment): each implements the minimal Reset/String/ProtoMessage
// surface golang/protobuf's reflection-based Marshal/Unmarshal needs, with
// `protobuf:` struct tags describing the wire layout, the same technique
// protoc-gen-go would otherwise generate.
package wire

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

// HeaderType enumerates the relay header's type field (spec section 6).
type HeaderType uint8

const (
	HeaderData             HeaderType = 1
	HeaderSiteUnreachable  HeaderType = 2
	HeaderSitesUp          HeaderType = 3
	HeaderSitesDown        HeaderType = 4
)

func (t HeaderType) String() string {
	switch t {
	case HeaderData:
		return "DATA"
	case HeaderSiteUnreachable:
		return "SITE_UNREACHABLE"
	case HeaderSitesUp:
		return "SITES_UP"
	case HeaderSitesDown:
		return "SITES_DOWN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// SiteAddressPB is the wire form of address.Site: exactly one of the two
// variants is populated.
type SiteAddressPB struct {
	LocalID   string `protobuf:"bytes,1,opt,name=local_id,proto3"`
	Name      string `protobuf:"bytes,2,opt,name=name,proto3"`
	Site      string `protobuf:"bytes,3,opt,name=site,proto3"`
	IsMaster  bool   `protobuf:"varint,4,opt,name=is_master,proto3"`
}

func (m *SiteAddressPB) Reset()         { *m = SiteAddressPB{} }
func (m *SiteAddressPB) String() string { return proto.CompactTextString(m) }
func (*SiteAddressPB) ProtoMessage()    {}

// RelayHeader is attached to every message that crosses a bridge.
type RelayHeader struct {
	Type           uint32         `protobuf:"varint,1,opt,name=type,proto3"`
	FinalDest      *SiteAddressPB `protobuf:"bytes,2,opt,name=final_dest,proto3"`
	OriginalSender *SiteAddressPB `protobuf:"bytes,3,opt,name=original_sender,proto3"`
	Sites          []string       `protobuf:"bytes,4,rep,name=sites,proto3"`
	VisitedSites   []string       `protobuf:"bytes,5,rep,name=visited_sites,proto3"`
}

func (m *RelayHeader) Reset()         { *m = RelayHeader{} }
func (m *RelayHeader) String() string { return proto.CompactTextString(m) }
func (*RelayHeader) ProtoMessage()    {}

func (m *RelayHeader) HeaderType() HeaderType { return HeaderType(m.Type) }

// HasVisitedSites reports whether the header carries any breadcrumbs.
func (m *RelayHeader) HasVisitedSites() bool {
	return m != nil && len(m.VisitedSites) > 0
}

// MemberInfo is one entry of the Topology cache: a member of some site,
// the address it's reachable at, and whether it is currently a site
// master. LastAdded/LastDeleted make it mergeable as a CRDT entry (see
// the crdt package and Topology.Adjust).
type MemberInfo struct {
	Site         string         `protobuf:"bytes,1,opt,name=site,proto3"`
	Addr         *SiteAddressPB `protobuf:"bytes,2,opt,name=addr,proto3"`
	Physical     string         `protobuf:"bytes,3,opt,name=physical,proto3"`
	IsSiteMaster bool           `protobuf:"varint,4,opt,name=is_site_master,proto3"`
	LastAdded    int64          `protobuf:"varint,5,opt,name=last_added,proto3"`
	LastDeleted  int64          `protobuf:"varint,6,opt,name=last_deleted,proto3"`
}

func (m *MemberInfo) Reset()         { *m = MemberInfo{} }
func (m *MemberInfo) String() string { return proto.CompactTextString(m) }
func (*MemberInfo) ProtoMessage()    {}

func (m *MemberInfo) GetID() string          { return m.Addr.String() }
func (m *MemberInfo) GetLastAdded() int64    { return m.LastAdded }
func (m *MemberInfo) GetLastDeleted() int64  { return m.LastDeleted }

// Members is a site's membership advertisement: every member it currently
// knows about in Site. The relay core builds one from each view it handles
// and feeds it to Topology.Adjust.
type Members struct {
	Site   string        `protobuf:"bytes,1,opt,name=site,proto3"`
	Joined []*MemberInfo `protobuf:"bytes,2,rep,name=joined,proto3"`
}

func (m *Members) Reset()         { *m = Members{} }
func (m *Members) String() string { return proto.CompactTextString(m) }
func (*Members) ProtoMessage()    {}

func (m *Members) AddJoined(mi *MemberInfo) {
	m.Joined = append(m.Joined, mi)
}

// BridgeEnvelope is what actually travels over a bridge's memberlist
// transport: a relay header plus the opaque application payload it
// carries.
type BridgeEnvelope struct {
	Header  *RelayHeader `protobuf:"bytes,1,opt,name=header,proto3"`
	Payload []byte       `protobuf:"bytes,2,opt,name=payload,proto3"`
}

func (m *BridgeEnvelope) Reset()         { *m = BridgeEnvelope{} }
func (m *BridgeEnvelope) String() string { return proto.CompactTextString(m) }
func (*BridgeEnvelope) ProtoMessage()    {}

// BridgeNodeMeta is the per-node metadata a bridge member advertises on
// join, so peers on the other side of the bridge can tell which site a
// node belongs to and whether it is that site's current site master.
type BridgeNodeMeta struct {
	Site         string `protobuf:"bytes,1,opt,name=site,proto3"`
	LocalID      string `protobuf:"bytes,2,opt,name=local_id,proto3"`
	IsSiteMaster bool   `protobuf:"varint,3,opt,name=is_site_master,proto3"`
}

func (m *BridgeNodeMeta) Reset()         { *m = BridgeNodeMeta{} }
func (m *BridgeNodeMeta) String() string { return proto.CompactTextString(m) }
func (*BridgeNodeMeta) ProtoMessage()    {}

// BridgeBatch is the wire form of a bundler-flushed message list bound for
// one destination: several envelopes shipped as a single bridge send.
type BridgeBatch struct {
	Envelopes []*BridgeEnvelope `protobuf:"bytes,1,rep,name=envelopes,proto3"`
}

func (m *BridgeBatch) Reset()         { *m = BridgeBatch{} }
func (m *BridgeBatch) String() string { return proto.CompactTextString(m) }
func (*BridgeBatch) ProtoMessage()    {}

// Marshal/Unmarshal are thin wrappers so callers don't need to import
// golang/protobuf directly; they reflect over the struct tags above.
func Marshal(m proto.Message) ([]byte, error)   { return proto.Marshal(m) }
func Unmarshal(b []byte, m proto.Message) error { return proto.Unmarshal(b, m) }

// frame markers distinguish a single envelope from a bundler-flushed batch
// on the wire, since both are valid decodes of near-arbitrary bytes under
// golang/protobuf's permissive reflection-based Unmarshal.
const (
	frameEnvelope byte = 0
	frameBatch    byte = 1
)

// EncodeEnvelope frames a single relay header + payload for transmission.
func EncodeEnvelope(hdr *RelayHeader, payload []byte) ([]byte, error) {
	buf, err := Marshal(&BridgeEnvelope{Header: hdr, Payload: payload})
	if err != nil {
		return nil, err
	}
	return append([]byte{frameEnvelope}, buf...), nil
}

// EncodeBatch frames a bundler-flushed list of envelopes bound for one
// destination.
func EncodeBatch(envelopes []*BridgeEnvelope) ([]byte, error) {
	buf, err := Marshal(&BridgeBatch{Envelopes: envelopes})
	if err != nil {
		return nil, err
	}
	return append([]byte{frameBatch}, buf...), nil
}

// DecodeFrame reads a frame produced by EncodeEnvelope or EncodeBatch,
// returning whichever of the two results applies.
func DecodeFrame(raw []byte) (envelope *BridgeEnvelope, batch *BridgeBatch, err error) {
	if len(raw) == 0 {
		return nil, nil, fmt.Errorf("wire: empty frame")
	}
	marker, body := raw[0], raw[1:]
	switch marker {
	case frameEnvelope:
		var env BridgeEnvelope
		if err := Unmarshal(body, &env); err != nil {
			return nil, nil, err
		}
		return &env, nil, nil
	case frameBatch:
		var b BridgeBatch
		if err := Unmarshal(body, &b); err != nil {
			return nil, nil, err
		}
		return nil, &b, nil
	default:
		return nil, nil, fmt.Errorf("wire: unknown frame marker %d", marker)
	}
}
