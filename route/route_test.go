package route

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vx-labs/site-relay/bundler"
	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/internal/wire"
)

type fakeBridge struct {
	name string
	sent []sentCall
}

type sentCall struct {
	dest    address.Site
	payload []byte
}

func (b *fakeBridge) Name() string { return b.name }

func (b *fakeBridge) Send(dest address.Site, hdr *wire.RelayHeader, payload []byte) error {
	b.sent = append(b.sent, sentCall{dest: dest, payload: payload})
	return nil
}

type fakeSender struct {
	msgs []*bundler.Message
}

func (s *fakeSender) Send(msg *bundler.Message, payloadSize int) {
	s.msgs = append(s.msgs, msg)
}

func TestSendWithoutOutboundUsesBridgeDirectly(t *testing.T) {
	bridge := &fakeBridge{name: "b"}
	rt := New("site-b", bridge, address.SiteMaster{Site: "site-b"})

	require.NoError(t, rt.Send(address.SiteMaster{Site: "site-b"}, address.SiteMaster{Site: "site-a"}, []byte("hi")))
	require.Len(t, bridge.sent, 1)
	require.Equal(t, address.SiteMaster{Site: "site-b"}, bridge.sent[0].dest)
}

func TestSendWithOutboundQueuesThroughBundler(t *testing.T) {
	bridge := &fakeBridge{name: "b"}
	sender := &fakeSender{}
	rt := New("site-b", bridge, address.SiteMaster{Site: "site-b"}).WithOutbound(sender)

	require.NoError(t, rt.Send(address.SiteMaster{Site: "site-b"}, address.SiteMaster{Site: "site-a"}, []byte("hi")))
	require.Empty(t, bridge.sent, "bundled sends must not hit the bridge directly")
	require.Len(t, sender.msgs, 1)
	require.Equal(t, address.SiteMaster{Site: "site-b"}, sender.msgs[0].Dest)
}

func TestSendMulticastThroughOutboundStaysUntypedNil(t *testing.T) {
	// A nil finalDest (the multicast case) must reach the bundler as an
	// untyped nil bundler.Dest, not a nil-valued address.Site boxed into
	// the interface — otherwise the bundler's own `dest == nil` loopback
	// check would never match.
	bridge := &fakeBridge{name: "b"}
	sender := &fakeSender{}
	rt := New("site-b", bridge, address.SiteMaster{Site: "site-b"}).WithOutbound(sender)

	require.NoError(t, rt.Send(nil, address.SiteMaster{Site: "site-a"}, []byte("hi")))
	require.Len(t, sender.msgs, 1)
	require.Nil(t, sender.msgs[0].Dest)
}

func TestSendVisitedCarriesBreadcrumbs(t *testing.T) {
	bridge := &fakeBridge{name: "b"}
	sender := &fakeSender{}
	rt := New("site-b", bridge, address.SiteMaster{Site: "site-b"}).WithOutbound(sender)

	require.NoError(t, rt.SendVisited(nil, address.SiteMaster{Site: "site-a"}, []byte("hi"), []string{"site-a"}))
	require.Len(t, sender.msgs, 1)
	hdr, ok := sender.msgs[0].Headers["hdr"].(*wire.RelayHeader)
	require.True(t, ok)
	require.Equal(t, []string{"site-a"}, hdr.VisitedSites)
}
