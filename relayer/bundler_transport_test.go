package relayer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vx-labs/site-relay/bundler"
	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/internal/wire"
)

type fakeRouteBridge struct {
	name string
	sent [][]byte
}

func (b *fakeRouteBridge) Name() string { return b.name }
func (b *fakeRouteBridge) Send(dest address.Site, hdr *wire.RelayHeader, payload []byte) error {
	b.sent = append(b.sent, payload)
	return nil
}

func TestBundlerTransportSerializeOneRoundTrips(t *testing.T) {
	tr := &bundlerTransport{bridge: &fakeRouteBridge{}, local: address.SiteMaster{Site: "a"}, overhead: 4}
	hdr := &wire.RelayHeader{Type: uint32(wire.HeaderData)}
	msg := &bundler.Message{Headers: map[string]interface{}{"hdr": hdr}, Payload: []byte("payload")}

	buf, err := tr.SerializeOne(msg)
	require.NoError(t, err)

	env, batch, err := wire.DecodeFrame(buf)
	require.NoError(t, err)
	require.Nil(t, batch)
	require.Equal(t, []byte("payload"), env.Payload)
}

func TestBundlerTransportSerializeListProducesBatch(t *testing.T) {
	tr := &bundlerTransport{bridge: &fakeRouteBridge{}, local: address.SiteMaster{Site: "a"}}
	msgs := []*bundler.Message{
		{Headers: map[string]interface{}{"hdr": &wire.RelayHeader{}}, Payload: []byte("one")},
		{Headers: map[string]interface{}{"hdr": &wire.RelayHeader{}}, Payload: []byte("two")},
	}

	buf, err := tr.SerializeList("dest", "src", msgs)
	require.NoError(t, err)

	env, batch, err := wire.DecodeFrame(buf)
	require.NoError(t, err)
	require.Nil(t, env)
	require.Len(t, batch.Envelopes, 2)
}

func TestBundlerTransportDoSendForwardsRawFrame(t *testing.T) {
	bridge := &fakeRouteBridge{}
	tr := &bundlerTransport{bridge: bridge, local: address.SiteMaster{Site: "a"}}

	require.NoError(t, tr.DoSend([]byte("framed"), address.SiteMaster{Site: "b"}))
	require.Len(t, bridge.sent, 1)
	require.Equal(t, []byte("framed"), bridge.sent[0])
}

func TestBundlerTransportProcessingPolicyNilWhenLoopbackOff(t *testing.T) {
	tr := &bundlerTransport{processLoopback: false}
	require.Nil(t, tr.ProcessingPolicy())
}

func TestBundlerTransportLoopbackPolicyRedeliversLocally(t *testing.T) {
	var delivered []struct {
		src address.Site
		hdr *wire.RelayHeader
	}
	tr := &bundlerTransport{
		processLoopback: true,
		onLoopback: func(src address.Site, hdr *wire.RelayHeader, payload []byte) {
			delivered = append(delivered, struct {
				src address.Site
				hdr *wire.RelayHeader
			}{src, hdr})
		},
	}

	policy := tr.ProcessingPolicy()
	require.NotNil(t, policy)

	hdr := &wire.RelayHeader{Type: uint32(wire.HeaderData)}
	msg := &bundler.Message{Src: address.SiteMaster{Site: "a"}, Headers: map[string]interface{}{"hdr": hdr}, Payload: []byte("x")}
	policy.Loopback([]*bundler.Message{msg}, false)

	require.Len(t, delivered, 1)
	require.Equal(t, address.SiteMaster{Site: "a"}, delivered[0].src)
}
