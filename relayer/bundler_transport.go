package relayer

import (
	"errors"

	"github.com/vx-labs/site-relay/bundler"
	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/internal/wire"
	"github.com/vx-labs/site-relay/route"
)

// bundlerTransport adapts a route.Bridge to bundler.Transport, so a
// Route's outbound traffic can be queued and flushed in per-destination
// batches the way BaseBundler expects, instead of calling Bridge.Send
// once per message. When processLoopback is set, a flushed batch bound for
// this relay's own address (or for nil, the multicast case) still goes out
// over the bridge and is also handed back to onLoopback — the Go analogue
// of BaseBundler sending a batch and then passing the self-addressed copy
// to its ProcessingPolicy.
type bundlerTransport struct {
	bridge          route.Bridge
	local           address.Site
	overhead        int
	processLoopback bool
	onLoopback      func(src address.Site, hdr *wire.RelayHeader, payload []byte)
}

func (t *bundlerTransport) Address() bundler.Dest { return t.local }

func (t *bundlerTransport) LoopbackSeparateThread() bool { return t.processLoopback }

func (t *bundlerTransport) StatsEnabled() bool { return true }

func (t *bundlerTransport) MessageOverhead() int { return t.overhead }

func (t *bundlerTransport) ProcessingPolicy() bundler.ProcessingPolicy {
	if !t.processLoopback || t.onLoopback == nil {
		return nil
	}
	return &loopbackPolicy{onLoopback: t.onLoopback}
}

// loopbackPolicy redelivers a bundler-flushed self-addressed batch locally,
// in addition to the bundler's send over the wire, by replaying each
// message's relay header and payload straight back through the relayer's
// onMessage path.
type loopbackPolicy struct {
	onLoopback func(src address.Site, hdr *wire.RelayHeader, payload []byte)
}

func (p *loopbackPolicy) Loopback(batch []*bundler.Message, oob bool) {
	for _, msg := range batch {
		hdr, payload, err := unpackMessage(msg)
		if err != nil {
			continue
		}
		var src address.Site
		if s, ok := msg.Src.(address.Site); ok {
			src = s
		}
		p.onLoopback(src, hdr, payload)
	}
}

func (t *bundlerTransport) SerializeOne(msg *bundler.Message) ([]byte, error) {
	hdr, payload, err := unpackMessage(msg)
	if err != nil {
		return nil, err
	}
	return wire.EncodeEnvelope(hdr, payload)
}

func (t *bundlerTransport) SerializeList(dest, src bundler.Dest, msgs []*bundler.Message) ([]byte, error) {
	envelopes := make([]*wire.BridgeEnvelope, 0, len(msgs))
	for _, msg := range msgs {
		hdr, payload, err := unpackMessage(msg)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, &wire.BridgeEnvelope{Header: hdr, Payload: payload})
	}
	return wire.EncodeBatch(envelopes)
}

func (t *bundlerTransport) DoSend(buf []byte, dest bundler.Dest) error {
	var siteDest address.Site
	if dest != nil {
		siteDest, _ = dest.(address.Site)
	}
	return t.bridge.Send(siteDest, nil, buf)
}

func unpackMessage(msg *bundler.Message) (*wire.RelayHeader, []byte, error) {
	hdr, ok := msg.Headers["hdr"].(*wire.RelayHeader)
	if !ok {
		return nil, nil, errors.New("relayer: bundled message missing relay header")
	}
	payload, _ := msg.Payload.([]byte)
	return hdr, payload, nil
}
