package relayer

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/vx-labs/site-relay/internal/address"
	"github.com/vx-labs/site-relay/internal/wire"
	"github.com/vx-labs/site-relay/route"
)

// memberlistBridge is a bridge channel backed by a dedicated
// hashicorp/memberlist cluster, adapted from the teacher's
// cluster/layer.go: the same Delegate/EventDelegate wiring, repurposed to
// carry relay envelopes (header + payload) between two sites' site
// masters instead of gossiping application state.
type memberlistBridge struct {
	name     string
	local    string // local site name
	mlist    *memberlist.Memberlist
	logger   *zap.Logger
	onMsg    func(src address.Site, hdr *wire.RelayHeader, payload []byte)
	isMaster bool
}

// NewMemberlistBridgeFactory returns a BridgeFactory that dials each
// remote site's bridge cluster over memberlist, bound to bindAddr with an
// OS-assigned port unless bindPort is non-zero.
func NewMemberlistBridgeFactory(logger *zap.Logger, bindAddr string, bindPort int) BridgeFactory {
	return func(localSite, bridgeName string, cfg SiteConfig, onMessage func(address.Site, *wire.RelayHeader, []byte)) (route.Bridge, error) {
		b := &memberlistBridge{
			name:     cfg.Name,
			local:    localSite,
			logger:   logger.With(zap.String("bridge", cfg.Name)),
			onMsg:    onMessage,
			isMaster: true,
		}

		mlc := memberlist.DefaultLANConfig()
		mlc.Name = bridgeName + "-" + localSite
		mlc.BindAddr = bindAddr
		mlc.BindPort = bindPort
		mlc.AdvertisePort = bindPort
		mlc.Delegate = b
		mlc.Events = b
		if os.Getenv("ENABLE_MEMBERLIST_LOG") != "true" {
			mlc.LogOutput = ioutil.Discard
		}

		ml, err := memberlist.Create(mlc)
		if err != nil {
			return nil, err
		}
		b.mlist = ml

		if len(cfg.Seeds) > 0 {
			if _, err := ml.Join(cfg.Seeds); err != nil {
				b.logger.Warn("failed joining some bridge seeds", zap.Error(err))
			}
		}
		return b, nil
	}
}

func (b *memberlistBridge) Name() string { return b.name }

func (b *memberlistBridge) Members() []*memberlist.Node {
	return b.mlist.Members()
}

func (b *memberlistBridge) Close() error {
	return b.mlist.Leave(5 * time.Second)
}

// Send ships an envelope to dest, or, when dest is nil, to every other
// member currently on the bridge (the multicast-relaying case). When hdr
// is nil, payload is assumed to already be a wire-framed blob (produced by
// wire.EncodeEnvelope/EncodeBatch, e.g. by a per-route Bundler) and is
// shipped as-is rather than wrapped again.
func (b *memberlistBridge) Send(dest address.Site, hdr *wire.RelayHeader, payload []byte) error {
	buf := payload
	if hdr != nil {
		var err error
		buf, err = wire.EncodeEnvelope(hdr, payload)
		if err != nil {
			return err
		}
	}

	targets := b.targetsFor(dest)
	var lastErr error
	for _, node := range targets {
		if err := b.mlist.SendBestEffort(node, buf); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (b *memberlistBridge) targetsFor(dest address.Site) []*memberlist.Node {
	var out []*memberlist.Node
	for _, n := range b.mlist.Members() {
		if n.Name == b.mlist.LocalNode().Name {
			continue
		}
		if dest == nil {
			out = append(out, n)
			continue
		}
		var meta wire.BridgeNodeMeta
		if err := wire.Unmarshal(n.Meta, &meta); err != nil {
			continue
		}
		if sm, ok := dest.(address.SiteMaster); ok && meta.Site == sm.Site && meta.IsSiteMaster {
			out = append(out, n)
		} else if su, ok := dest.(address.SiteUUID); ok && meta.Site == su.Site && meta.LocalID == su.Local.String() {
			out = append(out, n)
		}
	}
	return out
}

// --- memberlist.Delegate ---

func (b *memberlistBridge) NodeMeta(limit int) []byte {
	meta := &wire.BridgeNodeMeta{Site: b.local, IsSiteMaster: b.isMaster}
	buf, err := wire.Marshal(meta)
	if err != nil || len(buf) > limit {
		return []byte{}
	}
	return buf
}

func (b *memberlistBridge) NotifyMsg(raw []byte) {
	env, batch, err := wire.DecodeFrame(raw)
	if err != nil {
		b.logger.Error("failed decoding bridge frame", zap.Error(err))
		return
	}
	if env != nil {
		b.deliver(env)
		return
	}
	for _, e := range batch.Envelopes {
		b.deliver(e)
	}
}

func (b *memberlistBridge) deliver(env *wire.BridgeEnvelope) {
	var src address.Site
	if env.Header != nil && env.Header.OriginalSender != nil {
		src = wire.ToSiteAddress(env.Header.OriginalSender)
	}
	b.onMsg(src, env.Header, env.Payload)
}

func (b *memberlistBridge) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (b *memberlistBridge) LocalState(join bool) []byte                { return nil }
func (b *memberlistBridge) MergeRemoteState(buf []byte, join bool)     {}

// --- memberlist.EventDelegate ---

func (b *memberlistBridge) NotifyJoin(n *memberlist.Node) {
	b.logger.Debug("bridge peer joined", zap.String("node", n.Name))
}
func (b *memberlistBridge) NotifyLeave(n *memberlist.Node) {
	b.logger.Debug("bridge peer left", zap.String("node", n.Name))
}
func (b *memberlistBridge) NotifyUpdate(n *memberlist.Node) {}
