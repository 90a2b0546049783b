package replicator

import (
	"DeltaKV/internal/aggregation"
	"DeltaKV/internal/logger"
	"DeltaKV/internal/network"
)

// Attach serves replica traffic arriving on node and keeps membership
// reachability in step with outbound connections.
func (r *Replicator) Attach(node *network.Node, codec aggregation.Codec) {
	node.OnMessage(func(p *network.Peer, data []byte) {
		msg, err := aggregation.Decode(data)
		if err != nil {
			logger.Debug("drop undecodable frame", "peer", p.Address(), "error", err)
			return
		}

		resp := r.HandleMessage(msg)
		if resp == nil {
			return
		}

		out, err := codec.Encode(resp)
		if err != nil {
			r.log.Warn("encode reply", "kind", resp.Kind, "error", err)
			return
		}

		if err := p.Send(out); err != nil {
			logger.Debug("reply failed", "to", msg.From, "kind", resp.Kind, "error", err)
		}
	})

	// Only outbound peers are keyed by a member's listen address.
	node.OnConnect(func(p *network.Peer) {
		if p.Outbound() {
			r.members.MarkReachable(p.Address())
		}
	})

	node.OnDisconnect(func(p *network.Peer) {
		if p.Outbound() {
			r.members.MarkUnreachable(p.Address())
		}
	})

	node.OnDialError(func(addr string, err error) {
		r.members.MarkUnreachable(addr)
	})
}

// ConnectPeers dials every other member in the background. Members that
// cannot be reached are marked down until a reconnect succeeds.
func (r *Replicator) ConnectPeers(node *network.Node) {
	for _, addr := range r.members.Peers() {
		go func(addr string) {
			if _, err := node.Dial(addr); err != nil {
				logger.Info("peer not reachable yet", "addr", addr, "error", err)
			}
		}(addr)
	}
}
