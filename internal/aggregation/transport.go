package aggregation

import (
	"fmt"

	"DeltaKV/internal/logger"
	"DeltaKV/internal/network"
)

// NodeTransport sends messages over a QUIC node.
// Sends run in the background so a slow dial never stalls an aggregator.
type NodeTransport struct {
	node  *network.Node // node owns the replica connections
	codec Codec         // codec encodes outgoing messages
}

// NewNodeTransport creates a transport over node.
func NewNodeTransport(node *network.Node, codec Codec) *NodeTransport {
	return &NodeTransport{node: node, codec: codec}
}

// SendTo encodes msg and delivers it to the replica at to.
// Only encoding errors are returned; delivery failures are logged.
func (t *NodeTransport) SendTo(to string, msg *Message) error {
	data, err := t.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s:\n%w", msg.Kind, err)
	}

	go func() {
		if err := t.node.SendTo(to, data); err != nil {
			logger.Debug("deliver failed", "to", to, "kind", msg.Kind, "error", err)
		}
	}()

	return nil
}

// Reply encodes msg and sends it back on peer.
func (t *NodeTransport) Reply(peer *network.Peer, msg *Message) error {
	data, err := t.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s:\n%w", msg.Kind, err)
	}

	return peer.Send(data)
}
