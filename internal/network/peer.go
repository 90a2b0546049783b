package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"DeltaKV/internal/logger"
)

// streamOpenTimeout bounds waiting for stream credit from a slow peer.
const streamOpenTimeout = 5 * time.Second

// Peer represents a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote node's ed25519 public key
	address   string            // address is the dial address, or the remote address for inbound peers
	outbound  bool              // outbound is set when this node dialed the peer
	conn      *quic.Conn        // conn is the underlying QUIC connection
	node      *Node             // node is the parent node
	closed    atomic.Bool       // closed indicates if the peer is closed
	mu        sync.Mutex        // mu protects send operations
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the address the peer is registered under.
func (p *Peer) Address() string {
	return p.address
}

// Outbound reports whether this node dialed the peer.
func (p *Peer) Outbound() bool {
	return p.outbound
}

// Send writes one framed message on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer %s is closed", p.address)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), streamOpenTimeout)
	defer cancel()

	stream, err := p.conn.OpenUniStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message: %w", err)
	}

	return stream.Close()
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil // Already closed
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams until the connection ends.
func (p *Peer) receiveLoop() {
	ctx := p.conn.Context()

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// handleUniStream reads a message from a unidirectional stream.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	// Check for duplicate message
	if !p.node.dedup.Check(data) {
		logger.Debug("dedup filtered", "peer", p.address, "bytes", len(data))
		return
	}

	p.node.callOnMessage(p, data)
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return // Already closed
	}

	p.node.handlePeerDisconnect(p)
}
