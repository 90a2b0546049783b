package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"DeltaKV/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 2 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 30 * time.Second

	// defaultDialTimeout bounds one connection attempt.
	defaultDialTimeout = 3 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "deltakv/1"
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey  // PrivateKey is the node's ed25519 private key
	ListenAddr     string              // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration       // ReconnectDelay is the initial delay between reconnection attempts
	DialTimeout    time.Duration       // DialTimeout bounds one connection attempt
	DedupTTL       time.Duration       // DedupTTL is how long a received frame is remembered
	TrustedKeys    []ed25519.PublicKey // TrustedKeys restricts peers to these keys when non-empty
}

// Node accepts and initiates QUIC connections. Outbound peers are keyed by
// the address they were dialed at, so callers can address replicas directly.
type Node struct {
	privateKey  ed25519.PrivateKey  // privateKey is the node's ed25519 private key
	listenAddr  string              // listenAddr is the address to listen on
	tlsConfig   *tls.Config         // tlsConfig is the TLS configuration
	quicConfig  *quic.Config        // quicConfig is the QUIC configuration
	trustedKeys []ed25519.PublicKey // trustedKeys is the peer allow-list

	listener *quic.Listener // listener is the QUIC listener

	peers   map[string]*Peer // peers maps dial or remote address to peer
	peersMu sync.RWMutex     // peersMu protects peers map

	dialLocks   map[string]*sync.Mutex // dialLocks serializes dials per address
	reconnects  map[string]bool        // reconnects marks addresses with a running reconnect loop
	dialLocksMu sync.Mutex             // dialLocksMu protects dialLocks and reconnects

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay
	dialTimeout    time.Duration // dialTimeout bounds one connection attempt

	dedup *Dedup // dedup tracks seen frames to prevent duplicate processing

	onConnect    func(*Peer)         // onConnect is called when a peer connects
	onMessage    func(*Peer, []byte) // onMessage is called when a message is received
	onDisconnect func(*Peer)         // onDisconnect is called when a peer disconnects
	onDialError  func(string, error) // onDialError is called when dialing an address fails
	handlersMu   sync.RWMutex        // handlersMu protects event handlers

	ctx    context.Context    // ctx is the node's context
	cancel context.CancelFunc // cancel cancels the node's context
	wg     sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // peer keys are checked against TrustedKeys instead
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		trustedKeys:    cfg.TrustedKeys,
		peers:          make(map[string]*Peer),
		dialLocks:      make(map[string]*sync.Mutex),
		reconnects:     make(map[string]bool),
		reconnectDelay: reconnectDelay,
		dialTimeout:    dialTimeout,
		dedup:          NewDedup(cfg.DedupTTL),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials addr and registers the peer under that address.
// An existing live peer for addr is returned as is.
func (n *Node) Connect(addr string) (*Peer, error) {
	lock := n.dialLock(addr)
	lock.Lock()
	defer lock.Unlock()

	if p := n.GetPeer(addr); p != nil && p.outbound {
		return p, nil
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.callOnConnect(peer)

	return peer, nil
}

// Dial is Connect for callers that want the address kept alive: a failed
// dial is reported through OnDialError and retried in the background.
func (n *Node) Dial(addr string) (*Peer, error) {
	peer, err := n.Connect(addr)
	if err != nil {
		n.callOnDialError(addr, err)
		n.scheduleReconnect(addr)
		return nil, err
	}

	return peer, nil
}

// SendTo delivers data to the replica at addr, dialing it when needed.
func (n *Node) SendTo(addr string, data []byte) error {
	peer, err := n.Dial(addr)
	if err != nil {
		return err
	}

	return peer.Send(data)
}

// GetPeer returns the peer registered under addr, or nil.
func (n *Node) GetPeer(addr string) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[addr]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called when a message is received.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnDialError sets the handler called when SendTo cannot reach an address.
func (n *Node) OnDialError(fn func(addr string, err error)) {
	n.handlersMu.Lock()
	n.onDialError = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.dedup.Close()
	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String(), false)
	if err != nil {
		logger.Debug("reject inbound peer", "remote", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection.
func (n *Node) setupPeer(conn *quic.Conn, addr string, outbound bool) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key: %w", err)
	}

	if err := verifyTrusted(pubKey, n.trustedKeys); err != nil {
		return nil, err
	}

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		outbound:  outbound,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	old := n.peers[addr]
	n.peers[addr] = peer
	n.peersMu.Unlock()

	if old != nil {
		old.Close()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect removes p and reconnects outbound peers.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.address] == p {
		delete(n.peers, p.address)
	}
	n.peersMu.Unlock()

	n.callOnDisconnect(p)

	if p.outbound {
		n.scheduleReconnect(p.address)
	}
}

// scheduleReconnect starts one reconnect loop per address.
func (n *Node) scheduleReconnect(addr string) {
	if n.ctx.Err() != nil {
		return
	}

	n.dialLocksMu.Lock()
	if n.reconnects[addr] {
		n.dialLocksMu.Unlock()
		return
	}
	n.reconnects[addr] = true
	n.dialLocksMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.dialLocksMu.Lock()
			delete(n.reconnects, addr)
			n.dialLocksMu.Unlock()
		}()

		n.reconnectPeer(addr)
	}()
}

// reconnectPeer attempts to reconnect to addr with exponential backoff.
func (n *Node) reconnectPeer(addr string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		// Check if already reconnected
		if p := n.GetPeer(addr); p != nil && p.outbound {
			return
		}

		if _, err := n.Connect(addr); err == nil {
			logger.Debug("peer reconnected", "addr", addr)
			return
		}

		delay = min(delay*2, maxReconnectDelay)
	}
}

// dialLock returns the mutex serializing dials to addr.
func (n *Node) dialLock(addr string) *sync.Mutex {
	n.dialLocksMu.Lock()
	defer n.dialLocksMu.Unlock()

	lock, ok := n.dialLocks[addr]
	if !ok {
		lock = &sync.Mutex{}
		n.dialLocks[addr] = lock
	}

	return lock
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnDialError calls the onDialError handler if set.
func (n *Node) callOnDialError(addr string, err error) {
	n.handlersMu.RLock()
	fn := n.onDialError
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(addr, err)
	}
}
