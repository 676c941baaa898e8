// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

// Package swarm implements topic-keyed peer discovery and multiplexed peer
// connections. Discovery rides NATS subjects derived from 32-byte topics
// (one embedded or external broker per deployment); data flows over direct
// websocket connections between peers.
//
// Connection handlers follow the snapshot-then-subscribe pattern: a newly
// registered handler observes every existing connection before new ones,
// so no connection is ever missed.
package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker/v2"

	"github.com/pearstream/pearstream/internal/config"
	"github.com/pearstream/pearstream/internal/logging"
	"github.com/pearstream/pearstream/internal/metrics"
)

// announce is the discovery payload published on a topic subject.
type announce struct {
	PeerID   string `json:"peerId"`
	Endpoint string `json:"endpoint"`
}

// Swarm is the node's discovery and connection fabric.
type Swarm struct {
	cfg      config.SwarmConfig
	identity ed25519.PrivateKey
	peerID   string

	nc       *nats.Conn
	embedded *natsserver.Server

	httpServer *http.Server
	listener   net.Listener
	endpoint   string

	connID atomic.Uint64

	mu       sync.RWMutex
	conns    map[uint64]*Conn
	handlers []func(*Conn)
	topics   map[string]*Topic
	breakers map[string]*gobreaker.CircuitBreaker[*Conn]
	closed   bool
}

// Topic is a joined discovery topic.
type Topic struct {
	swarm   *Swarm
	topic   [32]byte
	subject string
	sub     *nats.Subscription

	announceMu   sync.Mutex
	lastAnnounce time.Time
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Open brings up the swarm: identity, broker connection, and the peer
// listener. A missing identity key file yields a fresh persisted keypair.
func Open(cfg config.SwarmConfig, keyPath string) (*Swarm, error) {
	identity, err := loadOrCreateIdentity(keyPath)
	if err != nil {
		return nil, err
	}

	s := &Swarm{
		cfg:      cfg,
		identity: identity,
		peerID:   hex.EncodeToString(identity.Public().(ed25519.PublicKey)),
		conns:    map[uint64]*Conn{},
		topics:   map[string]*Topic{},
		breakers: map[string]*gobreaker.CircuitBreaker[*Conn]{},
	}

	natsURL := cfg.NATSURL
	if natsURL == "" {
		srv, err := startEmbeddedServer(cfg.NATSPort)
		if err != nil {
			return nil, err
		}
		s.embedded = srv
		natsURL = srv.ClientURL()
	}

	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		s.shutdownEmbedded()
		return nil, fmt.Errorf("connect discovery broker: %w", err)
	}
	s.nc = nc

	if err := s.listen(); err != nil {
		nc.Close()
		s.shutdownEmbedded()
		return nil, err
	}

	logging.Info().
		Str("peer_id", s.peerID).
		Str("endpoint", s.endpoint).
		Msg("swarm open")
	return s, nil
}

// startEmbeddedServer runs a broker inside the process for self-contained
// deployments.
func startEmbeddedServer(port int) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		ServerName: "pearstream-discovery",
		Host:       "127.0.0.1",
		Port:       port,
		NoLog:      true,
		MaxPayload: 1024 * 1024,
	}
	if port == 0 {
		opts.Port = natsserver.RANDOM_PORT
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create discovery server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("discovery server not ready within timeout")
	}
	return ns, nil
}

// loadOrCreateIdentity reads the persisted DHT identity keypair, creating
// and persisting a fresh one when the file is absent.
func loadOrCreateIdentity(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(string(data))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("corrupt swarm key file %s", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read swarm key: %w", err)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate swarm key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create swarm key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("persist swarm key: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// listen starts the websocket peer listener.
func (s *Swarm) listen() error {
	addr := s.cfg.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("swarm listen: %w", err)
	}
	s.listener = ln
	s.endpoint = "ws://" + ln.Addr().String() + "/peer"

	mux := http.NewServeMux()
	mux.HandleFunc("/peer", s.handleInbound)
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error().Err(err).Msg("swarm listener stopped")
		}
	}()
	return nil
}

// Endpoint returns the dialable websocket endpoint of this node.
func (s *Swarm) Endpoint() string { return s.endpoint }

// DiscoveryURL returns the broker URL peers can share: the configured
// external URL, or the embedded server's client URL.
func (s *Swarm) DiscoveryURL() string {
	if s.cfg.NATSURL != "" {
		return s.cfg.NATSURL
	}
	if s.embedded != nil {
		return s.embedded.ClientURL()
	}
	return ""
}

// PeerID returns this node's identity.
func (s *Swarm) PeerID() string { return s.peerID }

// handleInbound upgrades an inbound peer connection.
func (s *Swarm) handleInbound(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Msg("inbound upgrade failed")
		return
	}

	// The dialer speaks first: a hello frame carrying its peer id.
	//nolint:errcheck // deadline errors surface on the read below
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello struct {
		PeerID string `json:"peerId"`
	}
	if err := ws.ReadJSON(&hello); err != nil || hello.PeerID == "" {
		//nolint:errcheck // handshake already failed
		ws.Close()
		return
	}
	if err := ws.WriteJSON(map[string]string{"peerId": s.peerID}); err != nil {
		//nolint:errcheck // handshake already failed
		ws.Close()
		return
	}
	//nolint:errcheck // read deadline re-armed by the pong handler
	ws.SetReadDeadline(time.Time{})

	s.admit(ws, hello.PeerID)
}

// dial opens an outbound connection through the endpoint's circuit breaker.
func (s *Swarm) dial(ctx context.Context, endpoint string) (*Conn, error) {
	s.mu.Lock()
	cb, ok := s.breakers[endpoint]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[*Conn](gobreaker.Settings{
			Name:    "dial:" + endpoint,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		s.breakers[endpoint] = cb
	}
	s.mu.Unlock()

	return cb.Execute(func() (*Conn, error) {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		ws, _, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}

		if err := ws.WriteJSON(map[string]string{"peerId": s.peerID}); err != nil {
			//nolint:errcheck // handshake already failed
			ws.Close()
			return nil, err
		}
		//nolint:errcheck // deadline errors surface on the read below
		ws.SetReadDeadline(time.Now().Add(10 * time.Second))
		var hello struct {
			PeerID string `json:"peerId"`
		}
		if err := ws.ReadJSON(&hello); err != nil || hello.PeerID == "" {
			//nolint:errcheck // handshake already failed
			ws.Close()
			return nil, fmt.Errorf("dial %s: bad hello", endpoint)
		}
		//nolint:errcheck // read deadline re-armed by the pong handler
		ws.SetReadDeadline(time.Time{})

		return s.admit(ws, hello.PeerID), nil
	})
}

// admit wraps an established websocket as a Conn and fans it out to every
// registered connection handler.
func (s *Swarm) admit(ws *websocket.Conn, peerID string) *Conn {
	conn := newConn(s.connID.Add(1), peerID, ws)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return conn
	}
	s.conns[conn.id] = conn
	handlers := append([]func(*Conn){}, s.handlers...)
	s.mu.Unlock()

	metrics.PeersConnected.Inc()
	conn.OnClose(func() {
		s.mu.Lock()
		delete(s.conns, conn.id)
		s.mu.Unlock()
		metrics.PeersConnected.Dec()
	})

	go conn.readPump()
	go conn.pingLoop()

	for _, h := range handlers {
		h(conn)
	}

	logging.Debug().Str("peer", peerID).Uint64("conn", conn.id).Msg("peer connected")
	return conn
}

// OnConnection registers a handler invoked for every existing and future
// connection. Existing connections are replayed synchronously before the
// handler can observe new ones.
func (s *Swarm) OnConnection(h func(*Conn)) {
	s.mu.Lock()
	s.handlers = append(s.handlers, h)
	existing := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		existing = append(existing, c)
	}
	s.mu.Unlock()

	for _, c := range existing {
		h(c)
	}
}

// RemoveConnectionHandler is intentionally absent: handlers belong to the
// node for its lifetime. Per-channel teardown detaches scopes on each
// connection instead.

// Connections snapshots the live connection set.
func (s *Swarm) Connections() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c)
	}
	return out
}

func topicSubject(topic [32]byte) string {
	return "pearstream.discovery." + hex.EncodeToString(topic[:])
}

// Join announces this node on a discovery topic and starts dialing peers
// announced there. Joining an already joined topic returns the existing
// Topic.
func (s *Swarm) Join(topic [32]byte) (*Topic, error) {
	subject := topicSubject(topic)

	s.mu.Lock()
	if t, ok := s.topics[subject]; ok {
		s.mu.Unlock()
		return t, nil
	}
	t := &Topic{swarm: s, topic: topic, subject: subject}
	s.topics[subject] = t
	s.mu.Unlock()

	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		var a announce
		if err := json.Unmarshal(msg.Data, &a); err != nil {
			return
		}
		s.onAnnounce(t, a)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.topics, subject)
		s.mu.Unlock()
		return nil, fmt.Errorf("join topic: %w", err)
	}
	t.sub = sub

	if err := t.publishAnnounce(); err != nil {
		logging.Warn().Err(err).Msg("initial topic announce failed")
	}
	return t, nil
}

// onAnnounce reacts to a peer's announcement: re-announce so the peer
// learns us, and dial if we are the designated dialer (lower peer id dials
// to avoid duplicate connection pairs).
func (s *Swarm) onAnnounce(t *Topic, a announce) {
	if a.PeerID == s.peerID || a.Endpoint == "" {
		return
	}

	if s.peerID > a.PeerID && !s.connectedTo(a.PeerID) {
		// The peer is the designated dialer and needs our endpoint now,
		// even if our last announce was recent.
		t.announceMu.Lock()
		t.lastAnnounce = time.Time{}
		t.announceMu.Unlock()
	}
	//nolint:errcheck // best-effort re-announce
	t.publishAnnounce()

	if s.peerID > a.PeerID {
		return
	}
	if s.connectedTo(a.PeerID) {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := s.dial(ctx, a.Endpoint); err != nil {
			logging.Debug().Err(err).Str("peer", a.PeerID).Msg("peer dial failed")
		}
	}()
}

func (s *Swarm) connectedTo(peerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conns {
		if c.peerID == peerID {
			return true
		}
	}
	return false
}

// publishAnnounce emits this node's endpoint on the topic, rate limited so
// announce storms cannot feed themselves.
func (t *Topic) publishAnnounce() error {
	t.announceMu.Lock()
	defer t.announceMu.Unlock()
	if time.Since(t.lastAnnounce) < 2*time.Second {
		return nil
	}
	t.lastAnnounce = time.Now()

	data, err := json.Marshal(&announce{PeerID: t.swarm.peerID, Endpoint: t.swarm.endpoint})
	if err != nil {
		return err
	}
	metrics.DiscoveryAnnounces.Inc()
	return t.swarm.nc.Publish(t.subject, data)
}

// Flush re-announces and waits for the broker to confirm delivery.
// Best effort: a timeout is reported but peers may still connect later.
func (t *Topic) Flush(ctx context.Context) error {
	t.announceMu.Lock()
	t.lastAnnounce = time.Time{}
	t.announceMu.Unlock()
	if err := t.publishAnnounce(); err != nil {
		return err
	}
	return t.swarm.nc.FlushWithContext(ctx)
}

// Leave unsubscribes from the topic.
func (t *Topic) Leave() error {
	t.swarm.mu.Lock()
	delete(t.swarm.topics, t.subject)
	t.swarm.mu.Unlock()
	if t.sub != nil {
		return t.sub.Unsubscribe()
	}
	return nil
}

func (s *Swarm) shutdownEmbedded() {
	if s.embedded != nil {
		s.embedded.Shutdown()
		s.embedded.WaitForShutdown()
	}
}

// Close tears down every topic, connection, listener, and the broker link.
// All steps are best effort.
func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	topics := make([]*Topic, 0, len(s.topics))
	for _, t := range s.topics {
		topics = append(topics, t)
	}
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, t := range topics {
		//nolint:errcheck // best-effort teardown
		t.Leave()
	}
	for _, c := range conns {
		c.Close()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		//nolint:errcheck // best-effort teardown
		s.httpServer.Shutdown(ctx)
		cancel()
	}
	if s.nc != nil {
		s.nc.Close()
	}
	s.shutdownEmbedded()
	logging.Info().Msg("swarm closed")
	return nil
}
