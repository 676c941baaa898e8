// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package swarm

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/pearstream/pearstream/internal/logging"
)

// frame is the multiplexing envelope on the wire. Scope routes to a
// subsystem stream (corestore, a channel key, the pairing scope); Type and
// Data are the subsystem's own protocol.
type frame struct {
	Scope string          `json:"scope"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// connection-level timeouts
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
)

// ScopeHandler receives frames addressed to one scope.
type ScopeHandler func(msgType string, data json.RawMessage)

// Conn is a multiplexed bidirectional stream to one peer. All subsystems
// share it; each claims a scope.
type Conn struct {
	id     uint64
	peerID string
	ws     *websocket.Conn

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]ScopeHandler

	closeOnce sync.Once
	closed    chan struct{}
	onClose   []func()
}

func newConn(id uint64, peerID string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:       id,
		peerID:   peerID,
		ws:       ws,
		handlers: map[string]ScopeHandler{},
		closed:   make(chan struct{}),
	}
}

// ID returns the process-local connection id.
func (c *Conn) ID() uint64 { return c.id }

// PeerID returns the remote node's identity (hex public key).
func (c *Conn) PeerID() string { return c.peerID }

// Closed returns a channel closed when the connection dies.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// Handle claims a scope. The previous handler for the scope, if any, is
// replaced; attach paths are expected to be idempotent one level up.
func (c *Conn) Handle(scope string, h ScopeHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[scope] = h
}

// Unhandle releases a scope.
func (c *Conn) Unhandle(scope string) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	delete(c.handlers, scope)
}

// Send writes one frame. Safe for concurrent use.
func (c *Conn) Send(scope, msgType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	f := frame{Scope: scope, Type: msgType, Data: data}
	raw, err := json.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return errors.New("swarm: connection closed")
	default:
	}
	//nolint:errcheck // deadline errors surface on the write below
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// readPump dispatches inbound frames until the connection dies.
func (c *Conn) readPump() {
	defer c.close()

	//nolint:errcheck // deadline errors surface on the read below
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		//nolint:errcheck // deadline errors surface on the read below
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug().Err(err).Str("peer", c.peerID).Msg("peer connection dropped")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			logging.Debug().Err(err).Str("peer", c.peerID).Msg("malformed frame dropped")
			continue
		}

		c.handlerMu.RLock()
		h := c.handlers[f.Scope]
		c.handlerMu.RUnlock()
		if h == nil {
			// Scope not attached on this side yet; attach paths
			// re-announce state, so dropping is safe.
			continue
		}
		h(f.Type, f.Data)
	}
}

// pingLoop keeps the connection alive.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			//nolint:errcheck // a failed ping is detected by the read deadline
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// OnClose registers a teardown callback.
func (c *Conn) OnClose(fn func()) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	select {
	case <-c.closed:
		go fn()
	default:
		c.onClose = append(c.onClose, fn)
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		//nolint:errcheck // best-effort close of a possibly dead socket
		c.ws.Close()
		c.handlerMu.RLock()
		callbacks := append([]func(){}, c.onClose...)
		c.handlerMu.RUnlock()
		for _, fn := range callbacks {
			fn()
		}
	})
}

// Close tears the connection down.
func (c *Conn) Close() { c.close() }
