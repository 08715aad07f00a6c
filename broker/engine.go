// Package broker implements the MQTT protocol command-handling engine: the
// per-packet state machine that mutates sessions, subscriptions, the topic
// tree and retained messages, and schedules outbound packets.
package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/flowmqtt/broker/auth"
	"github.com/flowmqtt/broker/types"
)

const defaultHandoffPoolSize = 256

// Engine owns every piece of broker-wide state (components A–F) and is the
// receiver for the Dispatcher and the ten command handlers (components G,
// H) and the publish fan-out (component I).
type Engine struct {
	Sessions *SessionTable
	Topics   *TopicTree
	Auth     *auth.Gate
	Logger   *slog.Logger

	handoff *ants.Pool

	messagesSent uint64
	statsMu      sync.Mutex

	connMu  sync.Mutex
	pending map[types.Conn]*Session // session bound to each live connection, blank until its CONNECT resolves a client_id

	keepaliveSweepInterval time.Duration
	stopSweep              chan struct{}
	sweepWG                sync.WaitGroup

	handoffPoolSize int
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithKeepaliveSweepInterval overrides the default keepalive sweep cadence.
func WithKeepaliveSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.keepaliveSweepInterval = d }
}

// WithHandoffPoolSize overrides the cross-shard fan-out worker pool size
// (default 256), the bound on concurrently in-flight fan-outs handed off
// from a gnet event loop to the engine.
func WithHandoffPoolSize(n int) Option {
	return func(e *Engine) { e.handoffPoolSize = n }
}

// NewEngine builds a ready-to-use broker core.
func NewEngine(gate *auth.Gate, logger *slog.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		Sessions:               NewSessionTable(),
		Topics:                 NewTopicTree(),
		Auth:                   gate,
		Logger:                 logger,
		pending:                make(map[types.Conn]*Session),
		keepaliveSweepInterval: 5 * time.Second,
		stopSweep:              make(chan struct{}),
		handoffPoolSize:        defaultHandoffPoolSize,
	}
	for _, opt := range opts {
		opt(e)
	}

	pool, err := ants.NewPool(e.handoffPoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}
	e.handoff = pool

	return e, nil
}

// AddConn registers a freshly-accepted connection and returns the blank
// Session bound to it, pending a successful CONNECT.
func (e *Engine) AddConn(conn types.Conn) *Session {
	sess := NewSession("")
	sess.Conn = conn
	sess.Online = true
	sess.LastSeen = time.Now()

	e.connMu.Lock()
	e.pending[conn] = sess
	e.connMu.Unlock()
	return sess
}

// SessionForConn returns the Session currently bound to conn.
func (e *Engine) SessionForConn(conn types.Conn) (*Session, bool) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	sess, ok := e.pending[conn]
	return sess, ok
}

// rebindConn swaps the session bound to conn, used when a resumed CONNECT
// replaces the freshly-created blank session with the persisted one.
func (e *Engine) rebindConn(conn types.Conn, sess *Session) {
	e.connMu.Lock()
	e.pending[conn] = sess
	e.connMu.Unlock()
}

// RemoveConn tears down whatever connection-keyed state remains for conn.
// If the bound session is still marked online, this is an unexpected
// disconnect (socket error, keepalive timeout, protocol violation): the
// Will is published and, for a clean session, all state is discarded. A
// session that already went offline via a graceful DISCONNECT is a no-op
// here (§4.12 already did the teardown).
func (e *Engine) RemoveConn(conn types.Conn) {
	e.connMu.Lock()
	sess, ok := e.pending[conn]
	if ok {
		delete(e.pending, conn)
	}
	e.connMu.Unlock()

	if !ok || sess.ClientID == "" {
		return
	}
	e.teardownUngraceful(sess)
}

func (e *Engine) teardownUngraceful(sess *Session) {
	sess.mu.Lock()
	wasOnline := sess.Online
	sess.Online = false
	sess.Conn = nil
	cleanSession := sess.CleanSession
	hasLWT := sess.HasLWT
	will := sess.LWT
	sess.mu.Unlock()

	if !wasOnline {
		return
	}

	if hasLWT && will != nil {
		e.publishWill(will)
	}

	if cleanSession {
		for _, t := range sess.Subscriptions {
			t.Remove(sess.ClientID)
		}
		sess.Subscriptions = nil
		e.Sessions.Delete(sess.ClientID)
	}
}

// MessagesSent returns the running count of PUBLISH packets the fan-out has
// written to a subscriber (the "messages_sent counter" of §4.10).
func (e *Engine) MessagesSent() uint64 {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.messagesSent
}

func (e *Engine) incMessagesSent() {
	e.statsMu.Lock()
	e.messagesSent++
	e.statsMu.Unlock()
}

// flush writes the session's staged bytes to its transport, closing the
// connection on a write error. This is the concrete form of the reactor's
// `enqueue_event_write` primitive the handlers stage bytes for.
func (e *Engine) flush(sess *Session) {
	buf := sess.TakeWriteBuffer()
	if len(buf) == 0 {
		return
	}

	sess.mu.Lock()
	conn := sess.Conn
	sess.mu.Unlock()
	if conn == nil {
		return
	}

	if _, err := conn.Write(buf); err != nil {
		e.Logger.Warn("write failed, closing connection", "client_id", sess.ClientID, "error", err)
		conn.Close()
	}
}

// Flush writes sess's staged bytes to its transport. Network-layer drivers
// call this after every Dispatch, so a reject CONNACK staged by CONNECT is
// written before the connection is closed.
func (e *Engine) Flush(sess *Session) {
	e.flush(sess)
}

// StartKeepaliveSweeper launches the periodic scan described in SPEC_FULL
// §4.15: sessions whose last-seen timestamp has exceeded 1.5x their
// negotiated keepalive are torn down exactly as an unexpected disconnect
// would be.
func (e *Engine) StartKeepaliveSweeper() {
	e.sweepWG.Add(1)
	go func() {
		defer e.sweepWG.Done()
		ticker := time.NewTicker(e.keepaliveSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopSweep:
				return
			case now := <-ticker.C:
				e.sweepExpired(now)
			}
		}
	}()
}

func (e *Engine) sweepExpired(now time.Time) {
	for _, sess := range e.Sessions.Snapshot() {
		if !sess.KeepaliveExpired(now) {
			continue
		}
		sess.mu.Lock()
		conn := sess.Conn
		sess.mu.Unlock()
		e.Logger.Warn("keepalive expired, disconnecting", "client_id", sess.ClientID)
		if conn != nil {
			conn.Close()
		}
	}
}

// Close stops the keepalive sweeper and releases the fan-out worker pool.
func (e *Engine) Close() error {
	close(e.stopSweep)
	e.sweepWG.Wait()
	e.handoff.Release()
	return nil
}

// Handoff submits fn to the cross-shard worker pool, used by the publish
// fan-out for every online subscriber delivery, whichever gnet event loop
// the subscriber is bound to (SPEC_FULL component P). Submit waits while
// every worker is busy.
func (e *Engine) Handoff(fn func()) error {
	return e.handoff.Submit(fn)
}
