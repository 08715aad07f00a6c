package network

import (
	"log/slog"
	"sync"

	"github.com/flowmqtt/broker/broker"
	"github.com/flowmqtt/broker/mqtt"
	"github.com/flowmqtt/broker/types"
)

// MQTTConnectionHandler adapts a stream- or message-oriented transport
// (plain TCP, WebSocket) to the broker engine: it frames inbound bytes
// into complete MQTT control packets, decodes and dispatches them, and
// flushes whatever the handler staged in response.
type MQTTConnectionHandler struct {
	engine *broker.Engine
	logger *slog.Logger

	mu      sync.Mutex
	framers map[types.Conn]*mqtt.Framer
}

// NewMQTTConnectionHandler creates a connection handler bound to engine.
func NewMQTTConnectionHandler(engine *broker.Engine, logger *slog.Logger) *MQTTConnectionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTConnectionHandler{
		engine:  engine,
		logger:  logger,
		framers: make(map[types.Conn]*mqtt.Framer),
	}
}

// OnOpen registers conn with the engine and allocates its framer.
func (h *MQTTConnectionHandler) OnOpen(conn types.Conn) {
	h.engine.AddConn(conn)

	h.mu.Lock()
	h.framers[conn] = &mqtt.Framer{}
	h.mu.Unlock()
}

// OnMessage feeds newly-read bytes into conn's framer and dispatches every
// complete control packet extracted from it.
func (h *MQTTConnectionHandler) OnMessage(conn types.Conn, data []byte) {
	h.mu.Lock()
	framer := h.framers[conn]
	h.mu.Unlock()
	if framer == nil {
		return
	}

	framer.Feed(data)

	for {
		frame, ok, err := framer.Next()
		if err != nil {
			h.logger.Warn("malformed packet, closing connection", "error", err)
			conn.Close()
			return
		}
		if !ok {
			return
		}

		packetType, _, payload, err := mqtt.DecodePacket(frame)
		if err != nil {
			h.logger.Warn("failed to decode packet, closing connection", "error", err)
			conn.Close()
			return
		}

		sess, ok := h.engine.SessionForConn(conn)
		if !ok {
			conn.Close()
			return
		}

		outcome := h.engine.Dispatch(sess, packetType, payload)

		if flushSess, ok := h.engine.SessionForConn(conn); ok {
			h.engine.Flush(flushSess)
		}

		switch outcome.Kind {
		case broker.ClientDisconnect, broker.AuthReject:
			conn.Close()
			return
		}
	}
}

// OnClose releases conn's framer and tears down its engine-side state.
func (h *MQTTConnectionHandler) OnClose(conn types.Conn, err error) {
	h.mu.Lock()
	delete(h.framers, conn)
	h.mu.Unlock()

	h.engine.RemoveConn(conn)
}
