package main

import (
	"time"

	"github.com/panjf2000/gnet/v2"

	"github.com/flowmqtt/broker/broker"
	"github.com/flowmqtt/broker/mqtt"
	"github.com/flowmqtt/broker/network"
	"github.com/flowmqtt/broker/types"
)

// connState is the per-connection context gnet hands back on every
// callback; it pins the types.Conn wrapper's identity across OnOpen,
// OnTraffic and OnClose so the engine's connection-keyed maps see a
// stable key for the lifetime of the connection.
type connState struct {
	conn   types.Conn
	framer mqtt.Framer
}

// Handler is the gnet.EventHandler driving the broker's primary reactor
// (the multicore, reuseport TCP listener).
type Handler struct {
	eng    gnet.Engine
	engine *broker.Engine
}

func (h *Handler) OnBoot(eng gnet.Engine) (action gnet.Action) {
	h.eng = eng
	return
}

func (h *Handler) OnShutdown(eng gnet.Engine) {}

func (h *Handler) OnOpen(c gnet.Conn) (out []byte, action gnet.Action) {
	conn := network.NewGNetConn(c)
	c.SetContext(&connState{conn: conn})
	h.engine.AddConn(conn)
	return
}

func (h *Handler) OnClose(c gnet.Conn, err error) (action gnet.Action) {
	state, ok := c.Context().(*connState)
	if !ok {
		return
	}
	h.engine.RemoveConn(state.conn)
	return
}

func (h *Handler) OnTraffic(c gnet.Conn) (action gnet.Action) {
	state, ok := c.Context().(*connState)
	if !ok {
		return gnet.Close
	}

	buf, _ := c.Next(-1)
	state.framer.Feed(buf)

	for {
		frame, ok, err := state.framer.Next()
		if err != nil {
			return gnet.Close
		}
		if !ok {
			return
		}

		packetType, _, payload, err := mqtt.DecodePacket(frame)
		if err != nil {
			return gnet.Close
		}

		sess, ok := h.engine.SessionForConn(state.conn)
		if !ok {
			return gnet.Close
		}

		outcome := h.engine.Dispatch(sess, packetType, payload)

		if flushSess, ok := h.engine.SessionForConn(state.conn); ok {
			h.engine.Flush(flushSess)
		}

		if outcome.Kind == broker.ClientDisconnect || outcome.Kind == broker.AuthReject {
			return gnet.Close
		}
	}
}

func (h *Handler) OnTick() (delay time.Duration, action gnet.Action) {
	return
}
