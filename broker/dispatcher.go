package broker

import "github.com/flowmqtt/broker/mqtt"

// OutcomeKind is the result a handler hands back to the reactor (§4.1).
type OutcomeKind int

const (
	// Reply means the handler staged bytes in the session's write buffer
	// and the caller must flush them.
	Reply OutcomeKind = iota
	// NoReply means the handler has nothing to send back.
	NoReply
	// ClientDisconnect means the caller must tear down the transport once
	// any staged bytes are flushed.
	ClientDisconnect
	// AuthReject means the CONNACK reject code in Outcome.Code has been
	// staged; the caller flushes it and then tears down the transport.
	AuthReject
)

// Outcome is the dispatcher's/handlers' return value.
type Outcome struct {
	Kind OutcomeKind
	Code byte
}

// Dispatch routes a decoded packet to the handler for its control type
// (§4.1), mutating sess and the broker-wide state reachable from e.
func (e *Engine) Dispatch(sess *Session, packetType byte, payload interface{}) Outcome {
	sess.Touch()

	switch packetType {
	case mqtt.CONNECT:
		p, ok := payload.(*mqtt.ConnectPacket)
		if !ok {
			return Outcome{Kind: ClientDisconnect}
		}
		return e.handleConnect(sess, p)
	case mqtt.PUBLISH:
		p, ok := payload.(*mqtt.PublishPacket)
		if !ok {
			return Outcome{Kind: ClientDisconnect}
		}
		return e.handlePublish(sess, p)
	case mqtt.PUBACK:
		p, ok := payload.(*mqtt.PacketIDPacket)
		if !ok {
			return Outcome{Kind: ClientDisconnect}
		}
		return e.handlePubAck(sess, p)
	case mqtt.PUBREC:
		p, ok := payload.(*mqtt.PacketIDPacket)
		if !ok {
			return Outcome{Kind: ClientDisconnect}
		}
		return e.handlePubRec(sess, p)
	case mqtt.PUBREL:
		p, ok := payload.(*mqtt.PacketIDPacket)
		if !ok {
			return Outcome{Kind: ClientDisconnect}
		}
		return e.handlePubRel(sess, p)
	case mqtt.PUBCOMP:
		p, ok := payload.(*mqtt.PacketIDPacket)
		if !ok {
			return Outcome{Kind: ClientDisconnect}
		}
		return e.handlePubComp(sess, p)
	case mqtt.SUBSCRIBE:
		p, ok := payload.(*mqtt.SubscribePacket)
		if !ok {
			return Outcome{Kind: ClientDisconnect}
		}
		return e.handleSubscribe(sess, p)
	case mqtt.UNSUBSCRIBE:
		p, ok := payload.(*mqtt.UnsubscribePacket)
		if !ok {
			return Outcome{Kind: ClientDisconnect}
		}
		return e.handleUnsubscribe(sess, p)
	case mqtt.PINGREQ:
		return e.handlePingReq(sess)
	case mqtt.DISCONNECT:
		return e.handleDisconnect(sess)
	default:
		e.Logger.Warn("protocol violation: unsupported control type", "client_id", sess.ClientID, "type", packetType)
		return Outcome{Kind: ClientDisconnect}
	}
}
