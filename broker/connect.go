package broker

import (
	"fmt"
	"time"

	"github.com/flowmqtt/broker/mqtt"
)

// handleConnect implements §4.2. sess is the blank Session AddConn bound to
// the transport before the client_id was known; on a resuming CONNECT the
// persisted Session is rebound to the connection instead and sess is
// discarded.
func (e *Engine) handleConnect(sess *Session, p *mqtt.ConnectPacket) Outcome {
	if !e.Auth.Check(p.UsernameFlag, p.Username, p.Password) {
		sess.Stage(mqtt.EncodeConnAck(false, mqtt.ConnBadUsernameOrPasswd))
		return Outcome{Kind: AuthReject, Code: mqtt.ConnBadUsernameOrPasswd}
	}

	clientID := p.ClientID
	if clientID == "" {
		if !p.CleanSession {
			sess.Stage(mqtt.EncodeConnAck(false, mqtt.ConnNotAuthorized))
			return Outcome{Kind: AuthReject, Code: mqtt.ConnNotAuthorized}
		}
		clientID = fmt.Sprintf("sol-%d", time.Now().UnixNano())
	}

	existing, found := e.Sessions.Lookup(clientID)
	if found && existing.IsOnline() {
		// Take-over rule (§4.2 step 4, §7, SPEC_FULL §4.16): the *new*
		// connection is disconnected with no CONNACK; the live Session is
		// left untouched.
		return Outcome{Kind: ClientDisconnect}
	}

	var target *Session
	if found {
		target = existing
	} else {
		target = sess
		target.ClientID = clientID
	}

	target.mu.Lock()
	target.Conn = sess.Conn
	target.Online = true
	target.CleanSession = p.CleanSession
	target.KeepAlive = p.KeepAlive
	target.LastSeen = time.Now()
	target.mu.Unlock()

	e.rebindConn(sess.Conn, target)
	if !found {
		e.Sessions.Store(target)
	}

	if !target.CleanSession {
		e.deliverQueued(target)
	}

	if p.WillFlag {
		will := &WillMessage{
			Topic:   p.WillTopic,
			Payload: p.WillMessage,
			QoS:     p.WillQoS,
			Retain:  p.WillRetain,
		}
		target.mu.Lock()
		target.HasLWT = true
		target.LWT = will
		target.mu.Unlock()

		if p.WillRetain {
			name := NormalizeTopicName(p.WillTopic)
			topic := e.Topics.GetOrCreate(name)
			if len(p.WillMessage) == 0 {
				topic.SetRetained(nil)
			} else {
				topic.SetRetained(mqtt.EncodePublish(name, p.WillMessage, p.WillQoS, 0, true, false))
			}
		}
	}

	if p.CleanSession {
		for _, t := range target.Subscriptions {
			t.Remove(target.ClientID)
		}
		target.Subscriptions = nil
		target.OutgoingMsgs = nil
	}

	target.Stage(mqtt.EncodeConnAck(false, mqtt.ConnAccepted))
	return Outcome{Kind: Reply}
}
