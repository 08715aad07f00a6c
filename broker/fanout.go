package broker

import (
	"github.com/flowmqtt/broker/mqtt"
)

// fanOut materialises one PUBLISH into N outbound PUBLISHes, one per
// current subscriber of topic, honoring QoS downgrade, inflight
// registration and offline queueing (§4.10). Each online delivery is
// submitted to the cross-shard hand-off pool, so the writes to subscribers
// run off the goroutine that owns the publishing client; when every worker
// in the pool is busy, submission waits for one to free up.
func (e *Engine) fanOut(topic *Topic, name string, payload []byte, qos byte, retain bool) {
	for _, sub := range topic.SnapshotSubscribers() {
		sub := sub
		effQoS := qos
		if sub.QoS < effQoS {
			effQoS = sub.QoS
		}

		if !sub.Session.IsOnline() {
			if !sub.Session.IsCleanSession() {
				sub.Session.EnqueueOutgoing(OutgoingMessage{
					Topic:   name,
					Payload: payload,
					QoS:     effQoS,
					Retain:  retain,
				})
			}
			continue
		}

		if err := e.Handoff(func() {
			if err := e.deliverTo(sub.Session, name, payload, effQoS, retain, false); err != nil {
				e.Logger.Warn("dropping fan-out delivery", "client_id", sub.Session.ClientID, "topic", name, "error", err)
				return
			}
			e.flush(sub.Session)
			e.incMessagesSent()
		}); err != nil {
			e.Logger.Warn("fan-out hand-off rejected", "client_id", sub.Session.ClientID, "topic", name, "error", err)
		}
	}
}

// deliverTo encodes one PUBLISH for sess at the given effective QoS and
// stages it into sess's write buffer, registering inflight bookkeeping for
// QoS>0 (§4.10 steps 3–4). It does not flush; callers decide when.
func (e *Engine) deliverTo(sess *Session, topic string, payload []byte, qos byte, retain, dup bool) error {
	if qos == 0 {
		sess.Stage(mqtt.EncodePublish(topic, payload, 0, 0, retain, dup))
		return nil
	}

	mid, err := sess.NextFreeMid()
	if err != nil {
		return err
	}

	encoded := mqtt.EncodePublish(topic, payload, qos, mid, retain, dup)
	sess.RegisterOutboundMsg(mid, encoded, len(encoded))

	ackType := byte(mqtt.PUBACK)
	if qos == 2 {
		ackType = mqtt.PUBREC
	}
	ackPkt := mqtt.EncodePacketIDOnly(ackType, mid)
	sess.RegisterOutboundAck(mid, ackPkt, len(ackPkt))

	sess.Stage(encoded)
	return nil
}

// deliverQueued drains sess's offline queue (filled while it was
// disconnected with clean_session=false) into its write buffer in FIFO
// order, for staging ahead of the resumed CONNECT's CONNACK (§4.2 step 5,
// §8 scenario S4).
func (e *Engine) deliverQueued(sess *Session) {
	for _, m := range sess.DrainOutgoing() {
		if err := e.deliverTo(sess, m.Topic, m.Payload, m.QoS, m.Retain, false); err != nil {
			e.Logger.Warn("dropping queued delivery on resume", "client_id", sess.ClientID, "topic", m.Topic, "error", err)
		}
	}
}

// publishWill publishes a Last Will & Testament on behalf of a client that
// disconnected ungracefully (§9's LWT-on-unexpected-disconnect resolution).
func (e *Engine) publishWill(will *WillMessage) {
	name := NormalizeTopicName(will.Topic)
	topic := e.Topics.GetOrCreate(name)

	if will.Retain {
		if len(will.Payload) == 0 {
			topic.SetRetained(nil)
		} else {
			topic.SetRetained(mqtt.EncodePublish(name, will.Payload, will.QoS, 0, true, false))
		}
	}

	e.fanOut(topic, name, will.Payload, will.QoS, will.Retain)
}
