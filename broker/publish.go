package broker

import "github.com/flowmqtt/broker/mqtt"

// handlePublish implements §4.5: normalizes the topic, updates the
// retained store, fans out to current subscribers, then acks the
// publisher according to the inbound QoS.
func (e *Engine) handlePublish(sess *Session, p *mqtt.PublishPacket) Outcome {
	name := NormalizeTopicName(p.TopicName)
	topic := e.Topics.GetOrCreate(name)

	if p.Retain {
		if len(p.Payload) == 0 {
			// Zero-length retained PUBLISH clears the retained message
			// (MQTT 3.1.1 §3.3.1.3), per SPEC_FULL's resolution of the
			// divergence spec.md §9 flags.
			topic.SetRetained(nil)
		} else {
			topic.SetRetained(mqtt.EncodePublish(name, p.Payload, p.QoS, p.PacketID, true, false))
		}
	}

	e.fanOut(topic, name, p.Payload, p.QoS, p.Retain)

	switch p.QoS {
	case 0:
		return Outcome{Kind: NoReply}
	case 1:
		sess.Stage(mqtt.EncodePacketIDOnly(mqtt.PUBACK, p.PacketID))
		return Outcome{Kind: Reply}
	default: // QoS 2
		sess.RegisterInboundAck(p.PacketID)
		sess.Stage(mqtt.EncodePacketIDOnly(mqtt.PUBREC, p.PacketID))
		return Outcome{Kind: Reply}
	}
}
