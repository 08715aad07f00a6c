package broker

import "github.com/flowmqtt/broker/mqtt"

// handleUnsubscribe implements §4.4: exact-topic lookup only, no
// re-expansion of a wildcard filter across the descendants it matched at
// SUBSCRIBE time. A filter that was subscribed as "a/#" is removed from
// "a/" only; the shared Subscriber record's refs under other descendant
// topics are left as-is.
func (e *Engine) handleUnsubscribe(sess *Session, p *mqtt.UnsubscribePacket) Outcome {
	for _, filter := range p.Topics {
		normalized, _ := normalizeFilter(filter)
		topic, ok := e.Topics.Get(normalized)
		if !ok {
			continue
		}
		topic.Remove(sess.ClientID)

		for i, t := range sess.Subscriptions {
			if t == topic {
				sess.Subscriptions = append(sess.Subscriptions[:i], sess.Subscriptions[i+1:]...)
				break
			}
		}
	}

	sess.Stage(mqtt.EncodeUnsubAck(p.PacketID))
	return Outcome{Kind: Reply}
}
