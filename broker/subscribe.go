package broker

import (
	"strings"

	"github.com/flowmqtt/broker/mqtt"
)

// normalizeFilter implements §4.3 step 1: a filter ending in "/#" is a
// multi-level wildcard over the prefix with the trailing "#" stripped;
// anything else is an exact topic, normalized to end in "/".
func normalizeFilter(filter string) (normalized string, wildcard bool) {
	if strings.HasSuffix(filter, "/#") {
		return strings.TrimSuffix(filter, "#"), true
	}
	return NormalizeTopicName(filter), false
}

// handleSubscribe implements §4.3. A wildcard filter installs one shared
// Subscriber, ref-counted, into every descendant topic currently matching
// the prefix (PrefixMap); the retained message of each matched descendant
// is staged ahead of the SUBACK (§8 scenario S5).
func (e *Engine) handleSubscribe(sess *Session, p *mqtt.SubscribePacket) Outcome {
	codes := make([]byte, len(p.Topics))

	for i, t := range p.Topics {
		normalized, wildcard := normalizeFilter(t.TopicFilter)
		e.Topics.GetOrCreate(normalized)

		if wildcard {
			sub := newSubscriber(sess, t.QoS)
			e.Topics.PrefixMap(normalized, func(tp *Topic) {
				tp.Install(sess.ClientID, sub)
				sub.addRef()
				sess.Subscriptions = append(sess.Subscriptions, tp)
				if retained := tp.Retained(); retained != nil {
					sess.Stage(retained)
				}
			})
		} else {
			topic, _ := e.Topics.Get(normalized)
			sub := newSubscriber(sess, t.QoS)
			sub.addRef()
			topic.Install(sess.ClientID, sub)
			sess.Subscriptions = append(sess.Subscriptions, topic)
			if retained := topic.Retained(); retained != nil {
				sess.Stage(retained)
			}
		}

		codes[i] = t.QoS
	}

	sess.Stage(mqtt.EncodeSubAck(p.PacketID, codes))
	return Outcome{Kind: Reply}
}
