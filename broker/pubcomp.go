package broker

import "github.com/flowmqtt/broker/mqtt"

// handlePubComp implements §4.9: completes outbound QoS-2.
func (e *Engine) handlePubComp(sess *Session, p *mqtt.PacketIDPacket) Outcome {
	sess.ReleaseOutbound(p.PacketID)
	return Outcome{Kind: NoReply}
}
