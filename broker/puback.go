package broker

import "github.com/flowmqtt/broker/mqtt"

// handlePubAck implements §4.6: completes the outbound QoS-1 flow.
func (e *Engine) handlePubAck(sess *Session, p *mqtt.PacketIDPacket) Outcome {
	sess.ReleaseOutbound(p.PacketID)
	return Outcome{Kind: NoReply}
}
