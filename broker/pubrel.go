package broker

import "github.com/flowmqtt/broker/mqtt"

// handlePubRel implements §4.8: completes inbound QoS-2. The original
// PUBLISH payload was already delivered to subscribers on receipt of the
// PUBLISH (§4.5), not here.
func (e *Engine) handlePubRel(sess *Session, p *mqtt.PacketIDPacket) Outcome {
	sess.ReleaseInboundAck(p.PacketID)
	sess.Stage(mqtt.EncodePacketIDOnly(mqtt.PUBCOMP, p.PacketID))
	return Outcome{Kind: Reply}
}
