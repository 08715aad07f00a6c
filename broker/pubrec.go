package broker

import (
	"time"

	"github.com/flowmqtt/broker/mqtt"
)

// handlePubRec implements §4.7: advances outbound QoS-2 from "PUBLISH
// sent, awaiting PUBREC" to "PUBREL sent, awaiting PUBCOMP". A PUBREC for a
// packet id with no outstanding outbound ack is logged and ignored rather
// than fabricating a PUBREL, per §7's ack-idempotence requirement.
func (e *Engine) handlePubRec(sess *Session, p *mqtt.PacketIDPacket) Outcome {
	entry, ok := sess.AckEntry(p.PacketID)
	if !ok {
		e.Logger.Warn("PUBREC for packet id not in use", "client_id", sess.ClientID, "packet_id", p.PacketID)
		return Outcome{Kind: NoReply}
	}

	mqtt.RewriteHeaderType(entry.Packet, mqtt.PUBREL, 0x02)
	entry.SentTimestamp = time.Now()

	sess.Stage(mqtt.EncodePacketIDOnly(mqtt.PUBREL, p.PacketID))
	return Outcome{Kind: Reply}
}
