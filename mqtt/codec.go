package mqtt

import (
	"bytes"
	"encoding/binary"

	"github.com/valyala/bytebufferpool"
)

// Framer accumulates bytes from a stream-oriented transport (plain TCP,
// gnet) and extracts complete MQTT control packets, one at a time, handling
// TCP coalescing/fragmentation of the wire stream. The WebSocket listener
// feeds each binary message through a Framer as well.
type Framer struct {
	buf bytes.Buffer
}

// Feed appends newly-read bytes to the framer's internal buffer.
func (f *Framer) Feed(data []byte) {
	f.buf.Write(data)
}

// Next extracts the next complete frame buffered so far, if any. Call it
// repeatedly after a Feed until ok is false: a single read can contain more
// than one packet, and a packet can span more than one read.
func (f *Framer) Next() (frame []byte, ok bool, err error) {
	data := f.buf.Bytes()
	if len(data) < 2 {
		return nil, false, nil
	}

	total, err := frameLength(data)
	if err != nil {
		return nil, false, err
	}
	if total <= 0 || len(data) < total {
		return nil, false, nil
	}

	frame = make([]byte, total)
	copy(frame, data[:total])
	f.buf.Next(total)
	return frame, true, nil
}

// frameLength computes the total wire length (fixed header + remaining
// length field + payload) of the packet starting at data[0], or returns an
// error if the length field itself is malformed.
func frameLength(data []byte) (int, error) {
	if len(data) < 2 {
		return 0, ErrMalformedPacket
	}

	pos := 1
	multiplier := 1
	value := 0
	for {
		if pos >= len(data) {
			return 0, nil // length field itself not fully buffered yet
		}
		encodedByte := data[pos]
		value += int(encodedByte&127) * multiplier
		pos++
		if encodedByte&128 == 0 {
			break
		}
		multiplier *= 128
		if multiplier > 128*128*128 {
			return 0, ErrInvalidLength
		}
	}

	return 1 + (pos - 1) + value, nil
}

func encodeRemainingLength(length int) []byte {
	var encoded []byte
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		encoded = append(encoded, digit)
		if length == 0 {
			break
		}
	}
	return encoded
}

func remainingLengthSize(length int) int {
	n := 1
	for length >= 128 {
		length /= 128
		n++
	}
	return n
}

// encodePacket assembles a full control packet from a pooled buffer and
// returns an owned copy. The pooled buffer is released immediately: the
// byte slice returned is what the broker's inflight/write-buffer layers
// actually retain, per SPEC_FULL's packet/buffer-pool discipline.
func encodePacket(packetType byte, flags byte, remainingLength int, writeBody func(*bytebufferpool.ByteBuffer)) []byte {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.WriteByte((packetType << 4) | flags)
	bb.Write(encodeRemainingLength(remainingLength))
	writeBody(bb)

	out := make([]byte, bb.Len())
	copy(out, bb.Bytes())
	return out
}

// EncodeConnAck builds a CONNACK packet.
func EncodeConnAck(sessionPresent bool, returnCode byte) []byte {
	return encodePacket(CONNACK, 0, 2, func(bb *bytebufferpool.ByteBuffer) {
		flags := byte(0)
		if sessionPresent {
			flags |= 0x01
		}
		bb.WriteByte(flags)
		bb.WriteByte(returnCode)
	})
}

// EncodePingResp builds a PINGRESP packet.
func EncodePingResp() []byte {
	return encodePacket(PINGRESP, 0, 0, func(*bytebufferpool.ByteBuffer) {})
}

// EncodeSubAck builds a SUBACK packet carrying the granted-QoS list in
// tuple order.
func EncodeSubAck(packetID uint16, returnCodes []byte) []byte {
	return encodePacket(SUBACK, 0, 2+len(returnCodes), func(bb *bytebufferpool.ByteBuffer) {
		writeUint16(bb, packetID)
		bb.Write(returnCodes)
	})
}

// EncodeUnsubAck builds an UNSUBACK packet.
func EncodeUnsubAck(packetID uint16) []byte {
	return encodePacket(UNSUBACK, 0, 2, func(bb *bytebufferpool.ByteBuffer) {
		writeUint16(bb, packetID)
	})
}

// EncodePacketIDOnly builds a PUBACK, PUBREC, PUBREL or PUBCOMP packet,
// all of which carry nothing but a packet id.
func EncodePacketIDOnly(packetType byte, packetID uint16) []byte {
	flags := byte(0)
	if packetType == PUBREL {
		flags = 0x02 // reserved flags for PUBREL per §2.2.1
	}
	return encodePacket(packetType, flags, 2, func(bb *bytebufferpool.ByteBuffer) {
		writeUint16(bb, packetID)
	})
}

// EncodePublish builds a PUBLISH packet. packetID is ignored (and omitted
// from the wire form) when qos is 0, matching §4.10's requirement that the
// packet-id field only be present when the effective QoS is greater than 0.
func EncodePublish(topic string, payload []byte, qos byte, packetID uint16, retain bool, dup bool) []byte {
	remaining := 2 + len(topic) + len(payload)
	if qos > 0 {
		remaining += 2
	}

	flags := (qos << 1) & 0x06
	if retain {
		flags |= 0x01
	}
	if dup {
		flags |= 0x08
	}

	return encodePacket(PUBLISH, flags, remaining, func(bb *bytebufferpool.ByteBuffer) {
		writeString(bb, topic)
		if qos > 0 {
			writeUint16(bb, packetID)
		}
		bb.Write(payload)
	})
}

// SizePublish returns the total wire size of a PUBLISH with the given topic
// length, payload length and QoS — the `mqtt_size` query external
// collaborators use to size inflight entries without fully re-encoding.
func SizePublish(topicLen, payloadLen int, qos byte) int {
	remaining := 2 + topicLen + payloadLen
	if qos > 0 {
		remaining += 2
	}
	return 1 + remainingLengthSize(remaining) + remaining
}

// RewriteHeaderType overwrites the control type (and flags) of an
// already-encoded packet in place, without touching its remaining-length
// field or body. Used to advance a stored outbound-ack packet from PUBREC
// to PUBREL (§4.7) without a fresh allocation.
func RewriteHeaderType(buf []byte, packetType byte, flags byte) {
	if len(buf) == 0 {
		return
	}
	buf[0] = (packetType << 4) | flags
}

func writeUint16(bb *bytebufferpool.ByteBuffer, v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	bb.Write(buf[:])
}

func writeString(bb *bytebufferpool.ByteBuffer, s string) {
	writeUint16(bb, uint16(len(s)))
	bb.WriteString(s)
}
