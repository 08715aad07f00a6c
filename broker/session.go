package broker

import (
	"sync"
	"time"

	"github.com/flowmqtt/broker/types"
)

// WillMessage is a Last Will & Testament recorded at CONNECT and published
// by the broker on the client's behalf if it disconnects ungracefully.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// OutgoingMessage is one PUBLISH buffered for a client while it is offline,
// only ever used when CleanSession is false.
type OutgoingMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Inflight is one outstanding QoS>0 message or ack. Everything but InUse
// and SentTimestamp is immutable once set, except that Packet's header type
// byte may be rewritten in place as the QoS-2 handshake advances (§4.7).
type Inflight struct {
	InUse         bool
	Packet        []byte
	Size          int
	SentTimestamp time.Time
}

// Session is the broker's per-client-id record. It survives across
// disconnects when CleanSession is false; the Session Table owns it.
type Session struct {
	mu sync.Mutex

	ClientID     string
	Conn         types.Conn
	Online       bool
	CleanSession bool
	KeepAlive    uint16
	LastSeen     time.Time

	Subscriptions []*Topic
	OutgoingMsgs  []OutgoingMessage

	IMsgs   map[uint16]*Inflight // outbound PUBLISH this broker sent, QoS>0
	IAcks   map[uint16]*Inflight // outbound ack this broker still owes
	InIAcks map[uint16]struct{}  // inbound PUBREL this broker is waiting on (QoS 2 receive)

	HasInflight bool

	HasLWT bool
	LWT    *WillMessage

	WBuf []byte

	nextMid uint16
}

// NewSession allocates a fresh, offline Session for clientID.
func NewSession(clientID string) *Session {
	return &Session{
		ClientID: clientID,
		IMsgs:    make(map[uint16]*Inflight),
		IAcks:    make(map[uint16]*Inflight),
		InIAcks:  make(map[uint16]struct{}),
	}
}

// Stage appends bytes to the session's write buffer; the network layer
// flushes WBuf to the transport and resets it after the handler returns.
func (s *Session) Stage(b []byte) {
	s.mu.Lock()
	s.WBuf = append(s.WBuf, b...)
	s.mu.Unlock()
}

// TakeWriteBuffer returns the staged bytes and resets the buffer.
func (s *Session) TakeWriteBuffer() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.WBuf) == 0 {
		return nil
	}
	out := s.WBuf
	s.WBuf = nil
	return out
}

// recomputeHasInflight refreshes the has_inflight summary flag. Callers
// must hold s.mu.
func (s *Session) recomputeHasInflight() {
	s.HasInflight = len(s.IMsgs) > 0 || len(s.IAcks) > 0 || len(s.InIAcks) > 0
}

// errPacketIDSpaceExhausted is returned by NextFreeMid when all 65535
// packet ids are currently in use toward this client. §4.11/§9 require
// surfacing this rather than silently reusing an in-use slot.
var errPacketIDSpaceExhausted = &exhaustionError{}

type exhaustionError struct{}

func (*exhaustionError) Error() string { return "broker: packet id space exhausted for client" }

// NextFreeMid allocates a 16-bit packet id not currently marked in_use in
// either IMsgs or IAcks, advancing a wrap-around counter that skips slots
// in use (§4.11). Packet id 0 is never allocated (MQTT reserves it).
func (s *Session) NextFreeMid() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < 65535; i++ {
		s.nextMid++
		if s.nextMid == 0 {
			s.nextMid = 1
		}
		if _, used := s.IMsgs[s.nextMid]; used {
			continue
		}
		if _, used := s.IAcks[s.nextMid]; used {
			continue
		}
		return s.nextMid, nil
	}
	return 0, errPacketIDSpaceExhausted
}

// RegisterOutboundMsg installs an inflight PUBLISH slot for mid if one
// isn't already present.
func (s *Session) RegisterOutboundMsg(mid uint16, packet []byte, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.IMsgs[mid]; !exists {
		s.IMsgs[mid] = &Inflight{InUse: true, Packet: packet, Size: size, SentTimestamp: time.Now()}
	}
	s.recomputeHasInflight()
}

// RegisterOutboundAck installs a stub outbound-ack slot for mid (PUBACK for
// QoS 1, PUBREC for QoS 2) if one isn't already present.
func (s *Session) RegisterOutboundAck(mid uint16, packet []byte, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.IAcks[mid]; !exists {
		s.IAcks[mid] = &Inflight{InUse: true, Packet: packet, Size: size, SentTimestamp: time.Now()}
	}
	s.recomputeHasInflight()
}

// AckEntry returns the outbound-ack inflight entry for mid, if in use.
func (s *Session) AckEntry(mid uint16) (*Inflight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.IAcks[mid]
	return e, ok
}

// ReleaseOutbound frees both the outbound-publish and outbound-ack slots
// for mid. Idempotent: releasing an id that is not in use is a silent
// no-op, per §7's double-free-tolerance requirement.
func (s *Session) ReleaseOutbound(mid uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.IMsgs, mid)
	delete(s.IAcks, mid)
	s.recomputeHasInflight()
}

// RegisterInboundAck marks mid as an inbound PUBREL this broker is waiting
// on (QoS-2 receive side, §4.5.3).
func (s *Session) RegisterInboundAck(mid uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InIAcks[mid] = struct{}{}
	s.recomputeHasInflight()
}

// ReleaseInboundAck clears the inbound-PUBREL wait for mid. Idempotent.
func (s *Session) ReleaseInboundAck(mid uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.InIAcks, mid)
	s.recomputeHasInflight()
}

// HasInboundAck reports whether mid is a pending inbound PUBREL wait.
func (s *Session) HasInboundAck(mid uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.InIAcks[mid]
	return ok
}

// EnqueueOutgoing appends a PUBLISH to the offline queue. Only meaningful
// when CleanSession is false; callers are expected to have already checked
// that and the online state.
func (s *Session) EnqueueOutgoing(msg OutgoingMessage) {
	s.mu.Lock()
	s.OutgoingMsgs = append(s.OutgoingMsgs, msg)
	s.mu.Unlock()
}

// DrainOutgoing returns and clears the offline queue in FIFO order.
func (s *Session) DrainOutgoing() []OutgoingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.OutgoingMsgs) == 0 {
		return nil
	}
	out := s.OutgoingMsgs
	s.OutgoingMsgs = nil
	return out
}

// Touch records client activity for keepalive supervision (§4.15).
func (s *Session) Touch() {
	s.mu.Lock()
	s.LastSeen = time.Now()
	s.mu.Unlock()
}

// IsOnline reports whether the session currently has a live connection.
func (s *Session) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Online
}

// IsCleanSession reports the clean_session flag recorded at CONNECT.
func (s *Session) IsCleanSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CleanSession
}

// KeepaliveExpired reports whether this session has gone silent for longer
// than 1.5x its negotiated keepalive, the MQTT-mandated grace factor.
func (s *Session) KeepaliveExpired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Online || s.KeepAlive == 0 {
		return false
	}
	grace := time.Duration(float64(s.KeepAlive) * 1.5 * float64(time.Second))
	return now.Sub(s.LastSeen) > grace
}
