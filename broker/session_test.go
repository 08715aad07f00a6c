package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextFreeMidSkipsInUseSlots(t *testing.T) {
	s := NewSession("c1")
	s.RegisterOutboundMsg(1, []byte{0}, 1)

	mid, err := s.NextFreeMid()
	require.NoError(t, err)
	require.NotEqualValues(t, 1, mid)
	require.NotEqualValues(t, 0, mid, "packet id 0 is reserved")
}

func TestNextFreeMidNeverReturnsZero(t *testing.T) {
	s := NewSession("c1")
	for i := 0; i < 10; i++ {
		mid, err := s.NextFreeMid()
		require.NoError(t, err)
		require.NotEqualValues(t, 0, mid)
		s.RegisterOutboundMsg(mid, []byte{0}, 1)
	}
}

func TestNextFreeMidExhaustion(t *testing.T) {
	s := NewSession("c1")
	for i := 1; i <= 65535; i++ {
		s.IMsgs[uint16(i)] = &Inflight{InUse: true}
	}

	_, err := s.NextFreeMid()
	require.ErrorIs(t, err, errPacketIDSpaceExhausted)
}

func TestReleaseOutboundIsIdempotent(t *testing.T) {
	s := NewSession("c1")
	s.RegisterOutboundMsg(5, []byte{0}, 1)
	s.RegisterOutboundAck(5, []byte{1}, 1)
	require.True(t, s.HasInflight)

	s.ReleaseOutbound(5)
	require.False(t, s.HasInflight)

	require.NotPanics(t, func() { s.ReleaseOutbound(5) })
	require.False(t, s.HasInflight)
}

func TestHasInflightInvariantAcrossAllThreeTables(t *testing.T) {
	s := NewSession("c1")
	require.False(t, s.HasInflight)

	s.RegisterInboundAck(3)
	require.True(t, s.HasInflight)
	s.ReleaseInboundAck(3)
	require.False(t, s.HasInflight)
}

func TestDrainOutgoingReturnsFIFOAndClears(t *testing.T) {
	s := NewSession("c1")
	s.EnqueueOutgoing(OutgoingMessage{Topic: "a/", Payload: []byte("1")})
	s.EnqueueOutgoing(OutgoingMessage{Topic: "a/", Payload: []byte("2")})

	msgs := s.DrainOutgoing()
	require.Len(t, msgs, 2)
	require.Equal(t, []byte("1"), msgs[0].Payload)
	require.Equal(t, []byte("2"), msgs[1].Payload)

	require.Nil(t, s.DrainOutgoing())
}

func TestKeepaliveExpired(t *testing.T) {
	s := NewSession("c1")
	s.Online = true
	s.KeepAlive = 1
	s.LastSeen = time.Now().Add(-10 * time.Second)

	require.True(t, s.KeepaliveExpired(time.Now()))
}
