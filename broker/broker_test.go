package broker

import (
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmqtt/broker/auth"
	"github.com/flowmqtt/broker/mqtt"
)

// memConn is an in-memory types.Conn for exercising the engine without a
// real transport. It records each MQTT control packet written to it as a
// separate entry, since Engine.Flush writes a session's whole staged buffer
// in a single Write call.
type memConn struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
}

func (c *memConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *memConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var f mqtt.Framer
	f.Feed(b)
	for {
		frame, ok, err := f.Next()
		if err != nil || !ok {
			break
		}
		c.writes = append(c.writes, frame)
	}
	return len(b), nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *memConn) RemoteAddr() net.Addr { return &net.TCPAddr{} }

func (c *memConn) lastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

func (c *memConn) allWrites() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(auth.NewGate(true, nil), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// NewEngineForTest builds an Engine with allow_anonymous disabled and the
// given username->bcrypt-hash credential store.
func NewEngineForTest(hashes map[string]string) (*Engine, error) {
	return NewEngine(auth.NewGate(false, hashes), discardLogger())
}

func mustHash(plaintext string) string {
	hash, err := auth.HashPassword(plaintext)
	if err != nil {
		panic(err)
	}
	return hash
}

// connectClient drives a full CONNECT through the engine for clientID and
// returns the resulting (possibly rebound) Session and its transport.
func connectClient(t *testing.T, e *Engine, clientID string, clean bool) (*Session, *memConn) {
	t.Helper()
	conn := &memConn{}
	sess := e.AddConn(conn)

	outcome := e.Dispatch(sess, mqtt.CONNECT, &mqtt.ConnectPacket{
		ProtocolName:  "MQTT",
		ProtocolLevel: 4,
		CleanSession:  clean,
		ClientID:      clientID,
		KeepAlive:     60,
	})
	require.Equal(t, Reply, outcome.Kind)

	bound, ok := e.SessionForConn(conn)
	require.True(t, ok)
	e.Flush(bound)
	return bound, conn
}

// parseConnAck extracts (sessionPresent, returnCode) from a raw CONNACK.
func parseConnAck(t *testing.T, buf []byte) (bool, byte) {
	t.Helper()
	require.EqualValues(t, mqtt.CONNACK, buf[0]>>4)
	require.GreaterOrEqual(t, len(buf), 4)
	return buf[2]&0x01 != 0, buf[3]
}

// parsePublish extracts (topic, payload, qos, packetID) from a raw PUBLISH.
func parsePublish(t *testing.T, buf []byte) (string, []byte, byte, uint16) {
	t.Helper()
	require.EqualValues(t, mqtt.PUBLISH, buf[0]>>4)
	flags := buf[0] & 0x0F
	qos := (flags >> 1) & 0x03

	pos := 2 // skip fixed header + 1-byte remaining length (payloads in these tests stay under 128 bytes)
	topicLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	topic := string(buf[pos : pos+topicLen])
	pos += topicLen

	var pktID uint16
	if qos > 0 {
		pktID = binary.BigEndian.Uint16(buf[pos : pos+2])
		pos += 2
	}

	payload := buf[pos:]
	return topic, payload, qos, pktID
}
