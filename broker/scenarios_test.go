package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowmqtt/broker/mqtt"
)

// fanOut delivers to each online subscriber through the cross-shard
// hand-off pool (§5), so a subscriber's write is not guaranteed visible
// the instant Dispatch returns on the publisher's goroutine.
func waitForWrites(t *testing.T, conn *memConn, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(conn.allWrites()) >= n
	}, time.Second, time.Millisecond)
	return conn.allWrites()
}

// S1: QoS 0 publish, no ack, no packet id on the wire.
func TestScenarioQoS0Publish(t *testing.T) {
	e := newTestEngine(t)

	a, aConn := connectClient(t, e, "A", true)
	b, bConn := connectClient(t, e, "B", true)

	outcome := e.Dispatch(b, mqtt.SUBSCRIBE, &mqtt.SubscribePacket{
		PacketID: 1,
		Topics:   []mqtt.SubscribeTopic{{TopicFilter: "sensors/temp", QoS: 0}},
	})
	require.Equal(t, Reply, outcome.Kind)
	e.Flush(b)

	outcome = e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{
		TopicName: "sensors/temp", Payload: []byte("23"), QoS: 0,
	})
	require.Equal(t, NoReply, outcome.Kind)
	e.Flush(a)

	require.Len(t, aConn.allWrites(), 1, "publisher must not receive an ack for QoS 0 beyond its own CONNACK")

	writes := waitForWrites(t, bConn, 3) // CONNACK, SUBACK, then PUBLISH
	topic, payload, qos, pktID := parsePublish(t, writes[2])
	require.Equal(t, "sensors/temp/", topic)
	require.Equal(t, []byte("23"), payload)
	require.EqualValues(t, 0, qos)
	require.EqualValues(t, 0, pktID)
}

// S2: subscriber granted QoS 0, publisher sends QoS 1 -> effective QoS 0
// delivered to the subscriber, but the publisher still gets its PUBACK.
func TestScenarioQoS1Downgrade(t *testing.T) {
	e := newTestEngine(t)

	a, aConn := connectClient(t, e, "A", true)
	b, bConn := connectClient(t, e, "B", true)

	e.Dispatch(b, mqtt.SUBSCRIBE, &mqtt.SubscribePacket{
		PacketID: 1,
		Topics:   []mqtt.SubscribeTopic{{TopicFilter: "sensors/temp", QoS: 0}},
	})
	e.Flush(b)

	outcome := e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{
		TopicName: "sensors/temp", Payload: []byte("x"), QoS: 1, PacketID: 42,
	})
	require.Equal(t, Reply, outcome.Kind)
	e.Flush(a)

	aWrites := aConn.allWrites()
	require.Len(t, aWrites, 2) // CONNACK, then PUBACK
	require.EqualValues(t, mqtt.PUBACK, aWrites[1][0]>>4)

	bWrites := waitForWrites(t, bConn, 3) // CONNACK, SUBACK, then PUBLISH
	_, _, qos, pktID := parsePublish(t, bWrites[2])
	require.EqualValues(t, 0, qos)
	require.EqualValues(t, 0, pktID)
}

// S3: full QoS 2 handshake on the publisher's inbound side.
func TestScenarioQoS2Handshake(t *testing.T) {
	e := newTestEngine(t)
	a, aConn := connectClient(t, e, "A", true)

	outcome := e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{
		TopicName: "t/", Payload: []byte("x"), QoS: 2, PacketID: 7,
	})
	require.Equal(t, Reply, outcome.Kind)
	e.Flush(a)
	require.True(t, a.HasInboundAck(7))

	last := aConn.lastWrite()
	require.EqualValues(t, mqtt.PUBREC, last[0]>>4)

	outcome = e.Dispatch(a, mqtt.PUBREL, &mqtt.PacketIDPacket{PacketID: 7})
	require.Equal(t, Reply, outcome.Kind)
	e.Flush(a)
	require.False(t, a.HasInboundAck(7))

	last = aConn.lastWrite()
	require.EqualValues(t, mqtt.PUBCOMP, last[0]>>4)
}

// S4: offline queueing for a non-clean session, flushed on resume.
func TestScenarioOfflineQueueFlushedOnResume(t *testing.T) {
	e := newTestEngine(t)

	b, _ := connectClient(t, e, "B", false)
	e.Dispatch(b, mqtt.SUBSCRIBE, &mqtt.SubscribePacket{
		PacketID: 1,
		Topics:   []mqtt.SubscribeTopic{{TopicFilter: "x/", QoS: 1}},
	})
	e.Flush(b)

	disc := e.Dispatch(b, mqtt.DISCONNECT, nil)
	require.Equal(t, ClientDisconnect, disc.Kind)
	require.False(t, b.IsOnline())

	a, _ := connectClient(t, e, "A", true)
	outcome := e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{
		TopicName: "x/", Payload: []byte("hi"), QoS: 1, PacketID: 1,
	})
	require.Equal(t, Reply, outcome.Kind)
	e.Flush(a)

	require.Len(t, b.OutgoingMsgs, 1, "B's session must retain the queued PUBLISH while offline")

	_, reconnectConn := connectClient(t, e, "B", false)
	writes := reconnectConn.allWrites()
	require.GreaterOrEqual(t, len(writes), 2)

	topic, payload, qos, _ := parsePublish(t, writes[0])
	require.Equal(t, "x/", topic)
	require.Equal(t, []byte("hi"), payload)
	require.EqualValues(t, 1, qos)

	present, code := parseConnAck(t, writes[len(writes)-1])
	require.False(t, present)
	require.EqualValues(t, mqtt.ConnAccepted, code)
}

// S5: a single wildcard SUBSCRIBE installs one shared, ref-counted
// Subscriber on every currently-matching topic and stages every matched
// topic's retained message before SUBACK.
func TestScenarioWildcardSubscribeStagesAllRetained(t *testing.T) {
	e := newTestEngine(t)

	topicAB := e.Topics.GetOrCreate("a/b/")
	topicAB.SetRetained(mqtt.EncodePublish("a/b/", []byte("m1"), 0, 0, true, false))
	topicAC := e.Topics.GetOrCreate("a/c/")
	topicAC.SetRetained(mqtt.EncodePublish("a/c/", []byte("m2"), 0, 0, true, false))

	b, bConn := connectClient(t, e, "B", true)
	outcome := e.Dispatch(b, mqtt.SUBSCRIBE, &mqtt.SubscribePacket{
		PacketID: 5,
		Topics:   []mqtt.SubscribeTopic{{TopicFilter: "a/#", QoS: 1}},
	})
	require.Equal(t, Reply, outcome.Kind)
	e.Flush(b)

	writes := bConn.allWrites()
	require.Len(t, writes, 4, "CONNACK, two retained replays, then SUBACK")

	var payloads []string
	for _, w := range writes[1:3] {
		_, payload, _, _ := parsePublish(t, w)
		payloads = append(payloads, string(payload))
	}
	require.ElementsMatch(t, []string{"m1", "m2"}, payloads)

	lastWrite := writes[3]
	require.EqualValues(t, mqtt.SUBACK, lastWrite[0]>>4)

	sub, ok := topicAB.Subscribers["B"]
	require.True(t, ok)
	// "a/#" matches both descendants but not the "a/" prefix node itself,
	// so refs=2.
	require.EqualValues(t, 2, sub.Refs())
	subC, ok := topicAC.Subscribers["B"]
	require.True(t, ok)
	require.Same(t, sub, subC, "both topics must share the same Subscriber record")
}

// S6: retained message replacement.
func TestScenarioRetainedUpdate(t *testing.T) {
	e := newTestEngine(t)
	a, _ := connectClient(t, e, "A", true)

	e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{TopicName: "t/", Payload: []byte("p1"), Retain: true})
	topic, ok := e.Topics.Get("t/")
	require.True(t, ok)
	_, payload1, _, _ := parsePublish(t, topic.Retained())
	require.Equal(t, []byte("p1"), payload1)

	e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{TopicName: "t/", Payload: []byte("p2"), Retain: true})
	_, payload2, _, _ := parsePublish(t, topic.Retained())
	require.Equal(t, []byte("p2"), payload2)
}

// Zero-length retained PUBLISH clears the retained message.
func TestZeroLengthRetainedClears(t *testing.T) {
	e := newTestEngine(t)
	a, _ := connectClient(t, e, "A", true)

	e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{TopicName: "t/", Payload: []byte("p1"), Retain: true})
	e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{TopicName: "t/", Payload: nil, Retain: true})

	topic, ok := e.Topics.Get("t/")
	require.True(t, ok)
	require.Nil(t, topic.Retained())
}

// Double PUBACK for the same id is a no-op after the first.
func TestDoublePubAckIsIdempotent(t *testing.T) {
	e := newTestEngine(t)

	a, aConn := connectClient(t, e, "A", true)
	b, _ := connectClient(t, e, "B", true)
	e.Dispatch(b, mqtt.SUBSCRIBE, &mqtt.SubscribePacket{
		PacketID: 1,
		Topics:   []mqtt.SubscribeTopic{{TopicFilter: "t/", QoS: 1}},
	})

	e.Dispatch(a, mqtt.PUBLISH, &mqtt.PublishPacket{TopicName: "t/", Payload: []byte("x"), QoS: 0})
	_ = aConn

	require.NotPanics(t, func() {
		e.Dispatch(b, mqtt.PUBACK, &mqtt.PacketIDPacket{PacketID: 999})
		e.Dispatch(b, mqtt.PUBACK, &mqtt.PacketIDPacket{PacketID: 999})
	})
	require.False(t, b.HasInflight)
}

// Two consecutive CONNECTs on the same live Session disconnect the second,
// with no CONNACK staged.
func TestSecondConnectWithSameClientIDIsRejected(t *testing.T) {
	e := newTestEngine(t)
	_, _ = connectClient(t, e, "dup", true)

	conn2 := &memConn{}
	sess2 := e.AddConn(conn2)
	outcome := e.Dispatch(sess2, mqtt.CONNECT, &mqtt.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "dup",
	})
	require.Equal(t, ClientDisconnect, outcome.Kind)
	require.Empty(t, conn2.allWrites(), "no CONNACK on a rejected take-over")
}

// An empty client id with clean_session=false is rejected: the broker
// cannot resume an anonymous session.
func TestEmptyClientIDRequiresCleanSession(t *testing.T) {
	e := newTestEngine(t)
	conn := &memConn{}
	sess := e.AddConn(conn)

	outcome := e.Dispatch(sess, mqtt.CONNECT, &mqtt.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: false, ClientID: "",
	})
	require.Equal(t, AuthReject, outcome.Kind)
	require.EqualValues(t, mqtt.ConnNotAuthorized, outcome.Code)
}

// allow_anonymous=false rejects a CONNECT without valid credentials.
func TestAuthRejectsBadCredentials(t *testing.T) {
	e, err := NewEngineForTest(map[string]string{"alice": mustHash("secret")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	conn := &memConn{}
	sess := e.AddConn(conn)
	outcome := e.Dispatch(sess, mqtt.CONNECT, &mqtt.ConnectPacket{
		ProtocolName: "MQTT", ProtocolLevel: 4, CleanSession: true, ClientID: "c1",
		UsernameFlag: true, Username: "alice", PasswordFlag: true, Password: []byte("wrong"),
	})
	require.Equal(t, AuthReject, outcome.Kind)
	require.EqualValues(t, mqtt.ConnBadUsernameOrPasswd, outcome.Code)
}
