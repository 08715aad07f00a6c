package broker

import "github.com/flowmqtt/broker/mqtt"

// handlePingReq implements §4.13.
func (e *Engine) handlePingReq(sess *Session) Outcome {
	sess.Stage(mqtt.EncodePingResp())
	return Outcome{Kind: Reply}
}
