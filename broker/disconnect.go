package broker

// handleDisconnect implements §4.12: a graceful DISCONNECT. For a clean
// session, every subscription is torn down and the Session is dropped from
// the table immediately; the connection-loss path (teardownUngraceful)
// checks wasOnline and is a no-op once this has run.
func (e *Engine) handleDisconnect(sess *Session) Outcome {
	sess.mu.Lock()
	sess.Online = false
	sess.Conn = nil
	cleanSession := sess.CleanSession
	sess.mu.Unlock()

	if cleanSession {
		for _, t := range sess.Subscriptions {
			t.Remove(sess.ClientID)
		}
		sess.Subscriptions = nil
		e.Sessions.Delete(sess.ClientID)
	}

	return Outcome{Kind: ClientDisconnect}
}
