package broker

import (
	"strings"
	"sync"
)

// Subscriber pairs a client reference with its granted QoS on one or more
// topics. Refs counts how many topics this record is installed under, so a
// wildcard subscription's single Subscriber can be removed from one topic
// without invalidating it for the others (§3).
type Subscriber struct {
	Session *Session
	QoS     byte
	refs    int32
	mu      sync.Mutex
}

func newSubscriber(sess *Session, qos byte) *Subscriber {
	return &Subscriber{Session: sess, QoS: qos}
}

func (s *Subscriber) addRef() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Refs reports the current reference count.
func (s *Subscriber) Refs() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Topic holds the subscriber set and retained message for one normalized,
// `/`-terminated path.
type Topic struct {
	mu          sync.RWMutex
	Name        string
	Subscribers map[string]*Subscriber // client_id -> Subscriber
	RetainedMsg []byte
}

func newTopic(name string) *Topic {
	return &Topic{Name: name, Subscribers: make(map[string]*Subscriber)}
}

// Install adds sub under this topic keyed by its client id, replacing any
// existing subscriber for that client.
func (t *Topic) Install(clientID string, sub *Subscriber) {
	t.mu.Lock()
	t.Subscribers[clientID] = sub
	t.mu.Unlock()
}

// Remove deletes the subscriber for clientID, if any.
func (t *Topic) Remove(clientID string) {
	t.mu.Lock()
	delete(t.Subscribers, clientID)
	t.mu.Unlock()
}

// SnapshotSubscribers returns a point-in-time copy of the subscriber map,
// safe for the caller to iterate without holding the topic lock during
// fan-out (which may block on slow client writes).
func (t *Topic) SnapshotSubscribers() map[string]*Subscriber {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]*Subscriber, len(t.Subscribers))
	for k, v := range t.Subscribers {
		out[k] = v
	}
	return out
}

// SetRetained installs msg as the topic's retained message. A nil/empty msg
// clears it, per MQTT 3.1.1 §3.3.1.3 (SPEC_FULL §4, resolving the zero-length
// divergence the original source left unhandled).
func (t *Topic) SetRetained(msg []byte) {
	t.mu.Lock()
	if len(msg) == 0 {
		t.RetainedMsg = nil
	} else {
		t.RetainedMsg = msg
	}
	t.mu.Unlock()
}

// Retained returns the topic's retained message, or nil if none.
func (t *Topic) Retained() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.RetainedMsg
}

// NormalizeTopicName appends a trailing "/" if absent, per §3's "the broker
// normalises every topic to end in / at lookup time."
func NormalizeTopicName(name string) string {
	if strings.HasSuffix(name, "/") {
		return name
	}
	return name + "/"
}

// splitPath turns a normalized, trailing-slash topic name into trie path
// segments, dropping the trailing empty segment the slash produces.
func splitPath(name string) []string {
	trimmed := strings.TrimSuffix(name, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

type topicNode struct {
	children map[string]*topicNode
	topic    *Topic
}

func newTopicNode() *topicNode {
	return &topicNode{children: make(map[string]*topicNode)}
}

// TopicTree is a trie over `/`-separated path segments, rooted at "/". It
// backs the broker-wide Topic registry (component A).
type TopicTree struct {
	mu   sync.RWMutex
	root *topicNode
}

// NewTopicTree creates an empty topic tree.
func NewTopicTree() *TopicTree {
	return &TopicTree{root: newTopicNode()}
}

// Get returns the Topic at the exact normalized path, if it has ever been
// created.
func (t *TopicTree) Get(name string) (*Topic, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node := t.walk(splitPath(name), false)
	if node == nil || node.topic == nil {
		return nil, false
	}
	return node.topic, true
}

// GetOrCreate returns the Topic at the exact normalized path, creating the
// trie nodes and the Topic payload if they don't exist yet.
func (t *TopicTree) GetOrCreate(name string) *Topic {
	t.mu.Lock()
	defer t.mu.Unlock()
	node := t.walk(splitPath(name), true)
	if node.topic == nil {
		node.topic = newTopic(name)
	}
	return node.topic
}

// walk descends the trie along segs, optionally creating missing nodes.
// Caller holds the appropriate lock.
func (t *TopicTree) walk(segs []string, create bool) *topicNode {
	node := t.root
	for _, seg := range segs {
		next, ok := node.children[seg]
		if !ok {
			if !create {
				return nil
			}
			next = newTopicNode()
			node.children[seg] = next
		}
		node = next
	}
	return node
}

// PrefixMap invokes fn for every strict descendant of prefix that has a
// non-nil payload, excluding the node at prefix itself — the multi-level
// wildcard expansion primitive SUBSCRIBE uses for a trailing "/#" filter
// (§4.3 step 3: "every descendant topic").
func (t *TopicTree) PrefixMap(prefix string, fn func(*Topic)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node := t.walk(splitPath(prefix), false)
	if node == nil {
		return
	}
	for _, child := range node.children {
		walkSubtree(child, fn)
	}
}

func walkSubtree(node *topicNode, fn func(*Topic)) {
	if node.topic != nil {
		fn(node.topic)
	}
	for _, child := range node.children {
		walkSubtree(child, fn)
	}
}

// SessionTable is the process-wide mapping from client_id to Session (§3).
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionTable creates an empty session table.
func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]*Session)}
}

// Lookup returns the Session for clientID, if one exists.
func (st *SessionTable) Lookup(clientID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[clientID]
	return s, ok
}

// Store inserts or replaces the Session for its ClientID.
func (st *SessionTable) Store(sess *Session) {
	st.mu.Lock()
	st.sessions[sess.ClientID] = sess
	st.mu.Unlock()
}

// Delete removes the Session for clientID.
func (st *SessionTable) Delete(clientID string) {
	st.mu.Lock()
	delete(st.sessions, clientID)
	st.mu.Unlock()
}

// Snapshot returns a point-in-time copy of every known Session, safe for
// the caller to range over without holding the table lock (used by the
// keepalive sweeper, §4.15).
func (st *SessionTable) Snapshot() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		out = append(out, s)
	}
	return out
}
