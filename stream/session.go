package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"trongateway-core/core"
)

// sessionState names the Accepted -> Authenticated -> Active <-> Idle ->
// Closing -> Closed states from spec.md §4.8. Only Accepted (set by
// newSession) and Authenticated (set by markAuthenticated) are ever
// assigned: no code path enters Idle, so touchRecv's Idle -> Active step
// never fires, and closing a session records neither Closing nor Closed.
type sessionState int

const (
	stateAccepted sessionState = iota
	stateAuthenticated
	stateActive
	stateIdle
	stateClosing
	stateClosed
)

// clientMessage is the envelope for every inbound frame.
type clientMessage struct {
	Type           string     `json:"type"`
	Filter         core.Filter `json:"filter,omitempty"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
}

// serverMessage is the envelope for every outbound frame.
type serverMessage struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"session_id,omitempty"`
	ServerTime     *time.Time      `json:"server_time,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	EventKind      core.EventKind  `json:"event_kind,omitempty"`
	Transaction    *core.Transaction `json:"transaction,omitempty"`
	Count          int             `json:"count,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
}

// Session is one authenticated WebSocket client connection.
type Session struct {
	ID   string
	conn *websocket.Conn

	mu            sync.RWMutex
	state         sessionState
	subscriptions map[string]core.Filter
	maxSubs       int

	outbound    chan serverMessage
	lastSentAt  time.Time
	lastRecvAt  time.Time
}

func newSession(conn *websocket.Conn, maxSubs, bufferSize int) *Session {
	now := time.Now()
	return &Session{
		ID:            uuid.NewString(),
		conn:          conn,
		state:         stateAccepted,
		subscriptions: make(map[string]core.Filter),
		maxSubs:       maxSubs,
		outbound:      make(chan serverMessage, bufferSize),
		lastSentAt:    now,
		lastRecvAt:    now,
	}
}

func (s *Session) markAuthenticated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateAuthenticated
}

func (s *Session) touchRecv() {
	s.mu.Lock()
	s.lastRecvAt = time.Now()
	if s.state == stateIdle {
		s.state = stateActive
	}
	s.mu.Unlock()
}

func (s *Session) addSubscription(filter core.Filter) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.subscriptions) >= s.maxSubs {
		return "", false
	}
	id := uuid.NewString()
	s.subscriptions[id] = filter
	return id, true
}

func (s *Session) removeSubscription(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
}

func (s *Session) matchingSubscriptions(tx *core.Transaction) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, f := range s.subscriptions {
		filter := f
		if filter.Matches(tx) {
			ids = append(ids, id)
		}
	}
	return ids
}

// enqueue attempts a non-blocking send; on overflow it reports false so the
// caller can close the session with SlowConsumer, per spec.md §4.8.
func (s *Session) enqueue(msg serverMessage) bool {
	select {
	case s.outbound <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop() error {
	for msg := range s.outbound {
		body, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, body); err != nil {
			return err
		}
		s.mu.Lock()
		s.lastSentAt = time.Now()
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) idleSince() (time.Duration, time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	return now.Sub(s.lastSentAt), now.Sub(s.lastRecvAt)
}
