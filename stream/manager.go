// Package stream implements the Stream Session Manager from spec.md §4.8:
// persistent WebSocket sessions with per-session subscriptions, heartbeat,
// and back-pressure that closes slow consumers rather than stalling the
// fleet. The session registry's read-biased locking follows the teacher's
// core/network.go peer registry convention.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"trongateway-core/auth"
	"trongateway-core/config"
	"trongateway-core/core"
	"trongateway-core/eventbus"
	"trongateway-core/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Manager owns the live session registry and the event-fan-out goroutine
// reading the stream consumer group off the Event Bus.
type Manager struct {
	cfg  config.Config
	bus  *eventbus.Bus
	auth auth.Authenticator
	log  *logrus.Entry

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds a Manager. Call Run to start the fan-out loop and
// HandleWS to accept connections.
func New(cfg config.Config, bus *eventbus.Bus, authenticator auth.Authenticator) *Manager {
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		auth:     authenticator,
		log:      logrus.WithField("component", "stream"),
		sessions: make(map[string]*Session),
	}
}

// Run drains the stream consumer group and fans each committed
// transaction out to every session whose subscriptions match it, until ctx
// is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ch := m.bus.Consume(eventbus.GroupStream)
	lastDropped := m.bus.DroppedTotal(eventbus.GroupStream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case committed, ok := <-ch:
			if !ok {
				return nil
			}
			if n := m.bus.DroppedSince(eventbus.GroupStream, lastDropped); n > 0 {
				m.broadcastGap(n)
				lastDropped += n
			}
			m.fanOut(committed)
		}
	}
}

// broadcastGap sends a gap{count} marker to every live session on the
// consumer group's next message, per spec.md §4.5: the Bus drops the
// oldest queued item before the Stream Session Manager ever sees its
// content, so which subscriptions it would have matched is unknowable;
// every session is told a gap occurred rather than silently missing
// events, satisfying invariant 5 ("W either received event(T) or a gap
// message spanning T").
func (m *Manager) broadcastGap(count uint64) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if !s.enqueue(serverMessage{Type: "gap", Count: int(count)}) {
			m.closeSlowConsumer(s)
		}
	}
}

func (m *Manager) fanOut(committed core.CommittedTransaction) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		for _, subID := range s.matchingSubscriptions(committed.Transaction) {
			ok := s.enqueue(serverMessage{
				Type:           "event",
				SubscriptionID: subID,
				EventKind:      committed.Kind,
				Transaction:    committed.Transaction,
			})
			if !ok {
				m.closeSlowConsumer(s)
				break
			}
		}
	}
}

func (m *Manager) closeSlowConsumer(s *Session) {
	metrics.StreamSessionsClosedSlowConsumer.Inc()
	m.log.WithField("session", s.ID).Warn("closing session: outbound buffer exhausted")
	m.unregister(s.ID)
	reason := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(core.ErrSlowConsumer))
	_ = s.conn.WriteControl(websocket.CloseMessage, reason, time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// HandleWS upgrades an HTTP request to a WebSocket session, authenticates
// it within the configured grace period, and serves it until it closes.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	maxSubs := m.cfg.Stream.MaxSubsPerSession
	if maxSubs <= 0 {
		maxSubs = 32
	}
	buffer := m.cfg.Stream.OutboundBuffer
	if buffer <= 0 {
		buffer = 256
	}
	session := newSession(conn, maxSubs, buffer)

	grace := m.cfg.Stream.AuthGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	token := r.Header.Get("Authorization")
	if err := m.authenticateWithGrace(session, token, grace); err != nil {
		m.log.WithError(err).Warn("session failed authentication, closing")
		_ = conn.Close()
		return
	}

	now := time.Now()
	session.enqueue(serverMessage{Type: "connected", SessionID: session.ID, ServerTime: &now})

	m.register(session)
	defer m.unregister(session.ID)

	go func() {
		if err := session.writeLoop(); err != nil {
			m.log.WithField("session", session.ID).WithError(err).Debug("write loop ended")
		}
	}()

	go m.heartbeat(session)

	m.readLoop(session)
}

func (m *Manager) authenticateWithGrace(session *Session, token string, grace time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, err := m.auth.Verify(context.Background(), token)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return err
		}
		session.markAuthenticated()
		return nil
	case <-time.After(grace):
		return context.DeadlineExceeded
	}
}

func (m *Manager) readLoop(session *Session) {
	for {
		_, raw, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		session.touchRecv()
		m.handleClientMessage(session, raw)
	}
}

func (m *Manager) handleClientMessage(session *Session, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		session.enqueue(serverMessage{Type: "error", Code: string(core.ErrParseMalformed), Message: "malformed message"})
		return
	}
	switch msg.Type {
	case "subscribe":
		id, ok := session.addSubscription(msg.Filter)
		if !ok {
			session.enqueue(serverMessage{Type: "error", Code: string(core.ErrLimitOutOfRange), Message: "subscription limit reached"})
			return
		}
		session.enqueue(serverMessage{Type: "subscribed", SubscriptionID: id})
	case "unsubscribe":
		session.removeSubscription(msg.SubscriptionID)
	case "ping":
		now := time.Now()
		session.enqueue(serverMessage{Type: "pong", ServerTime: &now})
	default:
		session.enqueue(serverMessage{Type: "error", Code: string(core.ErrInvalidInput), Message: "unknown message type"})
	}
}

// heartbeat sends a ping if the session has been quiet for 30s and closes
// it if nothing has arrived for 90s, per spec.md §4.8.
func (m *Manager) heartbeat(session *Session) {
	heartbeatInterval := m.cfg.Stream.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	idleTimeout := m.cfg.Stream.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		sinceSent, sinceRecv := session.idleSince()
		if sinceRecv >= idleTimeout {
			m.unregister(session.ID)
			_ = session.conn.Close()
			return
		}
		if sinceSent >= heartbeatInterval {
			now := time.Now()
			if !session.enqueue(serverMessage{Type: "ping", ServerTime: &now}) {
				m.closeSlowConsumer(session)
				return
			}
		}
	}
}

func (m *Manager) register(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// SessionCount reports the number of live sessions, exposed to the
// operator health endpoint.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
