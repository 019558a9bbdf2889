package stream

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"trongateway-core/auth"
	"trongateway-core/config"
	"trongateway-core/core"
	"trongateway-core/eventbus"
	"trongateway-core/metrics"
	"trongateway-core/store"
)

// dialSession spins up a real WebSocket handshake over httptest so the
// Session under test holds a genuine *websocket.Conn, then leaves its write
// loop unstarted so nothing ever drains the outbound buffer — simulating a
// client that stopped reading, per spec.md's S6 scenario.
func dialSession(t *testing.T, bufferSize int) (*Session, func()) {
	t.Helper()
	serverConnCh := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("server upgrade: %v", err)
			return
		}
		serverConnCh <- conn
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverConn *websocket.Conn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server-side connection")
	}

	session := newSession(serverConn, 32, bufferSize)
	cleanup := func() {
		_ = clientConn.Close()
		_ = serverConn.Close()
		srv.Close()
	}
	return session, cleanup
}

func testAddr(b byte) core.Address {
	var a core.Address
	a[0] = 0x41
	for i := 1; i < len(a); i++ {
		a[i] = b
	}
	return a
}

func testHash(b byte) core.Hash {
	var h core.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

// TestSlowConsumerClosed covers spec.md's S6 scenario: a session whose
// outbound buffer is 4 and which never drains it gets closed with
// SlowConsumer once 10 events are pushed, and the closed-session counter
// increments exactly once.
func TestSlowConsumerClosed(t *testing.T) {
	session, cleanup := dialSession(t, 4)
	defer cleanup()

	var cfg config.Config
	bus := eventbus.New()
	st := store.NewMemory()
	m := New(cfg, bus, auth.NewCredentialVerifier(st))
	m.register(session)

	if _, ok := session.addSubscription(core.Filter{}); !ok {
		t.Fatalf("failed to add subscription")
	}

	before := testutil.ToFloat64(metrics.StreamSessionsClosedSlowConsumer)

	to := testAddr(0x11)
	for i := 0; i < 10; i++ {
		tx := core.Transaction{
			Hash:   testHash(byte(i + 1)),
			Kind:   core.EventNativeTransfer,
			From:   testAddr(0x22),
			To:     to,
			Value:  big.NewInt(1),
			Status: core.StatusConfirmedSuccess,
		}
		m.fanOut(core.CommittedTransaction{Transaction: &tx, Kind: tx.Kind})
	}

	if m.SessionCount() != 0 {
		t.Fatalf("session count = %d, want 0 (session should have been closed)", m.SessionCount())
	}
	after := testutil.ToFloat64(metrics.StreamSessionsClosedSlowConsumer)
	if after-before != 1 {
		t.Fatalf("slow-consumer close delta = %v, want 1", after-before)
	}
}

// TestGapBroadcastOnDrop covers invariant 5: when the Bus's stream consumer
// group drops an item under overflow, every live session receives a gap
// marker spanning the dropped count instead of silently missing the event.
// Drops are forced deterministically (publish into an unconsumed, size-1
// queue) rather than racing Manager.Run's own consumption of the channel.
func TestGapBroadcastOnDrop(t *testing.T) {
	session, cleanup := dialSession(t, 16)
	defer cleanup()

	var cfg config.Config
	bus := eventbus.New()
	bus.RegisterGroup(eventbus.GroupStream, eventbus.Lossy, 1)
	st := store.NewMemory()
	m := New(cfg, bus, auth.NewCredentialVerifier(st))
	m.register(session)
	if _, ok := session.addSubscription(core.Filter{}); !ok {
		t.Fatalf("failed to add subscription")
	}

	to := testAddr(0x33)
	for i := 0; i < 4; i++ {
		tx := core.Transaction{
			Hash:   testHash(byte(0x40 + i)),
			Kind:   core.EventNativeTransfer,
			From:   testAddr(0x22),
			To:     to,
			Value:  big.NewInt(1),
			Status: core.StatusConfirmedSuccess,
		}
		bus.Publish(core.CommittedTransaction{Transaction: &tx, Kind: tx.Kind})
	}
	dropped := bus.DroppedTotal(eventbus.GroupStream)
	if dropped == 0 {
		t.Fatalf("expected at least one drop from the size-1 queue, got 0")
	}

	m.broadcastGap(dropped)

	select {
	case msg := <-session.outbound:
		if msg.Type != "gap" {
			t.Fatalf("message type = %q, want gap", msg.Type)
		}
		if uint64(msg.Count) != dropped {
			t.Fatalf("gap count = %d, want %d", msg.Count, dropped)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for gap message")
	}
}
