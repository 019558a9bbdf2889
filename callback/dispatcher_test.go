package callback

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"trongateway-core/config"
	"trongateway-core/core"
	"trongateway-core/eventbus"
	"trongateway-core/store"
)

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

func testConfig() config.Config {
	var cfg config.Config
	cfg.Callback.WorkersGlobal = 8
	cfg.Callback.WorkersPerSub = 4
	cfg.Callback.Timeout = 2 * time.Second
	cfg.Callback.MaxAttempts = 8
	cfg.Callback.BaseDelay = 10 * time.Millisecond
	cfg.Callback.CapDelay = 50 * time.Millisecond
	cfg.Callback.AutoDisableOn410 = true
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// TestDispatcherRetryThenSucceed covers spec.md's S3 scenario: a
// subscription whose filter matches fails once with a transient 500, then
// succeeds on retry, and the delivered payload carries a signature the
// subscriber can verify against its shared secret.
func TestDispatcherRetryThenSucceed(t *testing.T) {
	x := testAddr(0x11)
	secret := "shh-its-a-secret"

	var attempts int32
	var gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		body, _ := io.ReadAll(r.Body)
		if n == 1 {
			gotSignature = r.Header.Get("X-Webhook-Signature")
			gotBody = body
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := store.NewMemory()
	sub, err := st.CreateCallbackSubscription(context.Background(), core.CallbackSubscription{
		ID:        "sub-1",
		TargetURL: srv.URL,
		Secret:    secret,
		Enabled:   true,
		Filter: core.Filter{
			Kinds:     []core.EventKind{core.EventNativeTransfer},
			Addresses: []core.Address{x},
			MinValue:  big.NewInt(100),
		},
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	bus := eventbus.New()
	bus.RegisterGroup(eventbus.GroupCallback, eventbus.Blocking, 16)
	d := New(testConfig(), st, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	tx := core.Transaction{
		Hash:        testHash(0x01),
		Kind:        core.EventNativeTransfer,
		From:        testAddr(0x99),
		To:          x,
		Value:       big.NewInt(150),
		Status:      core.StatusConfirmedSuccess,
		ResourceCost: big.NewInt(0),
		UnitPrice:    big.NewInt(0),
	}
	bus.Publish(core.CommittedTransaction{Transaction: &tx, Kind: tx.Kind})

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&attempts) >= 2 })
	time.Sleep(50 * time.Millisecond) // let the successful second attempt settle
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts = %d, want exactly 2", got)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSignature != want {
		t.Fatalf("signature = %q, want %q", gotSignature, want)
	}

	var payload eventPayload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("unmarshal delivered payload: %v", err)
	}
	if payload.Hash != tx.Hash.String() {
		t.Fatalf("delivered hash = %q, want %q", payload.Hash, tx.Hash.String())
	}

	deadLetters, err := st.ListDeadLetters(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(deadLetters) != 0 {
		t.Fatalf("expected no dead letters after eventual success, got %d", len(deadLetters))
	}
}

// TestDispatcherPermanentFailureDeadLetters covers spec.md's S4 scenario: a
// 410 response is permanent, so exactly one attempt is made, the delivery is
// dead-lettered immediately, and the subscription is auto-disabled.
func TestDispatcherPermanentFailureDeadLetters(t *testing.T) {
	x := testAddr(0x22)

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusGone) // 410
	}))
	defer srv.Close()

	st := store.NewMemory()
	sub, err := st.CreateCallbackSubscription(context.Background(), core.CallbackSubscription{
		ID:               "sub-2",
		TargetURL:        srv.URL,
		Secret:           "s",
		Enabled:          true,
		AutoDisableOn410: true,
		Filter:           core.Filter{Addresses: []core.Address{x}},
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}

	bus := eventbus.New()
	bus.RegisterGroup(eventbus.GroupCallback, eventbus.Blocking, 16)
	d := New(testConfig(), st, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	tx := core.Transaction{
		Hash:        testHash(0x02),
		Kind:        core.EventNativeTransfer,
		From:        testAddr(0x88),
		To:          x,
		Value:       big.NewInt(1),
		Status:      core.StatusConfirmedSuccess,
		ResourceCost: big.NewInt(0),
		UnitPrice:    big.NewInt(0),
	}
	bus.Publish(core.CommittedTransaction{Transaction: &tx, Kind: tx.Kind})

	waitFor(t, 2*time.Second, func() bool {
		letters, _ := st.ListDeadLetters(context.Background(), sub.ID)
		return len(letters) == 1
	})
	time.Sleep(100 * time.Millisecond) // confirm no further attempts arrive
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want exactly 1", got)
	}

	updated, err := st.GetCallbackSubscription(context.Background(), sub.ID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if updated.Enabled {
		t.Fatalf("subscription still enabled after 410 with auto-disable set")
	}
}
