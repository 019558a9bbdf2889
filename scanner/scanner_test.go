package scanner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trongateway-core/config"
	"trongateway-core/core"
	"trongateway-core/eventbus"
	"trongateway-core/nodeclient"
	"trongateway-core/store"
)

// fakeBlock is the test fixture's synthetic chain shape, converted to the
// upstream JSON-RPC wire format by fakeNode.
type fakeBlock struct {
	height     uint64
	hash       core.Hash
	parentHash core.Hash
	txs        []fakeTx
}

type fakeTx struct {
	hash  core.Hash
	from  core.Address
	to    core.Address
	value string
}

// fakeNode serves the three JSON-RPC methods the Scanner calls against a
// script of blocks that can be swapped mid-test, letting a single httptest
// server stand in for an upstream node across a reorg.
type fakeNode struct {
	blocks map[uint64]fakeBlock
	head   uint64
}

func addr(b byte) core.Address {
	var a core.Address
	a[0] = 0x41
	for i := 1; i < len(a); i++ {
		a[i] = b
	}
	return a
}

func hsh(b byte) core.Hash {
	var h core.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func (n *fakeNode) server(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			writeRPCError(w, "bad request")
			return
		}
		var result any
		switch req.Method {
		case "get_latest_block_number":
			result = map[string]any{
				"block_header": map[string]any{"raw_data": map[string]any{"number": n.head}},
			}
		case "get_block_by_number":
			var p struct {
				Num uint64 `json:"num"`
			}
			_ = json.Unmarshal(req.Params, &p)
			b, ok := n.blocks[p.Num]
			if !ok {
				writeRPCError(w, "unknown block")
				return
			}
			result = blockToRPC(b)
		case "get_transaction_receipt":
			result = map[string]any{"id": "", "log": []any{}}
		default:
			writeRPCError(w, "unknown method "+req.Method)
			return
		}
		writeRPCResult(w, result)
	}))
}

func writeRPCResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result})
}

func writeRPCError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"message": msg}})
}

func blockToRPC(b fakeBlock) map[string]any {
	txs := make([]map[string]any, 0, len(b.txs))
	for _, t := range b.txs {
		txs = append(txs, map[string]any{
			"txID":    t.hash.String(),
			"success": true,
			"raw_data": map[string]any{
				"contract": []map[string]any{
					{
						"parameter": map[string]any{
							"value": map[string]any{
								"owner_address": t.from.Hex(),
								"to_address":    t.to.Hex(),
								"amount":        t.value,
							},
						},
					},
				},
			},
		})
	}
	return map[string]any{
		"blockID": b.hash.String(),
		"block_header": map[string]any{
			"raw_data": map[string]any{
				"number":     b.height,
				"timestamp":  int64(b.height) * 1000,
				"parentHash": b.parentHash.String(),
			},
		},
		"transactions": txs,
	}
}

func testConfig(startHeight uint64, nodeURL string) config.Config {
	var cfg config.Config
	cfg.Scan.StartHeight = startHeight
	cfg.Scan.Confirmations = 0
	cfg.Scan.BatchSize = 100
	cfg.Scan.MaxRewind = 64
	cfg.Scan.FetchConcurrency = 4
	cfg.Nodes = []config.NodeEndpoint{{URL: nodeURL, Priority: 0, Timeout: 5 * time.Second}}
	return cfg
}

// TestScannerCommitOrder covers spec.md's S1 scenario: three sequential
// blocks fetched in one batch commit in ascending height order with the
// cursor advancing to the batch's last height, and each committed height
// stores the fixture's block hash.
func TestScannerCommitOrder(t *testing.T) {
	a, b, c := addr(0x11), addr(0x22), addr(0x33)
	h100, h101, h102 := hsh(0x01), hsh(0x02), hsh(0x03)

	node := &fakeNode{
		head: 102,
		blocks: map[uint64]fakeBlock{
			100: {height: 100, hash: h100, parentHash: hsh(0x00), txs: []fakeTx{{hash: hsh(0xa1), from: a, to: b, value: "100"}}},
			101: {height: 101, hash: h101, parentHash: h100, txs: []fakeTx{{hash: hsh(0xa2), from: b, to: c, value: "200"}}},
			102: {height: 102, hash: h102, parentHash: h101, txs: []fakeTx{{hash: hsh(0xa3), from: c, to: a, value: "300"}}},
		},
	}
	srv := node.server(t)
	defer srv.Close()

	cfg := testConfig(99, srv.URL)
	st := store.NewMemory()
	bus := eventbus.New()
	bus.RegisterGroup("test", eventbus.Blocking, 16)
	pool := nodeclient.NewPool(cfg.Nodes)

	sc := New(cfg, st, pool, bus, nil)
	ctx := context.Background()
	if err := st.InitCursor(ctx, cfg.Scan.StartHeight); err != nil {
		t.Fatalf("init cursor: %v", err)
	}
	if err := sc.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	cursor, err := st.GetCursor(ctx)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != 102 {
		t.Fatalf("cursor = %d, want 102", cursor)
	}

	ch := bus.Consume("test")
	var seen []uint64
	for i := 0; i < 3; i++ {
		select {
		case committed := <-ch:
			seen = append(seen, committed.Transaction.BlockHeight)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for published transaction %d", i)
		}
	}
	for i, want := range []uint64{100, 101, 102} {
		if seen[i] != want {
			t.Fatalf("publish order[%d] = %d, want %d", i, seen[i], want)
		}
	}

	for h, hash := range map[uint64]core.Hash{100: h100, 101: h101, 102: h102} {
		stored, ok, err := st.BlockHashAt(ctx, h)
		if err != nil || !ok {
			t.Fatalf("block %d not stored: ok=%v err=%v", h, ok, err)
		}
		if stored != hash {
			t.Fatalf("block %d hash mismatch", h)
		}
	}
}

// TestScannerReorgRewind covers S2: a shallow reorg at height 101 rewinds
// the cursor to 100 and discards the stale batch fetched before the
// mismatch was detected, rather than committing it on top of the rewind.
func TestScannerReorgRewind(t *testing.T) {
	a, b, d := addr(0x11), addr(0x22), addr(0x44)
	h100 := hsh(0x01)
	oldH101, oldH102 := hsh(0x02), hsh(0x03)

	node := &fakeNode{
		head: 102,
		blocks: map[uint64]fakeBlock{
			100: {height: 100, hash: h100, parentHash: hsh(0x00), txs: []fakeTx{{hash: hsh(0xa1), from: a, to: b, value: "100"}}},
			101: {height: 101, hash: oldH101, parentHash: h100, txs: []fakeTx{{hash: hsh(0xa2), from: b, to: a, value: "200"}}},
			102: {height: 102, hash: oldH102, parentHash: oldH101, txs: nil},
		},
	}
	srv := node.server(t)
	defer srv.Close()

	cfg := testConfig(99, srv.URL)
	st := store.NewMemory()
	bus := eventbus.New()
	bus.RegisterGroup("test", eventbus.Blocking, 16)
	pool := nodeclient.NewPool(cfg.Nodes)
	sc := New(cfg, st, pool, bus, nil)

	ctx := context.Background()
	if err := st.InitCursor(ctx, cfg.Scan.StartHeight); err != nil {
		t.Fatalf("init cursor: %v", err)
	}
	if err := sc.tick(ctx); err != nil {
		t.Fatalf("initial tick: %v", err)
	}
	if cursor, _ := st.GetCursor(ctx); cursor != 102 {
		t.Fatalf("cursor after initial tick = %d, want 102", cursor)
	}

	// Fork the chain at 101 and advance the head so the next tick fetches
	// forward and discovers the mismatch against the stored parent.
	newH101, newH102, newH103 := hsh(0x12), hsh(0x13), hsh(0x14)
	node.blocks[101] = fakeBlock{height: 101, hash: newH101, parentHash: h100, txs: []fakeTx{{hash: hsh(0xd1), from: d, to: a, value: "500"}}}
	node.blocks[102] = fakeBlock{height: 102, hash: newH102, parentHash: newH101, txs: nil}
	node.blocks[103] = fakeBlock{height: 103, hash: newH103, parentHash: newH102, txs: nil}
	node.head = 103

	if err := sc.tick(ctx); err != nil {
		t.Fatalf("reorg tick: %v", err)
	}
	cursor, err := st.GetCursor(ctx)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != 100 {
		t.Fatalf("cursor after rewind = %d, want 100", cursor)
	}
	if _, ok, _ := st.BlockHashAt(ctx, 101); ok {
		t.Fatalf("block 101 still stored after rewind")
	}

	// The next tick refetches from the corrected cursor and lands on the
	// new fork.
	if err := sc.tick(ctx); err != nil {
		t.Fatalf("post-rewind tick: %v", err)
	}
	cursor, err = st.GetCursor(ctx)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor != 103 {
		t.Fatalf("cursor after refetch = %d, want 103", cursor)
	}
	stored, ok, err := st.BlockHashAt(ctx, 101)
	if err != nil || !ok || stored != newH101 {
		t.Fatalf("block 101 = %v (ok=%v err=%v), want %v", stored, ok, err, newH101)
	}
}
