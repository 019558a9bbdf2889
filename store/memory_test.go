package store

import (
	"context"
	"math/big"
	"testing"
	"time"

	"trongateway-core/core"
)

func memAddr(b byte) core.Address {
	var a core.Address
	a[0] = 0x41
	for i := 1; i < len(a); i++ {
		a[i] = b
	}
	return a
}

func memHash(b byte) core.Hash {
	var h core.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func commit(t *testing.T, m *Memory, height uint64, hash, parent core.Hash, txs []core.Transaction) {
	t.Helper()
	record := core.BlockRecord{Height: height, Hash: hash, ParentHash: parent, TxCount: len(txs)}
	if err := m.CommitBlock(context.Background(), record, txs); err != nil {
		t.Fatalf("commit block %d: %v", height, err)
	}
}

// TestMultiAddressQueryMatch covers spec.md's S5 scenario: querying two
// addresses with a token filter and a time window returns exactly the one
// transaction that satisfies every predicate.
func TestMultiAddressQueryMatch(t *testing.T) {
	x, y, other := memAddr(0x11), memAddr(0x22), memAddr(0x99)
	usdt := memAddr(0x55)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	if err := m.InitCursor(context.Background(), 0); err != nil {
		t.Fatalf("init cursor: %v", err)
	}

	matching := core.Transaction{
		Hash: memHash(0x01), Kind: core.EventTokenTransfer,
		BlockHeight: 10, From: x, To: other, Value: big.NewInt(500),
		TokenContract: &usdt, TokenSymbol: "USDT", Status: core.StatusConfirmedSuccess,
		BlockTimestamp: base.Add(time.Hour),
	}
	// Wrong token: excluded by TokenSymbol filter.
	wrongToken := core.Transaction{
		Hash: memHash(0x02), Kind: core.EventTokenTransfer,
		BlockHeight: 11, From: y, To: other, Value: big.NewInt(500),
		TokenContract: &usdt, TokenSymbol: "USDC", Status: core.StatusConfirmedSuccess,
		BlockTimestamp: base.Add(time.Hour),
	}
	// Outside the time window: excluded.
	outsideWindow := core.Transaction{
		Hash: memHash(0x03), Kind: core.EventTokenTransfer,
		BlockHeight: 12, From: x, To: other, Value: big.NewInt(500),
		TokenContract: &usdt, TokenSymbol: "USDT", Status: core.StatusConfirmedSuccess,
		BlockTimestamp: base.Add(-24 * time.Hour),
	}
	// Neither address involved: excluded.
	unrelated := core.Transaction{
		Hash: memHash(0x04), Kind: core.EventTokenTransfer,
		BlockHeight: 13, From: other, To: other, Value: big.NewInt(500),
		TokenContract: &usdt, TokenSymbol: "USDT", Status: core.StatusConfirmedSuccess,
		BlockTimestamp: base.Add(time.Hour),
	}

	commit(t, m, 10, memHash(0x10), core.Hash{}, []core.Transaction{matching})
	commit(t, m, 11, memHash(0x11), memHash(0x10), []core.Transaction{wrongToken})
	commit(t, m, 12, memHash(0x12), memHash(0x11), []core.Transaction{outsideWindow})
	commit(t, m, 13, memHash(0x13), memHash(0x12), []core.Transaction{unrelated})

	start := base
	end := base.Add(48 * time.Hour)
	result, err := m.MultiAddressQuery(context.Background(), MultiAddressParams{
		Addresses:   []core.Address{x, y},
		Page:        0,
		Limit:       50,
		TokenSymbol: "USDT",
		StartTime:   &start,
		EndTime:     &end,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("total = %d, want 1", result.Total)
	}
	if len(result.Items) != 1 || result.Items[0].Hash != matching.Hash {
		t.Fatalf("items = %+v, want exactly the matching transaction", result.Items)
	}
}

// TestMultiAddressQueryAddressCountBounds covers invariant 10: zero or more
// than 100 addresses is rejected as InvalidInput-family AddressCountOutOfRange.
func TestMultiAddressQueryAddressCountBounds(t *testing.T) {
	m := NewMemory()
	if _, err := m.MultiAddressQuery(context.Background(), MultiAddressParams{Addresses: nil, Limit: 50}); err == nil {
		t.Fatalf("expected error for zero addresses")
	} else if kind, ok := core.KindOf(err); !ok || kind != core.ErrAddressCountRange {
		t.Fatalf("kind = %v, want AddressCountOutOfRange", kind)
	}

	var many []core.Address
	for i := 0; i < 101; i++ {
		many = append(many, memAddr(byte(i)))
	}
	if _, err := m.MultiAddressQuery(context.Background(), MultiAddressParams{Addresses: many, Limit: 50}); err == nil {
		t.Fatalf("expected error for 101 addresses")
	} else if kind, ok := core.KindOf(err); !ok || kind != core.ErrAddressCountRange {
		t.Fatalf("kind = %v, want AddressCountOutOfRange", kind)
	}
}

// TestAddressCountersMatchRecount covers invariant 3: per-address counters
// kept additively across commits equal an independent recount over every
// stored transaction.
func TestAddressCountersMatchRecount(t *testing.T) {
	x, y, z := memAddr(0x11), memAddr(0x22), memAddr(0x33)
	m := NewMemory()
	if err := m.InitCursor(context.Background(), 0); err != nil {
		t.Fatalf("init cursor: %v", err)
	}

	commit(t, m, 1, memHash(0x01), core.Hash{}, []core.Transaction{
		{Hash: memHash(0xa1), BlockHeight: 1, From: x, To: y, Value: big.NewInt(100)},
		{Hash: memHash(0xa2), BlockHeight: 1, From: y, To: z, Value: big.NewInt(40)},
	})
	commit(t, m, 2, memHash(0x02), memHash(0x01), []core.Transaction{
		{Hash: memHash(0xa3), BlockHeight: 2, From: z, To: x, Value: big.NewInt(15)},
	})

	recount := make(map[core.Address]core.AddressCounters)
	touch := func(addr core.Address, in, out *big.Int, height uint64) {
		c := recount[addr]
		c.Address = addr
		if c.TotalIn == nil {
			c.TotalIn = new(big.Int)
		}
		if c.TotalOut == nil {
			c.TotalOut = new(big.Int)
		}
		c.TotalIn.Add(c.TotalIn, in)
		c.TotalOut.Add(c.TotalOut, out)
		c.TotalCount++
		if height > c.LastSeenHeight {
			c.LastSeenHeight = height
		}
		recount[addr] = c
	}
	zero := big.NewInt(0)
	// tx (x->y, 100) at height 1.
	touch(x, zero, big.NewInt(100), 1)
	touch(y, big.NewInt(100), zero, 1)
	// tx (y->z, 40) at height 1.
	touch(y, zero, big.NewInt(40), 1)
	touch(z, big.NewInt(40), zero, 1)
	// tx (z->x, 15) at height 2.
	touch(z, zero, big.NewInt(15), 2)
	touch(x, big.NewInt(15), zero, 2)

	for _, addr := range []core.Address{x, y, z} {
		want := recount[addr]
		got, err := m.AddressCounters(context.Background(), addr)
		if err != nil {
			t.Fatalf("address counters: %v", err)
		}
		if got.TotalCount != want.TotalCount || got.TotalIn.Cmp(want.TotalIn) != 0 || got.TotalOut.Cmp(want.TotalOut) != 0 {
			t.Fatalf("counters for %x = %+v, want %+v", addr, got, want)
		}
	}
}

// TestRewindReversesCounters covers invariant 8: rewinding past a block and
// re-ingesting it from scratch leaves counters identical to never having
// diverged.
func TestRewindReversesCounters(t *testing.T) {
	x, y := memAddr(0x11), memAddr(0x22)
	m := NewMemory()
	if err := m.InitCursor(context.Background(), 0); err != nil {
		t.Fatalf("init cursor: %v", err)
	}

	commit(t, m, 1, memHash(0x01), core.Hash{}, []core.Transaction{
		{Hash: memHash(0xa1), BlockHeight: 1, From: x, To: y, Value: big.NewInt(100)},
	})
	beforeFork, err := m.AddressCounters(context.Background(), x)
	if err != nil {
		t.Fatalf("counters before fork: %v", err)
	}

	commit(t, m, 2, memHash(0x02), memHash(0x01), []core.Transaction{
		{Hash: memHash(0xb1), BlockHeight: 2, From: x, To: y, Value: big.NewInt(999)},
	})
	if err := m.RewindTo(context.Background(), 1); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	commit(t, m, 2, memHash(0x12), memHash(0x01), []core.Transaction{
		{Hash: memHash(0xb2), BlockHeight: 2, From: x, To: y, Value: big.NewInt(100)},
	})

	after, err := m.AddressCounters(context.Background(), x)
	if err != nil {
		t.Fatalf("counters after reingest: %v", err)
	}
	wantOut := new(big.Int).Add(beforeFork.TotalOut, big.NewInt(100))
	if after.TotalOut.Cmp(wantOut) != 0 {
		t.Fatalf("total_out after reorg+reingest = %s, want %s", after.TotalOut, wantOut)
	}
	if after.TotalCount != beforeFork.TotalCount+1 {
		t.Fatalf("total_count = %d, want %d", after.TotalCount, beforeFork.TotalCount+1)
	}
}
