package store

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"trongateway-core/core"
)

// Memory is an in-process Store implementation used by the test suite,
// grounded on the teacher's core/ledger.go in-memory map bookkeeping
// (Ledger.Blocks, Ledger.UTXO as plain maps guarded by a mutex) rather
// than its WAL/snapshot durability, which the real Postgres-backed Store
// provides for the running service. Memory satisfies every invariant the
// interface documents (atomic commit, exact counter reversal on rewind,
// ignore-on-conflict inserts) so it is safe to exercise the Scanner,
// Dispatcher, and Stream Session Manager against it without a database.
type Memory struct {
	mu sync.Mutex

	cursor      uint64
	cursorSet   bool
	blocks      map[uint64]core.BlockRecord
	txs         []core.Transaction
	counters    map[core.Address]core.AddressCounters
	subs        map[string]core.CallbackSubscription
	deliveries  map[string]DeliveryRecord
	credentials map[string]core.Credential
}

// NewMemory builds an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		blocks:      make(map[uint64]core.BlockRecord),
		counters:    make(map[core.Address]core.AddressCounters),
		subs:        make(map[string]core.CallbackSubscription),
		deliveries:  make(map[string]DeliveryRecord),
		credentials: make(map[string]core.Credential),
	}
}

func (m *Memory) Close(ctx context.Context) error { return nil }

func (m *Memory) InitCursor(ctx context.Context, startHeight uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cursorSet {
		m.cursor = startHeight
		m.cursorSet = true
	}
	return nil
}

func (m *Memory) GetCursor(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cursorSet {
		return 0, core.NewError(core.ErrStoreUnavailable, fmt.Errorf("store: cursor not initialized"))
	}
	return m.cursor, nil
}

func (m *Memory) BlockHashAt(ctx context.Context, height uint64) (core.Hash, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[height]
	if !ok {
		return core.Hash{}, false, nil
	}
	return b.Hash, true, nil
}

// CommitBlock mirrors Postgres.CommitBlock's contract: ignore-on-conflict
// insert by (hash, log_index), additive counters, cursor advance, all
// under one lock so it reads as a single atomic step to callers.
func (m *Memory) CommitBlock(ctx context.Context, block core.BlockRecord, txs []core.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.blocks[block.Height]; ok && existing.Hash != block.Hash {
		return core.NewError(core.ErrStoreUnavailable, fmt.Errorf("store: block %d already committed with a different hash", block.Height))
	}
	m.blocks[block.Height] = block

	existingKeys := make(map[string]bool, len(m.txs))
	for _, t := range m.txs {
		existingKeys[txKey(t)] = true
	}
	for _, t := range txs {
		if existingKeys[txKey(t)] {
			continue
		}
		m.txs = append(m.txs, t)
		existingKeys[txKey(t)] = true
		m.applyDelta(t, false)
	}

	if block.Height > m.cursor || !m.cursorSet {
		m.cursor = block.Height
		m.cursorSet = true
	}
	return nil
}

func txKey(t core.Transaction) string {
	return fmt.Sprintf("%s:%d", t.Hash.String(), t.LogIndex)
}

func (m *Memory) applyDelta(t core.Transaction, reverse bool) {
	from := m.counters[t.From]
	from.Address = t.From
	to := m.counters[t.To]
	to.Address = t.To
	if from.TotalOut == nil {
		from.TotalOut = new(big.Int)
	}
	if from.TotalIn == nil {
		from.TotalIn = new(big.Int)
	}
	if to.TotalIn == nil {
		to.TotalIn = new(big.Int)
	}
	if to.TotalOut == nil {
		to.TotalOut = new(big.Int)
	}
	sign := int64(1)
	if reverse {
		sign = -1
	}
	delta := new(big.Int).Mul(t.Value, big.NewInt(sign))
	from.TotalOut.Add(from.TotalOut, delta)
	to.TotalIn.Add(to.TotalIn, delta)
	from.TotalCount += sign
	to.TotalCount += sign
	if !reverse && t.BlockHeight > from.LastSeenHeight {
		from.LastSeenHeight = t.BlockHeight
	}
	if !reverse && t.BlockHeight > to.LastSeenHeight {
		to.LastSeenHeight = t.BlockHeight
	}
	m.counters[t.From] = from
	m.counters[t.To] = to
}

// RewindTo deletes every block/transaction above height and exactly
// reverses their counter contributions, per spec.md §4.3's rewind_to
// contract and invariant 8 (rewind-then-reingest equals from-scratch).
func (m *Memory) RewindTo(ctx context.Context, height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.txs[:0:0]
	for _, t := range m.txs {
		if t.BlockHeight > height {
			m.applyDelta(t, true)
			continue
		}
		kept = append(kept, t)
	}
	m.txs = kept

	for h := range m.blocks {
		if h > height {
			delete(m.blocks, h)
		}
	}
	m.cursor = height
	m.cursorSet = true
	return nil
}

// MultiAddressQuery implements spec.md §4.7 by filtering and sorting the
// in-memory transaction slice rather than an indexed SQL union, which is
// the right trade for a test double: this package's tests care about
// matching/ordering/pagination semantics, not the index-backed complexity
// target.
func (m *Memory) MultiAddressQuery(ctx context.Context, p MultiAddressParams) (MultiAddressResult, error) {
	if len(p.Addresses) == 0 || len(p.Addresses) > 100 {
		return MultiAddressResult{}, core.NewError(core.ErrAddressCountRange, nil)
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		return MultiAddressResult{}, core.NewError(core.ErrLimitOutOfRange, nil)
	}
	if p.StartTime != nil && p.EndTime != nil && p.StartTime.After(*p.EndTime) {
		return MultiAddressResult{}, core.NewError(core.ErrTimeRangeInverted, nil)
	}

	addrSet := make(map[core.Address]bool, len(p.Addresses))
	for _, a := range p.Addresses {
		addrSet[a] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []core.Transaction
	for _, t := range m.txs {
		if !addrSet[t.From] && !addrSet[t.To] {
			continue
		}
		if p.TokenSymbol != "" && t.Symbol() != p.TokenSymbol {
			continue
		}
		if p.Status != "" && t.Status != p.Status {
			continue
		}
		if p.MinValue != nil {
			min, ok := new(big.Int).SetString(*p.MinValue, 10)
			if ok && t.Value.Cmp(min) < 0 {
				continue
			}
		}
		if p.MaxValue != nil {
			max, ok := new(big.Int).SetString(*p.MaxValue, 10)
			if ok && t.Value.Cmp(max) > 0 {
				continue
			}
		}
		if p.StartTime != nil && t.BlockTimestamp.Before(*p.StartTime) {
			continue
		}
		if p.EndTime != nil && t.BlockTimestamp.After(*p.EndTime) {
			continue
		}
		matched = append(matched, t)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.BlockTimestamp.Equal(b.BlockTimestamp) {
			return a.BlockTimestamp.After(b.BlockTimestamp)
		}
		if a.BlockHeight != b.BlockHeight {
			return a.BlockHeight > b.BlockHeight
		}
		return a.IndexInBlock > b.IndexInBlock
	})

	total := int64(len(matched))
	offset := p.Page * p.Limit
	var page []core.Transaction
	if offset < len(matched) {
		end := offset + p.Limit
		if end > len(matched) {
			end = len(matched)
		}
		page = append(page, matched[offset:end]...)
	}

	result := MultiAddressResult{Items: page, Total: total}
	if p.GroupByAddress {
		result.Stats = make(map[core.Address]core.AddressCounters, len(p.Addresses))
		for _, a := range p.Addresses {
			result.Stats[a] = m.addressCountersLocked(a)
		}
	}
	return result, nil
}

func (m *Memory) addressCountersLocked(addr core.Address) core.AddressCounters {
	c, ok := m.counters[addr]
	if !ok {
		return core.AddressCounters{Address: addr, TotalIn: new(big.Int), TotalOut: new(big.Int)}
	}
	c.TotalIn = new(big.Int).Set(c.TotalIn)
	c.TotalOut = new(big.Int).Set(c.TotalOut)
	return c
}

func (m *Memory) AddressCounters(ctx context.Context, addr core.Address) (core.AddressCounters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addressCountersLocked(addr), nil
}

func (m *Memory) CreateCallbackSubscription(ctx context.Context, sub core.CallbackSubscription) (core.CallbackSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return sub, nil
}

func (m *Memory) GetCallbackSubscription(ctx context.Context, id string) (core.CallbackSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return core.CallbackSubscription{}, core.NewError(core.ErrInvalidInput, fmt.Errorf("store: subscription %s not found", id))
	}
	return sub, nil
}

func (m *Memory) ListCallbackSubscriptions(ctx context.Context, onlyEnabled bool) ([]core.CallbackSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.CallbackSubscription
	for _, s := range m.subs {
		if onlyEnabled && !s.Enabled {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpdateCallbackSubscription(ctx context.Context, sub core.CallbackSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.subs[sub.ID]
	if !ok {
		return core.NewError(core.ErrInvalidInput, fmt.Errorf("store: subscription %s not found", sub.ID))
	}
	sub.Secret = existing.Secret
	sub.SuccessCount = existing.SuccessCount
	sub.FailureCount = existing.FailureCount
	m.subs[sub.ID] = sub
	return nil
}

func (m *Memory) DeleteCallbackSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *Memory) DisableCallbackSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return core.NewError(core.ErrInvalidInput, fmt.Errorf("store: subscription %s not found", id))
	}
	sub.Enabled = false
	m.subs[id] = sub
	return nil
}

func (m *Memory) RecordDeliveryOutcome(ctx context.Context, subID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[subID]
	if !ok {
		return nil
	}
	if success {
		sub.SuccessCount++
	} else {
		sub.FailureCount++
	}
	sub.LastTriggeredAt = time.Now()
	m.subs[subID] = sub
	return nil
}

func (m *Memory) EnqueueDelivery(ctx context.Context, d DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deliveries[d.ID] = d
	return nil
}

func (m *Memory) DueDeliveries(ctx context.Context, subID string, now time.Time, limit int) ([]DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryRecord
	for _, d := range m.deliveries {
		if d.SubscriptionID != subID || d.DeadLettered || d.NextAttemptAt.After(now) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateDeliveryAttempt(ctx context.Context, id string, attempt int, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil
	}
	d.Attempt = attempt
	d.NextAttemptAt = nextAttemptAt
	m.deliveries[id] = d
	return nil
}

func (m *Memory) CompleteDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deliveries, id)
	return nil
}

func (m *Memory) DeadLetterDelivery(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil
	}
	d.DeadLettered = true
	d.DeadLetterMsg = reason
	m.deliveries[id] = d
	return nil
}

func (m *Memory) ListDeadLetters(ctx context.Context, subID string) ([]DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []DeliveryRecord
	for _, d := range m.deliveries {
		if d.SubscriptionID == subID && d.DeadLettered {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *Memory) ReplayDeadLetter(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || !d.DeadLettered {
		return core.NewError(core.ErrInvalidInput, fmt.Errorf("store: no dead-lettered delivery %s", id))
	}
	d.DeadLettered = false
	d.DeadLetterMsg = ""
	d.Attempt = 0
	d.NextAttemptAt = time.Now()
	m.deliveries[id] = d
	return nil
}

func (m *Memory) CreateCredential(ctx context.Context, c core.Credential) (core.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[c.ID] = c
	return c, nil
}

func (m *Memory) GetCredentialByTokenHash(ctx context.Context, tokenHash []byte) (core.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.credentials {
		if string(c.TokenHash) == string(tokenHash) {
			return c, nil
		}
	}
	return core.Credential{}, core.NewError(core.ErrUnauthenticated, fmt.Errorf("store: unknown credential"))
}

var _ Store = (*Memory)(nil)
