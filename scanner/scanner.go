// Package scanner drives block ingestion, implementing spec.md §4.2 as an
// explicit state machine with a single goroutine, following the teacher's
// core/failover_recovery.go convention of a named state enum driving a
// tick() method rather than a tangle of booleans.
package scanner

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"trongateway-core/cache"
	"trongateway-core/config"
	"trongateway-core/core"
	"trongateway-core/eventbus"
	"trongateway-core/metrics"
	"trongateway-core/nodeclient"
	"trongateway-core/store"
)

// state is the Scanner's explicit machine state, per SPEC_FULL.md §4.2.
type state int

const (
	stateIdle state = iota
	stateFetching
	stateNormalizing
	stateCommitting
	stateBackoff
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateFetching:
		return "fetching"
	case stateNormalizing:
		return "normalizing"
	case stateCommitting:
		return "committing"
	case stateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Scanner advances the scan cursor toward head-confirmations, producing
// committed Transaction batches in strict publication order.
type Scanner struct {
	cfg      config.Config
	store    store.Store
	nodes    *nodeclient.Pool
	bus      *eventbus.Bus
	cache    *cache.Cache
	registry *core.TokenDecimalsRegistry

	state state
	log   *logrus.Entry
	retry *backoff.ExponentialBackOff
}

// New constructs a Scanner. cache may be nil if caching is disabled.
func New(cfg config.Config, st store.Store, nodes *nodeclient.Pool, bus *eventbus.Bus, c *cache.Cache) *Scanner {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 60 * time.Second
	retry.MaxElapsedTime = 0
	return &Scanner{
		cfg:      cfg,
		store:    st,
		nodes:    nodes,
		bus:      bus,
		cache:    c,
		registry: core.NewTokenDecimalsRegistry(nil),
		state:    stateIdle,
		log:      logrus.WithField("component", "scanner"),
		retry:    retry,
	}
}

// Run drives the Scanner until ctx is cancelled. Stop is cooperative: an
// in-flight batch either completes and commits or aborts without
// committing, per spec.md §5.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.store.InitCursor(ctx, s.cfg.Scan.StartHeight); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.tick(ctx); err != nil {
			if kind, ok := core.KindOf(err); ok && kind == core.ErrReorgTooDeep {
				s.log.WithError(err).Error("reorganization exceeded max_rewind, halting scanner")
				return err
			}
			s.state = stateBackoff
			delay := s.retry.NextBackOff()
			s.log.WithError(err).WithField("retry_in", delay).Warn("tick failed, backing off")
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
			continue
		}
		s.retry.Reset()
	}
}

// tick performs exactly one Idle->...->Idle cycle.
func (s *Scanner) tick(ctx context.Context) error {
	s.state = stateIdle

	cursor, err := s.store.GetCursor(ctx)
	if err != nil {
		return err
	}
	head, err := s.nodes.LatestHeight(ctx)
	if err != nil {
		return err
	}

	confirmations := uint64(s.cfg.Scan.Confirmations)
	if head < confirmations {
		return sleepCtx(ctx, s.cfg.Scan.PollInterval)
	}
	target := head - confirmations
	if target <= cursor {
		metrics.ScanLag.Set(0)
		return sleepCtx(ctx, s.cfg.Scan.PollInterval)
	}
	metrics.ScanLag.Set(float64(target - cursor))

	batchSize := uint64(s.cfg.Scan.BatchSize)
	if batchSize == 0 || batchSize > 1000 {
		batchSize = 100
	}
	if remaining := target - cursor; remaining < batchSize {
		batchSize = remaining
	}

	s.state = stateFetching
	blocks, err := s.fetchBatch(ctx, cursor+1, batchSize)
	if err != nil {
		return err
	}

	if len(blocks) > 0 {
		rewound, err := s.checkReorg(ctx, cursor, blocks[0])
		if err != nil {
			return err
		}
		if rewound {
			// The batch above was fetched against the pre-rewind cursor and
			// no longer starts where the corrected cursor now sits; commit
			// nothing this tick and let the next tick refetch from the
			// rewound cursor.
			return nil
		}
	}

	s.state = stateNormalizing
	for _, b := range blocks {
		record, txs, err := s.normalize(ctx, b)
		if err != nil {
			return err
		}
		s.state = stateCommitting
		if err := s.store.CommitBlock(ctx, record, txs); err != nil {
			return err
		}
		metrics.ScanCursorHeight.Set(float64(record.Height))

		for i := range txs {
			s.bus.Publish(core.CommittedTransaction{Transaction: &txs[i], Kind: txs[i].Kind})
		}
		s.state = stateIdle
	}
	return nil
}

// checkReorg verifies the first block of a batch chains from the stored
// parent, rewinding on mismatch per spec.md §4.2 step 4. The returned bool
// reports whether a rewind happened, telling the caller the batch it already
// fetched is stale and must not be committed.
func (s *Scanner) checkReorg(ctx context.Context, cursor uint64, first *nodeclient.RawBlock) (bool, error) {
	if cursor == 0 {
		return false, nil
	}
	storedHash, ok, err := s.store.BlockHashAt(ctx, cursor)
	if err != nil {
		return false, err
	}
	if !ok || storedHash == first.ParentHash {
		return false, nil
	}

	maxRewind := uint64(s.cfg.Scan.MaxRewind)
	if maxRewind == 0 {
		maxRewind = 64
	}
	floor := uint64(0)
	if cursor > maxRewind {
		floor = cursor - maxRewind
	}

	for h := cursor; h > floor; h-- {
		candidate, err := s.nodes.BlockByHeight(ctx, h)
		if err != nil {
			return false, err
		}
		storedAtH, ok, err := s.store.BlockHashAt(ctx, h-1)
		if err != nil {
			return false, err
		}
		if ok && storedAtH == candidate.ParentHash {
			if err := s.store.RewindTo(ctx, h-1); err != nil {
				return false, err
			}
			metrics.ReorgTotal.Inc()
			if s.cache != nil {
				s.cache.InvalidateOnRewind()
			}
			s.log.WithField("rewind_to", h-1).Warn("reorganization detected, rewound cursor")
			return true, nil
		}
	}
	return false, core.NewError(core.ErrReorgTooDeep, fmt.Errorf("scanner: no matching ancestor found within %d blocks of %d", maxRewind, cursor))
}

// fetchBatch fetches count blocks starting at startHeight, up to the
// configured fetch concurrency; a per-tx parse failure is dropped (handled
// inside nodeclient), a per-block fetch failure aborts the whole batch.
func (s *Scanner) fetchBatch(ctx context.Context, startHeight, count uint64) ([]*nodeclient.RawBlock, error) {
	concurrency := s.cfg.Scan.FetchConcurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	blocks := make([]*nodeclient.RawBlock, count)
	errs := make([]error, count)

	sem := make(chan struct{}, concurrency)
	done := make(chan uint64, count)
	for i := uint64(0); i < count; i++ {
		sem <- struct{}{}
		go func(idx uint64) {
			defer func() { <-sem; done <- idx }()
			b, err := s.nodes.BlockByHeight(ctx, startHeight+idx)
			blocks[idx] = b
			errs[idx] = err
		}(i)
	}
	for i := uint64(0); i < count; i++ {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// normalize converts a RawBlock into a BlockRecord and its ordered
// Transactions: native transfers first within each tx, then that tx's
// receipt-sourced token transfers, in block-index order — the publication
// order spec.md's S1 scenario requires.
func (s *Scanner) normalize(ctx context.Context, b *nodeclient.RawBlock) (core.BlockRecord, []core.Transaction, error) {
	record := core.BlockRecord{
		Height:     b.Height,
		Hash:       b.Hash,
		ParentHash: b.ParentHash,
		Timestamp:  time.UnixMilli(b.TimestampMS),
		Processed:  true,
	}

	var txs []core.Transaction
	for idxInBlock, rt := range b.Transactions {
		status := core.StatusConfirmedFailed
		if rt.Success {
			status = core.StatusConfirmedSuccess
		}
		value, err := core.ParseQuantity(rt.Value)
		if err != nil {
			value = big.NewInt(0)
		}
		if value.Sign() > 0 {
			txs = append(txs, core.Transaction{
				Hash:           rt.Hash,
				LogIndex:       0,
				Kind:           core.EventNativeTransfer,
				BlockHeight:    b.Height,
				BlockHash:      b.Hash,
				IndexInBlock:   idxInBlock,
				From:           rt.From,
				To:             rt.To,
				Value:          value,
				ResourceCost:   parseOrZero(rt.GasUsed),
				UnitPrice:      parseOrZero(rt.GasPrice),
				Status:         status,
				BlockTimestamp: record.Timestamp,
			})
		}

		receipt, err := s.nodes.TransactionReceipt(ctx, rt.Hash)
		if err != nil {
			return core.BlockRecord{}, nil, err
		}
		for _, tt := range receipt.TokenTransfers {
			tv, err := core.ParseQuantity(tt.Value)
			if err != nil {
				continue
			}
			symbol, decimals, err := s.nodes.TokenDecimals(ctx, s.registry, tt.TokenContract)
			if err != nil {
				return core.BlockRecord{}, nil, err
			}
			contract := tt.TokenContract
			txs = append(txs, core.Transaction{
				Hash:           rt.Hash,
				LogIndex:       tt.LogIndex,
				Kind:           core.EventTokenTransfer,
				BlockHeight:    b.Height,
				BlockHash:      b.Hash,
				IndexInBlock:   idxInBlock,
				From:           tt.From,
				To:             tt.To,
				Value:          tv,
				TokenContract:  &contract,
				TokenSymbol:    symbol,
				TokenDecimals:  decimals,
				ResourceCost:   big.NewInt(0),
				UnitPrice:      big.NewInt(0),
				Status:         status,
				BlockTimestamp: record.Timestamp,
			})
		}
	}
	record.TxCount = len(txs)
	return record, txs, nil
}

func parseOrZero(s string) *big.Int {
	v, err := core.ParseQuantity(s)
	if err != nil {
		return big.NewInt(0)
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

