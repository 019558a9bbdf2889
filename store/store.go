// Package store defines the durable persistence contract described in
// spec.md §4.3 and a PostgreSQL implementation of it, grounded on the
// teacher's StateRW interface (core/common_structs.go) — we keep the
// "narrow interface, concrete backend" shape but replace the teacher's
// in-memory/WAL backend with a relational one, since spec.md §6 requires
// durable indexed storage the multi-address query can union-merge over.
package store

import (
	"context"
	"time"

	"trongateway-core/core"
)

// MultiAddressParams are the validated inputs to the multi-address query,
// per spec.md §4.7.
type MultiAddressParams struct {
	Addresses     []core.Address
	Page          int
	Limit         int
	TokenSymbol   string
	Status        core.TxStatus
	MinValue      *string
	MaxValue      *string
	StartTime     *time.Time
	EndTime       *time.Time
	GroupByAddress bool
}

// MultiAddressResult is the response shape for the multi-address query.
type MultiAddressResult struct {
	Items []core.Transaction
	Total int64
	Stats map[core.Address]core.AddressCounters // only populated if GroupByAddress
}

// DeliveryRecord is a callback delivery's persisted retry-scheduler state,
// restored on restart per spec.md §9 ("the scheduler state ... must be
// restored on restart").
type DeliveryRecord struct {
	ID             string
	SubscriptionID string
	TxHash         core.Hash
	LogIndex       int
	Payload        []byte
	Attempt        int
	NextAttemptAt  time.Time
	DeadLettered   bool
	DeadLetterMsg  string
	CreatedAt      time.Time
}

// Store is the durable record of transactions, per-address counters, the
// scan cursor, callback subscriptions, and credentials.
type Store interface {
	// CommitBlock atomically inserts block, its transactions (ignore on
	// conflict by (hash, log_index)), updates per-address counters, and
	// advances the cursor to block.Height. It returns an error if a block
	// at block.Height already exists with a different hash.
	CommitBlock(ctx context.Context, block core.BlockRecord, txs []core.Transaction) error

	// GetCursor returns the last fully-processed block height.
	GetCursor(ctx context.Context) (uint64, error)

	// InitCursor sets the cursor when no scan state exists yet (start
	// height from configuration). It is a no-op if a cursor already
	// exists.
	InitCursor(ctx context.Context, startHeight uint64) error

	// BlockHashAt returns the stored hash for a height, used by the
	// Scanner's reorg check (spec.md §4.2 step 4).
	BlockHashAt(ctx context.Context, height uint64) (core.Hash, bool, error)

	// RewindTo deletes blocks and transactions strictly greater than
	// height, reverses counter deltas, and resets the cursor, all in one
	// transaction.
	RewindTo(ctx context.Context, height uint64) error

	// MultiAddressQuery serves spec.md §4.7.
	MultiAddressQuery(ctx context.Context, p MultiAddressParams) (MultiAddressResult, error)

	// AddressCounters returns the current per-address counters.
	AddressCounters(ctx context.Context, addr core.Address) (core.AddressCounters, error)

	// Callback subscription CRUD.
	CreateCallbackSubscription(ctx context.Context, sub core.CallbackSubscription) (core.CallbackSubscription, error)
	GetCallbackSubscription(ctx context.Context, id string) (core.CallbackSubscription, error)
	ListCallbackSubscriptions(ctx context.Context, onlyEnabled bool) ([]core.CallbackSubscription, error)
	UpdateCallbackSubscription(ctx context.Context, sub core.CallbackSubscription) error
	DeleteCallbackSubscription(ctx context.Context, id string) error
	DisableCallbackSubscription(ctx context.Context, id string) error
	RecordDeliveryOutcome(ctx context.Context, subID string, success bool) error

	// Delivery-queue persistence, restored on restart.
	EnqueueDelivery(ctx context.Context, d DeliveryRecord) error
	DueDeliveries(ctx context.Context, subID string, now time.Time, limit int) ([]DeliveryRecord, error)
	UpdateDeliveryAttempt(ctx context.Context, id string, attempt int, nextAttemptAt time.Time) error
	CompleteDelivery(ctx context.Context, id string) error
	DeadLetterDelivery(ctx context.Context, id string, reason string) error
	ListDeadLetters(ctx context.Context, subID string) ([]DeliveryRecord, error)
	ReplayDeadLetter(ctx context.Context, id string) error

	// Credential CRUD (token hash only; the raw token is never stored).
	CreateCredential(ctx context.Context, c core.Credential) (core.Credential, error)
	GetCredentialByTokenHash(ctx context.Context, tokenHash []byte) (core.Credential, error)

	Close(ctx context.Context) error
}
