// Package core holds the data model shared by every component of the
// ingestion and notification core: the canonical Transaction and Block
// records, addresses, the error taxonomy, and the small numeric helpers
// the rest of the tree builds on.
package core

import (
	"math/big"
	"time"
)

// EventKind tags what kind of value movement a Transaction represents.
// It replaces the teacher's single TxType enum (payment/contract-call/
// reversal) with the two kinds a public node integration actually sees.
type EventKind string

const (
	EventNativeTransfer EventKind = "native_transfer"
	EventTokenTransfer  EventKind = "token_transfer"
)

// TxStatus is terminal once set; see Transaction's invariants.
type TxStatus string

const (
	StatusConfirmedSuccess TxStatus = "confirmed_success"
	StatusConfirmedFailed  TxStatus = "confirmed_failed"
)

// NativeTokenSymbol marks a Transaction as moving the chain's native coin
// rather than a TRC-style token, both in storage and in filter matching.
const NativeTokenSymbol = "native"

// Transaction is the canonical, normalized record of one value-carrying
// event: either a native-coin transfer or a single token-transfer log.
// Hash is globally unique; for token transfers (Hash, LogIndex) is unique.
type Transaction struct {
	Hash             Hash      `json:"hash"`
	LogIndex         int       `json:"log_index"`
	Kind             EventKind `json:"kind"`
	BlockHeight      uint64    `json:"block_height"`
	BlockHash        Hash      `json:"block_hash"`
	IndexInBlock     int       `json:"index_in_block"`
	From             Address   `json:"from"`
	To               Address   `json:"to"`
	Value            *big.Int  `json:"value"`
	TokenContract    *Address  `json:"token_contract,omitempty"`
	TokenSymbol      string    `json:"token_symbol,omitempty"`
	TokenDecimals    int       `json:"token_decimals,omitempty"`
	ResourceCost     *big.Int  `json:"resource_cost"`
	UnitPrice        *big.Int  `json:"unit_price"`
	Status           TxStatus  `json:"status"`
	BlockTimestamp   time.Time `json:"block_timestamp"`
}

// IsToken reports whether this Transaction represents a token transfer
// rather than a native-coin transfer.
func (t *Transaction) IsToken() bool { return t.Kind == EventTokenTransfer }

// Symbol returns the symbol to match against a callback/session filter's
// token set: the token symbol for token transfers, NativeTokenSymbol
// otherwise.
func (t *Transaction) Symbol() string {
	if t.IsToken() {
		return t.TokenSymbol
	}
	return NativeTokenSymbol
}

// BlockRecord mirrors one row of the "blocks" table. Heights form a dense
// ascending sequence from the scan-start height to the cursor, and
// ParentHash chains within that range.
type BlockRecord struct {
	Height       uint64    `json:"height"`
	Hash         Hash      `json:"hash"`
	ParentHash   Hash      `json:"parent_hash"`
	Timestamp    time.Time `json:"timestamp"`
	TxCount      int       `json:"tx_count"`
	Processed    bool      `json:"processed"`
}

// AddressCounters are the derived, denormalized per-address totals kept
// additive across block commits and reversed exactly on rewind.
//
// LastSeenHeight is a supplemental field recovered from original_source/;
// it is not named in spec.md's entity table but the original implementation
// keeps one to flag addresses that have gone quiet.
type AddressCounters struct {
	Address        Address `json:"address"`
	TotalCount     int64   `json:"total_count"`
	TotalIn        *big.Int `json:"total_in"`
	TotalOut       *big.Int `json:"total_out"`
	LastSeenHeight uint64  `json:"last_seen_height"`
}

// Filter is the predicate shared by callback subscriptions and session
// subscriptions: event kind, optional address set, optional token set,
// optional minimum value.
type Filter struct {
	Kinds     []EventKind `json:"kinds"`
	Addresses []Address   `json:"addresses,omitempty"`
	Tokens    []string    `json:"tokens,omitempty"`
	MinValue  *big.Int    `json:"min_value,omitempty"`
}

// Matches reports whether tx satisfies every predicate this Filter
// carries, per spec.md 4.6 step 1.
func (f *Filter) Matches(tx *Transaction) bool {
	if f == nil {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, tx.Kind) {
		return false
	}
	if len(f.Addresses) > 0 && !containsAddress(f.Addresses, tx.From) && !containsAddress(f.Addresses, tx.To) {
		return false
	}
	if len(f.Tokens) > 0 && !containsString(f.Tokens, tx.Symbol()) {
		return false
	}
	if f.MinValue != nil && tx.Value != nil && tx.Value.Cmp(f.MinValue) < 0 {
		return false
	}
	return true
}

func containsKind(set []EventKind, k EventKind) bool {
	for _, s := range set {
		if s == k {
			return true
		}
	}
	return false
}

func containsAddress(set []Address, a Address) bool {
	for _, s := range set {
		if s == a {
			return true
		}
	}
	return false
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// CallbackSubscription is an HTTP delivery destination with a filter and
// delivery counters. The secret is never returned after creation.
type CallbackSubscription struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	TargetURL       string    `json:"target_url"`
	Secret          string    `json:"-"`
	Enabled         bool      `json:"enabled"`
	Filter          Filter    `json:"filter"`
	SuccessCount    int64     `json:"success_count"`
	FailureCount    int64     `json:"failure_count"`
	LastTriggeredAt time.Time `json:"last_triggered_at,omitempty"`
	AutoDisableOn410 bool     `json:"auto_disable_on_410"`
}

// SessionSubscription is a filter attached to a live stream session; it is
// removed when the session closes.
type SessionSubscription struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Filter    Filter    `json:"filter"`
	CreatedAt time.Time `json:"created_at"`
}

// Credential is the stored half of the external Authenticator contract:
// only the token's hash is kept; the token itself is returned exactly once
// at creation.
type Credential struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	TokenHash   []byte     `json:"-"`
	Permissions []string   `json:"permissions"`
	RateCeiling *int       `json:"rate_ceiling,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CommittedTransaction is the unit published on the Event Bus: a
// just-committed Transaction plus the kind tag deliveries need.
type CommittedTransaction struct {
	Transaction *Transaction
	Kind        EventKind
}
