package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/sirupsen/logrus"

	"trongateway-core/core"
)

// Postgres is the pgx/v4-backed Store implementation, grounded on
// other_examples/manifests/backend-engineer1-land's pgxpool usage: a single
// pool, explicit transactions for every multi-statement write, no ORM.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewPostgres opens a pool against dsn and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, core.NewError(core.ErrStoreUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, core.NewError(core.ErrStoreUnavailable, err)
	}
	return &Postgres{pool: pool, log: logrus.WithField("component", "store")}, nil
}

func (p *Postgres) Close(ctx context.Context) error {
	p.pool.Close()
	return nil
}

// CommitBlock inserts block and txs, updates address_counters, and advances
// the cursor, all inside one transaction — the atomic per-block commit
// spec.md §4.2 step 6 requires.
func (p *Postgres) CommitBlock(ctx context.Context, block core.BlockRecord, txs []core.Transaction) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	var existingHash []byte
	err = tx.QueryRow(ctx, `SELECT hash FROM blocks WHERE height = $1`, block.Height).Scan(&existingHash)
	if err == nil {
		var h core.Hash
		copy(h[:], existingHash)
		if h != block.Hash {
			return core.NewError(core.ErrStoreUnavailable, fmt.Errorf("store: block %d already committed with a different hash", block.Height))
		}
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return core.NewError(core.ErrStoreUnavailable, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO blocks (height, hash, parent_hash, ts, tx_count, processed)
		VALUES ($1, $2, $3, $4, $5, true)
		ON CONFLICT (height) DO UPDATE SET processed = true`,
		block.Height, block.Hash[:], block.ParentHash[:], block.Timestamp, block.TxCount)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}

	deltas := map[core.Address]struct {
		count          int64
		in, out        *big.Int
		lastSeenHeight uint64
	}{}

	for _, t := range txs {
		var tokenContract []byte
		if t.TokenContract != nil {
			tokenContract = t.TokenContract[:]
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO transactions
				(hash, log_index, kind, block_height, block_hash, index_in_block,
				 sender, recipient, value, token_contract, token_symbol, token_decimals,
				 resource_cost, unit_price, status, block_ts)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			ON CONFLICT (hash, log_index) DO NOTHING`,
			t.Hash[:], t.LogIndex, string(t.Kind), t.BlockHeight, t.BlockHash[:], t.IndexInBlock,
			t.From[:], t.To[:], t.Value.String(), tokenContract, t.TokenSymbol, t.TokenDecimals,
			t.ResourceCost.String(), t.UnitPrice.String(), string(t.Status), t.BlockTimestamp)
		if err != nil {
			return core.NewError(core.ErrStoreUnavailable, err)
		}

		from := deltas[t.From]
		from.count++
		if from.out == nil {
			from.out = new(big.Int)
		}
		from.out.Add(from.out, t.Value)
		if from.in == nil {
			from.in = new(big.Int)
		}
		if from.lastSeenHeight < t.BlockHeight {
			from.lastSeenHeight = t.BlockHeight
		}
		deltas[t.From] = from

		to := deltas[t.To]
		to.count++
		if to.in == nil {
			to.in = new(big.Int)
		}
		to.in.Add(to.in, t.Value)
		if to.out == nil {
			to.out = new(big.Int)
		}
		if to.lastSeenHeight < t.BlockHeight {
			to.lastSeenHeight = t.BlockHeight
		}
		deltas[t.To] = to
	}

	for addr, d := range deltas {
		in := "0"
		out := "0"
		if d.in != nil {
			in = d.in.String()
		}
		if d.out != nil {
			out = d.out.String()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO address_counters (address, total_count, total_in, total_out, last_seen_height)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (address) DO UPDATE SET
				total_count = address_counters.total_count + EXCLUDED.total_count,
				total_in = address_counters.total_in + EXCLUDED.total_in,
				total_out = address_counters.total_out + EXCLUDED.total_out,
				last_seen_height = GREATEST(address_counters.last_seen_height, EXCLUDED.last_seen_height)`,
			addr[:], d.count, in, out, d.lastSeenHeight)
		if err != nil {
			return core.NewError(core.ErrStoreUnavailable, err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO scan_state (id, cursor_height) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET cursor_height = $1`, block.Height)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) GetCursor(ctx context.Context) (uint64, error) {
	var h uint64
	err := p.pool.QueryRow(ctx, `SELECT cursor_height FROM scan_state WHERE id = 1`).Scan(&h)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, core.NewError(core.ErrStoreUnavailable, fmt.Errorf("store: cursor not initialized"))
	}
	if err != nil {
		return 0, core.NewError(core.ErrStoreUnavailable, err)
	}
	return h, nil
}

func (p *Postgres) InitCursor(ctx context.Context, startHeight uint64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO scan_state (id, cursor_height) VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING`, startHeight)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) BlockHashAt(ctx context.Context, height uint64) (core.Hash, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT hash FROM blocks WHERE height = $1`, height).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Hash{}, false, nil
	}
	if err != nil {
		return core.Hash{}, false, core.NewError(core.ErrStoreUnavailable, err)
	}
	var h core.Hash
	copy(h[:], raw)
	return h, true, nil
}

// RewindTo deletes everything above height and reverses its counter
// contribution, per spec.md §4.2 step 4's reorg handling.
func (p *Postgres) RewindTo(ctx context.Context, height uint64) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT sender, recipient, value FROM transactions WHERE block_height > $1`, height)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	type leg struct {
		addr  core.Address
		value string
		out   bool
	}
	var legs []leg
	for rows.Next() {
		var sender, recipient []byte
		var value string
		if err := rows.Scan(&sender, &recipient, &value); err != nil {
			rows.Close()
			return core.NewError(core.ErrStoreUnavailable, err)
		}
		var s, r core.Address
		copy(s[:], sender)
		copy(r[:], recipient)
		legs = append(legs, leg{addr: s, value: value, out: true}, leg{addr: r, value: value, out: false})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}

	for _, l := range legs {
		col := "total_in"
		if l.out {
			col = "total_out"
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`
			UPDATE address_counters SET %s = %s - $1::numeric, total_count = total_count - 1
			WHERE address = $2`, col, col), l.value, l.addr[:])
		if err != nil {
			return core.NewError(core.ErrStoreUnavailable, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM transactions WHERE block_height > $1`, height); err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM blocks WHERE height > $1`, height); err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE scan_state SET cursor_height = $1 WHERE id = 1`, height); err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

// MultiAddressQuery unions matching rows across p.Addresses, applying the
// shared filters, per spec.md §4.7.
func (p *Postgres) MultiAddressQuery(ctx context.Context, params MultiAddressParams) (MultiAddressResult, error) {
	if len(params.Addresses) == 0 || len(params.Addresses) > 100 {
		return MultiAddressResult{}, core.NewError(core.ErrAddressCountRange, nil)
	}
	if params.Limit <= 0 || params.Limit > 1000 {
		return MultiAddressResult{}, core.NewError(core.ErrLimitOutOfRange, nil)
	}
	if params.StartTime != nil && params.EndTime != nil && params.StartTime.After(*params.EndTime) {
		return MultiAddressResult{}, core.NewError(core.ErrTimeRangeInverted, nil)
	}
	addrBytes := make([][]byte, len(params.Addresses))
	for i, a := range params.Addresses {
		addrBytes[i] = a[:]
	}

	where := `(sender = ANY($1) OR recipient = ANY($1))`
	args := []any{addrBytes}
	n := 1

	if params.TokenSymbol != "" {
		n++
		where += fmt.Sprintf(" AND token_symbol = $%d", n)
		args = append(args, params.TokenSymbol)
	}
	if params.Status != "" {
		n++
		where += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, string(params.Status))
	}
	if params.MinValue != nil {
		n++
		where += fmt.Sprintf(" AND value >= $%d::numeric", n)
		args = append(args, *params.MinValue)
	}
	if params.MaxValue != nil {
		n++
		where += fmt.Sprintf(" AND value <= $%d::numeric", n)
		args = append(args, *params.MaxValue)
	}
	if params.StartTime != nil {
		n++
		where += fmt.Sprintf(" AND block_ts >= $%d", n)
		args = append(args, *params.StartTime)
	}
	if params.EndTime != nil {
		n++
		where += fmt.Sprintf(" AND block_ts <= $%d", n)
		args = append(args, *params.EndTime)
	}

	var total int64
	countQuery := `SELECT count(*) FROM transactions WHERE ` + where
	if err := p.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return MultiAddressResult{}, core.NewError(core.ErrStoreUnavailable, err)
	}

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := params.Page * limit

	n++
	limitArg := n
	args = append(args, limit)
	n++
	offsetArg := n
	args = append(args, offset)

	q := fmt.Sprintf(`
		SELECT hash, log_index, kind, block_height, block_hash, index_in_block,
		       sender, recipient, value, token_contract, token_symbol, token_decimals,
		       resource_cost, unit_price, status, block_ts
		FROM transactions WHERE %s
		ORDER BY block_ts DESC, block_height DESC, index_in_block DESC
		LIMIT $%d OFFSET $%d`, where, limitArg, offsetArg)

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return MultiAddressResult{}, core.NewError(core.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var items []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return MultiAddressResult{}, core.NewError(core.ErrStoreUnavailable, err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return MultiAddressResult{}, core.NewError(core.ErrStoreUnavailable, err)
	}

	result := MultiAddressResult{Items: items, Total: total}
	if params.GroupByAddress {
		result.Stats = map[core.Address]core.AddressCounters{}
		for _, a := range params.Addresses {
			c, err := p.AddressCounters(ctx, a)
			if err != nil {
				return MultiAddressResult{}, err
			}
			result.Stats[a] = c
		}
	}
	return result, nil
}

func scanTransaction(rows pgx.Rows) (core.Transaction, error) {
	var t core.Transaction
	var hashB, blockHashB, senderB, recipientB []byte
	var tokenContractB []byte
	var kind, status, value, resourceCost, unitPrice string
	err := rows.Scan(
		&hashB, &t.LogIndex, &kind, &t.BlockHeight, &blockHashB, &t.IndexInBlock,
		&senderB, &recipientB, &value, &tokenContractB, &t.TokenSymbol, &t.TokenDecimals,
		&resourceCost, &unitPrice, &status, &t.BlockTimestamp)
	if err != nil {
		return core.Transaction{}, err
	}
	copy(t.Hash[:], hashB)
	copy(t.BlockHash[:], blockHashB)
	copy(t.From[:], senderB)
	copy(t.To[:], recipientB)
	t.Kind = core.EventKind(kind)
	t.Status = core.TxStatus(status)
	t.Value, _ = new(big.Int).SetString(value, 10)
	t.ResourceCost, _ = new(big.Int).SetString(resourceCost, 10)
	t.UnitPrice, _ = new(big.Int).SetString(unitPrice, 10)
	if len(tokenContractB) == 21 {
		var c core.Address
		copy(c[:], tokenContractB)
		t.TokenContract = &c
		t.Kind = core.EventTokenTransfer
	}
	return t, nil
}

func (p *Postgres) AddressCounters(ctx context.Context, addr core.Address) (core.AddressCounters, error) {
	var c core.AddressCounters
	c.Address = addr
	var in, out string
	err := p.pool.QueryRow(ctx, `
		SELECT total_count, total_in, total_out, last_seen_height
		FROM address_counters WHERE address = $1`, addr[:]).
		Scan(&c.TotalCount, &in, &out, &c.LastSeenHeight)
	if errors.Is(err, pgx.ErrNoRows) {
		c.TotalIn = new(big.Int)
		c.TotalOut = new(big.Int)
		return c, nil
	}
	if err != nil {
		return core.AddressCounters{}, core.NewError(core.ErrStoreUnavailable, err)
	}
	c.TotalIn, _ = new(big.Int).SetString(in, 10)
	c.TotalOut, _ = new(big.Int).SetString(out, 10)
	return c, nil
}

func (p *Postgres) CreateCallbackSubscription(ctx context.Context, sub core.CallbackSubscription) (core.CallbackSubscription, error) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO callback_subscriptions
			(id, display_name, target_url, secret, enabled, filter_kinds, filter_addresses, filter_tokens, filter_min_value, auto_disable_410)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		sub.ID, sub.DisplayName, sub.TargetURL, sub.Secret, sub.Enabled,
		filterKindsToStrings(sub.Filter.Kinds), filterAddressesToBytea(sub.Filter.Addresses), sub.Filter.Tokens,
		minValueString(sub.Filter.MinValue), sub.AutoDisableOn410)
	if err != nil {
		return core.CallbackSubscription{}, core.NewError(core.ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (p *Postgres) GetCallbackSubscription(ctx context.Context, id string) (core.CallbackSubscription, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, display_name, target_url, secret, enabled, filter_kinds, filter_addresses,
		       filter_tokens, filter_min_value, success_count, failure_count, last_triggered_at, auto_disable_410
		FROM callback_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.CallbackSubscription{}, core.NewError(core.ErrInvalidInput, fmt.Errorf("store: subscription %s not found", id))
	}
	if err != nil {
		return core.CallbackSubscription{}, core.NewError(core.ErrStoreUnavailable, err)
	}
	return sub, nil
}

func (p *Postgres) ListCallbackSubscriptions(ctx context.Context, onlyEnabled bool) ([]core.CallbackSubscription, error) {
	q := `SELECT id, display_name, target_url, secret, enabled, filter_kinds, filter_addresses,
	             filter_tokens, filter_min_value, success_count, failure_count, last_triggered_at, auto_disable_410
	      FROM callback_subscriptions`
	if onlyEnabled {
		q += ` WHERE enabled`
	}
	rows, err := p.pool.Query(ctx, q)
	if err != nil {
		return nil, core.NewError(core.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []core.CallbackSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, core.NewError(core.ErrStoreUnavailable, err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateCallbackSubscription(ctx context.Context, sub core.CallbackSubscription) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE callback_subscriptions SET
			display_name = $2, target_url = $3, enabled = $4, filter_kinds = $5,
			filter_addresses = $6, filter_tokens = $7, filter_min_value = $8, auto_disable_410 = $9
		WHERE id = $1`,
		sub.ID, sub.DisplayName, sub.TargetURL, sub.Enabled,
		filterKindsToStrings(sub.Filter.Kinds), filterAddressesToBytea(sub.Filter.Addresses), sub.Filter.Tokens,
		minValueString(sub.Filter.MinValue), sub.AutoDisableOn410)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) DeleteCallbackSubscription(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM callback_subscriptions WHERE id = $1`, id)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) DisableCallbackSubscription(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `UPDATE callback_subscriptions SET enabled = false WHERE id = $1`, id)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) RecordDeliveryOutcome(ctx context.Context, subID string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE callback_subscriptions SET %s = %s + 1, last_triggered_at = now() WHERE id = $1`, col, col), subID)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) EnqueueDelivery(ctx context.Context, d DeliveryRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO callback_deliveries
			(id, subscription_id, tx_hash, log_index, payload, attempt, next_attempt_at, dead_lettered, dead_letter_msg)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.SubscriptionID, d.TxHash[:], d.LogIndex, d.Payload, d.Attempt, d.NextAttemptAt, d.DeadLettered, d.DeadLetterMsg)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) DueDeliveries(ctx context.Context, subID string, now time.Time, limit int) ([]DeliveryRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, subscription_id, tx_hash, log_index, payload, attempt, next_attempt_at, dead_lettered, dead_letter_msg, created_at
		FROM callback_deliveries
		WHERE subscription_id = $1 AND NOT dead_lettered AND next_attempt_at <= $2
		ORDER BY next_attempt_at ASC LIMIT $3`, subID, now, limit)
	if err != nil {
		return nil, core.NewError(core.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, core.NewError(core.ErrStoreUnavailable, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateDeliveryAttempt(ctx context.Context, id string, attempt int, nextAttemptAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE callback_deliveries SET attempt = $2, next_attempt_at = $3 WHERE id = $1`, id, attempt, nextAttemptAt)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) CompleteDelivery(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM callback_deliveries WHERE id = $1`, id)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) DeadLetterDelivery(ctx context.Context, id string, reason string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE callback_deliveries SET dead_lettered = true, dead_letter_msg = $2 WHERE id = $1`, id, reason)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	return nil
}

func (p *Postgres) ListDeadLetters(ctx context.Context, subID string) ([]DeliveryRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, subscription_id, tx_hash, log_index, payload, attempt, next_attempt_at, dead_lettered, dead_letter_msg, created_at
		FROM callback_deliveries WHERE subscription_id = $1 AND dead_lettered ORDER BY created_at ASC`, subID)
	if err != nil {
		return nil, core.NewError(core.ErrStoreUnavailable, err)
	}
	defer rows.Close()
	var out []DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, core.NewError(core.ErrStoreUnavailable, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ReplayDeadLetter resets a dead-lettered delivery to attempt zero, due
// immediately — the operator admin action from SPEC_FULL.md §10.
func (p *Postgres) ReplayDeadLetter(ctx context.Context, id string) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE callback_deliveries SET dead_lettered = false, dead_letter_msg = '', attempt = 0, next_attempt_at = now()
		WHERE id = $1 AND dead_lettered`, id)
	if err != nil {
		return core.NewError(core.ErrStoreUnavailable, err)
	}
	if ct.RowsAffected() == 0 {
		return core.NewError(core.ErrInvalidInput, fmt.Errorf("store: no dead-lettered delivery %s", id))
	}
	return nil
}

func (p *Postgres) CreateCredential(ctx context.Context, c core.Credential) (core.Credential, error) {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO credentials (id, display_name, token_hash, permissions, rate_ceiling, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		c.ID, c.DisplayName, c.TokenHash, c.Permissions, c.RateCeiling, c.ExpiresAt)
	if err != nil {
		return core.Credential{}, core.NewError(core.ErrStoreUnavailable, err)
	}
	return c, nil
}

func (p *Postgres) GetCredentialByTokenHash(ctx context.Context, tokenHash []byte) (core.Credential, error) {
	var c core.Credential
	err := p.pool.QueryRow(ctx, `
		SELECT id, display_name, token_hash, permissions, rate_ceiling, expires_at
		FROM credentials WHERE token_hash = $1`, tokenHash).
		Scan(&c.ID, &c.DisplayName, &c.TokenHash, &c.Permissions, &c.RateCeiling, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Credential{}, core.NewError(core.ErrUnauthenticated, fmt.Errorf("store: unknown credential"))
	}
	if err != nil {
		return core.Credential{}, core.NewError(core.ErrStoreUnavailable, err)
	}
	return c, nil
}

func scanSubscription(row pgx.Row) (core.CallbackSubscription, error) {
	var sub core.CallbackSubscription
	var kinds, tokens []string
	var addresses [][]byte
	var minValue *string
	err := row.Scan(&sub.ID, &sub.DisplayName, &sub.TargetURL, &sub.Secret, &sub.Enabled,
		&kinds, &addresses, &tokens, &minValue, &sub.SuccessCount, &sub.FailureCount,
		&sub.LastTriggeredAt, &sub.AutoDisableOn410)
	if err != nil {
		return core.CallbackSubscription{}, err
	}
	for _, k := range kinds {
		sub.Filter.Kinds = append(sub.Filter.Kinds, core.EventKind(k))
	}
	for _, a := range addresses {
		var addr core.Address
		copy(addr[:], a)
		sub.Filter.Addresses = append(sub.Filter.Addresses, addr)
	}
	sub.Filter.Tokens = tokens
	if minValue != nil {
		sub.Filter.MinValue, _ = new(big.Int).SetString(*minValue, 10)
	}
	return sub, nil
}

func scanDelivery(rows pgx.Rows) (DeliveryRecord, error) {
	var d DeliveryRecord
	var hashB []byte
	err := rows.Scan(&d.ID, &d.SubscriptionID, &hashB, &d.LogIndex, &d.Payload, &d.Attempt,
		&d.NextAttemptAt, &d.DeadLettered, &d.DeadLetterMsg, &d.CreatedAt)
	if err != nil {
		return DeliveryRecord{}, err
	}
	copy(d.TxHash[:], hashB)
	return d, nil
}

func filterKindsToStrings(kinds []core.EventKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func filterAddressesToBytea(addrs []core.Address) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = a[:]
	}
	return out
}

func minValueString(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
