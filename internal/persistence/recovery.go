package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"RateEngine/internal/core"
	"RateEngine/internal/event"
	"RateEngine/internal/oracle"
)

var ErrChainBroken = errors.New("event log hash chain broken")

// RecoveryLoader rebuilds the engine's resumable state from the event log.
// Quotes are never replayed: the log already holds them, and the engine
// only needs the chain tip, sequence counters, recent keys and yields.
type RecoveryLoader struct {
	db         *sql.DB
	recentKeys int
}

func NewRecoveryLoader(db *sql.DB, recentKeys int) *RecoveryLoader {
	return &RecoveryLoader{db: db, recentKeys: recentKeys}
}

// Load returns nil on an empty log (cold start).
func (rl *RecoveryLoader) Load(ctx context.Context) (*core.RecoveryState, error) {
	var (
		last int64
		tip  []byte
	)
	err := rl.db.QueryRowContext(ctx, `
		SELECT sequence, hash FROM rates.event_log
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&last, &tip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load chain tip: %w", err)
	}
	if len(tip) != 32 {
		return nil, fmt.Errorf("chain tip at sequence %d has %d bytes", last, len(tip))
	}

	st := &core.RecoveryState{
		NextSequence: last + 1,
		Partitions:   make(map[string]int64),
		Yields:       make(map[uint8]oracle.Reading),
	}
	copy(st.ChainTip[:], tip)

	if err := rl.loadPartitions(ctx, st); err != nil {
		return nil, err
	}
	if err := rl.loadRecentKeys(ctx, st); err != nil {
		return nil, err
	}
	if err := rl.loadYields(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

func (rl *RecoveryLoader) loadPartitions(ctx context.Context, st *core.RecoveryState) error {
	rows, err := rl.db.QueryContext(ctx, `
		SELECT event_type, ilk_index, MAX(source_sequence)
		FROM rates.event_log
		GROUP BY event_type, ilk_index
	`)
	if err != nil {
		return fmt.Errorf("load partitions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			eventType string
			ilk       int16
			maxSeq    int64
		)
		if err := rows.Scan(&eventType, &ilk, &maxSeq); err != nil {
			return fmt.Errorf("scan partition: %w", err)
		}
		p, ok := partitionOf(eventType, uint8(ilk))
		if !ok {
			continue
		}
		st.Partitions[p] = maxSeq + 1
	}
	return rows.Err()
}

func partitionOf(eventType string, ilk uint8) (string, bool) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeYieldUpdate:
		return (&event.YieldUpdate{IlkIndex: ilk}).Partition(), true
	case event.EventTypeUtilizationSnapshot:
		return (&event.UtilizationSnapshot{IlkIndex: ilk}).Partition(), true
	default:
		return "", false
	}
}

func (rl *RecoveryLoader) loadRecentKeys(ctx context.Context, st *core.RecoveryState) error {
	if rl.recentKeys <= 0 {
		return nil
	}
	rows, err := rl.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM rates.event_log
		ORDER BY sequence DESC
		LIMIT $1
	`, rl.recentKeys)
	if err != nil {
		return fmt.Errorf("load recent keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return fmt.Errorf("scan key: %w", err)
		}
		st.RecentKeys = append(st.RecentKeys, core.CompositeKey(eventType, key))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// Oldest first, so the newest keys survive LRU warming.
	slices.Reverse(st.RecentKeys)
	return nil
}

func (rl *RecoveryLoader) loadYields(ctx context.Context, st *core.RecoveryState) error {
	rows, err := rl.db.QueryContext(ctx, `
		SELECT DISTINCT ON (ilk_index) payload
		FROM rates.event_log
		WHERE event_type = $1
		ORDER BY ilk_index, source_sequence DESC
	`, event.EventTypeYieldUpdate.String())
	if err != nil {
		return fmt.Errorf("load yields: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("scan yield: %w", err)
		}
		var y event.YieldUpdate
		if err := json.Unmarshal(payload, &y); err != nil {
			return fmt.Errorf("decode yield payload: %w", err)
		}
		st.Yields[y.IlkIndex] = oracle.Reading{
			Apy:       y.Apy,
			Sequence:  y.Sequence,
			Timestamp: y.Timestamp,
		}
	}
	return rows.Err()
}

// LatestSequence returns the highest logged sequence, or -1 when empty.
func (rl *RecoveryLoader) LatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := rl.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM rates.event_log`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// VerifyChain walks the log in sequence order and checks that every
// row's prev_hash matches the previous row's hash, starting from genesis.
// It returns the number of rows checked.
func (rl *RecoveryLoader) VerifyChain(ctx context.Context) (int64, error) {
	rows, err := rl.db.QueryContext(ctx, `
		SELECT sequence, hash, prev_hash
		FROM rates.event_log
		ORDER BY sequence ASC
	`)
	if err != nil {
		return 0, fmt.Errorf("load chain: %w", err)
	}
	defer rows.Close()

	var (
		n    int64
		prev = core.GenesisHash()
	)
	for rows.Next() {
		var (
			seq            int64
			hash, prevHash []byte
		)
		if err := rows.Scan(&seq, &hash, &prevHash); err != nil {
			return n, fmt.Errorf("scan chain row: %w", err)
		}
		if !slices.Equal(prevHash, prev[:]) {
			return n, fmt.Errorf("chain break at sequence %d: %w", seq, ErrChainBroken)
		}
		copy(prev[:], hash)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	return n, nil
}
