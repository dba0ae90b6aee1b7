package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"RateEngine/internal/rates"
)

var ErrNoConfigSet = errors.New("no active config set")

// ConfigRepository stores packed collateral slots as 32-byte big-endian
// words. Exactly one set is active at a time.
type ConfigRepository struct {
	db *sql.DB
}

func NewConfigRepository(db *sql.DB) *ConfigRepository {
	return &ConfigRepository{db: db}
}

// SaveActive persists store as the active set. If the active set already
// holds the same words, nothing is written and its id is returned.
func (r *ConfigRepository) SaveActive(ctx context.Context, store *rates.ConfigStore) (uuid.UUID, error) {
	current, currentID, err := r.LoadActive(ctx)
	switch {
	case err == nil && slices.Equal(current.Slots(), store.Slots()):
		return currentID, nil
	case err != nil && !errors.Is(err, ErrNoConfigSet):
		return uuid.Nil, err
	}

	setID := uuid.New()
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin config tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE rates.config_sets SET active = FALSE WHERE active`); err != nil {
		return uuid.Nil, fmt.Errorf("deactivate config set: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rates.config_sets (set_id, collateral_count, active) VALUES ($1, $2, TRUE)`,
		setID, store.CollateralCount(),
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert config set: %w", err)
	}
	for i, s := range store.Slots() {
		a, b := s.WordA.Bytes32(), s.WordB.Bytes32()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rates.config_slots (set_id, ilk_index, word_a, word_b) VALUES ($1, $2, $3, $4)`,
			setID, i, a[:], b[:],
		); err != nil {
			return uuid.Nil, fmt.Errorf("insert slot %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit config set: %w", err)
	}
	return setID, nil
}

// LoadActive reloads the active set. The words are re-validated, so a
// tampered row fails here rather than producing wrong rates.
func (r *ConfigRepository) LoadActive(ctx context.Context) (*rates.ConfigStore, uuid.UUID, error) {
	var (
		setID uuid.UUID
		count int
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT set_id, collateral_count FROM rates.config_sets WHERE active`,
	).Scan(&setID, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, uuid.Nil, ErrNoConfigSet
	}
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("load active config set: %w", err)
	}

	store, err := r.Load(ctx, setID, count)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return store, setID, nil
}

// Load rebuilds the set with the given id.
func (r *ConfigRepository) Load(ctx context.Context, setID uuid.UUID, count int) (*rates.ConfigStore, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ilk_index, word_a, word_b
		FROM rates.config_slots
		WHERE set_id = $1
		ORDER BY ilk_index
	`, setID)
	if err != nil {
		return nil, fmt.Errorf("load config slots: %w", err)
	}
	defer rows.Close()

	var slots []rates.Slot
	for rows.Next() {
		var (
			ilk  int
			a, b []byte
		)
		if err := rows.Scan(&ilk, &a, &b); err != nil {
			return nil, fmt.Errorf("scan config slot: %w", err)
		}
		if ilk != len(slots) || len(a) != 32 || len(b) != 32 {
			return nil, fmt.Errorf("set %s slot %d: %w", setID, ilk, rates.ErrCorruptSlot)
		}
		var s rates.Slot
		s.WordA.Set(new(uint256.Int).SetBytes(a))
		s.WordB.Set(new(uint256.Int).SetBytes(b))
		slots = append(slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	store, err := rates.NewConfigStoreFromPacked(slots, count)
	if err != nil {
		return nil, fmt.Errorf("set %s: %w", setID, err)
	}
	return store, nil
}
