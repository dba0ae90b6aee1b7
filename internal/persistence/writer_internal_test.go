package persistence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "($1)", placeholders(1, 1))
	assert.Equal(t, "($1, $2, $3), ($4, $5, $6)", placeholders(2, 3))
	assert.Equal(t, "", placeholders(0, 4))
}

func TestMigrationVersion(t *testing.T) {
	assert.Equal(t, "000001", migrationVersion("000001_rates.up.sql"))
	assert.Equal(t, "000012", migrationVersion("000012_latest_rates_index.down.sql"))
	assert.Equal(t, "noversion.sql", migrationVersion("noversion.sql"))
}

func TestPartitionOf(t *testing.T) {
	p, ok := partitionOf("YieldUpdate", 3)
	assert.True(t, ok)
	assert.Equal(t, "yield:3", p)

	p, ok = partitionOf("UtilizationSnapshot", 0)
	assert.True(t, ok)
	assert.Equal(t, "util:0", p)

	_, ok = partitionOf("TradeFill", 0)
	assert.False(t, ok)
}

func TestIsConstraintViolation(t *testing.T) {
	unique := fmt.Errorf("write events: %w", &pq.Error{Code: "23505", Constraint: "event_log_idem"})
	assert.True(t, isConstraintViolation(unique))
	assert.True(t, isConstraintViolation(&pq.Error{Code: "23503"}))
	assert.False(t, isConstraintViolation(&pq.Error{Code: "08006"}))
	assert.False(t, isConstraintViolation(errors.New("connection reset")))
}
