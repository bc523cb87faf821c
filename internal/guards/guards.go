// Package guards holds the storage-backed primitives that keep invite, like and
// sequence assignment side effects single under concurrent requests. All
// coordination is left to the database: unique constraints and atomic upserts.
package guards

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Outcome is the result of a guarded create.
type Outcome int

const (
	// OutcomeCreated means this call produced the effect.
	OutcomeCreated Outcome = iota + 1
	// OutcomeAlreadyExists means the effect was already in place; the invariant holds.
	OutcomeAlreadyExists
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

var (
	errMissingDatabase = errors.New("guards: database handle is required")
	errMissingRow      = errors.New("guards: row is required")
	errInvalidKey      = errors.New("guards: counter namespace and scope are required")
)

// CreateOnce inserts row unless a unique constraint already covers it.
// Concurrent identical calls converge on one OutcomeCreated; the rest observe OutcomeAlreadyExists.
// db may be a transaction handle.
func CreateOnce(ctx context.Context, db *gorm.DB, row interface{}) (Outcome, error) {
	if db == nil {
		return 0, errMissingDatabase
	}
	if row == nil {
		return 0, errMissingRow
	}
	result := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return OutcomeAlreadyExists, nil
	}
	return OutcomeCreated, nil
}

// SequenceCounter stores the last value handed out for one scope.
type SequenceCounter struct {
	Namespace string `gorm:"column:namespace;primaryKey;size:64;not null"`
	Scope     string `gorm:"column:scope_key;primaryKey;size:190;not null"`
	Value     int64  `gorm:"column:value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (SequenceCounter) TableName() string {
	return "sequence_counters"
}

// CounterKey identifies one counter, e.g. {"record", "feed-1:2024-05-01"}.
type CounterKey struct {
	Namespace string
	Scope     string
}

// ScopeKey joins the parts of a composite scope.
func ScopeKey(parts ...string) string {
	return strings.Join(parts, ":")
}

const nextSequenceSQL = `INSERT INTO sequence_counters (namespace, scope_key, value) VALUES (?, ?, 1)
ON CONFLICT (namespace, scope_key) DO UPDATE SET value = sequence_counters.value + 1
RETURNING value`

// Counters assigns gap-free, duplicate-free positions per scope.
type Counters struct {
	db *gorm.DB
}

func NewCounters(db *gorm.DB) (*Counters, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Counters{db: db}, nil
}

// Next inserts the counter with value 1 or increments it, returning the new value,
// in a single statement so no caller reads a value another caller is about to take.
func (c *Counters) Next(ctx context.Context, key CounterKey) (int64, error) {
	return NextIn(ctx, c.db, key)
}

// NextIn is Next against an explicit handle, typically the caller's transaction.
func NextIn(ctx context.Context, db *gorm.DB, key CounterKey) (int64, error) {
	if db == nil {
		return 0, errMissingDatabase
	}
	namespace := strings.TrimSpace(key.Namespace)
	scope := strings.TrimSpace(key.Scope)
	if namespace == "" || scope == "" {
		return 0, errInvalidKey
	}
	var value int64
	if err := db.WithContext(ctx).Raw(nextSequenceSQL, namespace, scope).Scan(&value).Error; err != nil {
		return 0, fmt.Errorf("guards: next sequence for %s/%s: %w", namespace, scope, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("guards: next sequence for %s/%s returned %d", namespace, scope, value)
	}
	return value, nil
}
