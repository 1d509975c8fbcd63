package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrConflict = errors.New("version conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "memory": in-process map, nothing survives a restart
//
// An empty Driver means "sqlite".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// UserThreshold is one row per chat user. Rows are never deleted; a nil
// Threshold means the user has no active threshold.
//
// IsNotified is set once the user was told the price reached their
// threshold and is cleared when the price drops back below it.
type UserThreshold struct {
	UserID     int64
	Threshold  *float64
	IsNotified bool
	Version    int64 // 0 until first persisted
	UpdatedAt  time.Time
}

// Active reports whether the user has a threshold set.
func (u UserThreshold) Active() bool { return u.Threshold != nil }

// Float returns a pointer to v, for building UserThreshold values.
func Float(v float64) *float64 { return &v }

type queryKind uint8

const (
	queryEntering queryKind = iota + 1
	queryExiting
)

// Query selects rows relative to a USD gas price.
type Query struct {
	kind  queryKind
	price float64
}

// Entering selects users whose threshold is at or below price and who have
// not been notified yet.
func Entering(price float64) Query { return Query{kind: queryEntering, price: price} }

// Exiting selects notified users whose threshold is above price.
func Exiting(price float64) Query { return Query{kind: queryExiting, price: price} }

func (q Query) Price() float64 { return q.price }

// Match evaluates the query against a single row. Rows without a threshold
// never match.
func (q Query) Match(u UserThreshold) bool {
	if u.Threshold == nil {
		return false
	}
	t := *u.Threshold
	switch q.kind {
	case queryEntering:
		return t <= q.price && !u.IsNotified
	case queryExiting:
		return t > q.price && u.IsNotified
	default:
		return false
	}
}

func (q Query) String() string {
	switch q.kind {
	case queryEntering:
		return "entering(" + strconv.FormatFloat(q.price, 'f', -1, 64) + ")"
	case queryExiting:
		return "exiting(" + strconv.FormatFloat(q.price, 'f', -1, 64) + ")"
	default:
		return "invalid"
	}
}

// Stats summarizes the table for status reports.
type Stats struct {
	Users    int // rows
	Active   int // threshold set
	Notified int // threshold set and currently notified
}

// ConflictError lists rows whose version no longer matched at write time.
type ConflictError struct {
	IDs []int64
}

func (e *ConflictError) Error() string {
	ids := make([]string, len(e.IDs))
	for i, id := range e.IDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("storage: %v for users [%s]", ErrConflict, strings.Join(ids, " "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// Conflicting returns the user ids named by a *ConflictError in err, or
// nil.
func Conflicting(err error) []int64 {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.IDs
	}
	return nil
}

// UserRepository is the persistence API used by the notifier and the
// command handlers.
type UserRepository interface {
	FindByID(ctx context.Context, userID int64) (UserThreshold, bool, error)
	FindWhere(ctx context.Context, q Query) ([]UserThreshold, error)
	// Save writes rows conditionally on Version. Non-conflict failures
	// leave every row unchanged.
	Save(ctx context.Context, rows ...UserThreshold) error
	Stats(ctx context.Context) (Stats, error)
	// Maintain runs driver housekeeping.
	Maintain(ctx context.Context) error
	Close() error
}
