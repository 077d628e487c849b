package store

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "namozbot/pkg/logx"
)

var ErrNotFound = errors.New("store: not found")

// Config configures the store backend.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via DSN
type Config struct {
	Driver      string
	Path        string        // sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence contract the engine is built on. Beyond plain
// keyed CRUD it provides exactly one concurrency primitive: ClaimDue, a
// single conditional state transition that no two overlapping callers can
// both win for the same row.
type Store interface {
	// Reference data and subscribers (read side; writes exist for the
	// external preferences subsystem and tests).
	Location(ctx context.Context, key string) (Location, error)
	Subscriber(ctx context.Context, chatID int64) (Subscriber, error)
	ActiveSubscribers(ctx context.Context) ([]Subscriber, error)
	PutSubscriber(ctx context.Context, s Subscriber) error

	// Daily times cache (append-only; insert races resolve via outcome).
	DailyTimes(ctx context.Context, locationKey, day string) (DailyTimes, bool, error)
	InsertDailyTimes(ctx context.Context, row DailyTimes) (UpsertOutcome, error)

	// Scheduled notifications. UpsertNotification never duplicates the
	// (chat, kind, fire_at) triple; existing rows are left untouched.
	UpsertNotification(ctx context.Context, n Notification) (UpsertOutcome, error)
	NotificationsByChat(ctx context.Context, chatID int64) ([]Notification, error)

	// ClaimDue atomically flips up to limit pending rows with fire_at in
	// [from, to] to in_flight tagged with claimID, and returns them ordered
	// by fire_at ascending.
	ClaimDue(ctx context.Context, from, to time.Time, limit int, claimID string) ([]Notification, error)

	// Outcome transitions; all conditional on the row still being in_flight
	// under the caller's claim. A transition attempted with a superseded
	// claimID is a silent no-op, so a cycle that lost its lease cannot
	// clobber the state another cycle now owns.
	MarkDelivered(ctx context.Context, id int64, claimID string, at time.Time) error
	MarkFailed(ctx context.Context, id int64, claimID, errMsg string) error
	ReleaseForRetry(ctx context.Context, id int64, claimID, errMsg string) error

	// ExtendClaims refreshes the lease on every row still in_flight under
	// claimID. A live cycle calls this periodically so RequeueStaleClaims
	// only ever recovers rows whose claimer actually died.
	ExtendClaims(ctx context.Context, claimID string, at time.Time) (int64, error)

	// ExpireOverdue terminally fails pending rows whose fire_at predates the
	// late-tolerance boundary. Returns the number of rows swept.
	ExpireOverdue(ctx context.Context, before time.Time) (int64, error)
	// RequeueStaleClaims releases in_flight rows whose claimer stopped
	// reporting (crashed cycle) back to pending. Returns the number released.
	RequeueStaleClaims(ctx context.Context, updatedBefore time.Time) (int64, error)

	// AppendDelivery is write-once per dedup key; duplicates are ignored.
	AppendDelivery(ctx context.Context, rec DeliveryRecord) error

	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("store: unknown driver: " + cfg.Driver)
	}
}
