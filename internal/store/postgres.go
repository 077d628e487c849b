package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "namozbot/pkg/logx"
)

// The postgres driver mirrors the sqlite one; it exists for deployments that
// keep the store in a managed Postgres. Claiming uses FOR UPDATE SKIP LOCKED
// so overlapping dispatcher cycles on different connections cannot double-claim.

const pgSchema = `
CREATE TABLE IF NOT EXISTS locations (
    key            TEXT PRIMARY KEY,
    name           TEXT NOT NULL,
    city           TEXT NOT NULL,
    country        TEXT NOT NULL,
    utc_offset_min INTEGER
);

CREATE TABLE IF NOT EXISTS subscribers (
    chat_id        BIGINT PRIMARY KEY,
    location_key   TEXT NOT NULL DEFAULT '',
    language       TEXT NOT NULL DEFAULT 'uz',
    offset_minutes INTEGER NOT NULL DEFAULT 0,
    notify_prayers BOOLEAN NOT NULL DEFAULT FALSE,
    notify_fasting BOOLEAN NOT NULL DEFAULT FALSE,
    notify_morning BOOLEAN NOT NULL DEFAULT FALSE,
    notify_evening BOOLEAN NOT NULL DEFAULT FALSE,
    active         BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS daily_times (
    location_key TEXT NOT NULL,
    day          TEXT NOT NULL,
    fajr         TEXT,
    sunrise      TEXT,
    dhuhr        TEXT,
    asr          TEXT,
    maghrib      TEXT,
    isha         TEXT,
    imsak        TEXT,
    hijri_month  INTEGER NOT NULL DEFAULT 0,
    raw          JSONB,
    created_at   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (location_key, day)
);

CREATE TABLE IF NOT EXISTS notifications (
    id         BIGSERIAL PRIMARY KEY,
    chat_id    BIGINT NOT NULL,
    kind       TEXT NOT NULL,
    fire_at    TIMESTAMPTZ NOT NULL,
    payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
    status     TEXT NOT NULL DEFAULT 'pending',
    last_error TEXT,
    claim_id   TEXT,
    sent_at    TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS notifications_dedup ON notifications (chat_id, kind, fire_at);
CREATE INDEX IF NOT EXISTS notifications_due ON notifications (status, fire_at);

CREATE TABLE IF NOT EXISTS delivery_log (
    chat_id BIGINT NOT NULL,
    kind    TEXT NOT NULL,
    fire_at TIMESTAMPTZ NOT NULL,
    sent_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (chat_id, kind, fire_at)
);
`

type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("store: postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: postgres connect: %w", err)
	}
	st := &pgStore{pool: pool, log: log}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: postgres migrate: %w", err)
	}
	return st, nil
}

func (s *pgStore) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// ---- locations / subscribers ----

func (s *pgStore) Location(ctx context.Context, key string) (Location, error) {
	var loc Location
	err := s.pool.QueryRow(ctx,
		`SELECT key, name, city, country, utc_offset_min FROM locations WHERE key = $1`, key,
	).Scan(&loc.Key, &loc.Name, &loc.City, &loc.Country, &loc.UTCOffsetMin)
	if errors.Is(err, pgx.ErrNoRows) {
		return Location{}, fmt.Errorf("location %q: %w", key, ErrNotFound)
	}
	return loc, err
}

func (s *pgStore) Subscriber(ctx context.Context, chatID int64) (Subscriber, error) {
	var sub Subscriber
	err := s.pool.QueryRow(ctx,
		`SELECT chat_id, location_key, language, offset_minutes,
		        notify_prayers, notify_fasting, notify_morning, notify_evening, active
		 FROM subscribers WHERE chat_id = $1`, chatID,
	).Scan(&sub.ChatID, &sub.LocationKey, &sub.Language, &sub.OffsetMinutes,
		&sub.NotifyPrayers, &sub.NotifyFasting, &sub.NotifyMorning, &sub.NotifyEvening, &sub.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscriber{}, fmt.Errorf("subscriber %d: %w", chatID, ErrNotFound)
	}
	return sub, err
}

func (s *pgStore) ActiveSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, location_key, language, offset_minutes,
		        notify_prayers, notify_fasting, notify_morning, notify_evening, active
		 FROM subscribers WHERE active AND location_key <> '' ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		var sub Subscriber
		if err := rows.Scan(&sub.ChatID, &sub.LocationKey, &sub.Language, &sub.OffsetMinutes,
			&sub.NotifyPrayers, &sub.NotifyFasting, &sub.NotifyMorning, &sub.NotifyEvening, &sub.Active); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *pgStore) PutSubscriber(ctx context.Context, sub Subscriber) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO subscribers (chat_id, location_key, language, offset_minutes,
		                          notify_prayers, notify_fasting, notify_morning, notify_evening, active)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (chat_id) DO UPDATE SET
		   location_key=excluded.location_key, language=excluded.language,
		   offset_minutes=excluded.offset_minutes, notify_prayers=excluded.notify_prayers,
		   notify_fasting=excluded.notify_fasting, notify_morning=excluded.notify_morning,
		   notify_evening=excluded.notify_evening, active=excluded.active`,
		sub.ChatID, sub.LocationKey, sub.Language, sub.OffsetMinutes,
		sub.NotifyPrayers, sub.NotifyFasting, sub.NotifyMorning, sub.NotifyEvening, sub.Active)
	return err
}

// ---- daily times cache ----

func (s *pgStore) DailyTimes(ctx context.Context, locationKey, day string) (DailyTimes, bool, error) {
	var row DailyTimes
	var fajr, sunrise, dhuhr, asr, maghrib, isha, imsak *string
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT location_key, day, fajr, sunrise, dhuhr, asr, maghrib, isha, imsak, hijri_month, raw, created_at
		 FROM daily_times WHERE location_key = $1 AND day = $2`, locationKey, day,
	).Scan(&row.LocationKey, &row.Day, &fajr, &sunrise, &dhuhr, &asr, &maghrib, &isha, &imsak,
		&row.HijriMonth, &raw, &row.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyTimes{}, false, nil
	}
	if err != nil {
		return DailyTimes{}, false, err
	}
	row.Fajr, row.Sunrise, row.Dhuhr = deref(fajr), deref(sunrise), deref(dhuhr)
	row.Asr, row.Maghrib, row.Isha, row.Imsak = deref(asr), deref(maghrib), deref(isha), deref(imsak)
	row.Raw = json.RawMessage(raw)
	return row, true, nil
}

func (s *pgStore) InsertDailyTimes(ctx context.Context, row DailyTimes) (UpsertOutcome, error) {
	created := row.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var raw any
	if len(row.Raw) > 0 {
		raw = []byte(row.Raw)
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO daily_times (location_key, day, fajr, sunrise, dhuhr, asr, maghrib, isha, imsak, hijri_month, raw, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (location_key, day) DO NOTHING`,
		row.LocationKey, row.Day,
		nullStr(row.Fajr), nullStr(row.Sunrise), nullStr(row.Dhuhr), nullStr(row.Asr),
		nullStr(row.Maghrib), nullStr(row.Isha), nullStr(row.Imsak),
		row.HijriMonth, raw, created)
	if err != nil {
		return OutcomeAlreadyExists, err
	}
	if tag.RowsAffected() == 0 {
		return OutcomeAlreadyExists, nil
	}
	return OutcomeInserted, nil
}

// ---- notifications ----

const pgNotificationCols = `id, chat_id, kind, fire_at, payload, status, last_error, claim_id, sent_at, created_at, updated_at`

func (s *pgStore) UpsertNotification(ctx context.Context, n Notification) (UpsertOutcome, error) {
	payload := n.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	status := n.Status
	if status == "" {
		status = StatusPending
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (chat_id, kind, fire_at, payload, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,now(),now())
		 ON CONFLICT (chat_id, kind, fire_at) DO NOTHING`,
		n.ChatID, string(n.Kind), n.FireAt.UTC(), []byte(payload), string(status))
	if err != nil {
		return OutcomeAlreadyExists, err
	}
	if tag.RowsAffected() == 0 {
		return OutcomeAlreadyExists, nil
	}
	return OutcomeInserted, nil
}

func (s *pgStore) NotificationsByChat(ctx context.Context, chatID int64) ([]Notification, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgNotificationCols+` FROM notifications WHERE chat_id = $1 ORDER BY fire_at, kind`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPgNotifications(rows)
}

func (s *pgStore) ClaimDue(ctx context.Context, from, to time.Time, limit int, claimID string) ([]Notification, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE notifications SET status = $1, claim_id = $2, updated_at = now()
		 WHERE id IN (
		   SELECT id FROM notifications
		   WHERE status = $3 AND fire_at >= $4 AND fire_at <= $5
		   ORDER BY fire_at ASC LIMIT $6
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgNotificationCols,
		string(StatusInFlight), claimID, string(StatusPending), from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	claimed, err := collectPgNotifications(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is not guaranteed to follow the subselect.
	sortByFireAt(claimed)
	return claimed, nil
}

func (s *pgStore) MarkDelivered(ctx context.Context, id int64, claimID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $1, sent_at = $2, last_error = NULL, claim_id = NULL, updated_at = now()
		 WHERE id = $3 AND status = $4 AND claim_id = $5`,
		string(StatusDelivered), at.UTC(), id, string(StatusInFlight), claimID)
	return err
}

func (s *pgStore) MarkFailed(ctx context.Context, id int64, claimID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $1, last_error = $2, claim_id = NULL, updated_at = now()
		 WHERE id = $3 AND status = $4 AND claim_id = $5`,
		string(StatusFailed), truncateErr(errMsg), id, string(StatusInFlight), claimID)
	return err
}

func (s *pgStore) ReleaseForRetry(ctx context.Context, id int64, claimID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $1, last_error = $2, claim_id = NULL, updated_at = now()
		 WHERE id = $3 AND status = $4 AND claim_id = $5`,
		string(StatusPending), truncateErr(errMsg), id, string(StatusInFlight), claimID)
	return err
}

func (s *pgStore) ExtendClaims(ctx context.Context, claimID string, at time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET updated_at = $1 WHERE status = $2 AND claim_id = $3`,
		at.UTC(), string(StatusInFlight), claimID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) ExpireOverdue(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $1, last_error = 'expired: past grace window', updated_at = now()
		 WHERE status = $2 AND fire_at < $3`,
		string(StatusFailed), string(StatusPending), before.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) RequeueStaleClaims(ctx context.Context, updatedBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE notifications SET status = $1, claim_id = NULL, updated_at = now()
		 WHERE status = $2 AND updated_at < $3`,
		string(StatusPending), string(StatusInFlight), updatedBefore.UTC())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *pgStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_log (chat_id, kind, fire_at, sent_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (chat_id, kind, fire_at) DO NOTHING`,
		rec.ChatID, string(rec.Kind), rec.FireAt.UTC(), rec.SentAt.UTC())
	return err
}

// ---- helpers ----

func collectPgNotifications(rows pgx.Rows) ([]Notification, error) {
	var out []Notification
	for rows.Next() {
		var n Notification
		var kind, status string
		var lastErr, claimID *string
		var payload []byte
		if err := rows.Scan(&n.ID, &n.ChatID, &kind, &n.FireAt, &payload, &status,
			&lastErr, &claimID, &n.SentAt, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		n.Kind = Kind(kind)
		n.Status = Status(status)
		n.FireAt = n.FireAt.UTC()
		n.Payload = json.RawMessage(payload)
		n.LastError = deref(lastErr)
		n.ClaimID = deref(claimID)
		out = append(out, n)
	}
	return out, rows.Err()
}

func sortByFireAt(ns []Notification) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].FireAt.Before(ns[j].FireAt) })
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
