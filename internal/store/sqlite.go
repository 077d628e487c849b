package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "namozbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store: sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- locations / subscribers ----

func (s *sqliteStore) Location(ctx context.Context, key string) (Location, error) {
	var loc Location
	var off sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT key, name, city, country, utc_offset_min FROM locations WHERE key = ?`, key,
	).Scan(&loc.Key, &loc.Name, &loc.City, &loc.Country, &off)
	if errors.Is(err, sql.ErrNoRows) {
		return Location{}, fmt.Errorf("location %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return Location{}, err
	}
	if off.Valid {
		v := int(off.Int64)
		loc.UTCOffsetMin = &v
	}
	return loc, nil
}

func (s *sqliteStore) Subscriber(ctx context.Context, chatID int64) (Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chat_id, location_key, language, offset_minutes,
		        notify_prayers, notify_fasting, notify_morning, notify_evening, active
		 FROM subscribers WHERE chat_id = ?`, chatID)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscriber{}, fmt.Errorf("subscriber %d: %w", chatID, ErrNotFound)
	}
	return sub, err
}

func (s *sqliteStore) ActiveSubscribers(ctx context.Context) ([]Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, location_key, language, offset_minutes,
		        notify_prayers, notify_fasting, notify_morning, notify_evening, active
		 FROM subscribers WHERE active = 1 AND location_key != '' ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *sqliteStore) PutSubscriber(ctx context.Context, sub Subscriber) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscribers (chat_id, location_key, language, offset_minutes,
		                          notify_prayers, notify_fasting, notify_morning, notify_evening, active)
		 VALUES (?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   location_key=excluded.location_key, language=excluded.language,
		   offset_minutes=excluded.offset_minutes, notify_prayers=excluded.notify_prayers,
		   notify_fasting=excluded.notify_fasting, notify_morning=excluded.notify_morning,
		   notify_evening=excluded.notify_evening, active=excluded.active`,
		sub.ChatID, sub.LocationKey, sub.Language, sub.OffsetMinutes,
		sub.NotifyPrayers, sub.NotifyFasting, sub.NotifyMorning, sub.NotifyEvening, sub.Active)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSubscriber(r rowScanner) (Subscriber, error) {
	var sub Subscriber
	err := r.Scan(&sub.ChatID, &sub.LocationKey, &sub.Language, &sub.OffsetMinutes,
		&sub.NotifyPrayers, &sub.NotifyFasting, &sub.NotifyMorning, &sub.NotifyEvening, &sub.Active)
	return sub, err
}

// ---- daily times cache ----

func (s *sqliteStore) DailyTimes(ctx context.Context, locationKey, day string) (DailyTimes, bool, error) {
	var row DailyTimes
	var fajr, sunrise, dhuhr, asr, maghrib, isha, imsak, raw sql.NullString
	var createdMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT location_key, day, fajr, sunrise, dhuhr, asr, maghrib, isha, imsak, hijri_month, raw, created_at
		 FROM daily_times WHERE location_key = ? AND day = ?`, locationKey, day,
	).Scan(&row.LocationKey, &row.Day, &fajr, &sunrise, &dhuhr, &asr, &maghrib, &isha, &imsak,
		&row.HijriMonth, &raw, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyTimes{}, false, nil
	}
	if err != nil {
		return DailyTimes{}, false, err
	}
	row.Fajr, row.Sunrise, row.Dhuhr = fajr.String, sunrise.String, dhuhr.String
	row.Asr, row.Maghrib, row.Isha, row.Imsak = asr.String, maghrib.String, isha.String, imsak.String
	if raw.Valid {
		row.Raw = json.RawMessage(raw.String)
	}
	row.CreatedAt = time.UnixMilli(createdMS).UTC()
	return row, true, nil
}

func (s *sqliteStore) InsertDailyTimes(ctx context.Context, row DailyTimes) (UpsertOutcome, error) {
	created := row.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_times (location_key, day, fajr, sunrise, dhuhr, asr, maghrib, isha, imsak, hijri_month, raw, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(location_key, day) DO NOTHING`,
		row.LocationKey, row.Day,
		nullStr(row.Fajr), nullStr(row.Sunrise), nullStr(row.Dhuhr), nullStr(row.Asr),
		nullStr(row.Maghrib), nullStr(row.Isha), nullStr(row.Imsak),
		row.HijriMonth, nullStr(string(row.Raw)), created.UnixMilli())
	if err != nil {
		return OutcomeAlreadyExists, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return OutcomeAlreadyExists, err
	}
	if n == 0 {
		return OutcomeAlreadyExists, nil
	}
	return OutcomeInserted, nil
}

// ---- notifications ----

const notificationCols = `id, chat_id, kind, fire_at, payload, status, last_error, claim_id, sent_at, created_at, updated_at`

func (s *sqliteStore) UpsertNotification(ctx context.Context, n Notification) (UpsertOutcome, error) {
	now := time.Now().UnixMilli()
	payload := string(n.Payload)
	if payload == "" {
		payload = "{}"
	}
	status := n.Status
	if status == "" {
		status = StatusPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (chat_id, kind, fire_at, payload, status, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, kind, fire_at) DO NOTHING`,
		n.ChatID, string(n.Kind), n.FireAt.UnixMilli(), payload, string(status), now, now)
	if err != nil {
		return OutcomeAlreadyExists, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return OutcomeAlreadyExists, err
	}
	if affected == 0 {
		return OutcomeAlreadyExists, nil
	}
	return OutcomeInserted, nil
}

func (s *sqliteStore) NotificationsByChat(ctx context.Context, chatID int64) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications WHERE chat_id = ? ORDER BY fire_at, kind`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (s *sqliteStore) ClaimDue(ctx context.Context, from, to time.Time, limit int, claimID string) ([]Notification, error) {
	if limit <= 0 {
		limit = 200
	}
	now := time.Now().UnixMilli()

	// Single conditional transition: because this connection is the only
	// writer, overlapping cycles serialize here and each row flips
	// pending -> in_flight exactly once.
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, claim_id = ?, updated_at = ?
		 WHERE status = ? AND id IN (
		   SELECT id FROM notifications
		   WHERE status = ? AND fire_at >= ? AND fire_at <= ?
		   ORDER BY fire_at ASC LIMIT ?
		 )`,
		string(StatusInFlight), claimID, now,
		string(StatusPending),
		string(StatusPending), from.UnixMilli(), to.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+notificationCols+` FROM notifications
		 WHERE claim_id = ? AND status = ? ORDER BY fire_at ASC`,
		claimID, string(StatusInFlight))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, id int64, claimID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, sent_at = ?, last_error = NULL, claim_id = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND claim_id = ?`,
		string(StatusDelivered), at.UnixMilli(), time.Now().UnixMilli(), id, string(StatusInFlight), claimID)
	return err
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id int64, claimID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, last_error = ?, claim_id = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND claim_id = ?`,
		string(StatusFailed), truncateErr(errMsg), time.Now().UnixMilli(), id, string(StatusInFlight), claimID)
	return err
}

func (s *sqliteStore) ReleaseForRetry(ctx context.Context, id int64, claimID, errMsg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, last_error = ?, claim_id = NULL, updated_at = ?
		 WHERE id = ? AND status = ? AND claim_id = ?`,
		string(StatusPending), truncateErr(errMsg), time.Now().UnixMilli(), id, string(StatusInFlight), claimID)
	return err
}

func (s *sqliteStore) ExtendClaims(ctx context.Context, claimID string, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET updated_at = ? WHERE status = ? AND claim_id = ?`,
		at.UnixMilli(), string(StatusInFlight), claimID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ExpireOverdue(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, last_error = ?, updated_at = ?
		 WHERE status = ? AND fire_at < ?`,
		string(StatusFailed), "expired: past grace window", time.Now().UnixMilli(),
		string(StatusPending), before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) RequeueStaleClaims(ctx context.Context, updatedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET status = ?, claim_id = NULL, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		string(StatusPending), time.Now().UnixMilli(),
		string(StatusInFlight), updatedBefore.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, rec DeliveryRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_log (chat_id, kind, fire_at, sent_at) VALUES (?,?,?,?)
		 ON CONFLICT(chat_id, kind, fire_at) DO NOTHING`,
		rec.ChatID, string(rec.Kind), rec.FireAt.UnixMilli(), rec.SentAt.UnixMilli())
	return err
}

// ---- scan helpers ----

func collectNotifications(rows *sql.Rows) ([]Notification, error) {
	var out []Notification
	for rows.Next() {
		var n Notification
		var fireMS, createdMS, updatedMS int64
		var sentMS sql.NullInt64
		var lastErr, claimID, payload sql.NullString
		var kind, status string
		if err := rows.Scan(&n.ID, &n.ChatID, &kind, &fireMS, &payload, &status,
			&lastErr, &claimID, &sentMS, &createdMS, &updatedMS); err != nil {
			return nil, err
		}
		n.Kind = Kind(kind)
		n.Status = Status(status)
		n.FireAt = time.UnixMilli(fireMS).UTC()
		n.Payload = json.RawMessage(payload.String)
		n.LastError = lastErr.String
		n.ClaimID = claimID.String
		if sentMS.Valid {
			t := time.UnixMilli(sentMS.Int64).UTC()
			n.SentAt = &t
		}
		n.CreatedAt = time.UnixMilli(createdMS).UTC()
		n.UpdatedAt = time.UnixMilli(updatedMS).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func truncateErr(s string) string {
	if len(s) > 400 {
		return s[:400]
	}
	return s
}
