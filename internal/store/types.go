package store

import (
	"encoding/json"
	"time"
)

// Kind enumerates the notification event types. The values are the wire/DB
// strings; they never change once rows exist.
type Kind string

const (
	KindFajr    Kind = "FAJR"
	KindDhuhr   Kind = "DHUHR"
	KindAsr     Kind = "ASR"
	KindMaghrib Kind = "MAGHRIB"
	KindIsha    Kind = "ISHA"

	// Fasting boundaries: Imsak closes the fast, Iftar opens it.
	KindImsak Kind = "IMSAK"
	KindIftar Kind = "IFTAR"

	KindMorningSummary Kind = "MORNING_SUMMARY"
	KindEveningSummary Kind = "EVENING_SUMMARY"
)

// Status is the notification lifecycle state. Only the dispatcher moves a row
// out of pending.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// UpsertOutcome tags the result of a uniqueness-guarded insert, so callers
// can treat "lost the race" as success without matching on error strings.
type UpsertOutcome int

const (
	OutcomeInserted UpsertOutcome = iota
	OutcomeAlreadyExists
)

// Location is immutable reference data: the provider request parameters for
// one place, seeded by migration.
type Location struct {
	Key     string
	Name    string
	City    string
	Country string
	// UTCOffsetMin overrides the provider-derived zone when set.
	UTCOffsetMin *int
}

// Subscriber is owned by the external preferences subsystem; this engine
// only reads it.
type Subscriber struct {
	ChatID        int64
	LocationKey   string
	Language      string
	OffsetMinutes int

	NotifyPrayers bool
	NotifyFasting bool
	NotifyMorning bool
	NotifyEvening bool

	Active bool
}

// DailyTimes is one append-only cache row: the normalized prayer times for a
// (location, day) pair, at most one row per pair.
type DailyTimes struct {
	LocationKey string
	Day         string // "YYYY-MM-DD"

	Fajr    string
	Sunrise string
	Dhuhr   string
	Asr     string
	Maghrib string
	Isha    string
	Imsak   string

	HijriMonth int
	Raw        json.RawMessage
	CreatedAt  time.Time
}

// Notification is one scheduled event. (ChatID, Kind, FireAt) is the dedup
// key and is unique in the store.
type Notification struct {
	ID     int64
	ChatID int64
	Kind   Kind
	FireAt time.Time

	Payload   json.RawMessage
	Status    Status
	LastError string
	ClaimID   string

	SentAt    *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeliveryRecord is the write-once audit entry for a successful send.
type DeliveryRecord struct {
	ChatID int64
	Kind   Kind
	FireAt time.Time
	SentAt time.Time
}

// PrayerKinds returns the five per-prayer kinds in chronological order.
func PrayerKinds() []Kind {
	return []Kind{KindFajr, KindDhuhr, KindAsr, KindMaghrib, KindIsha}
}
