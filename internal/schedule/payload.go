package schedule

import (
	"encoding/json"

	"namozbot/internal/store"
)

// Payload is the structured body stored with every notification row. It
// carries everything rendering needs so the dispatcher never has to re-read
// the daily times cache.
type Payload struct {
	Day         string `json:"day"`
	LocalTime   string `json:"local_time,omitempty"`
	LocationKey string `json:"location_key,omitempty"`

	// Fasting marks fasting-boundary events (set during the fasting month).
	Fasting bool `json:"fasting,omitempty"`

	// SummaryFor is "today" or "tomorrow" on summary kinds; Times is the
	// full table the summary displays.
	SummaryFor string            `json:"summary_for,omitempty"`
	Times      map[string]string `json:"times,omitempty"`
}

func (p Payload) marshal() json.RawMessage {
	b, err := json.Marshal(p)
	if err != nil {
		return json.RawMessage("{}")
	}
	return b
}

// DecodePayload parses a stored payload; a broken payload yields the zero
// value rather than an error so rendering can still emit something.
func DecodePayload(raw json.RawMessage) Payload {
	var p Payload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

// timesTable flattens the displayable fields of a cache row. Absent fields
// are omitted.
func timesTable(row store.DailyTimes) map[string]string {
	t := make(map[string]string, 7)
	put := func(k, v string) {
		if v != "" {
			t[k] = v
		}
	}
	put("fajr", row.Fajr)
	put("sunrise", row.Sunrise)
	put("dhuhr", row.Dhuhr)
	put("asr", row.Asr)
	put("maghrib", row.Maghrib)
	put("isha", row.Isha)
	put("imsak", row.Imsak)
	return t
}
