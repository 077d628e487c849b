// Package schedule expands subscriber preferences and cached daily times
// into durable scheduled notifications.
//
// The builder is stateless and re-entrant: every run derives the candidate
// set from scratch and upserts it keyed on (subscriber, kind, fire-at), so
// repeated or concurrent runs with unchanged inputs change nothing. Stale
// pending rows left behind by a disabled preference are deliberately not
// cancelled here; the dispatcher stays the only status writer.
package schedule

import (
	"context"
	"fmt"
	"time"

	"namozbot/internal/store"
	"namozbot/internal/timeutil"
	"namozbot/internal/times"
	logx "namozbot/pkg/logx"
)

type Config struct {
	// RegionOffsetMinutes fixes the "today" day boundary (UTC offset of the
	// primary region). Zero is a valid value (UTC).
	RegionOffsetMinutes int
	// MorningLeadMinutes before the earliest prayer time. Default 30.
	MorningLeadMinutes int
	// EveningTime is the local clock time of the evening summary. Default "21:00".
	EveningTime string
	// FastingMonth is the hijri month enabling fasting events. Default 9.
	FastingMonth int
}

func (c Config) withDefaults() Config {
	if c.MorningLeadMinutes <= 0 {
		c.MorningLeadMinutes = 30
	}
	if c.EveningTime == "" {
		c.EveningTime = "21:00"
	}
	if c.FastingMonth <= 0 {
		c.FastingMonth = 9
	}
	return c
}

// Result counts the stored-set effect of one rebuild.
type Result struct {
	Inserted int
	Existing int
	Dropped  int // candidates without a source time
}

// Summary aggregates a full-population rebuild.
type Summary struct {
	Subscribers int   `json:"subscribers"`
	Built       int   `json:"built"`
	Existing    int   `json:"existing"`
	Skipped     int   `json:"skipped"`
	Failed      int   `json:"failed"`
	TookMS      int64 `json:"took_ms"`
}

type Builder struct {
	cfg   Config
	store store.Store
	cache *times.Cache
	log   logx.Logger

	now func() time.Time
}

func NewBuilder(cfg Config, st store.Store, cache *times.Cache, log logx.Logger) *Builder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Builder{
		cfg:   cfg.withDefaults(),
		store: st,
		cache: cache,
		log:   log,
		now:   time.Now,
	}
}

// Rebuild derives and upserts the notification set for one subscriber,
// covering today and tomorrow at the regional day boundary. Existing rows
// are left untouched; running twice with unchanged inputs is a no-op.
func (b *Builder) Rebuild(ctx context.Context, sub store.Subscriber) (Result, error) {
	if !sub.Active || sub.LocationKey == "" {
		return Result{}, nil
	}

	loc, err := b.store.Location(ctx, sub.LocationKey)
	if err != nil {
		return Result{}, fmt.Errorf("rebuild %d: %w", sub.ChatID, err)
	}

	regionOff := b.cfg.RegionOffsetMinutes
	if loc.UTCOffsetMin != nil {
		regionOff = *loc.UTCOffsetMin
	}

	today := timeutil.CurrentDay(b.now(), regionOff)
	tomorrow, err := timeutil.AddDays(today, 1)
	if err != nil {
		return Result{}, fmt.Errorf("rebuild %d: %w", sub.ChatID, err)
	}

	rowToday, err := b.cache.Ensure(ctx, loc, today)
	if err != nil {
		return Result{}, fmt.Errorf("rebuild %d: %w", sub.ChatID, err)
	}
	rowTomorrow, err := b.cache.Ensure(ctx, loc, tomorrow)
	if err != nil {
		return Result{}, fmt.Errorf("rebuild %d: %w", sub.ChatID, err)
	}

	// Tomorrow's evening summary previews the day after, so that day's
	// table is needed too. Its absence degrades to skipping that one row
	// rather than failing the rebuild.
	var rowAfter store.DailyTimes
	if sub.NotifyEvening {
		if dayAfter, derr := timeutil.AddDays(today, 2); derr == nil {
			row, aerr := b.cache.Ensure(ctx, loc, dayAfter)
			if aerr != nil {
				b.log.Warn("evening preview day unavailable",
					logx.Int64("chat", sub.ChatID), logx.String("day", dayAfter), logx.Err(aerr))
			} else {
				rowAfter = row
			}
		}
	}

	var res Result
	cands := b.candidates(sub, regionOff, rowToday, rowTomorrow, rowAfter)
	for _, c := range cands {
		if c.skipped {
			res.Dropped++
			continue
		}
		outcome, err := b.store.UpsertNotification(ctx, c.n)
		if err != nil {
			return res, fmt.Errorf("rebuild %d: upsert %s@%s: %w", sub.ChatID, c.n.Kind, c.n.FireAt, err)
		}
		if outcome == store.OutcomeInserted {
			res.Inserted++
		} else {
			res.Existing++
		}
	}

	b.log.Debug("schedule rebuilt",
		logx.Int64("chat", sub.ChatID),
		logx.Int("inserted", res.Inserted),
		logx.Int("existing", res.Existing),
		logx.Int("dropped", res.Dropped))
	return res, nil
}

// RebuildAll runs Rebuild for every active subscriber. Per-subscriber
// failures are isolated and counted; one bad provider day or subscriber
// never aborts the population.
func (b *Builder) RebuildAll(ctx context.Context) (Summary, error) {
	start := b.now()

	subs, err := b.store.ActiveSubscribers(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("rebuild all: %w", err)
	}

	sum := Summary{Subscribers: len(subs)}
	for _, sub := range subs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		res, err := b.Rebuild(ctx, sub)
		if err != nil {
			sum.Failed++
			b.log.Warn("subscriber rebuild failed", logx.Int64("chat", sub.ChatID), logx.Err(err))
			continue
		}
		if res.Inserted == 0 && res.Existing == 0 {
			sum.Skipped++
		}
		sum.Built += res.Inserted
		sum.Existing += res.Existing
	}
	sum.TookMS = time.Since(start).Milliseconds()

	b.log.Info("full rebuild finished",
		logx.Int("subscribers", sum.Subscribers),
		logx.Int("built", sum.Built),
		logx.Int("existing", sum.Existing),
		logx.Int("failed", sum.Failed))
	return sum, nil
}

// candidate pairs a notification with a skipped marker for candidates whose
// source clock time is absent from the cache row.
type candidate struct {
	n       store.Notification
	skipped bool
}

func (b *Builder) candidates(sub store.Subscriber, regionOff int, rowToday, rowTomorrow, rowAfter store.DailyTimes) []candidate {
	var out []candidate

	push := func(kind store.Kind, row store.DailyTimes, hhmm string, p Payload) {
		if hhmm == "" {
			out = append(out, candidate{skipped: true})
			return
		}
		fireAt, err := timeutil.LocalToAbsolute(row.Day, hhmm, sub.OffsetMinutes, regionOff)
		if err != nil {
			// A malformed cached clock string behaves like an absent one.
			out = append(out, candidate{skipped: true})
			return
		}
		p.Day = row.Day
		p.LocalTime = hhmm
		p.LocationKey = sub.LocationKey
		out = append(out, candidate{n: store.Notification{
			ChatID:  sub.ChatID,
			Kind:    kind,
			FireAt:  fireAt,
			Payload: p.marshal(),
			Status:  store.StatusPending,
		}})
	}

	perDay := func(row store.DailyTimes) {
		if sub.NotifyPrayers {
			push(store.KindFajr, row, row.Fajr, Payload{})
			push(store.KindDhuhr, row, row.Dhuhr, Payload{})
			push(store.KindAsr, row, row.Asr, Payload{})
			push(store.KindMaghrib, row, row.Maghrib, Payload{})
			push(store.KindIsha, row, row.Isha, Payload{})
		}

		if sub.NotifyFasting && row.HijriMonth == b.cfg.FastingMonth {
			push(store.KindImsak, row, row.Imsak, Payload{Fasting: true})
			push(store.KindIftar, row, row.Maghrib, Payload{Fasting: true})
		}

		if sub.NotifyMorning {
			if earliest := earliestPrayer(row); earliest != "" {
				t, err := timeutil.AddMinutes(earliest, -b.cfg.MorningLeadMinutes)
				if err == nil {
					push(store.KindMorningSummary, row, t, Payload{SummaryFor: "today", Times: timesTable(row)})
				}
			}
		}
	}

	perDay(rowToday)
	perDay(rowTomorrow)

	// Each evening summary previews the following day, so both build days
	// get one; tomorrow's needs the day-after table and is skipped when
	// that fetch degraded.
	if sub.NotifyEvening {
		push(store.KindEveningSummary, rowToday, b.cfg.EveningTime,
			Payload{SummaryFor: "tomorrow", Times: timesTable(rowTomorrow)})
		if rowAfter.Day != "" {
			push(store.KindEveningSummary, rowTomorrow, b.cfg.EveningTime,
				Payload{SummaryFor: "tomorrow", Times: timesTable(rowAfter)})
		}
	}

	return out
}

// earliestPrayer returns the smallest present prayer clock time of the day.
func earliestPrayer(row store.DailyTimes) string {
	best := ""
	bestMin := 0
	for _, v := range []string{row.Fajr, row.Dhuhr, row.Asr, row.Maghrib, row.Isha} {
		if v == "" {
			continue
		}
		m, err := timeutil.ParseHHMM(v)
		if err != nil {
			continue
		}
		if best == "" || m < bestMin {
			best, bestMin = v, m
		}
	}
	return best
}
