// Package times memoizes daily prayer times per (location, day).
//
// The cache is the durable daily_times table itself (cache-aside): a lookup
// miss triggers exactly one provider fetch and an insert; when a concurrent
// first-access wins the insert race, the loser re-reads and returns the
// winner's row. Rows are never mutated or deleted after creation.
package times

import (
	"context"
	"fmt"
	"time"

	"namozbot/internal/prayer"
	"namozbot/internal/store"
	logx "namozbot/pkg/logx"
)

// Provider is the slice of the prayer client the cache needs.
type Provider interface {
	FetchByCity(ctx context.Context, day, city, country string) (prayer.Result, error)
}

type Cache struct {
	store store.Store
	prov  Provider
	log   logx.Logger
}

func NewCache(st store.Store, prov Provider, log logx.Logger) *Cache {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{store: st, prov: prov, log: log}
}

// Ensure returns the unique row for (location, day), fetching and inserting
// it on first access. Provider failures propagate as *prayer.ProviderError;
// retrying is the caller's decision. Safe under concurrent first access.
func (c *Cache) Ensure(ctx context.Context, loc store.Location, day string) (store.DailyTimes, error) {
	row, ok, err := c.store.DailyTimes(ctx, loc.Key, day)
	if err != nil {
		return store.DailyTimes{}, fmt.Errorf("times cache lookup: %w", err)
	}
	if ok {
		return row, nil
	}

	res, err := c.prov.FetchByCity(ctx, day, loc.City, loc.Country)
	if err != nil {
		return store.DailyTimes{}, err
	}

	fresh := store.DailyTimes{
		LocationKey: loc.Key,
		Day:         day,
		Fajr:        res.Times.Fajr,
		Sunrise:     res.Times.Sunrise,
		Dhuhr:       res.Times.Dhuhr,
		Asr:         res.Times.Asr,
		Maghrib:     res.Times.Maghrib,
		Isha:        res.Times.Isha,
		Imsak:       res.Times.Imsak,
		HijriMonth:  res.HijriMonth,
		Raw:         res.Raw,
		CreatedAt:   time.Now().UTC(),
	}

	outcome, err := c.store.InsertDailyTimes(ctx, fresh)
	if err != nil {
		return store.DailyTimes{}, fmt.Errorf("times cache insert: %w", err)
	}
	switch outcome {
	case store.OutcomeInserted:
		c.log.Debug("daily times cached",
			logx.String("location", loc.Key), logx.String("day", day),
			logx.Int("hijri_month", fresh.HijriMonth))
		return fresh, nil
	default:
		// Lost the first-write race; the stored row is authoritative.
		row, ok, err := c.store.DailyTimes(ctx, loc.Key, day)
		if err != nil {
			return store.DailyTimes{}, fmt.Errorf("times cache re-read: %w", err)
		}
		if !ok {
			return store.DailyTimes{}, fmt.Errorf("times cache: row for %s/%s vanished after conflict", loc.Key, day)
		}
		return row, nil
	}
}
