package core

import (
	"time"

	"namozbot/internal/config"
	"namozbot/internal/dispatch"
	"namozbot/internal/schedule"
	"namozbot/internal/store"
)

// Mapping from the on-disk config schema to per-package configs. Duration
// fields arrive as strings and are parsed here; Validate() has already
// checked them, so ParseDurationOrDefault failures only occur on hot
// reloads of a config that regressed.

func storeConfig(c config.StorageConfig) store.Config {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", c.BusyTimeout, 0)
	if err != nil {
		busy = 0
	}
	return store.Config{
		Driver:      c.Driver,
		Path:        c.Path,
		DSN:         c.DSN,
		BusyTimeout: busy,
	}
}

func scheduleConfig(c config.ScheduleConfig) schedule.Config {
	// Absent means the primary-region default (UTC+05:00); zero is a real
	// value (UTC), which is why the config field is a pointer.
	off := 300
	if c.RegionOffsetMinutes != nil {
		off = *c.RegionOffsetMinutes
	}
	return schedule.Config{
		RegionOffsetMinutes: off,
		MorningLeadMinutes:  c.MorningLeadMinutes,
		EveningTime:         c.EveningTime,
		FastingMonth:        c.FastingMonth,
	}
}

func dispatchConfig(c config.DispatchConfig) (dispatch.Config, error) {
	late, err := config.ParseDurationOrDefault("dispatch.late_tolerance", c.LateTolerance, 10*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	early, err := config.ParseDurationOrDefault("dispatch.early_tolerance", c.EarlyTolerance, 15*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	stale, err := config.ParseDurationOrDefault("dispatch.claim_stale_after", c.ClaimStaleAfter, 2*time.Minute)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		LateTolerance:   late,
		EarlyTolerance:  early,
		BatchSize:       c.BatchSize,
		RatePerSec:      c.RatePerSec,
		ClaimStaleAfter: stale,
	}, nil
}
