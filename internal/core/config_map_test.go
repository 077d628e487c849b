package core

import (
	"testing"
	"time"

	"namozbot/internal/config"
)

func TestScheduleConfigRegionOffset(t *testing.T) {
	// Absent pointer means the regional default.
	got := scheduleConfig(config.ScheduleConfig{})
	if got.RegionOffsetMinutes != 300 {
		t.Fatalf("default offset = %d, want 300", got.RegionOffsetMinutes)
	}

	// Explicit zero is UTC, not "use default".
	zero := 0
	got = scheduleConfig(config.ScheduleConfig{RegionOffsetMinutes: &zero})
	if got.RegionOffsetMinutes != 0 {
		t.Fatalf("explicit zero offset = %d, want 0", got.RegionOffsetMinutes)
	}
}

func TestDispatchConfigDurations(t *testing.T) {
	got, err := dispatchConfig(config.DispatchConfig{
		LateTolerance: "20m",
		BatchSize:     50,
	})
	if err != nil {
		t.Fatalf("dispatchConfig: %v", err)
	}
	if got.LateTolerance != 20*time.Minute {
		t.Fatalf("late = %v", got.LateTolerance)
	}
	if got.EarlyTolerance != 15*time.Second {
		t.Fatalf("early default = %v", got.EarlyTolerance)
	}
	if got.BatchSize != 50 {
		t.Fatalf("batch = %d", got.BatchSize)
	}

	if _, err := dispatchConfig(config.DispatchConfig{ClaimStaleAfter: "bogus"}); err == nil {
		t.Fatal("want error for bad duration")
	}
}
