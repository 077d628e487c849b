package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"namozbot/internal/prayer"
	"namozbot/internal/store"
	"namozbot/internal/times"
	logx "namozbot/pkg/logx"
)

type tableProvider struct {
	mu   sync.Mutex
	days map[string]prayer.Result
	fail map[string]bool
}

func (p *tableProvider) FetchByCity(ctx context.Context, day, city, country string) (prayer.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[day] {
		return prayer.Result{}, &prayer.ProviderError{Op: "timingsByCity", Err: errors.New("upstream 502")}
	}
	res, ok := p.days[day]
	if !ok {
		return prayer.Result{Times: prayer.Times{Fajr: "05:10", Dhuhr: "12:30", Asr: "15:45", Maghrib: "18:02", Isha: "19:25"}}, nil
	}
	return res, nil
}

// fixedNow pins the regional "today" to 2026-03-10 (UTC+05:00).
var fixedNow = time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

func newTestBuilder(t *testing.T, prov times.Provider) (*Builder, store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "sched.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cache := times.NewCache(st, prov, logx.Nop())
	b := NewBuilder(Config{RegionOffsetMinutes: 300}, st, cache, logx.Nop())
	b.now = func() time.Time { return fixedNow }
	return b, st
}

func putSubscriber(t *testing.T, st store.Store, sub store.Subscriber) {
	t.Helper()
	if sub.Language == "" {
		sub.Language = "uz"
	}
	if err := st.PutSubscriber(context.Background(), sub); err != nil {
		t.Fatalf("PutSubscriber: %v", err)
	}
}

func TestRebuildPrayersOnly(t *testing.T) {
	prov := &tableProvider{days: map[string]prayer.Result{
		"2026-03-10": {Times: prayer.Times{Fajr: "05:10", Dhuhr: "12:30"}},
		"2026-03-11": {Times: prayer.Times{}},
	}}
	b, st := newTestBuilder(t, prov)
	ctx := context.Background()

	sub := store.Subscriber{ChatID: 42, LocationKey: "tashkent", NotifyPrayers: true, Active: true}
	putSubscriber(t, st, sub)

	res, err := b.Rebuild(ctx, sub)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Inserted != 2 {
		t.Fatalf("inserted = %d, want 2 (Fajr+Dhuhr today, empty tomorrow)", res.Inserted)
	}

	rows, err := st.NotificationsByChat(ctx, 42)
	if err != nil {
		t.Fatalf("NotificationsByChat: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("stored rows = %d, want 2", len(rows))
	}
	// 05:10 local at UTC+05:00 is 00:10 UTC; 12:30 is 07:30 UTC.
	wantFajr := time.Date(2026, 3, 10, 0, 10, 0, 0, time.UTC)
	wantDhuhr := time.Date(2026, 3, 10, 7, 30, 0, 0, time.UTC)
	if rows[0].Kind != store.KindFajr || !rows[0].FireAt.Equal(wantFajr) {
		t.Fatalf("row 0 = %s@%v, want FAJR@%v", rows[0].Kind, rows[0].FireAt, wantFajr)
	}
	if rows[1].Kind != store.KindDhuhr || !rows[1].FireAt.Equal(wantDhuhr) {
		t.Fatalf("row 1 = %s@%v, want DHUHR@%v", rows[1].Kind, rows[1].FireAt, wantDhuhr)
	}
	for _, r := range rows {
		if r.Status != store.StatusPending {
			t.Fatalf("row %s status = %s, want pending", r.Kind, r.Status)
		}
	}
}

func TestRebuildIdempotent(t *testing.T) {
	prov := &tableProvider{}
	b, st := newTestBuilder(t, prov)
	ctx := context.Background()

	sub := store.Subscriber{
		ChatID: 7, LocationKey: "tashkent", OffsetMinutes: 15,
		NotifyPrayers: true, NotifyMorning: true, NotifyEvening: true, Active: true,
	}
	putSubscriber(t, st, sub)

	first, err := b.Rebuild(ctx, sub)
	if err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	if first.Inserted == 0 {
		t.Fatal("first rebuild inserted nothing")
	}
	before, _ := st.NotificationsByChat(ctx, 7)

	second, err := b.Rebuild(ctx, sub)
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if second.Inserted != 0 {
		t.Fatalf("second rebuild inserted %d rows, want 0", second.Inserted)
	}
	if second.Existing != first.Inserted {
		t.Fatalf("second rebuild existing = %d, want %d", second.Existing, first.Inserted)
	}
	after, _ := st.NotificationsByChat(ctx, 7)
	if len(after) != len(before) {
		t.Fatalf("stored set changed: %d -> %d rows", len(before), len(after))
	}
}

func TestRebuildConcurrentNoDuplicates(t *testing.T) {
	prov := &tableProvider{}
	b, st := newTestBuilder(t, prov)
	ctx := context.Background()

	sub := store.Subscriber{ChatID: 9, LocationKey: "tashkent", NotifyPrayers: true, Active: true}
	putSubscriber(t, st, sub)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Rebuild(ctx, sub); err != nil {
				t.Errorf("Rebuild: %v", err)
			}
		}()
	}
	wg.Wait()

	rows, err := st.NotificationsByChat(ctx, 9)
	if err != nil {
		t.Fatalf("NotificationsByChat: %v", err)
	}
	seen := map[string]bool{}
	for _, r := range rows {
		key := string(r.Kind) + r.FireAt.String()
		if seen[key] {
			t.Fatalf("duplicate (kind, fire_at): %s @ %v", r.Kind, r.FireAt)
		}
		seen[key] = true
	}
	// 5 prayers x 2 days.
	if len(rows) != 10 {
		t.Fatalf("stored rows = %d, want 10", len(rows))
	}
}

func TestFastingKindsGatedByHijriMonth(t *testing.T) {
	prov := &tableProvider{days: map[string]prayer.Result{
		"2026-03-10": {Times: prayer.Times{Fajr: "05:10", Maghrib: "18:02", Imsak: "05:00"}, HijriMonth: 9},
		"2026-03-11": {Times: prayer.Times{Fajr: "05:08", Maghrib: "18:03", Imsak: "04:58"}, HijriMonth: 8},
	}}
	b, st := newTestBuilder(t, prov)
	ctx := context.Background()

	sub := store.Subscriber{ChatID: 11, LocationKey: "tashkent", NotifyFasting: true, Active: true}
	putSubscriber(t, st, sub)

	if _, err := b.Rebuild(ctx, sub); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	rows, _ := st.NotificationsByChat(ctx, 11)
	var kinds []store.Kind
	for _, r := range rows {
		kinds = append(kinds, r.Kind)
	}
	// Only the month-9 day emits fasting events.
	if len(rows) != 2 {
		t.Fatalf("rows = %v, want IMSAK+IFTAR for the fasting day only", kinds)
	}
	byKind := map[store.Kind]store.Notification{}
	for _, r := range rows {
		byKind[r.Kind] = r
	}
	if _, ok := byKind[store.KindImsak]; !ok {
		t.Fatalf("missing IMSAK, got %v", kinds)
	}
	iftar, ok := byKind[store.KindIftar]
	if !ok {
		t.Fatalf("missing IFTAR, got %v", kinds)
	}
	p := DecodePayload(iftar.Payload)
	if !p.Fasting || p.LocalTime != "18:02" || p.Day != "2026-03-10" {
		t.Fatalf("iftar payload = %+v", p)
	}
}

func TestFastingSkipsMissingImsak(t *testing.T) {
	prov := &tableProvider{days: map[string]prayer.Result{
		"2026-03-10": {Times: prayer.Times{Maghrib: "18:02"}, HijriMonth: 9},
		"2026-03-11": {Times: prayer.Times{Maghrib: "18:03"}, HijriMonth: 9},
	}}
	b, st := newTestBuilder(t, prov)
	ctx := context.Background()

	sub := store.Subscriber{ChatID: 12, LocationKey: "tashkent", NotifyFasting: true, Active: true}
	putSubscriber(t, st, sub)

	res, err := b.Rebuild(ctx, sub)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if res.Dropped != 2 {
		t.Fatalf("dropped = %d, want 2 (missing imsak both days)", res.Dropped)
	}
	rows, _ := st.NotificationsByChat(ctx, 12)
	for _, r := range rows {
		if r.Kind == store.KindImsak {
			t.Fatal("IMSAK scheduled despite missing source time")
		}
	}
}

func TestSummaries(t *testing.T) {
	prov := &tableProvider{days: map[string]prayer.Result{
		"2026-03-10": {Times: prayer.Times{Fajr: "05:10", Dhuhr: "12:30", Asr: "15:45", Maghrib: "18:02", Isha: "19:25"}},
		"2026-03-11": {Times: prayer.Times{Fajr: "05:08", Dhuhr: "12:30", Asr: "15:46", Maghrib: "18:03", Isha: "19:26"}},
		"2026-03-12": {Times: prayer.Times{Fajr: "05:06", Dhuhr: "12:29", Asr: "15:47", Maghrib: "18:04", Isha: "19:27"}},
	}}
	b, st := newTestBuilder(t, prov)
	ctx := context.Background()

	sub := store.Subscriber{ChatID: 13, LocationKey: "tashkent", NotifyMorning: true, NotifyEvening: true, Active: true}
	putSubscriber(t, st, sub)

	if _, err := b.Rebuild(ctx, sub); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	rows, _ := st.NotificationsByChat(ctx, 13)

	var morning, evening []store.Notification
	for _, r := range rows {
		switch r.Kind {
		case store.KindMorningSummary:
			morning = append(morning, r)
		case store.KindEveningSummary:
			evening = append(evening, r)
		}
	}
	if len(morning) != 2 {
		t.Fatalf("morning summaries = %d, want 2 (today and tomorrow)", len(morning))
	}
	if len(evening) != 2 {
		t.Fatalf("evening summaries = %d, want 2 (today and tomorrow)", len(evening))
	}

	// Morning summary fires 30 minutes before the earliest prayer.
	p := DecodePayload(morning[0].Payload)
	if p.LocalTime != "04:40" {
		t.Fatalf("morning local time = %q, want 04:40", p.LocalTime)
	}
	if p.Times["fajr"] != "05:10" {
		t.Fatalf("morning table = %v", p.Times)
	}

	// Each evening summary fires at the fixed clock time and previews the
	// following day's table.
	ep := DecodePayload(evening[0].Payload)
	if ep.LocalTime != "21:00" || ep.SummaryFor != "tomorrow" || ep.Day != "2026-03-10" {
		t.Fatalf("first evening payload = %+v", ep)
	}
	if ep.Times["fajr"] != "05:08" {
		t.Fatalf("first evening table should carry 03-11 times, got %v", ep.Times)
	}
	ep = DecodePayload(evening[1].Payload)
	if ep.Day != "2026-03-11" {
		t.Fatalf("second evening payload = %+v", ep)
	}
	if ep.Times["fajr"] != "05:06" {
		t.Fatalf("second evening table should carry 03-12 times, got %v", ep.Times)
	}
}

func TestEveningSkippedWhenPreviewDayUnavailable(t *testing.T) {
	prov := &tableProvider{fail: map[string]bool{"2026-03-12": true}}
	b, st := newTestBuilder(t, prov)
	ctx := context.Background()

	sub := store.Subscriber{ChatID: 14, LocationKey: "tashkent", NotifyEvening: true, Active: true}
	putSubscriber(t, st, sub)

	if _, err := b.Rebuild(ctx, sub); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	rows, _ := st.NotificationsByChat(ctx, 14)
	if len(rows) != 1 || rows[0].Kind != store.KindEveningSummary {
		t.Fatalf("rows = %+v, want today's evening summary only", rows)
	}
	if p := DecodePayload(rows[0].Payload); p.Day != "2026-03-10" {
		t.Fatalf("payload = %+v, want today's row", p)
	}
}

func TestRebuildAllIsolatesFailures(t *testing.T) {
	prov := &tableProvider{}
	b, st := newTestBuilder(t, prov)
	ctx := context.Background()

	putSubscriber(t, st, store.Subscriber{ChatID: 1, LocationKey: "tashkent", NotifyPrayers: true, Active: true})
	// Unknown location makes this subscriber fail without affecting others.
	putSubscriber(t, st, store.Subscriber{ChatID: 2, LocationKey: "atlantis", NotifyPrayers: true, Active: true})
	putSubscriber(t, st, store.Subscriber{ChatID: 3, LocationKey: "samarkand", NotifyPrayers: true, Active: true})

	sum, err := b.RebuildAll(ctx)
	if err != nil {
		t.Fatalf("RebuildAll: %v", err)
	}
	if sum.Subscribers != 3 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 3 subscribers with 1 failure", sum)
	}
	if sum.Built != 20 {
		t.Fatalf("built = %d, want 20 (5 prayers x 2 days x 2 healthy subscribers)", sum.Built)
	}
}
