package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "namozbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(context.Background(), Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSeededLocations(t *testing.T) {
	st := openTestStore(t)
	loc, err := st.Location(context.Background(), "tashkent")
	if err != nil {
		t.Fatalf("Location: %v", err)
	}
	if loc.City != "Tashkent" || loc.Country != "Uzbekistan" {
		t.Fatalf("unexpected seed row: %+v", loc)
	}
	if _, err := st.Location(context.Background(), "atlantis"); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestUpsertNotificationDedup(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	fireAt := time.Date(2026, 3, 10, 0, 10, 0, 0, time.UTC)

	n := Notification{ChatID: 42, Kind: KindFajr, FireAt: fireAt, Payload: []byte(`{"day":"2026-03-10"}`)}
	out, err := st.UpsertNotification(ctx, n)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if out != OutcomeInserted {
		t.Fatalf("first upsert outcome = %v, want Inserted", out)
	}

	out, err = st.UpsertNotification(ctx, n)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if out != OutcomeAlreadyExists {
		t.Fatalf("second upsert outcome = %v, want AlreadyExists", out)
	}

	rows, err := st.NotificationsByChat(ctx, 42)
	if err != nil {
		t.Fatalf("NotificationsByChat: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("row count = %d, want 1", len(rows))
	}
	if rows[0].Status != StatusPending || !rows[0].FireAt.Equal(fireAt) {
		t.Fatalf("unexpected row: %+v", rows[0])
	}
}

func TestClaimWindowBoundaries(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	due := Notification{ChatID: 1, Kind: KindDhuhr, FireAt: now.Add(-5 * time.Minute)}
	early := Notification{ChatID: 1, Kind: KindAsr, FireAt: now.Add(10 * time.Minute)}
	tooLate := Notification{ChatID: 1, Kind: KindFajr, FireAt: now.Add(-15 * time.Minute)}
	for _, n := range []Notification{due, early, tooLate} {
		if _, err := st.UpsertNotification(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	from := now.Add(-10 * time.Minute)
	to := now.Add(15 * time.Second)
	claimed, err := st.ClaimDue(ctx, from, to, 200, "cycle-1")
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Kind != KindDhuhr {
		t.Fatalf("claimed = %+v, want only the due DHUHR row", claimed)
	}
	if claimed[0].Status != StatusInFlight || claimed[0].ClaimID != "cycle-1" {
		t.Fatalf("claimed row not in_flight: %+v", claimed[0])
	}

	// The row outside the late tolerance is swept to failed.
	swept, err := st.ExpireOverdue(ctx, from)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}
	rows, _ := st.NotificationsByChat(ctx, 1)
	for _, r := range rows {
		if r.Kind == KindFajr && r.Status != StatusFailed {
			t.Fatalf("overdue row status = %s, want failed", r.Status)
		}
		if r.Kind == KindAsr && r.Status != StatusPending {
			t.Fatalf("future row status = %s, want pending", r.Status)
		}
	}
}

func TestClaimOrderAndLimit(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	kinds := []Kind{KindIsha, KindFajr, KindMaghrib, KindDhuhr, KindAsr}
	for i, k := range kinds {
		n := Notification{ChatID: 7, Kind: k, FireAt: now.Add(-time.Duration(i+1) * time.Minute)}
		if _, err := st.UpsertNotification(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	claimed, err := st.ClaimDue(ctx, now.Add(-10*time.Minute), now, 3, "c")
	if err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d rows, want 3 (bounded batch)", len(claimed))
	}
	for i := 1; i < len(claimed); i++ {
		if claimed[i].FireAt.Before(claimed[i-1].FireAt) {
			t.Fatalf("claims not ordered by fire_at ascending: %+v", claimed)
		}
	}
}

func TestOverlappingClaimsNeverShareRows(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	const rows = 40
	for i := 0; i < rows; i++ {
		n := Notification{ChatID: int64(100 + i), Kind: KindFajr, FireAt: now.Add(-time.Duration(i) * time.Second)}
		if _, err := st.UpsertNotification(ctx, n); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	from := now.Add(-10 * time.Minute)
	to := now.Add(15 * time.Second)

	var wg sync.WaitGroup
	results := make([][]Notification, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claimed, err := st.ClaimDue(ctx, from, to, 200, claimName(i))
			if err != nil {
				t.Errorf("ClaimDue[%d]: %v", i, err)
				return
			}
			results[i] = claimed
		}(i)
	}
	wg.Wait()

	seen := map[int64]string{}
	total := 0
	for i, claimed := range results {
		for _, n := range claimed {
			if prev, dup := seen[n.ID]; dup {
				t.Fatalf("row %d claimed by both %s and %s", n.ID, prev, claimName(i))
			}
			seen[n.ID] = claimName(i)
			total++
		}
	}
	if total != rows {
		t.Fatalf("total claimed = %d, want %d", total, rows)
	}
}

func claimName(i int) string { return string(rune('a' + i)) }

func TestStatusTransitions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.UpsertNotification(ctx, Notification{ChatID: 5, Kind: KindIftar, FireAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	claimed, err := st.ClaimDue(ctx, now.Add(-10*time.Minute), now, 10, "x")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue = (%v, %v), want 1 row", claimed, err)
	}
	id := claimed[0].ID

	// Failure within the window releases for retry.
	if err := st.ReleaseForRetry(ctx, id, "x", "gateway: 429"); err != nil {
		t.Fatalf("ReleaseForRetry: %v", err)
	}
	rows, _ := st.NotificationsByChat(ctx, 5)
	if rows[0].Status != StatusPending || rows[0].LastError != "gateway: 429" {
		t.Fatalf("after release: %+v", rows[0])
	}

	// A later cycle claims and delivers it.
	claimed, err = st.ClaimDue(ctx, now.Add(-10*time.Minute), now, 10, "y")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("reclaim = (%v, %v)", claimed, err)
	}
	sentAt := time.Now().UTC()
	if err := st.MarkDelivered(ctx, id, "y", sentAt); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	rows, _ = st.NotificationsByChat(ctx, 5)
	if rows[0].Status != StatusDelivered || rows[0].SentAt == nil || rows[0].LastError != "" {
		t.Fatalf("after deliver: %+v", rows[0])
	}

	// Terminal transitions only apply to in_flight rows.
	if err := st.MarkFailed(ctx, id, "y", "should not apply"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	rows, _ = st.NotificationsByChat(ctx, 5)
	if rows[0].Status != StatusDelivered {
		t.Fatalf("delivered row must stay terminal, got %s", rows[0].Status)
	}
}

func TestRequeueStaleClaims(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.UpsertNotification(ctx, Notification{ChatID: 9, Kind: KindImsak, FireAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.ClaimDue(ctx, now.Add(-10*time.Minute), now, 10, "dead-cycle"); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	// Nothing stale yet.
	n, err := st.RequeueStaleClaims(ctx, now.Add(-2*time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleClaims: %v", err)
	}
	if n != 0 {
		t.Fatalf("requeued %d, want 0", n)
	}

	// With a cutoff in the future everything in_flight counts as stale.
	n, err = st.RequeueStaleClaims(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("RequeueStaleClaims: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued %d, want 1", n)
	}
	rows, _ := st.NotificationsByChat(ctx, 9)
	if rows[0].Status != StatusPending || rows[0].ClaimID != "" {
		t.Fatalf("after requeue: %+v", rows[0])
	}
}

func TestSupersededClaimCannotTransition(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.UpsertNotification(ctx, Notification{ChatID: 11, Kind: KindFajr, FireAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	claimed, err := st.ClaimDue(ctx, now.Add(-10*time.Minute), now, 10, "a")
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimDue = (%v, %v)", claimed, err)
	}
	id := claimed[0].ID

	// Cycle a goes quiet; the row is requeued and cycle b takes it over.
	if _, err := st.RequeueStaleClaims(ctx, now.Add(time.Hour)); err != nil {
		t.Fatalf("RequeueStaleClaims: %v", err)
	}
	reclaimed, err := st.ClaimDue(ctx, now.Add(-10*time.Minute), now, 10, "b")
	if err != nil || len(reclaimed) != 1 {
		t.Fatalf("reclaim = (%v, %v)", reclaimed, err)
	}

	// Cycle a wakes up: its transitions carry a superseded claim and must
	// not touch b's row.
	if err := st.MarkDelivered(ctx, id, "a", time.Now().UTC()); err != nil {
		t.Fatalf("MarkDelivered(a): %v", err)
	}
	if err := st.ReleaseForRetry(ctx, id, "a", "late failure"); err != nil {
		t.Fatalf("ReleaseForRetry(a): %v", err)
	}
	rows, _ := st.NotificationsByChat(ctx, 11)
	if rows[0].Status != StatusInFlight || rows[0].ClaimID != "b" {
		t.Fatalf("row clobbered by superseded claim: %+v", rows[0])
	}

	// The current owner still can.
	if err := st.MarkDelivered(ctx, id, "b", time.Now().UTC()); err != nil {
		t.Fatalf("MarkDelivered(b): %v", err)
	}
	rows, _ = st.NotificationsByChat(ctx, 11)
	if rows[0].Status != StatusDelivered {
		t.Fatalf("owner transition lost: %+v", rows[0])
	}
}

func TestExtendClaimsKeepsLeaseFresh(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := st.UpsertNotification(ctx, Notification{ChatID: 13, Kind: KindAsr, FireAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := st.ClaimDue(ctx, now.Add(-10*time.Minute), now, 10, "live"); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}

	// A heartbeat under a foreign claim touches nothing.
	n, err := st.ExtendClaims(ctx, "other", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ExtendClaims(other): %v", err)
	}
	if n != 0 {
		t.Fatalf("foreign heartbeat touched %d rows", n)
	}

	// The owner's heartbeat pushes updated_at past the staleness cutoff.
	n, err = st.ExtendClaims(ctx, "live", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ExtendClaims(live): %v", err)
	}
	if n != 1 {
		t.Fatalf("heartbeat touched %d rows, want 1", n)
	}
	requeued, err := st.RequeueStaleClaims(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleClaims: %v", err)
	}
	if requeued != 0 {
		t.Fatalf("fresh claim requeued (%d rows)", requeued)
	}
	rows, _ := st.NotificationsByChat(ctx, 13)
	if rows[0].Status != StatusInFlight || rows[0].ClaimID != "live" {
		t.Fatalf("lease lost: %+v", rows[0])
	}
}

func TestDailyTimesInsertRace(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	row := DailyTimes{LocationKey: "tashkent", Day: "2026-03-10", Fajr: "05:10", Dhuhr: "12:30", HijriMonth: 9}
	out, err := st.InsertDailyTimes(ctx, row)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if out != OutcomeInserted {
		t.Fatalf("first insert outcome = %v", out)
	}

	// A losing concurrent writer sees AlreadyExists, not an error.
	row2 := row
	row2.Fajr = "05:11"
	out, err = st.InsertDailyTimes(ctx, row2)
	if err != nil {
		t.Fatalf("conflicting insert: %v", err)
	}
	if out != OutcomeAlreadyExists {
		t.Fatalf("conflicting insert outcome = %v", out)
	}

	got, ok, err := st.DailyTimes(ctx, "tashkent", "2026-03-10")
	if err != nil || !ok {
		t.Fatalf("DailyTimes = (%v, %v, %v)", got, ok, err)
	}
	if got.Fajr != "05:10" {
		t.Fatalf("winner's row must be immutable, got fajr=%q", got.Fajr)
	}
	if got.Imsak != "" {
		t.Fatalf("absent field should read back empty, got %q", got.Imsak)
	}
}

func TestDeliveryLogWriteOnce(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	rec := DeliveryRecord{ChatID: 3, Kind: KindFajr, FireAt: time.Now().UTC(), SentAt: time.Now().UTC()}
	if err := st.AppendDelivery(ctx, rec); err != nil {
		t.Fatalf("AppendDelivery: %v", err)
	}
	if err := st.AppendDelivery(ctx, rec); err != nil {
		t.Fatalf("duplicate AppendDelivery must be a no-op, got: %v", err)
	}
}
