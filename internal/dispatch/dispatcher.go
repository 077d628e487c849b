// Package dispatch runs the delivery side of the engine: one poll cycle
// claims due pending notifications inside a grace window, renders and sends
// each independently, and records the outcome.
//
// There is no resident process. Every cycle is triggered externally, may
// overlap with other cycles, and relies on the store's atomic claim for
// at-most-once delivery. A failed send stays retryable while its fire-at is
// inside the grace window and becomes terminally failed once it falls out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"namozbot/internal/gateway"
	"namozbot/internal/store"
	logx "namozbot/pkg/logx"
)

type Config struct {
	// LateTolerance keeps a missed row claimable this long past its fire-at.
	// Default 10m.
	LateTolerance time.Duration
	// EarlyTolerance absorbs trigger jitter ahead of fire-at. Default 15s.
	EarlyTolerance time.Duration
	// BatchSize bounds per-cycle work. Default 200.
	BatchSize int
	// RatePerSec paces gateway sends. Default 15.
	RatePerSec int
	// ClaimStaleAfter requeues in_flight rows from dead cycles. Default 2m.
	ClaimStaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.LateTolerance <= 0 {
		c.LateTolerance = 10 * time.Minute
	}
	if c.EarlyTolerance <= 0 {
		c.EarlyTolerance = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 15
	}
	if c.ClaimStaleAfter <= 0 {
		c.ClaimStaleAfter = 2 * time.Minute
	}
	return c
}

// CycleSummary reports one poll cycle; it is the JSON body of the trigger
// endpoint response.
type CycleSummary struct {
	Claimed  int       `json:"claimed"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Expired  int64     `json:"expired"`
	Requeued int64     `json:"requeued"`
	From     time.Time `json:"window_from"`
	To       time.Time `json:"window_to"`
	TookMS   int64     `json:"took_ms"`
}

type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	store store.Store
	gw    gateway.Gateway
	log   logx.Logger

	now func() time.Time
}

func New(cfg Config, st store.Store, gw gateway.Gateway, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		store:   st,
		gw:      gw,
		log:     log,
		now:     time.Now,
	}
}

// Apply swaps pacing/window knobs at runtime (config reload).
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// RunCycle performs one poll cycle and returns its summary. The returned
// error is non-nil only for store-level failures that prevented the cycle
// from running at all; per-row send failures are counted, not raised.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleSummary, error) {
	cfg, limiter := d.snapshot()
	start := d.now()
	now := start.UTC()

	sum := CycleSummary{
		From: now.Add(-cfg.LateTolerance),
		To:   now.Add(cfg.EarlyTolerance),
	}

	// Recover rows a crashed cycle left in flight, then sweep rows the
	// grace window has passed by.
	requeued, err := d.store.RequeueStaleClaims(ctx, now.Add(-cfg.ClaimStaleAfter))
	if err != nil {
		return sum, fmt.Errorf("dispatch: requeue stale: %w", err)
	}
	sum.Requeued = requeued

	expired, err := d.store.ExpireOverdue(ctx, sum.From)
	if err != nil {
		return sum, fmt.Errorf("dispatch: expire overdue: %w", err)
	}
	sum.Expired = expired

	claimID := uuid.NewString()
	claimed, err := d.store.ClaimDue(ctx, sum.From, sum.To, cfg.BatchSize, claimID)
	if err != nil {
		return sum, fmt.Errorf("dispatch: claim: %w", err)
	}
	sum.Claimed = len(claimed)

	if len(claimed) == 0 {
		// Zero due rows is the normal quiet outcome.
		sum.TookMS = time.Since(start).Milliseconds()
		return sum, nil
	}

	// Keep the lease on unfinished rows fresh while the batch runs, so a
	// slow batch is never mistaken for a dead cycle and requeued from
	// under us mid-send.
	heartbeatDone := make(chan struct{})
	go d.heartbeatClaims(claimID, cfg.ClaimStaleAfter, heartbeatDone)
	defer close(heartbeatDone)

	for _, n := range claimed {
		if err := limiter.Wait(ctx); err != nil {
			// Context gone; release what we have not sent so another cycle
			// can pick it up.
			if rerr := d.store.ReleaseForRetry(ctx, n.ID, claimID, "cycle interrupted"); rerr != nil {
				d.log.Error("release after interrupt failed", logx.Int64("id", n.ID), logx.Err(rerr))
			}
			sum.Failed++
			continue
		}
		if d.deliverOne(ctx, n, claimID) {
			sum.Sent++
		} else {
			sum.Failed++
		}
	}

	sum.TookMS = time.Since(start).Milliseconds()
	d.log.Info("dispatch cycle finished",
		logx.String("claim", claimID),
		logx.Int("claimed", sum.Claimed),
		logx.Int("sent", sum.Sent),
		logx.Int("failed", sum.Failed),
		logx.Int64("expired", sum.Expired),
		logx.Int64("requeued", sum.Requeued))
	return sum, nil
}

// heartbeatClaims refreshes the cycle's lease on its in_flight rows until
// done closes. The interval stays well inside the staleness cutoff so the
// requeue sweep of a concurrent cycle never sees a live claim as dead.
func (d *Dispatcher) heartbeatClaims(claimID string, staleAfter time.Duration, done <-chan struct{}) {
	t := time.NewTicker(staleAfter / 3)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), staleAfter/3)
			if _, err := d.store.ExtendClaims(ctx, claimID, d.now().UTC()); err != nil {
				d.log.Warn("claim heartbeat failed", logx.String("claim", claimID), logx.Err(err))
			}
			cancel()
		}
	}
}

// deliverOne sends a single claimed row and records the outcome. Failures
// are per-row: they are logged, stored on the row, and never abort the batch.
func (d *Dispatcher) deliverOne(ctx context.Context, n store.Notification, claimID string) bool {
	lang := "uz"
	if sub, err := d.store.Subscriber(ctx, n.ChatID); err == nil {
		lang = sub.Language
	} else if !errors.Is(err, store.ErrNotFound) {
		d.log.Warn("subscriber lookup failed; using default language",
			logx.Int64("chat", n.ChatID), logx.Err(err))
	}

	text := Render(n, lang)

	if err := d.gw.Send(ctx, n.ChatID, text); err != nil {
		d.log.Warn("send failed",
			logx.Int64("chat", n.ChatID),
			logx.String("kind", string(n.Kind)),
			logx.Time("fire_at", n.FireAt),
			logx.Err(err))
		// Keep it retryable; the overdue sweep terminates it once the
		// fire-at leaves the window.
		if rerr := d.store.ReleaseForRetry(ctx, n.ID, claimID, err.Error()); rerr != nil {
			d.log.Error("release for retry failed", logx.Int64("id", n.ID), logx.Err(rerr))
		}
		return false
	}

	sentAt := d.now().UTC()
	if err := d.store.MarkDelivered(ctx, n.ID, claimID, sentAt); err != nil {
		d.log.Error("mark delivered failed", logx.Int64("id", n.ID), logx.Err(err))
		return false
	}
	if err := d.store.AppendDelivery(ctx, store.DeliveryRecord{
		ChatID: n.ChatID, Kind: n.Kind, FireAt: n.FireAt, SentAt: sentAt,
	}); err != nil {
		// The row is already delivered; a missing audit record is not
		// worth failing the send for.
		d.log.Warn("delivery record append failed", logx.Int64("id", n.ID), logx.Err(err))
	}
	return true
}
