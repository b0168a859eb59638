package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ClementSutjiatma/deal-sub001/internal/metrics"
)

// Deadlines configures the sweep cutoffs.
type Deadlines struct {
	// TransferTimeout bounds how long a funded deal may wait for the seller.
	TransferTimeout time.Duration
	// ConfirmTimeout bounds how long a transferred deal may wait for the buyer.
	ConfirmTimeout time.Duration
	// ListingTTL bounds how long an unclaimed listing stays open.
	ListingTTL time.Duration
}

// DefaultDeadlines match the deadlines configured into the escrow contract.
func DefaultDeadlines() Deadlines {
	return Deadlines{
		TransferTimeout: 48 * time.Hour,
		ConfirmTimeout:  72 * time.Hour,
		ListingTTL:      14 * 24 * time.Hour,
	}
}

// SweepResult summarizes one sweep invocation.
type SweepResult struct {
	Processed int      `json:"processed"`
	Results   []string `json:"results"`
}

// Sweeper finds deals past their status deadline and drives them through the
// coordinator as automatic transitions. It never self-schedules; callers
// invoke Sweep from the Timer loop or the authenticated sweep endpoint.
type Sweeper struct {
	service   *Service
	store     Store
	deadlines Deadlines
	batchSize int
	logger    *slog.Logger
}

// NewSweeper creates a deadline sweeper.
func NewSweeper(service *Service, store Store, deadlines Deadlines, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:   service,
		store:     store,
		deadlines: deadlines,
		batchSize: 100,
		logger:    logger,
	}
}

// Sweep evaluates every deadline class once. Each deal is attempted
// independently: one failure is recorded in the batch summary and the sweep
// moves on. A deal whose status changed between the query and the transition
// is skipped by the coordinator's guard, which re-checks immediately before
// mutating — that is what makes back-to-back sweeps idempotent.
func (s *Sweeper) Sweep(ctx context.Context) *SweepResult {
	now := time.Now()
	result := &SweepResult{Results: []string{}}

	s.sweepClass(ctx, result, StatusFunded, ColumnFundedAt, now.Add(-s.deadlines.TransferTimeout),
		"auto_refunded", s.service.AutoRefund)
	s.sweepClass(ctx, result, StatusTransferred, ColumnTransferredAt, now.Add(-s.deadlines.ConfirmTimeout),
		"auto_released", s.service.AutoRelease)
	s.sweepClass(ctx, result, StatusOpen, ColumnCreatedAt, now.Add(-s.deadlines.ListingTTL),
		"expired", s.service.Expire)

	metrics.SweepRunsTotal.Inc()
	metrics.SweepProcessedTotal.Add(float64(result.Processed))
	return result
}

func (s *Sweeper) sweepClass(ctx context.Context, result *SweepResult, status Status,
	column string, cutoff time.Time, outcome string, apply func(context.Context, string) (*Deal, error)) {

	deals, err := s.store.ListByStatusOlderThan(ctx, status, column, cutoff, s.batchSize)
	if err != nil {
		s.logger.Warn("sweep query failed", "status", status, "error", err)
		result.Results = append(result.Results, fmt.Sprintf("query %s: %v", status, err))
		return
	}

	for _, d := range deals {
		result.Processed++
		_, err := apply(ctx, d.ID)
		switch {
		case err == nil:
			result.Results = append(result.Results, fmt.Sprintf("%s: %s", d.ID, outcome))
			s.logger.Info("sweep transition applied",
				"dealId", d.ID, "shortCode", d.ShortCode, "outcome", outcome)
		case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrTerminalState):
			// Someone acted between the query and the transition.
			result.Results = append(result.Results, fmt.Sprintf("%s: skipped (status changed)", d.ID))
		default:
			result.Results = append(result.Results, fmt.Sprintf("%s: %v", d.ID, err))
			s.logger.Warn("sweep transition failed", "dealId", d.ID, "outcome", outcome, "error", err)
		}
	}
}

// Timer invokes the sweeper on a fixed interval.
type Timer struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
	onSweep  func(*SweepResult)
}

// NewTimer creates a sweep timer.
func NewTimer(sweeper *Sweeper, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Timer{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// OnSweep registers a callback invoked after each timed sweep that touched
// at least one deal. Set before Start; not safe to change while running.
func (t *Timer) OnSweep(fn func(*SweepResult)) {
	t.onSweep = fn
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in deal sweep", "panic", fmt.Sprint(r))
		}
	}()
	res := t.sweeper.Sweep(ctx)
	if res.Processed > 0 {
		t.logger.Info("sweep completed", "processed", res.Processed)
		if t.onSweep != nil {
			t.onSweep(res)
		}
	}
}
