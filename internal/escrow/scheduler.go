package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/procurepay/internal/logging"
	"github.com/mbd888/procurepay/internal/metrics"
	"github.com/mbd888/procurepay/internal/traces"
)

// SchedulerConfig tunes the release scheduler.
type SchedulerConfig struct {
	Interval      time.Duration // time between cycles
	BatchSize     int           // candidates fetched per cycle
	Workers       int           // transitions in flight per cycle
	RecordTimeout time.Duration // bound on a single ApplyTransition
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:      time.Minute,
		BatchSize:     100,
		Workers:       4,
		RecordTimeout: 10 * time.Second,
	}
}

// CycleReport summarizes one scheduler cycle.
type CycleReport struct {
	Candidates int  `json:"candidates"`
	Released   int  `json:"released"`
	Contended  int  `json:"contended"` // lost the CAS or no longer eligible
	Failed     int  `json:"failed"`    // storage or unexpected errors, retried next cycle
	Skipped    bool `json:"skipped"`   // another cycle was still running
}

// Scheduler periodically releases payments whose escrow period has elapsed.
// Several instances may run against the same store; the repository's
// compare-and-set makes sure each payment is released once.
type Scheduler struct {
	repo    *Repository
	cfg     SchedulerConfig
	logger  *slog.Logger
	stop    chan struct{}
	stopped sync.Once
	running atomic.Bool
	cycling atomic.Bool
}

// NewScheduler creates a release scheduler. Zero config fields fall back to
// DefaultSchedulerConfig.
func NewScheduler(repo *Repository, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = def.RecordTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the release loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// Stop signals the scheduler to stop. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })
}

// RunOnce executes a single cycle. If a cycle is already in progress in this
// process it returns immediately with Skipped set.
func (s *Scheduler) RunOnce(ctx context.Context) (report CycleReport) {
	if !s.cycling.CompareAndSwap(false, true) {
		metrics.SchedulerCyclesTotal.WithLabelValues("skipped").Inc()
		s.logger.Debug("release cycle skipped, previous cycle still running")
		return CycleReport{Skipped: true}
	}
	defer s.cycling.Store(false)

	start := time.Now()
	defer func() {
		metrics.SchedulerCycleDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			metrics.SchedulerCyclesTotal.WithLabelValues("panic").Inc()
			s.logger.Error("panic in release scheduler", "panic", fmt.Sprint(r))
		}
	}()

	report, err := s.releaseDue(ctx)
	if err != nil {
		metrics.SchedulerCyclesTotal.WithLabelValues("error").Inc()
		return report
	}
	metrics.SchedulerCyclesTotal.WithLabelValues("ok").Inc()
	return report
}

func (s *Scheduler) releaseDue(ctx context.Context) (report CycleReport, err error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseCycle")
	defer func() { traces.End(span, err) }()

	now := s.repo.Now()
	due, err := s.repo.ListDueForAutoRelease(ctx, now, s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn("failed to list payments due for release", logging.FieldError, err)
		return report, err
	}
	report.Candidates = len(due)
	span.SetAttributes(traces.BatchSize(len(due)))
	metrics.SchedulerLastCandidates.Set(float64(len(due)))
	if len(due) == 0 {
		return report, nil
	}

	var released, contended, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, p := range due {
		id := p.ID
		g.Go(func() error {
			switch outcome := s.releaseOne(ctx, id); outcome {
			case outcomeReleased:
				released.Add(1)
			case outcomeContended:
				contended.Add(1)
			default:
				failed.Add(1)
			}
			return nil // one record never aborts the rest of the batch
		})
	}
	_ = g.Wait()

	report.Released = int(released.Load())
	report.Contended = int(contended.Load())
	report.Failed = int(failed.Load())
	if report.Released > 0 || report.Failed > 0 {
		s.logger.Info("release cycle finished",
			"candidates", report.Candidates,
			"released", report.Released,
			"contended", report.Contended,
			"failed", report.Failed)
	}
	return report, nil
}

const (
	outcomeReleased  = "released"
	outcomeContended = "contended"
	outcomeFailed    = "failed"
)

func (s *Scheduler) releaseOne(ctx context.Context, id string) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic releasing payment", logging.FieldPaymentID, id, "panic", fmt.Sprint(r))
			outcome = outcomeFailed
		}
		metrics.SchedulerOutcomesTotal.WithLabelValues(outcome).Inc()
	}()

	rctx, cancel := context.WithTimeout(ctx, s.cfg.RecordTimeout)
	defer cancel()

	p, _, err := s.repo.ApplyTransition(rctx, id, StatusInEscrow, ReleaseDeadlineElapsed{})
	switch {
	case err == nil:
		s.logger.Info("auto-released payment",
			logging.FieldPaymentID, id,
			"payeeId", p.PayeeID,
			"amount", p.Amount.String())
		return outcomeReleased
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, ErrInvalidTransition):
		// Another scheduler or a user action got there first.
		s.logger.Debug("payment no longer eligible for release",
			logging.FieldPaymentID, id, logging.FieldError, err)
		return outcomeContended
	default:
		s.logger.Warn("failed to auto-release payment",
			logging.FieldPaymentID, id, logging.FieldError, err)
		return outcomeFailed
	}
}
