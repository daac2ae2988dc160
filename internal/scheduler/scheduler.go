// Package scheduler drives periodic ingestion for every user with
// active sources.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"

	"argos/internal/model"
)

// DefaultInterval is how often the fetch job runs when not configured.
const DefaultInterval = time.Hour

// Orchestrator runs one user's sources. Implemented by
// ingest.Orchestrator.
type Orchestrator interface {
	RunForUser(ctx context.Context, userID string) (model.FetchSummary, error)
}

// UserLister enumerates users with at least one active source.
type UserLister interface {
	ListActiveUserIDs(ctx context.Context) ([]string, error)
}

// Scheduler runs the fetch job on a fixed interval, independent of
// any request. State is process-local: a multi-instance deployment
// needs a leader-elected or lock-guarded scheduler instead.
type Scheduler struct {
	users        UserLister
	orchestrator Orchestrator
	interval     time.Duration
	log          *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Scheduler. A non-positive interval falls back to
// DefaultInterval.
func New(users UserLister, orchestrator Orchestrator, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		users:        users,
		orchestrator: orchestrator,
		interval:     interval,
		log:          log,
	}
}

// Start launches the background loop. Starting an already-running
// scheduler logs and does nothing.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.log.Warn("scheduler already running")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx, s.done)

	s.log.Info("scheduler started", "interval", s.interval.String())
}

// Stop halts the background loop and waits for an in-flight tick to
// finish. Stopping a non-running scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.log.Info("scheduler stopped")
}

// run executes ticks until the context is cancelled. Ticks run
// synchronously in this loop, so a slow tick delays the next one
// rather than overlapping it.
func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fetches all sources for all users with active sources. A fault
// anywhere in the tick is logged and swallowed; the schedule stays
// intact for the next interval.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("fetch tick panic", "panic", r)
		}
	}()

	s.log.Info("starting scheduled fetch")

	userIDs, err := s.users.ListActiveUserIDs(ctx)
	if err != nil {
		s.log.Error("list users with active sources", "error", err)
		return
	}
	if len(userIDs) == 0 {
		s.log.Info("no active sources, skipping fetch")
		return
	}

	var summaries []model.FetchSummary
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return
		}
		summary, err := s.runUser(ctx, userID)
		if err != nil {
			s.log.Error("fetch run failed", "user", userID, "error", err)
			continue
		}
		summaries = append(summaries, summary)
	}

	s.log.Info("scheduled fetch complete",
		"users", len(userIDs),
		"articles_added", lo.SumBy(summaries, func(sm model.FetchSummary) int {
			return sm.TotalArticlesAdded
		}),
		"sources_failed", lo.SumBy(summaries, func(sm model.FetchSummary) int {
			return sm.SourcesFailed
		}))
}

// runUser isolates one user's fetch run so a fault there cannot take
// down the rest of the tick.
func (s *Scheduler) runUser(ctx context.Context, userID string) (summary model.FetchSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch run panic: %v", r)
		}
	}()
	return s.orchestrator.RunForUser(ctx, userID)
}
