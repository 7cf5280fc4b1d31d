// Package tasks schedules the panel's periodic background work (usage
// recording, user review, and token cleanup) using a cron scheduler
// rather than hand-rolled tickers.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// UsageRecorder polls every registered node's FetchUsersStats and persists
// the result. The concrete implementation lives outside this core,
// wherever user/usage persistence is owned.
type UsageRecorder interface {
	RecordUserUsages(ctx context.Context) error
}

// UserReviewer re-evaluates user/service assignments on a fixed cadence.
// Like UsageRecorder, the concrete implementation is owned by the admin
// layer.
type UserReviewer interface {
	ReviewUsers(ctx context.Context) error
}

// TokenCleaner purges node tokens that expired before a cutoff.
type TokenCleaner interface {
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

// tokenRetention is how long past expiry a token row is kept before
// cleanup purges it, giving a grace window for clock skew and in-flight
// validations.
const tokenRetention = 24 * time.Hour

// Config holds the scheduling cadences.
type Config struct {
	RecordUserUsagesInterval time.Duration
	ReviewUsersInterval      time.Duration
	TokenCleanupInterval     time.Duration

	DisableRecordingNodeUsage bool
}

// Scheduler wraps a robfig/cron scheduler configured from Config.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger
}

// New builds a Scheduler. Any of usage/review/cleaner may be nil, in which
// case that task is simply not scheduled.
func New(cfg Config, usage UsageRecorder, review UserReviewer, cleaner TokenCleaner, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{cron: cron.New(), log: log}

	if usage != nil && !cfg.DisableRecordingNodeUsage {
		if err := s.schedule(cfg.RecordUserUsagesInterval, "record_user_usages", usage.RecordUserUsages); err != nil {
			return nil, err
		}
	}
	if review != nil {
		if err := s.schedule(cfg.ReviewUsersInterval, "review_users", review.ReviewUsers); err != nil {
			return nil, err
		}
	}
	if cleaner != nil {
		interval := cfg.TokenCleanupInterval
		if interval <= 0 {
			interval = time.Hour
		}
		err := s.schedule(interval, "token_cleanup", func(ctx context.Context) error {
			_, err := cleaner.Cleanup(ctx, time.Now().Add(-tokenRetention))
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) schedule(interval time.Duration, name string, fn func(ctx context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("tasks: %s interval must be positive", name)
	}
	spec := fmt.Sprintf("@every %s", interval)
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Warn("scheduled task failed", slog.String("task", name), slog.Any("error", err))
		}
	})
	if err != nil {
		return fmt.Errorf("tasks: schedule %s: %w", name, err)
	}
	return nil
}

// Start launches the scheduler's background goroutine.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop asks the scheduler to stop accepting new runs and waits for any
// in-flight task to finish, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
