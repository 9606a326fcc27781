// Package schedule fires the weekly round trigger.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/aura-trivia/bot/internal/broadcast"
	"github.com/aura-trivia/bot/internal/models"
)

// Announcement is posted to the group when the scheduled round starts.
const Announcement = "📢 It's Friday! The quiz is starting!"

// RoundStarter runs the "round requested" path. *commands.Service satisfies it.
type RoundStarter interface {
	StartRound(ctx context.Context, announcement string) (models.Round, broadcast.RoundReport, error)
}

// Weekly wraps a cron scheduler with a single round job.
type Weekly struct {
	cron    *cron.Cron
	starter RoundStarter
	spec    string
	logger  *zap.Logger
}

// NewWeekly parses spec (standard 5-field cron) in the named timezone.
func NewWeekly(spec, timezone string, starter RoundStarter, logger *zap.Logger) (*Weekly, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := time.Local
	if timezone != "" {
		l, err := time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", timezone, err)
		}
		loc = l
	}
	w := &Weekly{
		cron:    cron.New(cron.WithLocation(loc)),
		starter: starter,
		spec:    spec,
		logger:  logger,
	}
	if _, err := w.cron.AddFunc(spec, w.fire); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return w, nil
}

func (w *Weekly) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	w.Fire(ctx)
}

// Fire runs the scheduled round once.
func (w *Weekly) Fire(ctx context.Context) {
	round, report, err := w.starter.StartRound(ctx, Announcement)
	if err != nil {
		w.logger.Error("scheduled round failed", zap.Error(err))
		return
	}
	if report.AnnounceErr != nil {
		w.logger.Warn("scheduled round announcement failed", zap.String("round_id", round.ID.String()), zap.Error(report.AnnounceErr))
	}
	w.logger.Info("scheduled round started",
		zap.String("round_id", round.ID.String()), zap.Int("invited", report.Sent), zap.Int("failed", report.Failed))
}

// Next returns the next activation after now.
func (w *Weekly) Next(now time.Time) time.Time {
	entries := w.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Schedule.Next(now)
}

// Start runs the scheduler in its own goroutine.
func (w *Weekly) Start() {
	w.cron.Start()
	w.logger.Info("weekly schedule started", zap.String("spec", w.spec))
}

// Stop stops the scheduler and waits for a running job.
func (w *Weekly) Stop() {
	<-w.cron.Stop().Done()
	w.logger.Info("weekly schedule stopped")
}
