package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/aura-trivia/bot/pkg/queue"
)

const defaultBatch = 64

// TimeoutHandler reacts to an expired question deadline. *quiz.Engine satisfies it.
type TimeoutHandler interface {
	OnTimeout(ctx context.Context, userID int64, position int) error
}

// DeadlineQueue is the subset of *queue.Queue the worker needs.
type DeadlineQueue interface {
	PopDue(ctx context.Context, now time.Time, limit int) ([]queue.Deadline, error)
	Retry(ctx context.Context, d queue.Deadline) error
	Done(ctx context.Context, d queue.Deadline) error
}

// DeadlineProcessor pops due deadlines and fires the timeout transition for each.
type DeadlineProcessor struct {
	queue    DeadlineQueue
	handler  TimeoutHandler
	interval time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time
}

// NewDeadlineProcessor creates a deadline processor polling every interval.
func NewDeadlineProcessor(q DeadlineQueue, handler TimeoutHandler, interval time.Duration, logger *zap.Logger) *DeadlineProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &DeadlineProcessor{queue: q, handler: handler, interval: interval, batch: defaultBatch, logger: logger, now: time.Now}
}

// Tick handles every deadline due now and returns how many fired successfully.
func (p *DeadlineProcessor) Tick(ctx context.Context) int {
	fired := 0
	for {
		due, err := p.queue.PopDue(ctx, p.now(), p.batch)
		if err != nil {
			p.logger.Warn("pop deadlines failed", zap.Error(err))
			return fired
		}
		for _, d := range due {
			if p.process(ctx, d) {
				fired++
			}
		}
		if len(due) < p.batch {
			return fired
		}
	}
}

func (p *DeadlineProcessor) process(ctx context.Context, d queue.Deadline) bool {
	if err := p.handler.OnTimeout(ctx, d.UserID, d.Position); err != nil {
		p.logger.Error("deadline failed", zap.Int64("user_id", d.UserID), zap.Int("position", d.Position), zap.Error(err))
		if reErr := p.queue.Retry(ctx, d); reErr != nil {
			p.logger.Error("retry deadline failed", zap.Error(reErr))
		}
		return false
	}
	if err := p.queue.Done(ctx, d); err != nil {
		p.logger.Warn("clear deadline attempts failed", zap.Error(err))
	}
	return true
}

// Run starts the worker loop: poll, fire, retry on error.
func (p *DeadlineProcessor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("deadline worker stopping")
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}
