// Package quiz runs one user's progression through the current round: it presents
// questions, arms per-question deadlines and reacts to answers and expiries.
package quiz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-trivia/bot/internal/models"
	"github.com/aura-trivia/bot/internal/notify"
	"github.com/aura-trivia/bot/internal/sessions"
)

var (
	// ErrNoRound is returned when no round has been drawn yet.
	ErrNoRound = errors.New("no round drawn")
	// ErrRoundClosed is returned when the round lifetime has elapsed.
	ErrRoundClosed = errors.New("round closed")
	// ErrAlreadyFinished is returned when a user who completed the round tries to re-enter.
	ErrAlreadyFinished = errors.New("already finished this round")
)

// Scheduler arms and disarms the deadline for one (user, position) pair.
type Scheduler interface {
	Schedule(ctx context.Context, userID int64, position int, at time.Time) error
	Cancel(ctx context.Context, userID int64, position int) error
}

// RoundSource yields the round in effect. *rounds.Ledger satisfies it.
type RoundSource interface {
	CurrentRound(ctx context.Context) (models.Round, error)
}

// QuestionSource resolves pool indices. *questions.Pool satisfies it.
type QuestionSource interface {
	At(i int) (models.Question, bool)
}

// Config holds engine timing.
type Config struct {
	QuestionTimeout time.Duration
	// AnswerGrace is added to QuestionTimeout for the answered marker expiry.
	AnswerGrace time.Duration
}

// Engine is the per-user session state machine.
type Engine struct {
	store     *sessions.Store
	rounds    RoundSource
	pool      QuestionSource
	notifier  notify.Notifier
	scheduler Scheduler
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewEngine creates an engine.
func NewEngine(store *sessions.Store, rounds RoundSource, pool QuestionSource, notifier notify.Notifier, scheduler Scheduler, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QuestionTimeout <= 0 {
		cfg.QuestionTimeout = 35 * time.Second
	}
	return &Engine{
		store:     store,
		rounds:    rounds,
		pool:      pool,
		notifier:  notifier,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (e *Engine) markerTTL() time.Duration {
	return e.cfg.QuestionTimeout + e.cfg.AnswerGrace
}

// Start enters the user into the current round and presents the first question.
// A user who already finished this round is refused with a notice and nothing changes.
func (e *Engine) Start(ctx context.Context, userID int64) error {
	round, err := e.rounds.CurrentRound(ctx)
	if err != nil {
		return err
	}
	if round.Empty() {
		e.deliver(ctx, userID, "There is no quiz running right now. Wait for the next invitation.")
		return ErrNoRound
	}
	if round.Closed(e.now()) {
		e.deliver(ctx, userID, "This round is already closed. See you at the next one!")
		return ErrRoundClosed
	}

	finished, err := e.store.Finished(ctx, userID)
	if err != nil {
		return err
	}
	if finished {
		sessionRound, err := e.store.SessionRound(ctx, userID)
		if err != nil {
			return err
		}
		// A flag left by an earlier round does not block a newly drawn one.
		if sessionRound == "" || sessionRound == round.ID.String() || round.ID == uuid.Nil {
			e.deliver(ctx, userID, "⚠️ You have already completed this quiz. Only the admin can reset your progress.")
			return ErrAlreadyFinished
		}
	}

	if err := e.store.Begin(ctx, userID, round.ID.String()); err != nil {
		return err
	}
	e.logger.Info("session started", zap.Int64("user_id", userID), zap.String("round_id", round.ID.String()))
	return e.present(ctx, userID, 0, round)
}

// Resume re-presents the user's current question, e.g. after a delivery failure left the
// session waiting on a message the user never saw.
func (e *Engine) Resume(ctx context.Context, userID int64) error {
	round, err := e.rounds.CurrentRound(ctx)
	if err != nil {
		return err
	}
	if round.Empty() {
		e.deliver(ctx, userID, "There is no quiz running right now.")
		return ErrNoRound
	}
	finished, err := e.store.Finished(ctx, userID)
	if err != nil {
		return err
	}
	if finished {
		e.deliver(ctx, userID, "You have already completed this quiz. Use /stats to see your result.")
		return ErrAlreadyFinished
	}
	sessionRound, err := e.store.SessionRound(ctx, userID)
	if err != nil {
		return err
	}
	position, err := e.store.Position(ctx, userID)
	if errors.Is(err, sessions.ErrNoSession) || (err == nil && sessionRound != round.ID.String()) {
		e.deliver(ctx, userID, "You have not joined this round yet. Press \"Participate\" on the invitation.")
		return sessions.ErrNoSession
	}
	if err != nil {
		return err
	}
	e.logger.Info("session resumed", zap.Int64("user_id", userID), zap.Int("position", position))
	return e.present(ctx, userID, position, round)
}

// OnAnswer handles an option press for position. Presses for any position other than the
// current unanswered one, or from a session of an earlier round, are ignored.
func (e *Engine) OnAnswer(ctx context.Context, userID int64, option, position int) error {
	round, err := e.rounds.CurrentRound(ctx)
	if err != nil {
		return err
	}
	q, ok := e.questionAt(round, position)
	if !ok {
		e.logger.Debug("answer for unknown position ignored", zap.Int64("user_id", userID), zap.Int("position", position))
		return nil
	}
	if current, err := e.inRound(ctx, userID, round); err != nil || !current {
		if err == nil {
			e.logger.Debug("answer from another round ignored", zap.Int64("user_id", userID), zap.Int("position", position))
		}
		return err
	}
	correct := q.IsCorrect(option)

	res, err := e.store.Claim(ctx, userID, position, sessions.MarkerAnswered, correct, round.Len(), e.markerTTL())
	if err != nil {
		return err
	}
	if res != sessions.ClaimOK {
		e.logger.Debug("stale answer ignored",
			zap.Int64("user_id", userID), zap.Int("position", position), zap.Stringer("claim", res))
		return nil
	}
	if err := e.scheduler.Cancel(ctx, userID, position); err != nil {
		// The deadline will fire later and lose the latch.
		e.logger.Warn("cancel deadline failed", zap.Int64("user_id", userID), zap.Int("position", position), zap.Error(err))
	}

	if correct {
		e.deliver(ctx, userID, "✅ Correct!")
	} else {
		e.deliver(ctx, userID, fmt.Sprintf("❌ Wrong. The right answer was: %s", q.Options[q.CorrectIndex]))
	}
	return e.present(ctx, userID, position+1, round)
}

// OnTimeout handles an expired deadline. It does nothing if the position was answered in time.
// A retried deadline whose skip was already committed re-presents the next question, so a
// failure to arm it is retried rather than lost.
func (e *Engine) OnTimeout(ctx context.Context, userID int64, position int) error {
	round, err := e.rounds.CurrentRound(ctx)
	if err != nil {
		return err
	}
	if current, err := e.inRound(ctx, userID, round); err != nil || !current {
		if err == nil {
			e.logger.Debug("deadline from another round ignored", zap.Int64("user_id", userID), zap.Int("position", position))
		}
		return err
	}
	res, err := e.store.Claim(ctx, userID, position, sessions.MarkerSkipped, false, round.Len(), e.markerTTL())
	if err != nil {
		return err
	}
	if res == sessions.ClaimStale {
		rearm, err := e.skipCommitted(ctx, userID, position)
		if err != nil {
			return err
		}
		if rearm {
			e.logger.Info("re-presenting question after interrupted skip",
				zap.Int64("user_id", userID), zap.Int("position", position+1))
			return e.present(ctx, userID, position+1, round)
		}
	}
	if res != sessions.ClaimOK {
		e.logger.Debug("deadline lost the latch",
			zap.Int64("user_id", userID), zap.Int("position", position), zap.Stringer("claim", res))
		return nil
	}
	e.logger.Info("question skipped on timeout", zap.Int64("user_id", userID), zap.Int("position", position))
	e.deliver(ctx, userID, "⏳ Time is up! Next question:")
	return e.present(ctx, userID, position+1, round)
}

// inRound reports whether the user's session was started in round.
func (e *Engine) inRound(ctx context.Context, userID int64, round models.Round) (bool, error) {
	sessionRound, err := e.store.SessionRound(ctx, userID)
	if err != nil {
		return false, err
	}
	return sessionRound != "" && sessionRound == round.ID.String(), nil
}

// skipCommitted reports whether position was already skipped and the session sits, unfinished,
// on the position right after it.
func (e *Engine) skipCommitted(ctx context.Context, userID int64, position int) (bool, error) {
	current, err := e.store.Position(ctx, userID)
	if errors.Is(err, sessions.ErrNoSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if current != position+1 {
		return false, nil
	}
	skipped, err := e.store.Marker(ctx, userID, position, sessions.MarkerSkipped)
	if err != nil || !skipped {
		return false, err
	}
	finished, err := e.store.Finished(ctx, userID)
	if err != nil {
		return false, err
	}
	return !finished, nil
}

func (e *Engine) questionAt(round models.Round, position int) (models.Question, bool) {
	idx, ok := round.QuestionAt(position)
	if !ok {
		return models.Question{}, false
	}
	return e.pool.At(idx)
}

func (e *Engine) present(ctx context.Context, userID int64, position int, round models.Round) error {
	if position >= round.Len() || round.Closed(e.now()) {
		return e.finish(ctx, userID, round)
	}
	q, ok := e.questionAt(round, position)
	if !ok {
		idx, _ := round.QuestionAt(position)
		return fmt.Errorf("round %s references question %d outside the pool", round.ID, idx)
	}

	if err := e.store.ArmQuestion(ctx, userID, position, e.markerTTL()); err != nil {
		return err
	}
	due := e.now().Add(e.cfg.QuestionTimeout)
	if err := e.scheduler.Schedule(ctx, userID, position, due); err != nil {
		return fmt.Errorf("schedule deadline: %w", err)
	}

	text := fmt.Sprintf("Question %d of %d:\n\n%s", position+1, round.Len(), q.Text)
	e.deliver(ctx, userID, text, optionRows(q.Options, position)...)
	return nil
}

// optionRows lays options out two per row.
func optionRows(options []string, position int) []notify.Row {
	rows := make([]notify.Row, 0, (len(options)+1)/2)
	for i, opt := range options {
		a := notify.Action{Label: opt, Data: notify.AnswerData(i, position)}
		if i%2 == 0 {
			rows = append(rows, notify.Row{a})
			continue
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], a)
	}
	return rows
}

func (e *Engine) finish(ctx context.Context, userID int64, round models.Round) error {
	flipped, err := e.store.MarkFinished(ctx, userID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}
	correct, err := e.store.CorrectCount(ctx, userID)
	if err != nil {
		return err
	}
	e.logger.Info("session finished",
		zap.Int64("user_id", userID), zap.String("round_id", round.ID.String()),
		zap.Int("correct", correct), zap.Int("total", round.Len()))
	e.deliver(ctx, userID, fmt.Sprintf("🏁 The quiz is over!\nYou answered %d of %d questions correctly.", correct, round.Len()))
	return nil
}

// deliver sends best-effort: the state change it reports has already been committed.
func (e *Engine) deliver(ctx context.Context, chatID int64, text string, rows ...notify.Row) {
	if err := e.notifier.SendMessage(ctx, chatID, text, rows...); err != nil {
		e.logger.Warn("delivery failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}
