// Package commands implements the chat command surface: operator controls,
// user commands and the inline button callbacks.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/aura-trivia/bot/internal/broadcast"
	"github.com/aura-trivia/bot/internal/models"
	"github.com/aura-trivia/bot/internal/notify"
	"github.com/aura-trivia/bot/internal/quiz"
	"github.com/aura-trivia/bot/internal/rounds"
	"github.com/aura-trivia/bot/internal/sessions"
)

// ErrUnauthorized is returned when a non-operator invokes an operator command.
var ErrUnauthorized = errors.New("operator command refused")

// RefusalText is the reply to every unauthorized operator command.
const RefusalText = "⛔ Only the admin can do that."

// Message is an inbound chat command.
type Message struct {
	ChatID  int64
	UserID  int64
	Private bool
	// Command is the command name without the leading slash or bot mention.
	Command string
	Args    string
}

// Player drives a user's session. *quiz.Engine satisfies it.
type Player interface {
	Start(ctx context.Context, userID int64) error
	Resume(ctx context.Context, userID int64) error
	OnAnswer(ctx context.Context, userID int64, option, position int) error
}

// RoundDrawer draws a new round. *rounds.Ledger satisfies it.
type RoundDrawer interface {
	DrawRound(ctx context.Context, poolSize, roundLength int) (models.Round, error)
}

// Broadcaster publishes a drawn round. *broadcast.Broadcaster satisfies it.
type Broadcaster interface {
	Announce(ctx context.Context, round models.Round, text string) error
	InviteAll(ctx context.Context) (broadcast.InviteReport, error)
}

// Config holds command surface settings.
type Config struct {
	AdminID     int64
	PoolSize    int
	RoundLength int
	BotURL      string
}

// Service routes commands and callbacks.
type Service struct {
	cfg         Config
	store       *sessions.Store
	rounds      RoundDrawer
	player      Player
	broadcaster Broadcaster
	notifier    notify.Notifier
	stop        context.CancelFunc
	logger      *zap.Logger
}

// NewService creates the command surface. stop is called by /stopbot.
func NewService(cfg Config, store *sessions.Store, rounds RoundDrawer, player Player, broadcaster Broadcaster, notifier notify.Notifier, stop context.CancelFunc, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stop == nil {
		stop = func() {}
	}
	return &Service{
		cfg:         cfg,
		store:       store,
		rounds:      rounds,
		player:      player,
		broadcaster: broadcaster,
		notifier:    notifier,
		stop:        stop,
		logger:      logger,
	}
}

func (s *Service) isOperator(userID int64) bool {
	return userID == s.cfg.AdminID
}

// HandleCommand executes one command. Unknown commands are ignored.
func (s *Service) HandleCommand(ctx context.Context, m Message) error {
	switch m.Command {
	case "start":
		return s.welcome(ctx, m)
	case "stats":
		return s.stats(ctx, m)
	case "resume":
		return s.ignoreNotices(s.player.Resume(ctx, m.UserID))
	case "adminstart", "admin_start", "resetme", "reset", "resetall", "allstats", "stopbot":
	default:
		return nil
	}

	if !s.isOperator(m.UserID) {
		s.logger.Warn("unauthorized command", zap.String("command", m.Command), zap.Int64("user_id", m.UserID))
		s.reply(ctx, m, RefusalText)
		return ErrUnauthorized
	}

	switch m.Command {
	case "adminstart", "admin_start":
		return s.adminStart(ctx, m)
	case "resetme":
		return s.resetMe(ctx, m)
	case "reset":
		return s.resetOne(ctx, m)
	case "resetall":
		return s.resetAll(ctx, m)
	case "allstats":
		return s.allStats(ctx, m)
	default: // stopbot
		s.reply(ctx, m, "🛑 The bot is stopping.")
		s.logger.Info("stop requested by operator")
		s.stop()
		return nil
	}
}

// HandleCallback executes an inline button press.
func (s *Service) HandleCallback(ctx context.Context, userID int64, data string) error {
	if data == notify.DataStartQuiz {
		return s.ignoreNotices(s.player.Start(ctx, userID))
	}
	option, position, ok := notify.ParseAnswerData(data)
	if !ok {
		s.logger.Debug("unknown callback", zap.Int64("user_id", userID), zap.String("data", data))
		return nil
	}
	return s.player.OnAnswer(ctx, userID, option, position)
}

// ignoreNotices drops refusals the engine already reported to the user.
func (s *Service) ignoreNotices(err error) error {
	switch {
	case err == nil,
		errors.Is(err, quiz.ErrAlreadyFinished),
		errors.Is(err, quiz.ErrNoRound),
		errors.Is(err, quiz.ErrRoundClosed),
		errors.Is(err, sessions.ErrNoSession):
		return nil
	}
	return err
}

// StartRound draws a round, announces it and invites every registered user.
// An announcement failure does not stop the invitations.
func (s *Service) StartRound(ctx context.Context, announcement string) (models.Round, broadcast.RoundReport, error) {
	round, err := s.rounds.DrawRound(ctx, s.cfg.PoolSize, s.cfg.RoundLength)
	if err != nil {
		return models.Round{}, broadcast.RoundReport{}, err
	}
	report := broadcast.RoundReport{AnnounceErr: s.broadcaster.Announce(ctx, round, announcement)}
	report.InviteReport, err = s.broadcaster.InviteAll(ctx)
	if err != nil {
		return round, report, fmt.Errorf("invite users: %w", err)
	}
	return round, report, nil
}

func (s *Service) adminStart(ctx context.Context, m Message) error {
	round, report, err := s.StartRound(ctx, broadcast.DefaultAnnouncement)
	if err != nil {
		var pe *rounds.PoolExhaustedError
		if errors.As(err, &pe) {
			s.reply(ctx, m, fmt.Sprintf("⚠️ Cannot start: %v.", pe))
			return err
		}
		s.reply(ctx, m, "⚠️ Could not start the quiz, see logs.")
		return err
	}
	text := fmt.Sprintf("✅ Quiz started with %d questions. Invitations sent: %d, failed: %d.",
		round.Len(), report.Sent, report.Failed)
	if report.AnnounceErr != nil {
		text += fmt.Sprintf("\n⚠️ Group announcement failed: %v", report.AnnounceErr)
	}
	s.reply(ctx, m, text)
	return nil
}

func (s *Service) resetMe(ctx context.Context, m Message) error {
	if err := s.store.ResetUser(ctx, m.UserID); err != nil {
		return err
	}
	if err := s.store.UnregisterUser(ctx, m.UserID); err != nil {
		return err
	}
	s.reply(ctx, m, "✅ Your progress was reset. You can take the quiz again.")
	return nil
}

func (s *Service) resetOne(ctx context.Context, m Message) error {
	target, err := strconv.ParseInt(strings.TrimSpace(m.Args), 10, 64)
	if err != nil {
		s.reply(ctx, m, "Usage: /reset <user id>")
		return nil
	}
	if err := s.store.ResetUser(ctx, target); err != nil {
		return err
	}
	s.reply(ctx, m, fmt.Sprintf("✅ Progress of %d was reset.", target))
	return nil
}

func (s *Service) resetAll(ctx context.Context, m Message) error {
	n, err := s.store.ResetAll(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("all users reset", zap.Int("users", n))
	s.reply(ctx, m, fmt.Sprintf("✅ Progress of all %d users was reset.", n))
	return nil
}

func (s *Service) allStats(ctx context.Context, m Message) error {
	ids, err := s.store.ListRegisteredUsers(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		s.reply(ctx, m, "📊 No registered users yet.")
		return nil
	}
	var b strings.Builder
	b.WriteString("📊 Overall stats:")
	for _, id := range ids {
		p, err := s.store.Progress(ctx, id)
		if err != nil {
			return err
		}
		name, err := s.notifier.DisplayName(ctx, id)
		if err != nil || name == "" {
			name = strconv.FormatInt(id, 10)
		}
		fmt.Fprintf(&b, "\n👤 %s: %s | Correct: %d", name, mark(p.Finished), p.Correct)
	}
	s.reply(ctx, m, b.String())
	return nil
}

func mark(finished bool) string {
	if finished {
		return "✅"
	}
	return "❌"
}

func (s *Service) welcome(ctx context.Context, m Message) error {
	if !m.Private && !s.isOperator(m.UserID) {
		return nil
	}
	if err := s.notifier.SendMessage(ctx, m.ChatID, "Hi! Ready for the quiz? Press the button below:",
		broadcast.EntryActions(s.cfg.BotURL)); err != nil {
		s.logger.Warn("welcome failed", zap.Int64("chat_id", m.ChatID), zap.Error(err))
	}
	return nil
}

func (s *Service) stats(ctx context.Context, m Message) error {
	p, err := s.store.Progress(ctx, m.UserID)
	if err != nil {
		return err
	}
	done := "No"
	if p.Finished {
		done = "Yes"
	}
	s.reply(ctx, m, fmt.Sprintf("📊 Your stats:\nCompleted: %s\nCorrect answers: %d", done, p.Correct))
	return nil
}

func (s *Service) reply(ctx context.Context, m Message, text string) {
	if err := s.notifier.SendMessage(ctx, m.ChatID, text); err != nil {
		s.logger.Warn("reply failed", zap.Int64("chat_id", m.ChatID), zap.String("command", m.Command), zap.Error(err))
	}
}
