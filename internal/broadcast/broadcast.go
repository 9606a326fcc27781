// Package broadcast announces new rounds to the group chat and invites every registered user.
package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-trivia/bot/internal/models"
	"github.com/aura-trivia/bot/internal/notify"
)

// DefaultAnnouncement is posted to the group when an operator starts a round.
const DefaultAnnouncement = "📢 The quiz is starting! Open the bot and press \"Participate\":"

// Registry lists invitation recipients. *sessions.Store satisfies it.
type Registry interface {
	ListRegisteredUsers(ctx context.Context) ([]int64, error)
}

// InviteReport counts the outcome of one InviteAll pass.
type InviteReport struct {
	Sent   int
	Failed int
}

// RoundReport summarises one round launch. AnnounceErr is set when the group
// announcement failed; the invitations still went out.
type RoundReport struct {
	InviteReport
	AnnounceErr error
}

// Config holds broadcast targets.
type Config struct {
	GroupChatID int64
	// BotURL is the t.me link of the bot, shown as the "Go to bot" action.
	BotURL  string
	Workers int
}

// Broadcaster fans round notices out to the group and to registered users.
type Broadcaster struct {
	registry Registry
	notifier notify.Notifier
	cfg      Config
	logger   *zap.Logger
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster(registry Registry, notifier notify.Notifier, cfg Config, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Broadcaster{registry: registry, notifier: notifier, cfg: cfg, logger: logger}
}

// EntryActions is the "Go to bot" + "Participate" row shown under round notices.
func EntryActions(botURL string) notify.Row {
	row := notify.Row{}
	if botURL != "" {
		row = append(row, notify.Action{Label: "👤 Go to bot", URL: botURL})
	}
	return append(row, notify.Action{Label: "✅ Participate", Data: notify.DataStartQuiz})
}

// Announce posts the round-start notice to the group chat. text falls back to DefaultAnnouncement.
// Failures are logged and returned for the caller to report, never retried.
func (b *Broadcaster) Announce(ctx context.Context, round models.Round, text string) error {
	if text == "" {
		text = DefaultAnnouncement
	}
	if err := b.notifier.SendMessage(ctx, b.cfg.GroupChatID, text, EntryActions(b.cfg.BotURL)); err != nil {
		b.logger.Warn("announce failed",
			zap.Int64("chat_id", b.cfg.GroupChatID), zap.String("round_id", round.ID.String()), zap.Error(err))
		return fmt.Errorf("announce round %s: %w", round.ID, err)
	}
	b.logger.Info("round announced", zap.String("round_id", round.ID.String()), zap.Int64("chat_id", b.cfg.GroupChatID))
	return nil
}

// InviteAll sends a private invitation to every registered user. A failed recipient is
// counted and skipped; only a failure to read the registry aborts the pass.
func (b *Broadcaster) InviteAll(ctx context.Context) (InviteReport, error) {
	ids, err := b.registry.ListRegisteredUsers(ctx)
	if err != nil {
		return InviteReport{}, err
	}

	var sent, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := b.notifier.SendInvitation(gctx, id); err != nil {
				failed.Add(1)
				b.logger.Warn("invitation failed", zap.Int64("user_id", id), zap.Error(err))
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	report := InviteReport{Sent: int(sent.Load()), Failed: int(failed.Load())}
	b.logger.Info("invitations sent", zap.Int("sent", report.Sent), zap.Int("failed", report.Failed))
	return report, nil
}
