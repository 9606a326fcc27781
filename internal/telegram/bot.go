// Package telegram adapts the Telegram Bot API to the notification contract and
// routes inbound updates to the command surface.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/aura-trivia/bot/internal/commands"
	"github.com/aura-trivia/bot/internal/notify"
)

const invitationText = "🔥 You are invited to the weekly quiz! Press the button to start:"

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Router handles routed updates. *commands.Service satisfies it.
type Router interface {
	HandleCommand(ctx context.Context, m commands.Message) error
	HandleCallback(ctx context.Context, userID int64, data string) error
}

// Bot is the Telegram transport.
type Bot struct {
	api      botAPI
	username string
	logger   *zap.Logger
}

// NewBot authorizes against the Bot API with token.
func NewBot(token string, debug bool, logger *zap.Logger) (*Bot, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := tgbotapi.SetLogger(apiLogger{logger.Sugar().Named("tgbotapi")}); err != nil {
		return nil, fmt.Errorf("set bot api logger: %w", err)
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	api.Debug = debug
	logger.Info("authorized on account", zap.String("username", api.Self.UserName))
	return newBot(api, api.Self.UserName, logger), nil
}

func newBot(api botAPI, username string, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{api: api, username: username, logger: logger}
}

// URL is the t.me link of the bot.
func (b *Bot) URL() string {
	if b.username == "" {
		return ""
	}
	return "https://t.me/" + b.username
}

func keyboard(rows []notify.Row) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	kb := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, a := range row {
			if a.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(a.Label, a.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
		}
		kb = append(kb, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(kb...)
	return &markup
}

// SendMessage implements notify.Notifier.
func (b *Bot) SendMessage(_ context.Context, chatID int64, text string, rows ...notify.Row) error {
	msg := tgbotapi.NewMessage(chatID, text)
	if kb := keyboard(rows); kb != nil {
		msg.ReplyMarkup = kb
	}
	if _, err := b.api.Send(msg); err != nil {
		return &notify.DeliveryError{ChatID: chatID, Err: err}
	}
	return nil
}

// SendInvitation implements notify.Notifier.
func (b *Bot) SendInvitation(ctx context.Context, userID int64) error {
	return b.SendMessage(ctx, userID, invitationText,
		notify.Row{{Label: "✅ Participate", Data: notify.DataStartQuiz}})
}

// DisplayName implements notify.Notifier: "First Last (@username)".
func (b *Bot) DisplayName(_ context.Context, userID int64) (string, error) {
	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: userID}})
	if err != nil {
		return "", fmt.Errorf("get chat %d: %w", userID, err)
	}
	name := strings.TrimSpace(chat.FirstName + " " + chat.LastName)
	if name == "" {
		name = chat.Title
	}
	if chat.UserName != "" {
		if name == "" {
			return "@" + chat.UserName, nil
		}
		name += " (@" + chat.UserName + ")"
	}
	return name, nil
}

// Run consumes updates until ctx is done. Each update is handled in its own goroutine;
// Run returns after in-flight handlers finish.
func (b *Bot) Run(ctx context.Context, router Router) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info("telegram loop stopping")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.handleUpdate(ctx, router, update)
			}()
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, router Router, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, router, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand() && update.Message.From != nil:
		m := update.Message
		cmd := commands.Message{
			ChatID:  m.Chat.ID,
			UserID:  m.From.ID,
			Private: m.Chat.IsPrivate(),
			Command: strings.ToLower(m.Command()),
			Args:    m.CommandArguments(),
		}
		if err := router.HandleCommand(ctx, cmd); err != nil {
			b.logger.Warn("command failed",
				zap.String("command", cmd.Command), zap.Int64("user_id", cmd.UserID), zap.Error(err))
		}
	}
}

func (b *Bot) handleCallback(ctx context.Context, router Router, cq *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.logger.Debug("answer callback failed", zap.Error(err))
	}
	if cq.From == nil {
		return
	}
	if err := router.HandleCallback(ctx, cq.From.ID, cq.Data); err != nil {
		b.logger.Warn("callback failed", zap.Int64("user_id", cq.From.ID), zap.String("data", cq.Data), zap.Error(err))
	}
}

// apiLogger routes the Bot API library's log output into zap.
type apiLogger struct {
	s *zap.SugaredLogger
}

func (l apiLogger) Println(v ...interface{}) { l.s.Debug(v...) }

func (l apiLogger) Printf(format string, v ...interface{}) { l.s.Debugf(format, v...) }
