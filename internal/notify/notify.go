// Package notify is the contract between quiz logic and the chat transport.
package notify

import (
	"context"
	"fmt"
)

// Action is an inline button under a message. Exactly one of Data or URL is set.
type Action struct {
	Label string
	Data  string // callback payload
	URL   string
}

// Row is a horizontal group of actions.
type Row []Action

// Notifier delivers messages to users and chats.
type Notifier interface {
	// SendMessage posts text to a chat; each row becomes one line of buttons.
	SendMessage(ctx context.Context, chatID int64, text string, rows ...Row) error
	// SendInvitation sends the private round invitation with an accept action.
	SendInvitation(ctx context.Context, userID int64) error
	// DisplayName resolves a user id to a human readable name.
	DisplayName(ctx context.Context, userID int64) (string, error)
}

// DeliveryError wraps a failed send. It is never fatal to the caller.
type DeliveryError struct {
	ChatID int64
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %d: %v", e.ChatID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Callback payloads shared by the engine, broadcaster and transport.
const (
	DataStartQuiz = "start_quiz"
	answerPrefix  = "answer:"
)

// AnswerData encodes an option press for a round position.
func AnswerData(option, position int) string {
	return fmt.Sprintf("%s%d:%d", answerPrefix, option, position)
}

// ParseAnswerData decodes a payload produced by AnswerData.
func ParseAnswerData(data string) (option, position int, ok bool) {
	n, err := fmt.Sscanf(data, answerPrefix+"%d:%d", &option, &position)
	if err != nil || n != 2 || option < 0 || position < 0 {
		return 0, 0, false
	}
	// Sscanf stops at the second number; reject trailing garbage.
	if AnswerData(option, position) != data {
		return 0, 0, false
	}
	return option, position, true
}
