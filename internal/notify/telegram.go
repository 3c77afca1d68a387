// Package notify sends collection run reports to operators.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"fedlist/internal/logger"
	"fedlist/internal/model"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts a short summary of every run to one chat.
type Telegram struct {
	api    telegramAPI
	chatID int64
	log    logger.Logger
}

// NewTelegram creates a Telegram notifier for the given bot token and chat.
func NewTelegram(token string, chatID int64, log logger.Logger) (*Telegram, error) {
	if chatID == 0 {
		return nil, fmt.Errorf("telegram chat id is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newTelegram(api, chatID, log), nil
}

func newTelegram(api telegramAPI, chatID int64, log logger.Logger) *Telegram {
	return &Telegram{api: api, chatID: chatID, log: log}
}

// NotifyRun sends the run report.
func (t *Telegram) NotifyRun(ctx context.Context, run model.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, FormatRun(run))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("send run report: %w", err)
	}
	t.log.Debug("run report sent", logger.String("run_id", run.ID), logger.String("chat_id", fmt.Sprint(t.chatID)))
	return nil
}

// FormatRun formats a run as a plain-text report.
func FormatRun(run model.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[fedlist] %s finished\n", run.Command)
	fmt.Fprintf(&b, "Run: %s\n", run.ID)
	if !run.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s\n", run.StartedAt.UTC().Format("2006-01-02 15:04 UTC"))
	}
	if !run.FinishedAt.IsZero() && !run.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Took: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Second))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Processed: %d\n", run.Processed)
	fmt.Fprintf(&b, "  verified: %d\n", run.OK)
	fmt.Fprintf(&b, "  failed: %d\n", run.Bad)
	fmt.Fprintf(&b, "  moved: %d\n", run.Moved)
	fmt.Fprintf(&b, "  unchanged: %d\n", run.Unchanged)
	fmt.Fprintf(&b, "Skipped (known): %d", run.Skipped)
	return b.String()
}
