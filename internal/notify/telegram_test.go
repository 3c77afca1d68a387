package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"

	"fedlist/internal/logger"
	"fedlist/internal/model"
)

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func testRun() model.Run {
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return model.Run{
		ID:         "run-1",
		Command:    "collect",
		StartedAt:  start,
		FinishedAt: start.Add(95 * time.Second),
		Processed:  4,
		OK:         2,
		Bad:        2,
		Moved:      1,
		Unchanged:  1,
		Skipped:    3,
	}
}

func TestFormatRun(t *testing.T) {
	want := "[fedlist] collect finished\n" +
		"Run: run-1\n" +
		"Started: 2025-03-01 10:00 UTC\n" +
		"Took: 1m35s\n" +
		"\n" +
		"Processed: 4\n" +
		"  verified: 2\n" +
		"  failed: 2\n" +
		"  moved: 1\n" +
		"  unchanged: 1\n" +
		"Skipped (known): 3"
	if diff := cmp.Diff(want, FormatRun(testRun())); diff != "" {
		t.Errorf("FormatRun mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatRunWithoutTimes(t *testing.T) {
	got := FormatRun(model.Run{ID: "r", Command: "collect"})
	want := "[fedlist] collect finished\nRun: r\n\nProcessed: 0\n  verified: 0\n  failed: 0\n  moved: 0\n  unchanged: 0\nSkipped (known): 0"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FormatRun mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyRun(t *testing.T) {
	api := &mockAPI{}
	n := newTelegram(api, 42, logger.Nop())

	if err := n.NotifyRun(context.Background(), testRun()); err != nil {
		t.Fatalf("NotifyRun: %v", err)
	}
	want := []sentMsg{{ChatID: 42, Text: FormatRun(testRun())}}
	if diff := cmp.Diff(want, api.sent); diff != "" {
		t.Errorf("sent mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifyRunErrors(t *testing.T) {
	api := &mockAPI{err: errors.New("telegram down")}
	n := newTelegram(api, 42, logger.Nop())
	if err := n.NotifyRun(context.Background(), testRun()); err == nil {
		t.Error("expected send error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ok := &mockAPI{}
	if err := newTelegram(ok, 42, logger.Nop()).NotifyRun(ctx, testRun()); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(ok.sent) != 0 {
		t.Error("nothing should be sent after cancellation")
	}
}
