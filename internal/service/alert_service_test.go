package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/config"
	"github.com/trogers1052/venom-governor/internal/models"
)

type fakeSender struct {
	messages chan string
	err      error
}

func newFakeSender() *fakeSender {
	return &fakeSender{messages: make(chan string, 10)}
}

func (f *fakeSender) SendMessage(_ context.Context, message string) error {
	if f.err != nil {
		return f.err
	}
	f.messages <- message
	return nil
}

func (f *fakeSender) next(t *testing.T) string {
	t.Helper()
	select {
	case m := <-f.messages:
		return m
	case <-time.After(time.Second):
		t.Fatalf("expected a message")
		return ""
	}
}

func (f *fakeSender) none(t *testing.T) {
	t.Helper()
	select {
	case m := <-f.messages:
		t.Fatalf("unexpected message: %s", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func quietConfig() *config.Config {
	return &config.Config{
		AlertOnResults:   true,
		CooldownMinutes:  30,
		EnableQuietHours: true,
		QuietHoursStart:  22,
		QuietHoursEnd:    7,
		AlertTimeout:     time.Second,
	}
}

func newTestService(cfg *config.Config, sender Sender, at time.Time) *AlertService {
	s := NewAlertService(cfg, sender, zerolog.Nop())
	s.now = func() time.Time { return at }
	return s
}

func TestQuietHoursSuppressRoutineAlerts(t *testing.T) {
	sender := newFakeSender()
	s := newTestService(quietConfig(), sender, time.Date(2026, 10, 19, 23, 30, 0, 0, time.Local))

	if err := s.Notify(context.Background(), "routine", false); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	sender.none(t)

	if err := s.Notify(context.Background(), "lockdown engaged", true); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	msg := sender.next(t)
	if !strings.HasPrefix(msg, "🚨 <b>URGENT</b>") || !strings.Contains(msg, "lockdown engaged") {
		t.Fatalf("urgent alert must bypass quiet hours with a banner: %q", msg)
	}
}

func TestNotifyOutsideQuietHours(t *testing.T) {
	sender := newFakeSender()
	s := newTestService(quietConfig(), sender, time.Date(2026, 10, 19, 12, 0, 0, 0, time.Local))

	if err := s.Notify(context.Background(), "nitrous", false); err != nil {
		t.Fatalf("Notify error: %v", err)
	}
	if msg := sender.next(t); strings.Contains(msg, "URGENT") {
		t.Fatalf("routine alert must not carry the urgent banner: %q", msg)
	}
}

func TestSameDayQuietHours(t *testing.T) {
	cfg := quietConfig()
	cfg.QuietHoursStart, cfg.QuietHoursEnd = 13, 14
	in := newTestService(cfg, nil, time.Date(2026, 10, 19, 13, 15, 0, 0, time.Local))
	out := newTestService(cfg, nil, time.Date(2026, 10, 19, 14, 0, 0, 0, time.Local))
	if !in.isQuietHours() || out.isQuietHours() {
		t.Fatalf("same-day window is [start, end)")
	}
}

func TestNotifyPropagatesSendFailure(t *testing.T) {
	sender := &fakeSender{err: errors.New("boom")}
	s := newTestService(&config.Config{}, sender, time.Now())
	if err := s.Notify(context.Background(), "x", true); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestNotifyWithoutTransportLogs(t *testing.T) {
	s := newTestService(&config.Config{}, nil, time.Now())
	if err := s.Notify(context.Background(), "x", false); err != nil {
		t.Fatalf("log-only notify must not fail: %v", err)
	}
}

func TestResultAlertsRespectCooldown(t *testing.T) {
	sender := newFakeSender()
	cfg := quietConfig()
	cfg.EnableQuietHours = false
	s := newTestService(cfg, sender, time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC))

	entry := models.SignalTruthEntry{
		SignalID: "VENOM_EURUSD_000001", Symbol: "EURUSD", Direction: "BUY",
		Confidence: 82, Status: models.StatusCompleted, Result: models.ResultWin,
		PipsResult: models.Float(50), RRRatio: models.Float(2.5), RuntimeSeconds: models.Float(90),
	}
	s.HandleLedgerEntry(entry)
	msg := sender.next(t)
	for _, want := range []string{"🟢", "EURUSD", "+50.0", "2.50", "1m30s", "VENOM_EURUSD_000001"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}

	s.HandleLedgerEntry(entry)
	sender.none(t)

	fired := entry
	fired.Status = models.StatusFired
	fired.Symbol = "GBPUSD"
	s.HandleLedgerEntry(fired)
	sender.none(t)
}

func TestConfidenceBar(t *testing.T) {
	if got := formatConfidenceBar(72); got != "███████░░░" {
		t.Fatalf("unexpected bar %q", got)
	}
	if got := formatConfidenceBar(140); got != strings.Repeat("█", 10) {
		t.Fatalf("bar must clamp, got %q", got)
	}
}

func TestFormatStartup(t *testing.T) {
	cfg := &config.Config{DecayEnabled: true}
	cfg.Decay.Baseline = 70
	msg := FormatStartup(cfg)
	if !strings.Contains(msg, "baseline 70.0") || strings.Contains(msg, "Throttle controller") {
		t.Fatalf("unexpected startup message: %q", msg)
	}
}
