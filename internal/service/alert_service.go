package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/config"
	"github.com/trogers1052/venom-governor/internal/metrics"
	"github.com/trogers1052/venom-governor/internal/models"
)

// Sender is the transport behind the alert service
type Sender interface {
	SendMessage(ctx context.Context, message string) error
}

// AlertService is the operator notification sink shared by both governors
type AlertService struct {
	config    *config.Config
	sender    Sender
	logger    zerolog.Logger
	now       func() time.Time
	cooldowns map[string]time.Time // symbol -> last result alert
	mu        sync.Mutex
}

// NewAlertService creates an alert service. A nil sender logs messages
// instead of delivering them.
func NewAlertService(cfg *config.Config, sender Sender, logger zerolog.Logger) *AlertService {
	return &AlertService{
		config:    cfg,
		sender:    sender,
		logger:    logger.With().Str("component", "alerts").Logger(),
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
	}
}

// Notify delivers message. Non-urgent messages are dropped during quiet
// hours; urgent ones always go out with an URGENT banner.
func (s *AlertService) Notify(ctx context.Context, message string, urgent bool) error {
	if !urgent && s.isQuietHours() {
		metrics.Notifications.WithLabelValues("suppressed").Inc()
		s.logger.Debug().Msg("quiet hours active, alert suppressed")
		return nil
	}

	text := s.decorate(message, urgent)
	if s.sender == nil {
		metrics.Notifications.WithLabelValues("logged").Inc()
		s.logger.Info().Bool("urgent", urgent).Str("message", text).Msg("alert (no transport configured)")
		return nil
	}

	if err := s.sender.SendMessage(ctx, text); err != nil {
		metrics.Notifications.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	metrics.Notifications.WithLabelValues("sent").Inc()
	s.logger.Debug().Bool("urgent", urgent).Msg("alert sent")
	return nil
}

// HandleLedgerEntry announces completed signals in the background, at most
// once per symbol per cooldown window
func (s *AlertService) HandleLedgerEntry(entry models.SignalTruthEntry) {
	if !s.config.AlertOnResults || entry.Status != models.StatusCompleted {
		return
	}
	if !s.checkCooldown(entry.Symbol) {
		s.logger.Debug().Str("symbol", entry.Symbol).Msg("result alert in cooldown")
		return
	}
	s.setCooldown(entry.Symbol)

	timeout := s.config.AlertTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	message := s.formatResultMessage(entry)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Notify(ctx, message, false); err != nil {
			s.logger.Warn().Err(err).Str("signal_id", entry.SignalID).Msg("result alert failed")
		}
	}()
}

// checkCooldown returns true if we can send a result alert for this symbol
func (s *AlertService) checkCooldown(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	lastAlert, exists := s.cooldowns[symbol]
	if !exists {
		return true
	}
	cooldownDuration := time.Duration(s.config.CooldownMinutes) * time.Minute
	return s.now().Sub(lastAlert) >= cooldownDuration
}

// setCooldown updates the cooldown time for a symbol
func (s *AlertService) setCooldown(symbol string) {
	s.mu.Lock()
	s.cooldowns[symbol] = s.now()
	s.mu.Unlock()
}

// isQuietHours checks if current time is within quiet hours
func (s *AlertService) isQuietHours() bool {
	if !s.config.EnableQuietHours {
		return false
	}

	hour := s.now().Hour()
	start := s.config.QuietHoursStart
	end := s.config.QuietHoursEnd

	// Handle overnight quiet hours (e.g., 22:00 to 07:00)
	if start > end {
		return hour >= start || hour < end
	}

	// Same-day quiet hours (e.g., 13:00 to 14:00)
	return hour >= start && hour < end
}

func (s *AlertService) decorate(message string, urgent bool) string {
	var sb strings.Builder
	if urgent {
		sb.WriteString("🚨 <b>URGENT</b>\n\n")
	}
	sb.WriteString(message)
	sb.WriteString(fmt.Sprintf("\n\n🕐 %s", s.now().UTC().Format("2006-01-02 15:04:05 MST")))
	return sb.String()
}

// formatResultMessage formats a completed ledger entry into a Telegram message
func (s *AlertService) formatResultMessage(entry models.SignalTruthEntry) string {
	emoji := "🔴"
	if entry.Result == models.ResultWin {
		emoji = "🟢"
	}

	var sb strings.Builder

	// Header
	sb.WriteString(fmt.Sprintf("%s <b>%s %s: %s</b>\n\n", emoji, entry.Direction, entry.Symbol, entry.Result))

	if entry.PipsResult != nil {
		sb.WriteString(fmt.Sprintf("📏 Pips: %+.1f\n", *entry.PipsResult))
	}
	if entry.RRRatio != nil {
		sb.WriteString(fmt.Sprintf("⚖️ R:R: %.2f\n", *entry.RRRatio))
	}
	sb.WriteString(fmt.Sprintf("📊 Confidence: %.1f %s\n", entry.Confidence, formatConfidenceBar(entry.Confidence)))
	if entry.RuntimeSeconds != nil {
		sb.WriteString(fmt.Sprintf("⏱ Runtime: %s\n", (time.Duration(*entry.RuntimeSeconds) * time.Second).String()))
	}
	sb.WriteString(fmt.Sprintf("\n🆔 %s", entry.SignalID))

	return sb.String()
}

// formatConfidenceBar renders a 0-100 score as ten blocks
func formatConfidenceBar(confidence float64) string {
	filled := int(confidence / 10)
	if filled < 0 {
		filled = 0
	}
	if filled > 10 {
		filled = 10
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", 10-filled)
}

// FormatStartup is the message sent when the service comes up
func FormatStartup(cfg *config.Config) string {
	var sb strings.Builder
	sb.WriteString("🚀 <b>VENOM Governor Started</b>\n\n")
	if cfg.DecayEnabled {
		sb.WriteString(fmt.Sprintf("Adaptive throttle: baseline %.1f\n", cfg.Decay.Baseline))
	}
	if cfg.ThrottleEnabled {
		sb.WriteString(fmt.Sprintf("Throttle controller: TCS %.1f / ML %.2f\n", cfg.Throttle.BaseTCS, cfg.Throttle.BaseML))
	}
	sb.WriteString("Now tracking signal lifecycle.")
	return sb.String()
}
