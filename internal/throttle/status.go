package throttle

import (
	"time"

	"github.com/trogers1052/venom-governor/internal/models"
)

// Report is the computed controller status
type Report struct {
	GovernorState      State    `json:"governor_state"`
	TCSThreshold       float64  `json:"tcs_threshold"`
	MLThreshold        float64  `json:"ml_threshold"`
	StateEnteredAt     float64  `json:"state_entered_at"`
	NextEvaluation     float64  `json:"next_evaluation"`
	TimeInStateSeconds float64  `json:"time_in_state_seconds"`
	SignalsLastHour    int      `json:"signals_last_hour"`
	SignalsLast5Min    int      `json:"signals_last_5min"`
	WinRateLastHour    float64  `json:"win_rate_last_hour"`
	SignalsFiredCount  int      `json:"signals_fired_count"`
	ConsecutiveLosses  int      `json:"consecutive_losses"`
	FiringBlocked      bool     `json:"firing_blocked"`
	OverrideUntil      *float64 `json:"override_until,omitempty"`
}

// Status builds a report from the settings and the long ring buffer. Win rate
// is wins over resulted signals in the last hour, zero when none resulted.
func (c *Controller) Status() Report {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	hourAgo := now.Add(-time.Hour)
	fiveAgo := now.Add(-5 * time.Minute)

	var lastHour, lastFive, resulted, wins int
	c.history.newestFirst(func(r *SignalRecord) bool {
		if r.Timestamp.Before(hourAgo) {
			return true
		}
		lastHour++
		if !r.Timestamp.Before(fiveAgo) {
			lastFive++
		}
		if r.Result != "" {
			resulted++
			if r.Result == models.ResultWin {
				wins++
			}
		}
		return true
	})

	winRate := 0.0
	if resulted > 0 {
		winRate = float64(wins) / float64(resulted)
	}

	s := c.settings
	return Report{
		GovernorState:      s.GovernorState,
		TCSThreshold:       s.TCSThreshold,
		MLThreshold:        s.MLThreshold,
		StateEnteredAt:     s.StateEnteredAt,
		NextEvaluation:     s.NextEvaluation,
		TimeInStateSeconds: now.Sub(models.FromEpoch(s.StateEnteredAt)).Seconds(),
		SignalsLastHour:    lastHour,
		SignalsLast5Min:    lastFive,
		WinRateLastHour:    winRate,
		SignalsFiredCount:  s.SignalsFiredCount,
		ConsecutiveLosses:  s.ConsecutiveLosses,
		FiringBlocked:      s.GovernorState == StateLockdown,
		OverrideUntil:      s.OverrideUntil,
	}
}
