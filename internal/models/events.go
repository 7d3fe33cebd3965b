package models

import (
	"math"
	"strings"
	"time"
)

// Status is a step in a signal's lifecycle
type Status string

// Signal lifecycle statuses
const (
	StatusGenerated Status = "generated"
	StatusFired     Status = "fired"
	StatusFiltered  Status = "filtered"
	StatusExpired   Status = "expired"
	StatusCompleted Status = "completed"
)

// Terminal reports whether no further entries may follow this status
func (s Status) Terminal() bool {
	switch s {
	case StatusFiltered, StatusExpired, StatusCompleted:
		return true
	default:
		return false
	}
}

// Signal directions
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// Signal results
const (
	ResultWin  = "WIN"
	ResultLoss = "LOSS"
)

// TimestampLayout is the ISO-8601 UTC layout used for ledger timestamps
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in the ledger's timestamp layout
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the ledger layout and any RFC3339 variant
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Epoch converts t to fractional unix seconds, the unit governor state is persisted in
func Epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromEpoch is the inverse of Epoch
func FromEpoch(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

// SignalTruthEntry is one immutable lifecycle event in the truth ledger.
// Fields are declared in JSON key order so encoded lines come out with
// sorted keys; optional values are pointers so absent ones are omitted.
type SignalTruthEntry struct {
	CitadelScore   *float64 `json:"citadel_score,omitempty"`
	Confidence     float64  `json:"confidence"`
	Direction      string   `json:"direction"`
	EntryPrice     float64  `json:"entry_price"`
	FireReason     string   `json:"fire_reason,omitempty"`
	MLFilterPassed *bool    `json:"ml_filter_passed,omitempty"`
	PipsResult     *float64 `json:"pips_result,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	Result         string   `json:"result,omitempty"`
	RRRatio        *float64 `json:"rr_ratio,omitempty"`
	RuntimeSeconds *float64 `json:"runtime_seconds,omitempty"`
	SignalID       string   `json:"signal_id"`
	Source         string   `json:"source,omitempty"`
	Status         Status   `json:"status"`
	StopLoss       float64  `json:"stop_loss"`
	Symbol         string   `json:"symbol"`
	TakeProfit     float64  `json:"take_profit"`
	TCSScore       *float64 `json:"tcs_score,omitempty"`
	Timestamp      string   `json:"timestamp"`
	UserCount      *int     `json:"user_count,omitempty"`
}

// Time parses the entry timestamp, returning the zero time if it is unreadable
func (e SignalTruthEntry) Time() time.Time {
	t, err := ParseTimestamp(e.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SecondaryScore is the 0-1 score the throttle controller gates on
func (e SignalTruthEntry) SecondaryScore() float64 {
	if e.CitadelScore == nil {
		return 0
	}
	return *e.CitadelScore
}

// IsJPYPair reports whether the symbol is quoted in yen
func IsJPYPair(symbol string) bool {
	return strings.HasSuffix(strings.ToUpper(symbol), "JPY")
}

// TickEvent is a bid/ask quote received from the price stream
type TickEvent struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Timestamp time.Time `json:"timestamp"`
}

// OutcomeEvent reports a signal result observed outside the ledger's own price checks
type OutcomeEvent struct {
	SignalID       string  `json:"signal_id"`
	Result         string  `json:"result"`
	Pips           float64 `json:"pips"`
	RuntimeSeconds float64 `json:"runtime_seconds"`
}

// LifecycleEvent wraps a ledger entry for publication on the lifecycle topic
type LifecycleEvent struct {
	EventType     string           `json:"event_type"`
	Source        string           `json:"source"`
	SchemaVersion string           `json:"schema_version"`
	Timestamp     time.Time        `json:"timestamp"`
	Data          SignalTruthEntry `json:"data"`
}

// Float returns a pointer to v
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }
