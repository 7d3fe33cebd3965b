// Package gate combines the two governors at the signal engine boundary.
// The decay governor's threshold wins when it is configured; the throttle
// controller supplies the secondary gate and the lockdown veto.
package gate

import (
	"github.com/trogers1052/venom-governor/internal/decay"
	"github.com/trogers1052/venom-governor/internal/throttle"
)

// Source names the governor a threshold came from
type Source string

const (
	SourceDecay    Source = "adaptive_throttle"
	SourceThrottle Source = "throttle_controller"
	SourceStatic   Source = "static"
)

// Gate answers threshold queries. Either governor may be nil.
type Gate struct {
	decay    *decay.Governor
	throttle *throttle.Controller
	fallback float64
}

// New builds a gate. fallback is used when neither governor runs.
func New(d *decay.Governor, t *throttle.Controller, fallback float64) *Gate {
	return &Gate{decay: d, throttle: t, fallback: fallback}
}

// Threshold returns the effective confidence threshold and where it came from
func (g *Gate) Threshold() (float64, Source) {
	if g.decay != nil {
		return g.decay.CurrentThreshold(), SourceDecay
	}
	if g.throttle != nil {
		tcs, _ := g.throttle.Thresholds()
		return tcs, SourceThrottle
	}
	return g.fallback, SourceStatic
}

// ShouldFire applies the lockdown veto, then the effective confidence
// threshold, then the throttle controller's secondary threshold when a
// secondary score is supplied.
func (g *Gate) ShouldFire(confidence float64, secondary *float64) bool {
	if g.throttle != nil && g.throttle.Locked() {
		return false
	}
	threshold, _ := g.Threshold()
	if confidence < threshold {
		return false
	}
	if g.throttle != nil && secondary != nil {
		_, ml := g.throttle.Thresholds()
		return *secondary >= ml
	}
	return true
}

// Snapshot is the gate's view for status endpoints
type Snapshot struct {
	Threshold float64  `json:"threshold"`
	Source    Source   `json:"source"`
	Secondary *float64 `json:"secondary_threshold,omitempty"`
	Blocked   bool     `json:"blocked"`
}

// Snapshot reports the effective thresholds
func (g *Gate) Snapshot() Snapshot {
	threshold, source := g.Threshold()
	s := Snapshot{Threshold: threshold, Source: source}
	if g.throttle != nil {
		_, ml := g.throttle.Thresholds()
		s.Secondary = &ml
		s.Blocked = g.throttle.Locked()
	}
	return s
}
