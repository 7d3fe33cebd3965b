// Package decay implements the drought-driven adaptive throttle: the
// confidence threshold steps down the longer no signal has gone out and
// snaps back to baseline as soon as one does.
package decay

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/metrics"
	"github.com/trogers1052/venom-governor/internal/models"
	"github.com/trogers1052/venom-governor/internal/statestore"
	"github.com/trogers1052/venom-governor/internal/worker"
)

// ReasonCode explains why the threshold sits where it does
type ReasonCode string

// Reason codes
const (
	ReasonBaseline         ReasonCode = "BASELINE"
	ReasonTier1            ReasonCode = "TIER_1_PRESSURE_RELEASE"
	ReasonTier2            ReasonCode = "TIER_2_ENHANCED_HUNTING"
	ReasonTier3            ReasonCode = "TIER_3_AGGRESSIVE_SEEKING"
	ReasonPressureOverride ReasonCode = "TIER_4_PRESSURE_OVERRIDE_RESET"
	ReasonSignalReset      ReasonCode = "SIGNAL_RESET"
)

// Tier is one rung of the decay staircase
type Tier struct {
	Level     int
	Minutes   float64
	Threshold float64
	Reason    ReasonCode
}

// PressureOverrideLevel is the tier that hard-resets the drought clock
const PressureOverrideLevel = 4

// Schedule returns the staircase for a baseline, ordered by minutes
func Schedule(baseline float64) []Tier {
	return []Tier{
		{Level: 0, Minutes: 0, Threshold: baseline, Reason: ReasonBaseline},
		{Level: 1, Minutes: 20, Threshold: baseline - 2.5, Reason: ReasonTier1},
		{Level: 2, Minutes: 35, Threshold: baseline - 5.0, Reason: ReasonTier2},
		{Level: 3, Minutes: 50, Threshold: baseline - 7.5, Reason: ReasonTier3},
		{Level: PressureOverrideLevel, Minutes: 90, Threshold: baseline, Reason: ReasonPressureOverride},
	}
}

// TierFor returns the last tier whose minute mark is at or below minutes
func TierFor(schedule []Tier, minutes float64) Tier {
	current := schedule[0]
	for _, tier := range schedule {
		if minutes >= tier.Minutes {
			current = tier
		}
	}
	return current
}

// State is the persisted adaptive throttle snapshot
type State struct {
	CurrentTCS             float64    `json:"current_tcs"`
	LastSignalTimestamp    *float64   `json:"last_signal_timestamp"`
	TierLevel              int        `json:"tier_level"`
	ReasonCode             ReasonCode `json:"reason_code"`
	PressureOverrideActive bool       `json:"pressure_override_active"`
	MinutesSinceSignal     float64    `json:"minutes_since_signal"`
	LastUpdated            float64    `json:"last_updated"`
}

// Config tunes the governor
type Config struct {
	Baseline     float64       `yaml:"baseline" validate:"gt=0,lte=100"`
	Interval     time.Duration `yaml:"interval"`
	Epsilon      float64       `yaml:"epsilon"`
	AlertTimeout time.Duration `yaml:"alert_timeout"`
}

// DefaultConfig returns the reference tuning
func DefaultConfig() Config {
	return Config{
		Baseline:     70.0,
		Interval:     30 * time.Second,
		Epsilon:      0.1,
		AlertTimeout: 5 * time.Second,
	}
}

// SignalClock reports when the last signal went out
type SignalClock interface {
	LatestSignalTime() (time.Time, bool, error)
}

// Notifier delivers operator alerts
type Notifier interface {
	Notify(ctx context.Context, message string, urgent bool) error
}

// Option configures a Governor
type Option func(*Governor)

// WithClock overrides the governor's time source
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// Governor is the adaptive throttle
type Governor struct {
	cfg      Config
	schedule []Tier

	mu         sync.Mutex
	state      State
	lastSignal time.Time

	store    statestore.Store
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
	loop     *worker.Loop
}

// New builds a governor seeded from the most recent signal in clock, falling
// back to the persisted state and finally to the current time. It evaluates
// once before returning so the threshold reflects any drought already under way.
func New(cfg Config, clock SignalClock, store statestore.Store, notifier Notifier, logger zerolog.Logger, opts ...Option) *Governor {
	def := DefaultConfig()
	if cfg.Baseline <= 0 {
		cfg.Baseline = def.Baseline
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Epsilon <= 0 {
		cfg.Epsilon = def.Epsilon
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = def.AlertTimeout
	}

	g := &Governor{
		cfg:      cfg,
		schedule: Schedule(cfg.Baseline),
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "adaptive_throttle").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.loop = worker.NewLoop(cfg.Interval, g.Evaluate)

	g.state = State{
		CurrentTCS: cfg.Baseline,
		TierLevel:  0,
		ReasonCode: ReasonBaseline,
	}
	g.lastSignal = g.seed(clock)
	g.state.LastSignalTimestamp = models.Float(models.Epoch(g.lastSignal))

	metrics.DecayThreshold.Set(g.state.CurrentTCS)
	metrics.DecayTier.Set(0)

	g.logger.Info().
		Float64("baseline", cfg.Baseline).
		Time("last_signal", g.lastSignal).
		Msg("adaptive throttle initialised")

	g.Evaluate()
	return g
}

func (g *Governor) seed(clock SignalClock) time.Time {
	if clock != nil {
		latest, ok, err := clock.LatestSignalTime()
		if err != nil {
			g.logger.Warn().Err(err).Msg("could not read last signal from ledger")
		} else if ok {
			return latest
		}
	}

	if g.store != nil {
		var persisted State
		found, err := g.store.Load(statestore.AdaptiveThrottle, &persisted)
		if err != nil {
			g.logger.Warn().Err(err).Msg("could not load persisted adaptive throttle state")
		} else if found && persisted.LastSignalTimestamp != nil {
			return models.FromEpoch(*persisted.LastSignalTimestamp)
		}
	}
	return g.now()
}

// Start launches the periodic evaluation loop
func (g *Governor) Start() {
	g.loop.Start()
	g.logger.Info().Dur("interval", g.cfg.Interval).Msg("adaptive throttle monitor started")
}

// Stop halts the loop, waiting at most timeout
func (g *Governor) Stop(timeout time.Duration) {
	if !g.loop.Stop(timeout) {
		g.logger.Warn().Msg("adaptive throttle monitor did not stop within timeout")
		return
	}
	g.logger.Info().Msg("adaptive throttle monitor stopped")
}

// CurrentThreshold returns the live confidence threshold
func (g *Governor) CurrentThreshold() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.CurrentTCS
}

// Status returns a snapshot of the state with minutes since the last signal
// computed at call time
func (g *Governor) Status() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	s.MinutesSinceSignal = g.now().Sub(g.lastSignal).Minutes()
	return s
}

// Evaluate re-derives the tier from the time since the last signal and
// applies it if the threshold or reason changed. Reaching the override tier
// restarts the drought clock.
func (g *Governor) Evaluate() {
	g.mu.Lock()
	now := g.now()
	minutes := now.Sub(g.lastSignal).Minutes()
	tier := TierFor(g.schedule, minutes)
	override := tier.Level == PressureOverrideLevel

	g.state.MinutesSinceSignal = minutes
	if math.Abs(tier.Threshold-g.state.CurrentTCS) <= g.cfg.Epsilon && tier.Reason == g.state.ReasonCode {
		g.mu.Unlock()
		return
	}

	previous := g.state
	if override {
		g.lastSignal = now
		g.state.LastSignalTimestamp = models.Float(models.Epoch(now))
		g.state.MinutesSinceSignal = 0
	}
	g.state.CurrentTCS = tier.Threshold
	g.state.TierLevel = tier.Level
	g.state.ReasonCode = tier.Reason
	g.state.PressureOverrideActive = override
	g.state.LastUpdated = models.Epoch(now)
	snapshot := g.state
	persistErr := g.persist(snapshot)
	g.mu.Unlock()

	if persistErr != nil {
		g.logger.Error().Err(persistErr).Msg("failed to persist adaptive throttle state")
	}
	g.publish(snapshot)

	event := g.logger.Info()
	if override {
		event = g.logger.Warn()
	}
	event.
		Float64("old_tcs", previous.CurrentTCS).
		Float64("new_tcs", snapshot.CurrentTCS).
		Int("old_tier", previous.TierLevel).
		Int("new_tier", snapshot.TierLevel).
		Str("reason", string(snapshot.ReasonCode)).
		Float64("minutes_since_signal", minutes).
		Msg("threshold changed")

	if override {
		metrics.DecayPressureOverrides.Inc()
		g.alert(fmt.Sprintf(
			"⚠️ <b>Pressure override</b>\n\nNo signal for %.0f minutes. Threshold reset to baseline %.1f and drought clock restarted.",
			minutes, snapshot.CurrentTCS))
	}
}

// OnSignalCompleted snaps the threshold back to baseline. A zero at means now.
// The new threshold is visible to the next CurrentThreshold call.
func (g *Governor) OnSignalCompleted(signalID string, at time.Time) error {
	g.mu.Lock()
	now := g.now()
	if at.IsZero() {
		at = now
	}
	previous := g.state
	g.lastSignal = at
	g.state = State{
		CurrentTCS:             g.cfg.Baseline,
		LastSignalTimestamp:    models.Float(models.Epoch(at)),
		TierLevel:              0,
		ReasonCode:             ReasonSignalReset,
		PressureOverrideActive: false,
		MinutesSinceSignal:     0,
		LastUpdated:            models.Epoch(now),
	}
	snapshot := g.state
	err := g.persist(snapshot)
	g.mu.Unlock()

	g.publish(snapshot)
	g.logger.Info().
		Str("signal_id", signalID).
		Float64("old_tcs", previous.CurrentTCS).
		Float64("new_tcs", snapshot.CurrentTCS).
		Str("reason", string(ReasonSignalReset)).
		Msg("threshold reset by signal")

	if err != nil {
		return fmt.Errorf("persist adaptive throttle state: %w", err)
	}
	return nil
}

// HandleLedgerEntry resets the drought clock on fired and completed entries
func (g *Governor) HandleLedgerEntry(entry models.SignalTruthEntry) {
	if entry.Status != models.StatusFired && entry.Status != models.StatusCompleted {
		return
	}
	if err := g.OnSignalCompleted(entry.SignalID, entry.Time()); err != nil {
		g.logger.Error().Err(err).Str("signal_id", entry.SignalID).Msg("signal reset not persisted")
	}
}

func (g *Governor) persist(state State) error {
	if g.store == nil {
		return nil
	}
	return g.store.Save(statestore.AdaptiveThrottle, state)
}

func (g *Governor) publish(state State) {
	metrics.DecayThreshold.Set(state.CurrentTCS)
	metrics.DecayTier.Set(float64(state.TierLevel))
}

// alert sends without blocking the caller; failures are only logged
func (g *Governor) alert(message string) {
	if g.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.AlertTimeout)
		defer cancel()
		if err := g.notifier.Notify(ctx, message, false); err != nil {
			g.logger.Warn().Err(err).Msg("pressure override alert failed")
		}
	}()
}
