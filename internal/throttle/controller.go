// Package throttle implements the four-state throttle controller. Signal
// bursts open the throttle (nitrous), droughts ease it step by step
// (throttle hold) and loss streaks close it completely (lockdown).
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/ledger"
	"github.com/trogers1052/venom-governor/internal/metrics"
	"github.com/trogers1052/venom-governor/internal/models"
	"github.com/trogers1052/venom-governor/internal/statestore"
	"github.com/trogers1052/venom-governor/internal/worker"
)

// ErrUnknownState is returned by Override for a state name outside the four governor states
var ErrUnknownState = errors.New("unknown governor state")

// State is a governor state
type State string

// Governor states
const (
	StateCruise       State = "cruise"
	StateNitrous      State = "nitrous"
	StateThrottleHold State = "throttle_hold"
	StateLockdown     State = "lockdown"
)

// ParseState validates a state name, ignoring case and surrounding space
func ParseState(name string) (State, error) {
	switch s := State(strings.ToLower(strings.TrimSpace(name))); s {
	case StateCruise, StateNitrous, StateThrottleHold, StateLockdown:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, name)
}

// Settings is the persisted controller snapshot
type Settings struct {
	TCSThreshold      float64  `json:"tcs_threshold"`
	MLThreshold       float64  `json:"ml_threshold"`
	GovernorState     State    `json:"governor_state"`
	StateEnteredAt    float64  `json:"state_entered_at"`
	NextEvaluation    float64  `json:"next_evaluation"`
	SignalsFiredCount int      `json:"signals_fired_count"`
	ConsecutiveLosses int      `json:"consecutive_losses"`
	LastSignalTime    *float64 `json:"last_signal_time"`
	OverrideUntil     *float64 `json:"override_until,omitempty"`
	LastAlertTime     *float64 `json:"last_alert_time,omitempty"`
}

// SignalRecord is the controller's short-term memory of a fired signal
type SignalRecord struct {
	SignalID   string
	Timestamp  time.Time
	Symbol     string
	Direction  string
	Confidence float64
	MLScore    float64
	Result     string
	Pips       *float64
}

// Config tunes the controller. Offsets are applied to the base thresholds.
type Config struct {
	BaseTCS float64 `yaml:"base_tcs" validate:"gt=0,lte=100"`
	BaseML  float64 `yaml:"base_ml" validate:"gte=0,lte=1"`

	Interval     time.Duration `yaml:"interval"`
	AlertWindow  time.Duration `yaml:"alert_window"`
	AlertTimeout time.Duration `yaml:"alert_timeout"`
	ReplayWindow time.Duration `yaml:"replay_window"`

	BurstCount      int           `yaml:"burst_count"`
	BurstConfidence float64       `yaml:"burst_confidence"`
	BurstWindow     time.Duration `yaml:"burst_window"`
	NitrousTCSDrop  float64       `yaml:"nitrous_tcs_drop"`
	NitrousMLDrop   float64       `yaml:"nitrous_ml_drop"`
	NitrousDwell    time.Duration `yaml:"nitrous_dwell"`

	DroughtWindow time.Duration `yaml:"drought_window"`
	HoldStep      float64       `yaml:"hold_step"`
	HoldInterval  time.Duration `yaml:"hold_interval"`
	HoldMaxDrop   float64       `yaml:"hold_max_drop"`

	LossStreak       int           `yaml:"loss_streak"`
	LossLookback     int           `yaml:"loss_lookback"`
	LockdownTCSRaise float64       `yaml:"lockdown_tcs_raise"`
	LockdownMLRaise  float64       `yaml:"lockdown_ml_raise"`
	LockdownTCSCap   float64       `yaml:"lockdown_tcs_cap"`
	LockdownMLCap    float64       `yaml:"lockdown_ml_cap"`
	LockdownDwell    time.Duration `yaml:"lockdown_dwell"`
}

// DefaultConfig returns the reference tuning
func DefaultConfig() Config {
	return Config{
		BaseTCS:          70.0,
		BaseML:           0.65,
		Interval:         10 * time.Second,
		AlertWindow:      time.Hour,
		AlertTimeout:     5 * time.Second,
		ReplayWindow:     2 * time.Hour,
		BurstCount:       3,
		BurstConfidence:  85,
		BurstWindow:      2 * time.Minute,
		NitrousTCSDrop:   7,
		NitrousMLDrop:    0.05,
		NitrousDwell:     2 * time.Minute,
		DroughtWindow:    20 * time.Minute,
		HoldStep:         1.5,
		HoldInterval:     5 * time.Minute,
		HoldMaxDrop:      6,
		LossStreak:       3,
		LossLookback:     5,
		LockdownTCSRaise: 3,
		LockdownMLRaise:  0.05,
		LockdownTCSCap:   95,
		LockdownMLCap:    0.85,
		LockdownDwell:    30 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	fill := func(v *float64, def float64) {
		if *v <= 0 {
			*v = def
		}
	}
	fillDur := func(v *time.Duration, def time.Duration) {
		if *v <= 0 {
			*v = def
		}
	}
	fillInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	fill(&c.BaseTCS, d.BaseTCS)
	fill(&c.BaseML, d.BaseML)
	fillDur(&c.Interval, d.Interval)
	fillDur(&c.AlertWindow, d.AlertWindow)
	fillDur(&c.AlertTimeout, d.AlertTimeout)
	fillDur(&c.ReplayWindow, d.ReplayWindow)
	fillInt(&c.BurstCount, d.BurstCount)
	fill(&c.BurstConfidence, d.BurstConfidence)
	fillDur(&c.BurstWindow, d.BurstWindow)
	fill(&c.NitrousTCSDrop, d.NitrousTCSDrop)
	fill(&c.NitrousMLDrop, d.NitrousMLDrop)
	fillDur(&c.NitrousDwell, d.NitrousDwell)
	fillDur(&c.DroughtWindow, d.DroughtWindow)
	fill(&c.HoldStep, d.HoldStep)
	fillDur(&c.HoldInterval, d.HoldInterval)
	fill(&c.HoldMaxDrop, d.HoldMaxDrop)
	fillInt(&c.LossStreak, d.LossStreak)
	fillInt(&c.LossLookback, d.LossLookback)
	fill(&c.LockdownTCSRaise, d.LockdownTCSRaise)
	fill(&c.LockdownMLRaise, d.LockdownMLRaise)
	fill(&c.LockdownTCSCap, d.LockdownTCSCap)
	fill(&c.LockdownMLCap, d.LockdownMLCap)
	fillDur(&c.LockdownDwell, d.LockdownDwell)
	return c
}

// History is the slice of the truth ledger replayed at startup
type History interface {
	Since(t time.Time) ([]models.SignalTruthEntry, error)
}

// Notifier delivers operator alerts
type Notifier interface {
	Notify(ctx context.Context, message string, urgent bool) error
}

// Option configures a Controller
type Option func(*Controller)

// WithClock overrides the controller's time source
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

const (
	recentCapacity  = 100
	historyCapacity = 500
)

// Controller is the state-machine governor. All settings mutations happen
// under mu and are persisted before mu is released.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	settings Settings
	recent   *ring[SignalRecord]
	history  *ring[SignalRecord]

	store    statestore.Store
	notifier Notifier
	logger   zerolog.Logger
	now      func() time.Time
	loop     *worker.Loop
}

// transition describes a state change for logging and alerting once the lock is released
type transition struct {
	from, to      State
	reason        string
	before, after Settings
	notify        bool
	urgent        bool
}

// New builds a controller from defaults, overlays any persisted snapshot and
// replays the recent ledger into its ring buffers.
func New(cfg Config, hist History, store statestore.Store, notifier Notifier, logger zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg.withDefaults(),
		recent:   newRing[SignalRecord](recentCapacity),
		history:  newRing[SignalRecord](historyCapacity),
		store:    store,
		notifier: notifier,
		logger:   logger.With().Str("component", "throttle_controller").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.loop = worker.NewLoop(c.cfg.Interval, c.PeriodicEvaluation)

	now := c.now()
	c.settings = c.enter(Settings{}, StateCruise, now)
	restored := c.restore()
	replayed := c.replay(hist, now)
	if !restored {
		c.settings.ConsecutiveLosses = c.lossStreak()
	}

	if err := c.persist(); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist throttle settings")
	}
	c.publish(c.settings)

	c.logger.Info().
		Str("state", string(c.settings.GovernorState)).
		Float64("tcs_threshold", c.settings.TCSThreshold).
		Float64("ml_threshold", c.settings.MLThreshold).
		Bool("restored", restored).
		Int("replayed_signals", replayed).
		Msg("throttle controller initialised")
	return c
}

func (c *Controller) restore() bool {
	if c.store == nil {
		return false
	}
	var persisted Settings
	found, err := c.store.Load(statestore.ThrottleController, &persisted)
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not load throttle settings, using defaults")
		return false
	}
	if !found {
		return false
	}
	if _, err := ParseState(string(persisted.GovernorState)); err != nil {
		c.logger.Warn().Str("state", string(persisted.GovernorState)).Msg("persisted throttle state invalid, using defaults")
		return false
	}
	c.settings = persisted
	return true
}

func (c *Controller) replay(hist History, now time.Time) int {
	if hist == nil {
		return 0
	}
	entries, err := hist.Since(now.Add(-c.cfg.ReplayWindow))
	if err != nil {
		c.logger.Warn().Err(err).Msg("could not replay truth ledger")
		return 0
	}
	n := 0
	for _, e := range entries {
		switch e.Status {
		case models.StatusFired:
			if c.recent.find(matchID(e.SignalID)) != nil {
				continue
			}
			c.record(recordFromEntry(e))
			n++
		case models.StatusCompleted:
			c.applyResult(e.SignalID, e.Result, e.PipsResult)
		}
	}
	if c.settings.LastSignalTime == nil {
		var latest time.Time
		c.history.newestFirst(func(r *SignalRecord) bool {
			latest = r.Timestamp
			return false
		})
		if !latest.IsZero() {
			c.settings.LastSignalTime = models.Float(models.Epoch(latest))
		}
	}
	return n
}

// recordFromEntry keys the burst check on confidence. tcs_score is an
// optional engine sub-score and is ignored here.
func recordFromEntry(e models.SignalTruthEntry) SignalRecord {
	return SignalRecord{
		SignalID:   e.SignalID,
		Timestamp:  e.Time(),
		Symbol:     e.Symbol,
		Direction:  e.Direction,
		Confidence: e.Confidence,
		MLScore:    e.SecondaryScore(),
	}
}

func matchID(id string) func(*SignalRecord) bool {
	return func(r *SignalRecord) bool { return r.SignalID == id }
}

// Start launches the periodic evaluation loop
func (c *Controller) Start() {
	c.loop.Start()
	c.logger.Info().Dur("interval", c.cfg.Interval).Msg("throttle controller monitor started")
}

// Stop halts the loop, waiting at most timeout
func (c *Controller) Stop(timeout time.Duration) {
	if !c.loop.Stop(timeout) {
		c.logger.Warn().Msg("throttle controller monitor did not stop within timeout")
		return
	}
	c.logger.Info().Msg("throttle controller monitor stopped")
}

// Settings returns a copy of the current settings
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// Thresholds returns the confidence and secondary thresholds
func (c *Controller) Thresholds() (tcs, ml float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.TCSThreshold, c.settings.MLThreshold
}

// Locked reports whether lockdown is vetoing every signal
func (c *Controller) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings.GovernorState == StateLockdown
}

// ShouldFireSignal is false in lockdown regardless of scores; otherwise both
// scores must meet their thresholds.
func (c *Controller) ShouldFireSignal(confidence, secondary float64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settings.GovernorState == StateLockdown {
		return false
	}
	return confidence >= c.settings.TCSThreshold && secondary >= c.settings.MLThreshold
}

// AddSignal records a fired signal and evaluates the event triggers at once
func (c *Controller) AddSignal(signalID, symbol, direction string, confidence, secondary float64) {
	c.addRecord(SignalRecord{
		SignalID:   signalID,
		Symbol:     symbol,
		Direction:  direction,
		Confidence: confidence,
		MLScore:    secondary,
	})
}

func (c *Controller) addRecord(rec SignalRecord) {
	c.mu.Lock()
	now := c.now()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	c.record(rec)
	c.settings.SignalsFiredCount++
	c.settings.LastSignalTime = models.Float(models.Epoch(now))

	tr := c.evaluateTriggers(now, true)
	err := c.persist()
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("failed to persist throttle settings")
	}
	c.logger.Debug().Str("signal_id", rec.SignalID).Float64("confidence", rec.Confidence).Msg("signal recorded")
	c.finish(tr)
}

func (c *Controller) record(rec SignalRecord) {
	c.recent.push(rec)
	c.history.push(rec)
}

// UpdateSignalResult sets the outcome of a recorded signal and checks the
// loss streak. Unknown IDs are ignored; results other than WIN or LOSS fail.
func (c *Controller) UpdateSignalResult(signalID, result string, pips *float64) error {
	normalized := strings.ToUpper(strings.TrimSpace(result))
	if normalized != models.ResultWin && normalized != models.ResultLoss {
		return fmt.Errorf("%w: %q", ledger.ErrInvalidResult, result)
	}

	c.mu.Lock()
	if !c.applyResult(signalID, normalized, pips) {
		c.mu.Unlock()
		c.logger.Warn().Str("signal_id", signalID).Msg("result for unknown signal, ignoring")
		return nil
	}
	c.settings.ConsecutiveLosses = c.lossStreak()
	tr := c.evaluateTriggers(c.now(), false)
	err := c.persist()
	losses := c.settings.ConsecutiveLosses
	c.mu.Unlock()

	c.logger.Info().
		Str("signal_id", signalID).
		Str("result", normalized).
		Int("consecutive_losses", losses).
		Msg("signal result recorded")
	c.finish(tr)
	if err != nil {
		return fmt.Errorf("persist throttle settings: %w", err)
	}
	return nil
}

func (c *Controller) applyResult(signalID, result string, pips *float64) bool {
	found := false
	for _, buf := range []*ring[SignalRecord]{c.recent, c.history} {
		if rec := buf.find(matchID(signalID)); rec != nil {
			rec.Result = result
			rec.Pips = pips
			found = true
		}
	}
	return found
}

// lossStreak counts losses newest first among the last LossLookback resulted
// signals, stopping at the first non-loss
func (c *Controller) lossStreak() int {
	streak, seen := 0, 0
	c.recent.newestFirst(func(r *SignalRecord) bool {
		if r.Result == "" {
			return true
		}
		seen++
		if r.Result != models.ResultLoss {
			return false
		}
		streak++
		return seen < c.cfg.LossLookback
	})
	return streak
}

func (c *Controller) burstCount(now time.Time) int {
	cutoff := now.Add(-c.cfg.BurstWindow)
	n := 0
	c.recent.newestFirst(func(r *SignalRecord) bool {
		if r.Timestamp.Before(cutoff) {
			return false
		}
		if r.Confidence >= c.cfg.BurstConfidence {
			n++
		}
		return true
	})
	return n
}

// evaluateTriggers applies the event-driven transitions. Lockdown outranks
// the burst check. Callers hold mu.
func (c *Controller) evaluateTriggers(now time.Time, newSignal bool) *transition {
	if c.pinned(now) {
		return nil
	}
	state := c.settings.GovernorState
	if state == StateLockdown {
		return nil
	}
	if c.settings.ConsecutiveLosses >= c.cfg.LossStreak {
		return c.transitionTo(StateLockdown, fmt.Sprintf("%d consecutive losses", c.settings.ConsecutiveLosses), now, false)
	}
	if !newSignal {
		return nil
	}
	if state == StateCruise || state == StateThrottleHold {
		if n := c.burstCount(now); n >= c.cfg.BurstCount {
			return c.transitionTo(StateNitrous, fmt.Sprintf("%d signals >= %.0f within %s", n, c.cfg.BurstConfidence, c.cfg.BurstWindow), now, false)
		}
	}
	if state == StateThrottleHold {
		return c.transitionTo(StateCruise, "signal fired during throttle hold", now, false)
	}
	return nil
}

// PeriodicEvaluation runs the time-based exits once next_evaluation is due
func (c *Controller) PeriodicEvaluation() {
	c.mu.Lock()
	now := c.now()
	if models.Epoch(now) < c.settings.NextEvaluation {
		c.mu.Unlock()
		return
	}
	c.settings.OverrideUntil = nil

	var tr *transition
	entered := models.FromEpoch(c.settings.StateEnteredAt)
	switch c.settings.GovernorState {
	case StateCruise:
		tr = c.evaluateCruise(now, entered)
	case StateNitrous:
		if now.Sub(entered) >= c.cfg.NitrousDwell {
			tr = c.transitionTo(StateCruise, "nitrous dwell elapsed", now, false)
		}
	case StateLockdown:
		if now.Sub(entered) >= c.cfg.LockdownDwell {
			c.settings.ConsecutiveLosses = 0
			tr = c.transitionTo(StateCruise, "lockdown dwell elapsed", now, false)
		}
	case StateThrottleHold:
		tr = c.evaluateHold(now, entered)
	}
	if tr == nil {
		c.settings.NextEvaluation = models.Epoch(c.nextEvaluation(c.settings.GovernorState, entered, now))
	}
	err := c.persist()
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("failed to persist throttle settings")
	}
	c.finish(tr)
}

func (c *Controller) evaluateCruise(now, entered time.Time) *transition {
	quietSince := entered
	if c.settings.LastSignalTime != nil {
		if last := models.FromEpoch(*c.settings.LastSignalTime); last.After(quietSince) {
			quietSince = last
		}
	}
	if now.Sub(quietSince) >= c.cfg.DroughtWindow {
		return c.transitionTo(StateThrottleHold, fmt.Sprintf("no signal for %.0f minutes", now.Sub(quietSince).Minutes()), now, false)
	}
	return nil
}

func (c *Controller) evaluateHold(now, entered time.Time) *transition {
	if c.settings.LastSignalTime != nil && now.Sub(models.FromEpoch(*c.settings.LastSignalTime)) < c.cfg.HoldInterval {
		return c.transitionTo(StateCruise, "signal within hold interval", now, false)
	}
	tcs, _ := c.thresholdsFor(StateThrottleHold, entered, now)
	if tcs != c.settings.TCSThreshold {
		c.logger.Info().
			Float64("old_tcs", c.settings.TCSThreshold).
			Float64("new_tcs", tcs).
			Str("state", string(StateThrottleHold)).
			Msg("throttle hold eased threshold")
		c.settings.TCSThreshold = tcs
		c.publish(c.settings)
	}
	return nil
}

// Override forces a state. A positive duration pins it, suspending every
// automatic transition until the duration elapses.
func (c *Controller) Override(name string, duration time.Duration) error {
	state, err := ParseState(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	now := c.now()
	tr := c.transitionTo(state, "operator override", now, true)
	if duration > 0 {
		until := models.Epoch(now.Add(duration))
		c.settings.NextEvaluation = until
		c.settings.OverrideUntil = models.Float(until)
		tr.after = c.settings
	}
	err = c.persist()
	c.mu.Unlock()

	c.finish(tr)
	if err != nil {
		return fmt.Errorf("persist throttle settings: %w", err)
	}
	return nil
}

func (c *Controller) pinned(now time.Time) bool {
	return c.settings.OverrideUntil != nil && models.Epoch(now) < *c.settings.OverrideUntil
}

// transitionTo moves to state and decides whether the change is announced.
// Callers hold mu.
func (c *Controller) transitionTo(to State, reason string, now time.Time, override bool) *transition {
	old := c.settings
	c.settings = c.enter(c.settings, to, now)
	c.settings.OverrideUntil = nil

	tr := &transition{from: old.GovernorState, to: to, reason: reason, before: old, after: c.settings}
	switch {
	case override || to == StateLockdown:
		tr.notify, tr.urgent = true, true
	case to == StateCruise:
		// only close the loop on an alert operators saw recently
		tr.notify = c.alertedWithin(now)
	default:
		tr.notify = !c.alertedWithin(now)
	}
	if tr.notify {
		c.settings.LastAlertTime = models.Float(models.Epoch(now))
		tr.after = c.settings
	}
	return tr
}

func (c *Controller) alertedWithin(now time.Time) bool {
	return c.settings.LastAlertTime != nil && now.Sub(models.FromEpoch(*c.settings.LastAlertTime)) < c.cfg.AlertWindow
}

// enter returns s switched to state with fresh thresholds and timers
func (c *Controller) enter(s Settings, state State, now time.Time) Settings {
	s.GovernorState = state
	s.StateEnteredAt = models.Epoch(now)
	s.TCSThreshold, s.MLThreshold = c.thresholdsFor(state, now, now)
	s.NextEvaluation = models.Epoch(c.nextEvaluation(state, now, now))
	return s
}

func (c *Controller) thresholdsFor(state State, entered, now time.Time) (tcs, ml float64) {
	base, baseML := c.cfg.BaseTCS, c.cfg.BaseML
	switch state {
	case StateNitrous:
		return base - c.cfg.NitrousTCSDrop, baseML - c.cfg.NitrousMLDrop
	case StateThrottleHold:
		steps := math.Floor(now.Sub(entered).Seconds()/c.cfg.HoldInterval.Seconds())
		drop := math.Min(steps*c.cfg.HoldStep, c.cfg.HoldMaxDrop)
		return base - drop, baseML
	case StateLockdown:
		return math.Min(base+c.cfg.LockdownTCSRaise, c.cfg.LockdownTCSCap),
			math.Min(baseML+c.cfg.LockdownMLRaise, c.cfg.LockdownMLCap)
	default:
		return base, baseML
	}
}

func (c *Controller) nextEvaluation(state State, entered, now time.Time) time.Time {
	switch state {
	case StateNitrous:
		return entered.Add(c.cfg.NitrousDwell)
	case StateLockdown:
		return entered.Add(c.cfg.LockdownDwell)
	case StateThrottleHold:
		return now.Add(c.cfg.HoldInterval)
	default:
		return now.Add(c.cfg.Interval)
	}
}

// HandleLedgerEntry records fired entries and applies completed results
func (c *Controller) HandleLedgerEntry(entry models.SignalTruthEntry) {
	switch entry.Status {
	case models.StatusFired:
		c.mu.Lock()
		seen := c.recent.find(matchID(entry.SignalID)) != nil
		c.mu.Unlock()
		if seen {
			return
		}
		c.addRecord(recordFromEntry(entry))
	case models.StatusCompleted:
		if err := c.UpdateSignalResult(entry.SignalID, entry.Result, entry.PipsResult); err != nil {
			c.logger.Error().Err(err).Str("signal_id", entry.SignalID).Msg("could not apply signal result")
		}
	}
}

func (c *Controller) persist() error {
	if c.store == nil {
		return nil
	}
	return c.store.Save(statestore.ThrottleController, c.settings)
}

func (c *Controller) publish(s Settings) {
	metrics.SetThrottleState(string(s.GovernorState))
	metrics.SetThrottleThresholds(s.TCSThreshold, s.MLThreshold)
}

// finish logs, publishes and announces a transition outside the lock
func (c *Controller) finish(tr *transition) {
	if tr == nil {
		return
	}
	c.publish(tr.after)
	metrics.ThrottleTransitions.WithLabelValues(string(tr.from), string(tr.to)).Inc()

	var event *zerolog.Event
	switch {
	case tr.to == StateLockdown:
		event = c.logger.Error().Bool("critical", true)
	case tr.urgent:
		event = c.logger.Warn()
	default:
		event = c.logger.Info()
	}
	event.
		Str("old_state", string(tr.from)).
		Str("new_state", string(tr.to)).
		Float64("old_tcs", tr.before.TCSThreshold).
		Float64("new_tcs", tr.after.TCSThreshold).
		Float64("old_ml", tr.before.MLThreshold).
		Float64("new_ml", tr.after.MLThreshold).
		Str("reason", tr.reason).
		Msg("governor state changed")

	if tr.notify {
		c.alert(formatTransition(tr), tr.urgent)
	}
}

// alert sends without blocking the caller; failures are only logged
func (c *Controller) alert(message string, urgent bool) {
	if c.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AlertTimeout)
		defer cancel()
		if err := c.notifier.Notify(ctx, message, urgent); err != nil {
			c.logger.Warn().Err(err).Msg("throttle alert failed")
		}
	}()
}

var stateEmoji = map[State]string{
	StateCruise:       "🟢",
	StateNitrous:      "🚀",
	StateThrottleHold: "🟡",
	StateLockdown:     "🔒",
}

func formatTransition(tr *transition) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s <b>Throttle %s</b>\n\n", stateEmoji[tr.to], strings.ToUpper(string(tr.to))))
	sb.WriteString(fmt.Sprintf("From: %s\n", tr.from))
	sb.WriteString(fmt.Sprintf("Reason: %s\n", tr.reason))
	sb.WriteString(fmt.Sprintf("TCS: %.1f → %.1f\n", tr.before.TCSThreshold, tr.after.TCSThreshold))
	sb.WriteString(fmt.Sprintf("ML: %.2f → %.2f\n", tr.before.MLThreshold, tr.after.MLThreshold))
	if tr.after.OverrideUntil != nil {
		sb.WriteString(fmt.Sprintf("Pinned until: %s\n", models.FromEpoch(*tr.after.OverrideUntil).UTC().Format("15:04 MST")))
	}
	if tr.to == StateLockdown {
		sb.WriteString("\nAll signals are blocked.")
	}
	return sb.String()
}
