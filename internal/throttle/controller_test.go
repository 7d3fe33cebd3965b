package throttle

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/ledger"
	"github.com/trogers1052/venom-governor/internal/metrics"
	"github.com/trogers1052/venom-governor/internal/models"
	"github.com/trogers1052/venom-governor/internal/statestore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type alert struct {
	message string
	urgent  bool
}

type recordingNotifier struct {
	alerts chan alert
}

func (n *recordingNotifier) Notify(_ context.Context, message string, urgent bool) error {
	n.alerts <- alert{message: message, urgent: urgent}
	return nil
}

func (n *recordingNotifier) next(t *testing.T) alert {
	t.Helper()
	select {
	case a := <-n.alerts:
		return a
	case <-time.After(time.Second):
		t.Fatalf("expected an alert")
		return alert{}
	}
}

func (n *recordingNotifier) none(t *testing.T) {
	t.Helper()
	select {
	case a := <-n.alerts:
		t.Fatalf("unexpected alert: %s", a.message)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeHistory []models.SignalTruthEntry

func (h fakeHistory) Since(t time.Time) ([]models.SignalTruthEntry, error) {
	var out []models.SignalTruthEntry
	for _, e := range h {
		if !e.Time().Before(t) {
			out = append(out, e)
		}
	}
	return out, nil
}

type harness struct {
	c        *Controller
	clock    *fakeClock
	store    *statestore.FileStore
	notifier *recordingNotifier
}

func newHarness(t *testing.T, hist History) *harness {
	t.Helper()
	clock := newFakeClock()
	store, err := statestore.NewFileStore(filepath.Join(t.TempDir(), "governor_state.json"))
	if err != nil {
		t.Fatalf("NewFileStore error: %v", err)
	}
	notifier := &recordingNotifier{alerts: make(chan alert, 20)}
	c := New(DefaultConfig(), hist, store, notifier, zerolog.Nop(), WithClock(clock.Now))
	return &harness{c: c, clock: clock, store: store, notifier: notifier}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// assertConsistent checks the thresholds belong to the active state
func assertConsistent(t *testing.T, c *Controller) {
	t.Helper()
	s := c.Settings()
	cfg := c.cfg
	switch s.GovernorState {
	case StateCruise:
		if !approx(s.TCSThreshold, cfg.BaseTCS) || !approx(s.MLThreshold, cfg.BaseML) {
			t.Fatalf("cruise with foreign thresholds: %+v", s)
		}
	case StateNitrous:
		if !approx(s.TCSThreshold, cfg.BaseTCS-7) || !approx(s.MLThreshold, cfg.BaseML-0.05) {
			t.Fatalf("nitrous with foreign thresholds: %+v", s)
		}
	case StateLockdown:
		if !approx(s.TCSThreshold, 73) || !approx(s.MLThreshold, 0.70) {
			t.Fatalf("lockdown with foreign thresholds: %+v", s)
		}
	case StateThrottleHold:
		if s.TCSThreshold > cfg.BaseTCS || s.TCSThreshold < cfg.BaseTCS-6 || !approx(s.MLThreshold, cfg.BaseML) {
			t.Fatalf("throttle hold with foreign thresholds: %+v", s)
		}
	default:
		t.Fatalf("unknown state %q", s.GovernorState)
	}
}

func TestStartsInCruise(t *testing.T) {
	h := newHarness(t, nil)
	tcs, ml := h.c.Thresholds()
	if h.c.Settings().GovernorState != StateCruise || tcs != 70 || ml != 0.65 {
		t.Fatalf("unexpected initial settings: %+v", h.c.Settings())
	}
	if !h.c.ShouldFireSignal(70, 0.65) {
		t.Fatalf("scores at threshold should fire")
	}
	if h.c.ShouldFireSignal(69.9, 0.9) || h.c.ShouldFireSignal(90, 0.64) {
		t.Fatalf("both gates must pass")
	}
}

func TestBurstTriggersNitrous(t *testing.T) {
	h := newHarness(t, nil)
	before, _ := h.c.Thresholds()

	h.c.AddSignal("VENOM_EURUSD_000001", "EURUSD", "BUY", 90, 0.8)
	h.clock.Advance(45 * time.Second)
	h.c.AddSignal("VENOM_GBPUSD_000001", "GBPUSD", "SELL", 90, 0.8)
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("two signals must not trigger nitrous")
	}
	h.clock.Advance(45 * time.Second)
	h.c.AddSignal("VENOM_USDJPY_000001", "USDJPY", "BUY", 90, 0.8)

	s := h.c.Settings()
	if s.GovernorState != StateNitrous {
		t.Fatalf("expected nitrous, got %s", s.GovernorState)
	}
	if s.TCSThreshold != before-7 {
		t.Fatalf("expected tcs %.1f, got %.1f", before-7, s.TCSThreshold)
	}
	assertConsistent(t, h.c)

	a := h.notifier.next(t)
	if a.urgent || !strings.Contains(a.message, "NITROUS") {
		t.Fatalf("unexpected nitrous alert: %+v", a)
	}
}

func TestBurstIgnoresLowConfidenceAndStaleSignals(t *testing.T) {
	h := newHarness(t, nil)
	h.c.AddSignal("a", "EURUSD", "BUY", 90, 0.8)
	h.clock.Advance(3 * time.Minute)
	h.c.AddSignal("b", "EURUSD", "BUY", 90, 0.8)
	h.c.AddSignal("c", "EURUSD", "BUY", 84.9, 0.8)
	h.c.AddSignal("d", "EURUSD", "BUY", 90, 0.8)
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("burst must count only recent signals at or above 85")
	}
}

func TestNitrousDwellReturnsToCruise(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.c.AddSignal(string(rune('a'+i)), "EURUSD", "BUY", 92, 0.8)
	}
	h.notifier.next(t)

	h.clock.Advance(time.Minute)
	h.c.PeriodicEvaluation()
	if h.c.Settings().GovernorState != StateNitrous {
		t.Fatalf("nitrous must hold for its dwell time")
	}

	h.clock.Advance(time.Minute)
	h.c.PeriodicEvaluation()
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("expected cruise after dwell, got %s", h.c.Settings().GovernorState)
	}
	assertConsistent(t, h.c)

	// the nitrous alert was recent, so the return to cruise is announced
	a := h.notifier.next(t)
	if !strings.Contains(a.message, "CRUISE") {
		t.Fatalf("expected cruise alert, got %s", a.message)
	}
}

func lose(t *testing.T, c *Controller, id string) {
	t.Helper()
	if err := c.UpdateSignalResult(id, "loss", models.Float(-20)); err != nil {
		t.Fatalf("UpdateSignalResult error: %v", err)
	}
}

func TestLockdownVetoIsAbsolute(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		h.c.AddSignal(id, "EURUSD", "BUY", 75, 0.7)
		h.clock.Advance(5 * time.Minute)
	}
	lose(t, h.c, "a")
	lose(t, h.c, "b")
	if h.c.Settings().GovernorState == StateLockdown {
		t.Fatalf("two losses must not lock down")
	}
	lose(t, h.c, "c")

	if h.c.Settings().GovernorState != StateLockdown {
		t.Fatalf("expected lockdown, got %s", h.c.Settings().GovernorState)
	}
	assertConsistent(t, h.c)
	if h.c.ShouldFireSignal(100, 1.0) {
		t.Fatalf("lockdown must veto every signal")
	}
	if !h.c.Status().FiringBlocked {
		t.Fatalf("status must report firing blocked")
	}
	a := h.notifier.next(t)
	if !a.urgent || !strings.Contains(a.message, "LOCKDOWN") {
		t.Fatalf("lockdown alert must be urgent: %+v", a)
	}

	h.clock.Advance(29 * time.Minute)
	h.c.PeriodicEvaluation()
	if h.c.ShouldFireSignal(100, 1.0) {
		t.Fatalf("veto must last the full dwell")
	}

	h.clock.Advance(time.Minute)
	h.c.PeriodicEvaluation()
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("expected cruise after lockdown dwell")
	}
	if h.c.Settings().ConsecutiveLosses != 0 {
		t.Fatalf("loss streak should reset on lockdown exit")
	}
	if !h.c.ShouldFireSignal(100, 1.0) {
		t.Fatalf("cruise should fire strong signals")
	}
}

func TestLossStreakStopsAtFirstWin(t *testing.T) {
	h := newHarness(t, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		h.c.AddSignal(id, "EURUSD", "BUY", 75, 0.7)
		h.clock.Advance(time.Minute)
	}
	lose(t, h.c, "a")
	lose(t, h.c, "b")
	if err := h.c.UpdateSignalResult("c", "WIN", models.Float(30)); err != nil {
		t.Fatalf("UpdateSignalResult error: %v", err)
	}
	lose(t, h.c, "d")

	s := h.c.Settings()
	if s.GovernorState != StateCruise || s.ConsecutiveLosses != 1 {
		t.Fatalf("win must break the streak: %+v", s)
	}
}

func TestLockdownOutranksNitrous(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.Override("cruise", time.Minute); err != nil {
		t.Fatalf("Override error: %v", err)
	}
	h.notifier.next(t)

	h.c.AddSignal("a", "EURUSD", "BUY", 90, 0.8)
	h.c.AddSignal("b", "EURUSD", "BUY", 90, 0.8)
	h.c.AddSignal("c", "EURUSD", "BUY", 70, 0.8)
	for _, id := range []string{"a", "b", "c"} {
		lose(t, h.c, id)
	}
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("pinned override must suppress automatic transitions")
	}

	h.clock.Advance(70 * time.Second)
	h.c.AddSignal("d", "EURUSD", "BUY", 90, 0.8)
	if h.c.Settings().GovernorState != StateLockdown {
		t.Fatalf("lockdown must win over a simultaneous burst, got %s", h.c.Settings().GovernorState)
	}
	assertConsistent(t, h.c)
}

func TestThrottleHoldStaircase(t *testing.T) {
	h := newHarness(t, nil)

	h.clock.Advance(19 * time.Minute)
	h.c.PeriodicEvaluation()
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("drought under 20 minutes must stay in cruise")
	}

	h.clock.Advance(time.Minute)
	h.c.PeriodicEvaluation()
	if h.c.Settings().GovernorState != StateThrottleHold {
		t.Fatalf("expected throttle hold, got %s", h.c.Settings().GovernorState)
	}

	want := []float64{70, 68.5, 67, 65.5, 64, 64}
	for i, tcs := range want {
		if i > 0 {
			h.clock.Advance(5 * time.Minute)
			h.c.PeriodicEvaluation()
		}
		got, _ := h.c.Thresholds()
		if got != tcs {
			t.Fatalf("interval %d: expected tcs %.1f, got %.1f", i, tcs, got)
		}
		if gauge := testutil.ToFloat64(metrics.ThrottleThresholds.WithLabelValues("tcs")); gauge != tcs {
			t.Fatalf("interval %d: tcs gauge %.1f, want %.1f", i, gauge, tcs)
		}
		assertConsistent(t, h.c)
	}

	h.c.AddSignal("a", "EURUSD", "BUY", 70, 0.7)
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("a signal must end throttle hold")
	}
	assertConsistent(t, h.c)
}

func TestOverrideValidation(t *testing.T) {
	h := newHarness(t, nil)
	err := h.c.Override("warp_speed", 0)
	if !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("rejected override must not change state")
	}
	h.notifier.none(t)
}

func TestOverridePinsState(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.c.Override(" LOCKDOWN ", 15*time.Minute); err != nil {
		t.Fatalf("Override error: %v", err)
	}
	a := h.notifier.next(t)
	if !a.urgent {
		t.Fatalf("override alerts are urgent")
	}
	if h.c.ShouldFireSignal(100, 1) {
		t.Fatalf("forced lockdown must veto")
	}
	if h.c.Status().OverrideUntil == nil {
		t.Fatalf("status should expose the pin")
	}

	h.clock.Advance(16 * time.Minute)
	h.c.PeriodicEvaluation()
	if h.c.Settings().GovernorState != StateLockdown {
		t.Fatalf("lockdown dwell still applies after the pin expires")
	}
	if h.c.Settings().OverrideUntil != nil {
		t.Fatalf("expired pin should be cleared")
	}

	h.clock.Advance(15 * time.Minute)
	h.c.PeriodicEvaluation()
	if h.c.Settings().GovernorState != StateCruise {
		t.Fatalf("expected cruise once lockdown dwell elapsed")
	}
}

func TestOverrideAlertsAreNeverRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	for _, state := range []string{"nitrous", "throttle_hold", "cruise"} {
		if err := h.c.Override(state, 0); err != nil {
			t.Fatalf("Override(%s) error: %v", state, err)
		}
		if a := h.notifier.next(t); !a.urgent {
			t.Fatalf("override alert for %s not urgent", state)
		}
		h.clock.Advance(time.Second)
	}
}

func TestRoutineAlertsAreRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	burst := func(prefix string) {
		for i := 0; i < 3; i++ {
			h.c.AddSignal(prefix+string(rune('a'+i)), "EURUSD", "BUY", 90, 0.8)
		}
	}
	burst("first")
	h.notifier.next(t)
	h.clock.Advance(2 * time.Minute)
	h.c.PeriodicEvaluation()
	h.notifier.next(t)

	h.clock.Advance(time.Minute)
	burst("second")
	if h.c.Settings().GovernorState != StateNitrous {
		t.Fatalf("expected second nitrous")
	}
	h.notifier.none(t)
}

func TestInvalidResultFails(t *testing.T) {
	h := newHarness(t, nil)
	h.c.AddSignal("a", "EURUSD", "BUY", 75, 0.7)
	if err := h.c.UpdateSignalResult("a", "DRAW", nil); !errors.Is(err, ledger.ErrInvalidResult) {
		t.Fatalf("expected ErrInvalidResult, got %v", err)
	}
	if err := h.c.UpdateSignalResult("missing", "WIN", nil); err != nil {
		t.Fatalf("unknown IDs are ignored, got %v", err)
	}
}

func TestStatusReport(t *testing.T) {
	h := newHarness(t, nil)
	h.c.AddSignal("old", "EURUSD", "BUY", 75, 0.7)
	h.clock.Advance(70 * time.Minute)
	h.c.AddSignal("a", "EURUSD", "BUY", 75, 0.7)
	h.c.AddSignal("b", "EURUSD", "BUY", 75, 0.7)
	h.clock.Advance(10 * time.Minute)
	h.c.AddSignal("c", "EURUSD", "BUY", 75, 0.7)
	if err := h.c.UpdateSignalResult("old", "LOSS", nil); err != nil {
		t.Fatalf("UpdateSignalResult error: %v", err)
	}
	if err := h.c.UpdateSignalResult("a", "WIN", nil); err != nil {
		t.Fatalf("UpdateSignalResult error: %v", err)
	}
	if err := h.c.UpdateSignalResult("b", "LOSS", nil); err != nil {
		t.Fatalf("UpdateSignalResult error: %v", err)
	}

	r := h.c.Status()
	if r.SignalsLastHour != 3 || r.SignalsLast5Min != 1 {
		t.Fatalf("unexpected counts: hour=%d five=%d", r.SignalsLastHour, r.SignalsLast5Min)
	}
	if r.WinRateLastHour != 0.5 {
		t.Fatalf("expected win rate 0.5, got %v", r.WinRateLastHour)
	}
	if r.SignalsFiredCount != 4 || r.FiringBlocked {
		t.Fatalf("unexpected report: %+v", r)
	}
	if r.TimeInStateSeconds <= 0 {
		t.Fatalf("time in state should be positive")
	}
}

func TestSettingsPersistAndRestore(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.c.AddSignal(string(rune('a'+i)), "EURUSD", "BUY", 90, 0.8)
	}

	var persisted Settings
	found, err := h.store.Load(statestore.ThrottleController, &persisted)
	if err != nil || !found {
		t.Fatalf("expected persisted settings, found=%v err=%v", found, err)
	}
	if persisted.GovernorState != StateNitrous || persisted.SignalsFiredCount != 3 {
		t.Fatalf("unexpected persisted settings: %+v", persisted)
	}

	restored := New(DefaultConfig(), nil, h.store, nil, zerolog.Nop(), WithClock(h.clock.Now))
	if restored.Settings().GovernorState != StateNitrous {
		t.Fatalf("restart must restore nitrous, got %s", restored.Settings().GovernorState)
	}
}

func TestReplayRepopulatesBuffers(t *testing.T) {
	base := newFakeClock().Now()
	at := func(d time.Duration) string { return models.FormatTimestamp(base.Add(d)) }
	hist := fakeHistory{
		{SignalID: "ancient", Status: models.StatusFired, Confidence: 80, Timestamp: at(-3 * time.Hour)},
		{SignalID: "x", Status: models.StatusFired, Confidence: 80, TCSScore: models.Float(81), Timestamp: at(-50 * time.Minute)},
		{SignalID: "y", Status: models.StatusFired, Confidence: 80, Timestamp: at(-40 * time.Minute)},
		{SignalID: "z", Status: models.StatusFired, Confidence: 80, Timestamp: at(-30 * time.Minute)},
		{SignalID: "x", Status: models.StatusCompleted, Result: "LOSS", Timestamp: at(-20 * time.Minute)},
		{SignalID: "y", Status: models.StatusCompleted, Result: "LOSS", Timestamp: at(-15 * time.Minute)},
		{SignalID: "z", Status: models.StatusCompleted, Result: "WIN", Timestamp: at(-10 * time.Minute)},
	}
	h := newHarness(t, hist)

	r := h.c.Status()
	if r.SignalsLastHour != 3 {
		t.Fatalf("expected 3 replayed signals in the last hour, got %d", r.SignalsLastHour)
	}
	if math.Abs(r.WinRateLastHour-1.0/3.0) > 1e-9 {
		t.Fatalf("expected win rate 1/3, got %v", r.WinRateLastHour)
	}
	if r.ConsecutiveLosses != 0 {
		t.Fatalf("newest result is a win, streak should be 0, got %d", r.ConsecutiveLosses)
	}
	if h.c.Settings().LastSignalTime == nil {
		t.Fatalf("replay should seed the last signal time")
	}
}

func TestHandleLedgerEntry(t *testing.T) {
	h := newHarness(t, nil)
	fired := models.SignalTruthEntry{
		SignalID: "VENOM_EURUSD_000001", Symbol: "EURUSD", Direction: "BUY",
		Confidence: 78, CitadelScore: models.Float(0.9),
		Status: models.StatusFired, Timestamp: models.FormatTimestamp(h.clock.Now()),
	}
	h.c.HandleLedgerEntry(fired)
	h.c.HandleLedgerEntry(fired)
	if got := h.c.Status().SignalsFiredCount; got != 1 {
		t.Fatalf("duplicate fired entries must be recorded once, got %d", got)
	}

	completed := fired
	completed.Status = models.StatusCompleted
	completed.Result = models.ResultWin
	completed.PipsResult = models.Float(25)
	h.c.HandleLedgerEntry(completed)
	if h.c.Status().WinRateLastHour != 1 {
		t.Fatalf("completed entry should record the win")
	}
}

func TestFiredEntriesBurstOnConfidence(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		h.c.HandleLedgerEntry(models.SignalTruthEntry{
			SignalID:   "VENOM_EURUSD_00000" + string(rune('1'+i)),
			Symbol:     "EURUSD",
			Direction:  "BUY",
			Confidence: 90,
			Status:     models.StatusFired,
			Timestamp:  models.FormatTimestamp(h.clock.Now()),
		})
		h.clock.Advance(10 * time.Second)
	}
	if h.c.Settings().GovernorState != StateNitrous {
		t.Fatalf("three fired entries at confidence 90 must engage nitrous, got %s", h.c.Settings().GovernorState)
	}
	assertConsistent(t, h.c)
}

func TestParseState(t *testing.T) {
	for _, name := range []string{"cruise", "NITROUS", " throttle_hold", "Lockdown"} {
		if _, err := ParseState(name); err != nil {
			t.Fatalf("ParseState(%q) error: %v", name, err)
		}
	}
	if _, err := ParseState(""); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("empty state must be rejected")
	}
}
