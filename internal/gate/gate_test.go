package gate

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/decay"
	"github.com/trogers1052/venom-governor/internal/models"
	"github.com/trogers1052/venom-governor/internal/throttle"
)

type lastSignal time.Time

func (l lastSignal) LatestSignalTime() (time.Time, bool, error) { return time.Time(l), true, nil }

func TestDecayThresholdTakesPriority(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	d := decay.New(decay.DefaultConfig(), lastSignal(now.Add(-40*time.Minute)), nil, nil, zerolog.Nop(), decay.WithClock(clock))
	tc := throttle.New(throttle.DefaultConfig(), nil, nil, nil, zerolog.Nop(), throttle.WithClock(clock))

	g := New(d, tc, 80)
	threshold, source := g.Threshold()
	if source != SourceDecay || threshold != 65 {
		t.Fatalf("expected decay threshold 65, got %v from %s", threshold, source)
	}
	if !g.ShouldFire(66, nil) {
		t.Fatalf("66 clears the decay threshold")
	}
	if g.ShouldFire(66, models.Float(0.5)) {
		t.Fatalf("secondary score below the throttle gate must block")
	}
}

func TestFallbacks(t *testing.T) {
	tc := throttle.New(throttle.DefaultConfig(), nil, nil, nil, zerolog.Nop())
	if th, src := New(nil, tc, 80).Threshold(); src != SourceThrottle || th != 70 {
		t.Fatalf("expected throttle threshold 70, got %v from %s", th, src)
	}
	g := New(nil, nil, 80)
	if th, src := g.Threshold(); src != SourceStatic || th != 80 {
		t.Fatalf("expected static 80, got %v from %s", th, src)
	}
	if g.ShouldFire(79, models.Float(1)) || !g.ShouldFire(80, nil) {
		t.Fatalf("static gate compares confidence only")
	}
	if g.Snapshot().Secondary != nil {
		t.Fatalf("no secondary threshold without a throttle controller")
	}
}

func TestLockdownVetoesDecayThreshold(t *testing.T) {
	d := decay.New(decay.DefaultConfig(), nil, nil, nil, zerolog.Nop())
	tc := throttle.New(throttle.DefaultConfig(), nil, nil, nil, zerolog.Nop())
	if err := tc.Override("lockdown", 0); err != nil {
		t.Fatalf("Override error: %v", err)
	}

	g := New(d, tc, 0)
	if g.ShouldFire(100, models.Float(1)) {
		t.Fatalf("lockdown must veto regardless of governor priority")
	}
	if !g.Snapshot().Blocked {
		t.Fatalf("snapshot should report the block")
	}
}
