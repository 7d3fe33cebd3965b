package ledger

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/models"
	"github.com/trogers1052/venom-governor/internal/worker"
)

// PriceLookup supplies the current price for a symbol. The ledger never
// fetches prices itself.
type PriceLookup interface {
	Price(symbol string) (float64, error)
}

// PriceLookupFunc adapts a function to PriceLookup
type PriceLookupFunc func(symbol string) (float64, error)

// Price implements PriceLookup
func (f PriceLookupFunc) Price(symbol string) (float64, error) { return f(symbol) }

type completionCandidate struct {
	entry       models.SignalTruthEntry
	generatedAt time.Time
}

// CheckCompletions closes every fired signal whose stop or target has been
// crossed at the looked-up price. Symbols whose lookup fails are skipped until
// the next sweep. It returns the number of signals completed.
func (l *Ledger) CheckCompletions(prices PriceLookup) (int, error) {
	l.mu.Lock()
	candidates := make([]completionCandidate, 0, len(l.active))
	for _, open := range l.active {
		e := open.entry
		if e.Status != models.StatusFired || e.EntryPrice == 0 || e.StopLoss == 0 || e.TakeProfit == 0 {
			continue
		}
		candidates = append(candidates, completionCandidate{entry: e, generatedAt: open.generatedAt})
	}
	l.mu.Unlock()

	quotes := make(map[string]float64)
	failed := make(map[string]bool)
	completed := 0
	var errs []error

	for _, c := range candidates {
		symbol := c.entry.Symbol
		if failed[symbol] {
			continue
		}
		price, seen := quotes[symbol]
		if !seen {
			p, err := prices.Price(symbol)
			if err != nil {
				failed[symbol] = true
				l.logger.Debug().Err(err).Str("symbol", symbol).Msg("no price this cycle")
				continue
			}
			price = p
			quotes[symbol] = p
		}

		result, exit, hit := crossed(c.entry, price)
		if !hit {
			continue
		}

		pips, err := Pips(symbol, c.entry.Direction, c.entry.EntryPrice, exit)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		runtime := l.now().Sub(c.generatedAt).Seconds()
		if c.generatedAt.IsZero() || runtime < 0 {
			runtime = 0
		}

		if err := l.MarkCompleted(c.entry.SignalID, result, pips, runtime); err != nil {
			errs = append(errs, err)
			continue
		}
		completed++
	}
	return completed, errors.Join(errs...)
}

// crossed reports whether price has hit the entry's stop or target, and which
func crossed(e models.SignalTruthEntry, price float64) (result string, exit float64, hit bool) {
	switch normalizeDirection(e.Direction) {
	case models.DirectionBuy:
		if price <= e.StopLoss {
			return models.ResultLoss, e.StopLoss, true
		}
		if price >= e.TakeProfit {
			return models.ResultWin, e.TakeProfit, true
		}
	case models.DirectionSell:
		if price >= e.StopLoss {
			return models.ResultLoss, e.StopLoss, true
		}
		if price <= e.TakeProfit {
			return models.ResultWin, e.TakeProfit, true
		}
	}
	return "", 0, false
}

// ExpireStale marks expired every open signal generated more than maxAge ago
func (l *Ledger) ExpireStale(maxAge time.Duration) (int, error) {
	cutoff := l.now().Add(-maxAge)

	l.mu.Lock()
	var stale []string
	for id, open := range l.active {
		if !open.generatedAt.IsZero() && open.generatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	l.mu.Unlock()

	expired := 0
	var errs []error
	for _, id := range stale {
		if err := l.MarkExpired(id); err != nil {
			errs = append(errs, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		l.logger.Info().Int("expired", expired).Dur("max_age", maxAge).Msg("expired stale signals")
	}
	return expired, errors.Join(errs...)
}

// MonitorConfig tunes the completion monitor
type MonitorConfig struct {
	CompletionInterval time.Duration
	ExpireInterval     time.Duration
	MaxAge             time.Duration
}

// Monitor drives CheckCompletions and ExpireStale on their own cadences
type Monitor struct {
	ledger      *Ledger
	prices      PriceLookup
	cfg         MonitorConfig
	logger      zerolog.Logger
	completions *worker.Loop
	expiry      *worker.Loop
}

// NewMonitor wires a monitor to a ledger and a price source
func NewMonitor(l *Ledger, prices PriceLookup, cfg MonitorConfig, logger zerolog.Logger) *Monitor {
	if cfg.CompletionInterval <= 0 {
		cfg.CompletionInterval = time.Second
	}
	if cfg.ExpireInterval <= 0 {
		cfg.ExpireInterval = 5 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 24 * time.Hour
	}

	m := &Monitor{
		ledger: l,
		prices: prices,
		cfg:    cfg,
		logger: logger.With().Str("component", "completion_monitor").Logger(),
	}
	m.completions = worker.NewLoop(cfg.CompletionInterval, m.checkOnce)
	m.expiry = worker.NewLoop(cfg.ExpireInterval, m.expireOnce)
	return m
}

// Start launches both loops
func (m *Monitor) Start() {
	m.completions.Start()
	m.expiry.Start()
	m.logger.Info().
		Dur("completion_interval", m.cfg.CompletionInterval).
		Dur("expire_interval", m.cfg.ExpireInterval).
		Msg("completion monitor started")
}

// Stop halts both loops, waiting at most timeout for each
func (m *Monitor) Stop(timeout time.Duration) {
	completionsStopped := m.completions.Stop(timeout)
	expiryStopped := m.expiry.Stop(timeout)
	if !completionsStopped || !expiryStopped {
		m.logger.Warn().Msg("completion monitor did not stop within timeout")
		return
	}
	m.logger.Info().Msg("completion monitor stopped")
}

func (m *Monitor) checkOnce() {
	n, err := m.ledger.CheckCompletions(m.prices)
	if err != nil {
		m.logger.Error().Err(err).Msg("completion sweep had failures")
	}
	if n > 0 {
		m.logger.Info().Int("completed", n).Msg("completion sweep closed signals")
	}
}

func (m *Monitor) expireOnce() {
	if _, err := m.ledger.ExpireStale(m.cfg.MaxAge); err != nil {
		m.logger.Error().Err(err).Msg("expiry sweep had failures")
	}
}
