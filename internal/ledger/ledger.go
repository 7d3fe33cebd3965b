// Package ledger keeps the append-only truth record of every signal's lifecycle.
//
// Each lifecycle transition is appended as one JSON line. The set of open
// signals is rebuilt from the file on Open, so no side file is needed to
// survive a restart.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/trogers1052/venom-governor/internal/models"
)

// ErrInvalidResult is returned when a completion result is neither WIN nor LOSS
var ErrInvalidResult = errors.New("invalid signal result")

// DefaultSource is the ID prefix used when a signal carries no source
const DefaultSource = "VENOM"

const maxLineBytes = 1 << 20

// Subscriber receives every entry after it has been durably appended
type Subscriber func(models.SignalTruthEntry)

// Signal describes a candidate to be recorded as generated
type Signal struct {
	Symbol         string
	Direction      string
	Confidence     float64
	EntryPrice     float64
	StopLoss       float64
	TakeProfit     float64
	Source         string
	TCSScore       *float64
	CitadelScore   *float64
	MLFilterPassed *bool
	FireReason     string
}

type openSignal struct {
	entry       models.SignalTruthEntry
	generatedAt time.Time
}

// Option configures a Ledger
type Option func(*Ledger)

// WithClock overrides the ledger's time source
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the ledger's logger
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger.With().Str("component", "truth_ledger").Logger() }
}

// Ledger is the truth ledger backed by a JSONL file
type Ledger struct {
	path     string
	mu       sync.Mutex
	active   map[string]*openSignal
	counters map[string]int

	subMu       sync.RWMutex
	subscribers []Subscriber

	now    func() time.Time
	logger zerolog.Logger
}

// Open loads the ledger at path, creating its directory if needed, and
// rebuilds the active index and ID counters from the existing entries.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:     path,
		active:   make(map[string]*openSignal),
		counters: make(map[string]int),
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	if err := l.replay(); err != nil {
		return nil, err
	}

	l.logger.Info().
		Str("path", path).
		Int("active", len(l.active)).
		Msg("truth ledger loaded")
	return l, nil
}

// Path returns the ledger file location
func (l *Ledger) Path() string { return l.path }

// Subscribe registers fn to receive every appended entry. Subscribers run
// synchronously on the writing goroutine, outside the ledger lock.
func (l *Ledger) Subscribe(fn Subscriber) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// Generate records a new signal and returns its ID
func (l *Ledger) Generate(sig Signal) (string, error) {
	rr, err := RiskReward(sig.Direction, sig.EntryPrice, sig.StopLoss, sig.TakeProfit)
	if err != nil {
		return "", fmt.Errorf("generate %s %s: %w", sig.Symbol, sig.Direction, err)
	}

	source := sig.Source
	if strings.TrimSpace(source) == "" {
		source = DefaultSource
	}
	symbol := strings.ToUpper(strings.TrimSpace(sig.Symbol))

	l.mu.Lock()
	prefix := idPrefix(source, symbol)
	l.counters[prefix]++
	id := fmt.Sprintf("%s_%06d", prefix, l.counters[prefix])

	now := l.now().UTC()
	entry := models.SignalTruthEntry{
		SignalID:       id,
		Symbol:         symbol,
		Direction:      normalizeDirection(sig.Direction),
		EntryPrice:     sig.EntryPrice,
		StopLoss:       sig.StopLoss,
		TakeProfit:     sig.TakeProfit,
		Confidence:     sig.Confidence,
		TCSScore:       sig.TCSScore,
		CitadelScore:   sig.CitadelScore,
		MLFilterPassed: sig.MLFilterPassed,
		FireReason:     sig.FireReason,
		RRRatio:        models.Float(rr),
		Source:         source,
		Status:         models.StatusGenerated,
		Timestamp:      models.FormatTimestamp(now),
	}

	if err := l.appendEntry(entry); err != nil {
		l.mu.Unlock()
		l.logger.Error().Err(err).Str("signal_id", id).Msg("failed to append generated entry")
		return "", err
	}
	l.active[id] = &openSignal{entry: entry, generatedAt: now}
	l.mu.Unlock()

	l.logger.Info().
		Str("signal_id", id).
		Str("direction", entry.Direction).
		Float64("confidence", sig.Confidence).
		Float64("rr_ratio", rr).
		Msg("signal generated")

	l.publish(entry)
	return id, nil
}

// MarkFired records that the signal was dispatched to userCount users.
// Unknown IDs are logged and ignored.
func (l *Ledger) MarkFired(signalID string, userCount int) error {
	return l.transition(signalID, false, func(e *models.SignalTruthEntry) {
		e.Status = models.StatusFired
		e.UserCount = models.Int(userCount)
	})
}

// MarkFiltered closes the signal without firing it
func (l *Ledger) MarkFiltered(signalID, reason string) error {
	return l.transition(signalID, true, func(e *models.SignalTruthEntry) {
		e.Status = models.StatusFiltered
		e.Reason = reason
	})
}

// MarkExpired closes a signal that never reached a result
func (l *Ledger) MarkExpired(signalID string) error {
	return l.transition(signalID, true, func(e *models.SignalTruthEntry) {
		e.Status = models.StatusExpired
	})
}

// MarkCompleted closes the signal with its outcome. result must be WIN or LOSS
// in any case; anything else returns ErrInvalidResult.
func (l *Ledger) MarkCompleted(signalID, result string, pipsResult, runtimeSeconds float64) error {
	normalized := strings.ToUpper(strings.TrimSpace(result))
	if normalized != models.ResultWin && normalized != models.ResultLoss {
		return fmt.Errorf("%w: %q", ErrInvalidResult, result)
	}
	return l.transition(signalID, true, func(e *models.SignalTruthEntry) {
		e.Status = models.StatusCompleted
		e.Result = normalized
		e.PipsResult = models.Float(pipsResult)
		e.RuntimeSeconds = models.Float(runtimeSeconds)
	})
}

func (l *Ledger) transition(signalID string, terminal bool, apply func(*models.SignalTruthEntry)) error {
	l.mu.Lock()
	open, ok := l.active[signalID]
	if !ok {
		l.mu.Unlock()
		l.logger.Warn().Str("signal_id", signalID).Msg("signal not active, ignoring transition")
		return nil
	}

	entry := open.entry
	entry.Reason = ""
	entry.Result = ""
	entry.PipsResult = nil
	entry.RuntimeSeconds = nil
	apply(&entry)
	entry.Timestamp = models.FormatTimestamp(l.now())

	if err := l.appendEntry(entry); err != nil {
		l.mu.Unlock()
		l.logger.Error().Err(err).Str("signal_id", signalID).Str("status", string(entry.Status)).Msg("failed to append entry")
		return err
	}
	if terminal {
		delete(l.active, signalID)
	} else {
		open.entry = entry
	}
	l.mu.Unlock()

	event := l.logger.Info()
	if entry.Status == models.StatusCompleted {
		event = event.Str("result", entry.Result).Float64("pips", *entry.PipsResult)
	}
	event.Str("signal_id", signalID).Str("status", string(entry.Status)).Msg("signal transition")

	l.publish(entry)
	return nil
}

// appendEntry writes one line with open-append-write-close. Callers hold l.mu.
func (l *Ledger) appendEntry(entry models.SignalTruthEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	line = append(line, '\n')

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if _, err := file.Write(line); err != nil {
		file.Close()
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}

func (l *Ledger) publish(entry models.SignalTruthEntry) {
	l.subMu.RLock()
	subs := make([]Subscriber, len(l.subscribers))
	copy(subs, l.subscribers)
	l.subMu.RUnlock()

	for _, fn := range subs {
		fn(entry)
	}
}

// replay replays the file into the active index and ID counters
func (l *Ledger) replay() error {
	return l.scan(func(entry models.SignalTruthEntry) bool {
		if prefix, n, ok := parseSignalID(entry.SignalID); ok && n > l.counters[prefix] {
			l.counters[prefix] = n
		}

		if entry.Status.Terminal() {
			delete(l.active, entry.SignalID)
			return true
		}

		ts := entry.Time()
		if open, ok := l.active[entry.SignalID]; ok {
			open.entry = entry
			if entry.Status == models.StatusGenerated {
				open.generatedAt = ts
			}
			return true
		}
		l.active[entry.SignalID] = &openSignal{entry: entry, generatedAt: ts}
		return true
	})
}

// scan reads the file in order, skipping blank and malformed lines.
// fn returns false to stop early. A missing file is treated as empty.
func (l *Ledger) scan(fn func(models.SignalTruthEntry) bool) error {
	file, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}
		var entry models.SignalTruthEntry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.SignalID == "" {
			l.logger.Warn().Int("line", lineNo).Msg("skipping malformed ledger line")
			continue
		}
		if !fn(entry) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	return nil
}

// Recent returns the last n entries in file order
func (l *Ledger) Recent(n int) ([]models.SignalTruthEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	buf := make([]models.SignalTruthEntry, 0, n)
	err := l.scan(func(entry models.SignalTruthEntry) bool {
		if len(buf) == n {
			copy(buf, buf[1:])
			buf = buf[:n-1]
		}
		buf = append(buf, entry)
		return true
	})
	return buf, err
}

// HistoryOf returns every entry for signalID in file order
func (l *Ledger) HistoryOf(signalID string) ([]models.SignalTruthEntry, error) {
	var out []models.SignalTruthEntry
	err := l.scan(func(entry models.SignalTruthEntry) bool {
		if entry.SignalID == signalID {
			out = append(out, entry)
		}
		return true
	})
	return out, err
}

// Since returns entries whose timestamp is at or after t, in file order
func (l *Ledger) Since(t time.Time) ([]models.SignalTruthEntry, error) {
	var out []models.SignalTruthEntry
	err := l.scan(func(entry models.SignalTruthEntry) bool {
		if ts := entry.Time(); !ts.IsZero() && !ts.Before(t) {
			out = append(out, entry)
		}
		return true
	})
	return out, err
}

// LatestSignalTime returns the newest timestamp of any fired or terminal entry.
// ok is false when the ledger holds no such entry.
func (l *Ledger) LatestSignalTime() (latest time.Time, ok bool, err error) {
	err = l.scan(func(entry models.SignalTruthEntry) bool {
		if entry.Status != models.StatusFired && !entry.Status.Terminal() {
			return true
		}
		if ts := entry.Time(); ts.After(latest) {
			latest = ts
			ok = true
		}
		return true
	})
	return latest, ok, err
}

// Active returns the current entry of every open signal, ordered by ID
func (l *Ledger) Active() []models.SignalTruthEntry {
	l.mu.Lock()
	out := make([]models.SignalTruthEntry, 0, len(l.active))
	for _, open := range l.active {
		out = append(out, open.entry)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SignalID < out[j].SignalID })
	return out
}

// IsActive reports whether signalID is still open
func (l *Ledger) IsActive(signalID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.active[signalID]
	return ok
}

func idPrefix(source, symbol string) string {
	prefix := strings.ToUpper(strings.Join(strings.Fields(source), "_"))
	return prefix + "_" + symbol
}

func parseSignalID(id string) (prefix string, counter int, ok bool) {
	idx := strings.LastIndex(id, "_")
	if idx <= 0 || idx == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[idx+1:])
	if err != nil {
		return "", 0, false
	}
	return id[:idx], n, true
}
