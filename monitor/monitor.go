// Package monitor polls the status store on the reporting cadence and
// prints one line per new report, followed by the hashrate of the whole
// fleet over the last minute.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"rigstatus/store"
)

// Source is the read side of the status store.
type Source interface {
	Index(ctx context.Context, from, to float64) ([]store.IndexEntry, error)
	Get(ctx context.Context, keys ...string) ([]*store.Record, error)
}

type Config struct {
	// Window is how far back each poll looks.
	Window time.Duration
	// Period is the reporting cadence the loop locks onto.
	Period time.Duration
	// Cutoff bounds the reports summed into the fleet hashrate.
	Cutoff time.Duration
	// Grace is added when the next poll is due in less than Period.
	Grace time.Duration
	// CacheTolerance is how far two index scores may differ and still
	// name the same report.
	CacheTolerance time.Duration
}

func DefaultConfig() Config {
	return Config{
		Window:         65 * time.Second,
		Period:         60 * time.Second,
		Cutoff:         61 * time.Second,
		Grace:          time.Second,
		CacheTolerance: 10 * time.Millisecond,
	}
}

const noMiners = "[no miners]"

type Monitor struct {
	cfg      Config
	source   Source
	sink     Sink
	notifier Notifier
	logger   *slog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error

	cache    *ReportCache
	presence *presence
}

type Option func(*Monitor)

func WithNotifier(n Notifier) Option {
	return func(m *Monitor) { m.notifier = n }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces the wall clock and the sleep between cycles.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func New(cfg Config, source Source, sink Sink, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.Cutoff <= 0 {
		cfg.Cutoff = def.Cutoff
	}
	if cfg.Grace < 0 {
		cfg.Grace = def.Grace
	}
	if cfg.CacheTolerance <= 0 {
		cfg.CacheTolerance = def.CacheTolerance
	}

	m := &Monitor{
		cfg:      cfg,
		source:   source,
		sink:     sink,
		logger:   slog.Default(),
		now:      time.Now,
		sleep:    sleepContext,
		cache:    NewReportCache(cfg.CacheTolerance),
		presence: newPresence(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	for {
		wait := m.cycle(ctx)
		if err := m.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// cycle runs one Step, containing its failures, and returns how long to
// wait before the next one.
func (m *Monitor) cycle(ctx context.Context) (wait time.Duration) {
	wait = m.cfg.Period
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("monitor cycle panicked", "panic", r, "stack", string(debug.Stack()))
			wait = m.cfg.Period
		}
	}()

	next, err := m.Step(ctx)
	if err != nil {
		m.logger.Error("monitor cycle failed", "error", err)
		return m.cfg.Period
	}
	return next
}

// Step performs one poll: fetch the window, log what is new and return
// the time until the next poll is due.
func (m *Monitor) Step(ctx context.Context) (time.Duration, error) {
	start := m.now()
	windowStart := unixSeconds(start.Add(-m.cfg.Window))

	reports, err := m.fetch(ctx, windowStart)
	if err != nil {
		return 0, err
	}

	anchor := start
	if len(reports) == 0 {
		m.sink.Line(start, noMiners)
	} else {
		m.logWindow(reports)
		anchor = reports[0].Time()
	}
	m.cache.Prune(windowStart - m.cfg.Window.Seconds())
	m.notify(ctx, reports)

	wait := anchor.Add(m.cfg.Period).Sub(m.now())
	if wait < m.cfg.Period {
		wait += m.cfg.Grace
	}
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// fetch lists the window and resolves every entry to a report, using the
// cache where the score is unchanged. Entries whose record has already
// expired are skipped.
func (m *Monitor) fetch(ctx context.Context, from float64) ([]*Report, error) {
	entries, err := m.source.Index(ctx, from, math.Inf(1))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}

	var missing []string
	scores := make(map[string]float64, len(entries))
	for _, e := range entries {
		scores[e.Key] = e.Unixtime
		if _, ok := m.cache.Lookup(e.Key, e.Unixtime); !ok {
			missing = append(missing, e.Key)
		}
	}

	if len(missing) > 0 {
		records, err := m.source.Get(ctx, missing...)
		if err != nil {
			return nil, fmt.Errorf("read reports: %w", err)
		}
		for _, rec := range records {
			m.cache.Store(newReport(rec, scores[rec.Key]))
		}
	}

	reports := make([]*Report, 0, len(entries))
	for _, e := range entries {
		if r, ok := m.cache.Lookup(e.Key, e.Unixtime); ok {
			reports = append(reports, r)
		}
	}
	return reports, nil
}

func (m *Monitor) logWindow(reports []*Report) {
	cutoff := unixSeconds(m.now().Add(-m.cfg.Cutoff))
	var total float64
	for _, r := range reports {
		if r.Unixtime > cutoff {
			total += r.Hashrate10s()
		}
	}

	for _, r := range reports {
		if r.logged {
			continue
		}
		m.sink.Line(r.Time(), fmt.Sprintf("%34s  %4.0f H/s %5.0f H/s", r.Identity, r.Hashrate10s(), total))
		r.logged = true
	}
}

func (m *Monitor) notify(ctx context.Context, reports []*Report) {
	if m.notifier == nil {
		return
	}
	current := make(map[string]bool, len(reports))
	for _, r := range reports {
		current[r.Identity] = true
	}
	for _, text := range m.presence.update(current) {
		if err := m.notifier.Notify(ctx, text); err != nil {
			m.logger.Warn("notification failed", "text", text, "error", err)
		}
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.Unix()) + float64(t.Nanosecond())/1e9
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
