package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"strings"
	"testing"
	"time"

	"rigstatus/store"
)

var t0 = time.Unix(1700000000, 0).UTC()

type fakeSource struct {
	records  map[string]*store.Record
	scores   map[string]float64
	gets     int
	indexErr error
	panicky  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: map[string]*store.Record{}, scores: map[string]float64{}}
}

func (f *fakeSource) put(identity string, at time.Time, hashrate float64) {
	key := "worker:" + identity
	status := fmt.Sprintf(`{"worker_id":%q,"hashrate":{"total":[%g,null,null]}}`, identity, hashrate)
	f.records[key] = &store.Record{
		Key:      key,
		Identity: identity,
		Unixtime: unixSeconds(at),
		Status:   json.RawMessage(status),
	}
	f.scores[key] = unixSeconds(at)
}

func (f *fakeSource) Index(_ context.Context, from, to float64) ([]store.IndexEntry, error) {
	if f.panicky {
		panic("index exploded")
	}
	if f.indexErr != nil {
		return nil, f.indexErr
	}
	var out []store.IndexEntry
	for key, score := range f.scores {
		if score >= from && score <= to {
			out = append(out, store.IndexEntry{Key: key, Unixtime: score})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Unixtime < out[j].Unixtime })
	return out, nil
}

func (f *fakeSource) Get(_ context.Context, keys ...string) ([]*store.Record, error) {
	f.gets++
	var out []*store.Record
	for _, key := range keys {
		if rec, ok := f.records[key]; ok {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out, nil
}

type line struct {
	at  time.Time
	msg string
}

type fakeSink struct{ lines []line }

func (s *fakeSink) Line(at time.Time, msg string) {
	s.lines = append(s.lines, line{at, msg})
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestMonitor(src Source, sink Sink, clock *fakeClock, opts ...Option) *Monitor {
	opts = append([]Option{
		WithClock(clock.Now, nil),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(DefaultConfig(), src, sink, opts...)
}

func TestStepNoMiners(t *testing.T) {
	clock := &fakeClock{now: t0}
	sink := &fakeSink{}
	m := newTestMonitor(newFakeSource(), sink, clock)

	wait, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(sink.lines) != 1 || sink.lines[0].msg != "[no miners]" || !sink.lines[0].at.Equal(t0) {
		t.Fatalf("unexpected lines %+v", sink.lines)
	}
	if wait != 60*time.Second {
		t.Fatalf("expected 60s until next poll, got %s", wait)
	}
}

func TestStepLogsReportAtItsOwnTime(t *testing.T) {
	src := newFakeSource()
	src.put("rig1", t0, 1234.4)
	clock := &fakeClock{now: t0.Add(2 * time.Second)}
	sink := &fakeSink{}
	m := newTestMonitor(src, sink, clock)

	wait, err := m.Step(context.Background())
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(sink.lines) != 1 {
		t.Fatalf("expected one line, got %+v", sink.lines)
	}
	want := strings.Repeat(" ", 30) + "rig1  1234 H/s  1234 H/s"
	if sink.lines[0].msg != want {
		t.Fatalf("unexpected line\n got %q\nwant %q", sink.lines[0].msg, want)
	}
	if !sink.lines[0].at.Equal(t0) {
		t.Fatalf("expected line stamped %s, got %s", t0, sink.lines[0].at)
	}
	// Anchored to the report: t0+60s is 58s away, plus the grace second.
	if wait != 59*time.Second {
		t.Fatalf("expected 59s until next poll, got %s", wait)
	}
}

func TestStepAggregatesRecentReportsOnly(t *testing.T) {
	src := newFakeSource()
	src.put("old", t0, 1000)
	src.put("new", t0.Add(10*time.Second), 500)
	clock := &fakeClock{now: t0.Add(63 * time.Second)}
	sink := &fakeSink{}
	m := newTestMonitor(src, sink, clock)

	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(sink.lines) != 2 {
		t.Fatalf("expected two lines, got %+v", sink.lines)
	}
	for _, l := range sink.lines {
		if !strings.HasSuffix(l.msg, "  500 H/s") {
			t.Fatalf("expected aggregate of 500 H/s, got %q", l.msg)
		}
	}
	if !strings.Contains(sink.lines[0].msg, "old  1000 H/s") {
		t.Fatalf("expected oldest report first, got %q", sink.lines[0].msg)
	}
}

func TestConsecutiveReportsLoggedOnceEach(t *testing.T) {
	src := newFakeSource()
	clock := &fakeClock{}
	sink := &fakeSink{}
	m := newTestMonitor(src, sink, clock)

	src.put("rig1", t0, 800)
	clock.now = t0.Add(time.Second)
	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("step 1: %v", err)
	}

	src.put("rig1", t0.Add(5*time.Second), 800)
	clock.now = t0.Add(6 * time.Second)
	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("step 2: %v", err)
	}

	clock.now = t0.Add(7 * time.Second)
	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("step 3: %v", err)
	}

	if len(sink.lines) != 2 {
		t.Fatalf("expected exactly two lines, got %+v", sink.lines)
	}
	if sink.lines[0].at.Equal(sink.lines[1].at) {
		t.Fatalf("expected distinct timestamps, got %+v", sink.lines)
	}
	if !sink.lines[1].at.Equal(t0.Add(5 * time.Second)) {
		t.Fatalf("unexpected second timestamp %s", sink.lines[1].at)
	}
	if src.gets != 2 {
		t.Fatalf("expected unchanged report to come from cache, got %d gets", src.gets)
	}
}

func TestStepSkipsExpiredRecords(t *testing.T) {
	src := newFakeSource()
	src.put("rig1", t0, 100)
	src.put("rig2", t0, 100)
	delete(src.records, "worker:rig2")
	clock := &fakeClock{now: t0.Add(time.Second)}
	sink := &fakeSink{}
	m := newTestMonitor(src, sink, clock)

	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(sink.lines) != 1 || !strings.Contains(sink.lines[0].msg, "rig1") {
		t.Fatalf("expected only rig1, got %+v", sink.lines)
	}
}

func TestCycleContainsFailures(t *testing.T) {
	var logs bytes.Buffer
	src := newFakeSource()
	src.indexErr = errors.New("store unreachable")
	clock := &fakeClock{now: t0}
	m := New(DefaultConfig(), src, &fakeSink{},
		WithClock(clock.Now, nil),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))),
	)

	if wait := m.cycle(context.Background()); wait != 60*time.Second {
		t.Fatalf("expected default cadence, got %s", wait)
	}
	if !strings.Contains(logs.String(), "store unreachable") {
		t.Fatalf("expected failure to be logged, got %q", logs.String())
	}

	logs.Reset()
	src.panicky = true
	if wait := m.cycle(context.Background()); wait != 60*time.Second {
		t.Fatalf("expected default cadence after panic, got %s", wait)
	}
	if !strings.Contains(logs.String(), "monitor cycle panicked") {
		t.Fatalf("expected panic to be logged, got %q", logs.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := newFakeSource()
	clock := &fakeClock{now: t0}
	sink := &fakeSink{}
	ctx, cancel := context.WithCancel(context.Background())

	var waits []time.Duration
	sleep := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		clock.now = clock.now.Add(d)
		if len(waits) == 3 {
			cancel()
		}
		return ctx.Err()
	}
	m := New(DefaultConfig(), src, sink,
		WithClock(clock.Now, sleep),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	if err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(sink.lines) != 3 {
		t.Fatalf("expected three cycles, got %+v", sink.lines)
	}
}

type fakeNotifier struct {
	sent []string
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, text string) error {
	n.sent = append(n.sent, text)
	return n.err
}

func TestNotifierOnlineOffline(t *testing.T) {
	src := newFakeSource()
	clock := &fakeClock{}
	notifier := &fakeNotifier{}
	m := newTestMonitor(src, &fakeSink{}, clock, WithNotifier(notifier))

	step := func(at time.Time) {
		t.Helper()
		clock.now = at
		if _, err := m.Step(context.Background()); err != nil {
			t.Fatalf("step: %v", err)
		}
	}

	src.put("rig1", t0, 100)
	step(t0.Add(time.Second))
	if len(notifier.sent) != 0 {
		t.Fatalf("expected no alert for a first sighting, got %v", notifier.sent)
	}

	step(t0.Add(2 * time.Minute))
	if len(notifier.sent) != 1 || notifier.sent[0] != "❌ rig1 offline" {
		t.Fatalf("expected offline alert, got %v", notifier.sent)
	}

	step(t0.Add(3 * time.Minute))
	if len(notifier.sent) != 1 {
		t.Fatalf("expected no repeat alert, got %v", notifier.sent)
	}

	src.put("rig1", t0.Add(4*time.Minute), 100)
	step(t0.Add(4*time.Minute + time.Second))
	if len(notifier.sent) != 2 || notifier.sent[1] != "✅ rig1 online" {
		t.Fatalf("expected online alert, got %v", notifier.sent)
	}
}

func TestNotifierFailureDoesNotStopCycle(t *testing.T) {
	src := newFakeSource()
	clock := &fakeClock{}
	notifier := &fakeNotifier{err: errors.New("telegram down")}
	sink := &fakeSink{}
	m := newTestMonitor(src, sink, clock, WithNotifier(notifier))

	src.put("rig1", t0, 100)
	clock.now = t0.Add(time.Second)
	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	clock.now = t0.Add(2 * time.Minute)
	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("step with failing notifier: %v", err)
	}
	if len(notifier.sent) != 1 || len(sink.lines) != 2 {
		t.Fatalf("unexpected state: sent=%v lines=%+v", notifier.sent, sink.lines)
	}
}

func TestReportCacheTolerance(t *testing.T) {
	c := NewReportCache(10 * time.Millisecond)
	c.Store(&Report{Key: "worker:a", Unixtime: 100})

	if _, ok := c.Lookup("worker:a", 100.005); !ok {
		t.Fatal("expected hit within tolerance")
	}
	if _, ok := c.Lookup("worker:a", 100.02); ok {
		t.Fatal("expected miss outside tolerance")
	}
	c.Prune(101)
	if c.Len() != 0 {
		t.Fatalf("expected cache to be pruned, got %d", c.Len())
	}
}

func TestHashrateMissing(t *testing.T) {
	r := &Report{Record: &store.Record{Status: json.RawMessage(`{"hashrate":{"total":[null,null,null]}}`)}}
	if got := r.Hashrate10s(); got != 0 || math.IsNaN(got) {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := (&Report{Record: &store.Record{}}).Hashrate10s(); got != 0 {
		t.Fatalf("expected 0 for host record, got %v", got)
	}
}

func TestWriterSink(t *testing.T) {
	var buf bytes.Buffer
	NewWriterSink(&buf).Line(t0.Add(123*time.Millisecond), "[no miners]")
	if got, want := buf.String(), "2023-11-14 22:13:20.123 [no miners]\n"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestStepLinesKeepMilliseconds(t *testing.T) {
	var buf bytes.Buffer
	src := newFakeSource()
	src.records["worker:rig1"] = &store.Record{
		Key:      "worker:rig1",
		Identity: "rig1",
		Unixtime: 1700000000.123,
		Status:   json.RawMessage(`{"hashrate":{"total":[500,null,null]}}`),
	}
	src.scores["worker:rig1"] = 1700000000.123
	clock := &fakeClock{now: t0.Add(time.Second)}
	m := newTestMonitor(src, NewWriterSink(&buf), clock)

	if _, err := m.Step(context.Background()); err != nil {
		t.Fatalf("step: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "2023-11-14 22:13:20.123 ") {
		t.Fatalf("expected the report's millisecond, got %q", buf.String())
	}
}

func TestReportTimeMilliseconds(t *testing.T) {
	start := t0.UnixMilli()
	for ms := start; ms < start+1000; ms++ {
		r := &Report{Unixtime: float64(ms) / 1000}
		if got := r.Time().UnixMilli(); got != ms {
			t.Fatalf("unixtime %v came back as %d ms, want %d", r.Unixtime, got, ms)
		}
	}
}
