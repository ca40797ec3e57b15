package monitor

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// TimeFormat is the millisecond timestamp that prefixes every line.
const TimeFormat = "2006-01-02 15:04:05.000"

// Sink receives the monitor's activity lines.
type Sink interface {
	Line(at time.Time, msg string)
}

// WriterSink prints "<time> <msg>" lines to W.
type WriterSink struct {
	mu sync.Mutex
	W  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{W: w}
}

func (s *WriterSink) Line(at time.Time, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.W, "%-23s %s\n", at.UTC().Format(TimeFormat), msg)
}
