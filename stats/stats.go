package stats

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

type Type int

const (
	Traversed Type = iota
	Matched
	Formatted
	Changed
	Failed
)

func (t Type) String() string {
	switch t {
	case Traversed:
		return "traversed"
	case Matched:
		return "matched"
	case Formatted:
		return "formatted"
	case Changed:
		return "changed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

type Stats struct {
	start    time.Time
	counters map[Type]*atomic.Int32
}

func (s *Stats) Add(t Type, delta int32) int32 {
	return s.counters[t].Add(delta)
}

func (s *Stats) Value(t Type) int32 {
	return s.counters[t].Load()
}

func (s *Stats) Elapsed() time.Duration {
	return time.Since(s.start)
}

func (s *Stats) Print(w io.Writer) {
	components := []string{
		"traversed %d files",
		"matched %d files",
		"formatted %d files (%d changed, %d failed) in %v",
		"",
	}

	_, _ = fmt.Fprintf(w,
		strings.Join(components, "\n"),
		s.Value(Traversed),
		s.Value(Matched),
		s.Value(Formatted),
		s.Value(Changed),
		s.Value(Failed),
		s.Elapsed().Round(time.Millisecond),
	)
}

func New() Stats {
	// init counters
	counters := make(map[Type]*atomic.Int32)
	counters[Traversed] = &atomic.Int32{}
	counters[Matched] = &atomic.Int32{}
	counters[Formatted] = &atomic.Int32{}
	counters[Changed] = &atomic.Int32{}
	counters[Failed] = &atomic.Int32{}

	return Stats{
		start:    time.Now(),
		counters: counters,
	}
}
