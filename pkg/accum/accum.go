// Package accum accumulates loop packets into archive records the way the
// weewx software record generator does.
package accum

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/nergy-se/envoy/pkg/packet"
)

type Extractor string

const (
	Avg   Extractor = "avg"
	Sum   Extractor = "sum"
	Last  Extractor = "last"
	Min   Extractor = "min"
	Max   Extractor = "max"
	Count Extractor = "count"
)

var ErrOutOfSpan = errors.New("packet outside of accumulator span")

// ParseExtractors validates field -> extractor names.
func ParseExtractors(m map[string]string) (map[string]Extractor, error) {
	extractors := make(map[string]Extractor, len(m))
	for field, name := range m {
		switch e := Extractor(name); e {
		case Avg, Sum, Last, Min, Max, Count:
			extractors[field] = e
		default:
			return nil, fmt.Errorf("unknown extractor %q for %s", name, field)
		}
	}
	return extractors, nil
}

// DefaultExtractor sums energy deltas, keeps the last lifetime total and
// averages everything else.
func DefaultExtractor(field string) Extractor {
	switch field {
	case "energy", "grid_energy":
		return Sum
	case "energy_total", "grid_energy_total":
		return Last
	}
	if prefix, _, ok := packet.ParsePanelField(field); ok && prefix == "energy" {
		return Sum
	}
	return Avg
}

type stats struct {
	sum   float64
	min   float64
	max   float64
	last  float64
	count int
}

func (s *stats) add(v float64) {
	if s.count == 0 {
		s.min = v
		s.max = v
	}
	s.sum += v
	s.min = math.Min(s.min, v)
	s.max = math.Max(s.max, v)
	s.last = v
	s.count++
}

func (s *stats) extract(e Extractor) float64 {
	switch e {
	case Sum:
		return s.sum
	case Last:
		return s.last
	case Min:
		return s.min
	case Max:
		return s.max
	case Count:
		return float64(s.count)
	}
	return s.sum / float64(s.count)
}

// Accumulator collects the packets of one archive interval (start, end].
type Accumulator struct {
	start      time.Time
	end        time.Time
	interval   time.Duration
	extractors map[string]Extractor
	stats      map[string]*stats
	packets    int
}

func New(start time.Time, interval time.Duration, extractors map[string]Extractor) *Accumulator {
	return &Accumulator{
		start:      start,
		end:        start.Add(interval),
		interval:   interval,
		extractors: extractors,
		stats:      make(map[string]*stats),
	}
}

// ForPacket returns an accumulator for the interval that contains dateTime.
func ForPacket(dateTime int64, interval time.Duration, extractors map[string]Extractor) *Accumulator {
	end := SpanEnd(time.Unix(dateTime, 0), interval)
	return New(end.Add(-interval), interval, extractors)
}

func (a *Accumulator) End() time.Time {
	return a.end
}

func (a *Accumulator) Empty() bool {
	return a.packets == 0
}

func (a *Accumulator) Add(p *packet.Packet) error {
	ts := time.Unix(p.DateTime, 0)
	if !ts.After(a.start) || ts.After(a.end) {
		return fmt.Errorf("%w: %d not in (%d, %d]", ErrOutOfSpan, p.DateTime, a.start.Unix(), a.end.Unix())
	}
	for _, f := range p.Observed() {
		v, _ := p.Get(f)
		s, ok := a.stats[f]
		if !ok {
			s = &stats{}
			a.stats[f] = s
		}
		s.add(v)
	}
	a.packets++
	return nil
}

func (a *Accumulator) extractor(field string) Extractor {
	if e, ok := a.extractors[field]; ok {
		return e
	}
	return DefaultExtractor(field)
}

// Record returns the archive record stamped with the end of the interval,
// or nil if no packet was added.
func (a *Accumulator) Record() *packet.Packet {
	if a.Empty() {
		return nil
	}
	r := packet.New(a.end.Unix())
	r.Interval = packet.Pointer(int(a.interval / time.Minute))
	for f, s := range a.stats {
		_ = r.Set(f, s.extract(a.extractor(f)))
	}
	return r
}

// SpanEnd returns the end of the archive interval t belongs to. A time
// exactly on a boundary belongs to the interval ending there.
func SpanEnd(t time.Time, interval time.Duration) time.Time {
	iv := int64(interval / time.Second)
	sec := t.Unix()
	end := (sec + iv - 1) / iv * iv
	return time.Unix(end, 0)
}

// Boundary returns the first interval boundary strictly after t.
func Boundary(t time.Time, interval time.Duration) time.Time {
	iv := int64(interval / time.Second)
	return time.Unix((t.Unix()/iv+1)*iv, 0)
}
