// Package stats maintains rolling-window summaries of the polled measurement
// series, one window per channel field.
package stats

import (
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/power.bench/internal/psu"
)

// DefaultWindowSize bounds each series to the most recent samples; at a one
// second poll interval this is five minutes of history.
const DefaultWindowSize = 300

// Series names for the four polled measurement fields.
const (
	SeriesCH1Voltage = "ch1_voltage"
	SeriesCH1Current = "ch1_current"
	SeriesCH2Voltage = "ch2_voltage"
	SeriesCH2Current = "ch2_current"
)

// Summary is the snapshot of one series' window.
type Summary struct {
	Count  int     `json:"count"`
	Last   float64 `json:"last"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// window is a fixed-capacity ring of samples.
type window struct {
	samples []float64
	next    int
	full    bool
}

func (w *window) add(v float64) {
	w.samples[w.next] = v
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
}

// values returns the window contents oldest-first.
func (w *window) values() []float64 {
	if !w.full {
		return append([]float64(nil), w.samples[:w.next]...)
	}
	out := make([]float64, 0, len(w.samples))
	out = append(out, w.samples[w.next:]...)
	out = append(out, w.samples[:w.next]...)
	return out
}

// Tracker accumulates samples per series. Safe for concurrent use.
type Tracker struct {
	windowSize int

	mu     sync.Mutex
	series map[string]*window
}

// NewTracker creates a tracker with the given window size per series; size
// <= 0 uses DefaultWindowSize.
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Tracker{
		windowSize: windowSize,
		series:     make(map[string]*window),
	}
}

// Observe appends one sample to the named series.
func (t *Tracker) Observe(series string, v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.series[series]
	if !ok {
		w = &window{samples: make([]float64, t.windowSize)}
		t.series[series] = w
	}
	w.add(v)
}

// AddReading feeds the present fields of a reading into the four measurement
// series. Missing fields contribute nothing.
func (t *Tracker) AddReading(r psu.Reading) {
	for _, f := range []struct {
		series string
		value  *float64
	}{
		{SeriesCH1Voltage, r.CH1.Voltage},
		{SeriesCH1Current, r.CH1.Current},
		{SeriesCH2Voltage, r.CH2.Voltage},
		{SeriesCH2Current, r.CH2.Current},
	} {
		if f.value != nil {
			t.Observe(f.series, *f.value)
		}
	}
}

// Summarize returns a summary per series with at least one sample.
func (t *Tracker) Summarize() map[string]Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Summary, len(t.series))
	for name, w := range t.series {
		values := w.values()
		if len(values) == 0 {
			continue
		}
		s := Summary{
			Count: len(values),
			Last:  values[len(values)-1],
			Mean:  stat.Mean(values, nil),
			Min:   floats.Min(values),
			Max:   floats.Max(values),
		}
		if len(values) > 1 {
			s.StdDev = stat.StdDev(values, nil)
		}
		out[name] = s
	}
	return out
}

// Reset drops all accumulated samples.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.series = make(map[string]*window)
}
