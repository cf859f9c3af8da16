// Package detector flags significant shifts in a single motion axis by
// comparing the averages of two contiguous sliding windows.
package detector

import (
	"fmt"
	"math"

	"github.com/banshee-data/motion.relay/internal/motion"
)

const (
	DefaultWindowSize  = 10
	DefaultGXThreshold = 200.0
	DefaultGYThreshold = 50.0
)

// State is the per-axis lifecycle of a Detector.
type State int

const (
	// StateFilling holds until the buffer has WindowSize+1 readings.
	StateFilling State = iota
	// StateReady emits one ChangeEvent per new reading.
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "filling"
}

// ChangeEvent is the outcome of comparing the previous and current windows at
// the reading with the given Index.
type ChangeEvent struct {
	Axis            motion.Axis
	Index           uint32
	Triggered       bool
	Insufficient    bool
	PreviousAverage float64
	CurrentAverage  float64
}

// Flag encodes the event as a Decision component.
func (e ChangeEvent) Flag() motion.Flag {
	return motion.FlagFromEvent(e.Triggered, e.Insufficient)
}

// Params configures a Detector.
type Params struct {
	WindowSize int
	Threshold  float64
	MaxSamples int
}

// Validate checks that the parameters describe a usable detector.
func (p Params) Validate() error {
	if p.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", p.WindowSize)
	}
	if p.Threshold < 0 || math.IsNaN(p.Threshold) {
		return fmt.Errorf("threshold must be non-negative, got %f", p.Threshold)
	}
	if p.MaxSamples < 0 {
		return fmt.Errorf("max samples must be non-negative, got %d", p.MaxSamples)
	}
	return nil
}

// Detector owns the AxisBuffer of one axis and evaluates every new reading.
type Detector struct {
	axis   motion.Axis
	params Params
	buf    *AxisBuffer
}

// New returns a Detector for axis in the Filling state.
func New(axis motion.Axis, params Params) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		axis:   axis,
		params: params,
		buf:    NewAxisBuffer(params.MaxSamples),
	}, nil
}

func (d *Detector) Axis() motion.Axis   { return d.axis }
func (d *Detector) Buffer() *AxisBuffer { return d.buf }

func (d *Detector) State() State {
	if d.buf.Len() < d.params.WindowSize+1 {
		return StateFilling
	}
	return StateReady
}

// Observe appends v and, once Ready, returns the event for it. ok is false while
// the detector is still Filling. ErrBufferExhausted is returned unchanged when
// the buffer is full.
func (d *Detector) Observe(v int32) (ChangeEvent, bool, error) {
	if err := d.buf.Append(v); err != nil {
		return ChangeEvent{}, false, err
	}
	ev, ok := evaluate(d.buf.values, d.axis, d.params.WindowSize, d.params.Threshold)
	return ev, ok, nil
}

// Evaluate returns the event of the last reading in values, as a Detector fed
// the same readings one by one would have emitted it.
func Evaluate(values []int32, axis motion.Axis, params Params) (ChangeEvent, bool, error) {
	if err := params.Validate(); err != nil {
		return ChangeEvent{}, false, err
	}
	ev, ok := evaluate(values, axis, params.WindowSize, params.Threshold)
	return ev, ok, nil
}

// evaluate compares mean(values[n-2w : n-w]) with mean(values[n-w : n]) where n
// is the index of the newest reading. Before n reaches 2w the previous window
// would start before the buffer, so the event is marked insufficient.
func evaluate(values []int32, axis motion.Axis, w int, threshold float64) (ChangeEvent, bool) {
	if len(values) < w+1 {
		return ChangeEvent{}, false
	}
	n := len(values) - 1
	ev := ChangeEvent{Axis: axis, Index: uint32(n)}
	if n < 2*w {
		ev.Insufficient = true
		return ev, true
	}

	prev, _ := Window(values, n-2*w, w)
	curr, _ := Window(values, n-w, w)
	ev.PreviousAverage = prev.Average
	ev.CurrentAverage = curr.Average
	ev.Triggered = math.Abs(curr.Average-prev.Average) > threshold
	return ev, true
}
