package detector

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// ErrBufferExhausted is returned by Append once the buffer holds its capacity.
// It ends the current sampling run and is not a failure.
var ErrBufferExhausted = errors.New("axis buffer exhausted")

// DefaultMaxSamples bounds a sampling run.
const DefaultMaxSamples = 500

// AxisBuffer is an append-only, bounded sequence of readings for one axis.
// Appends past capacity are rejected and leave the buffer untouched.
type AxisBuffer struct {
	values   []int32
	capacity int
}

// NewAxisBuffer returns an empty buffer holding at most capacity values.
func NewAxisBuffer(capacity int) *AxisBuffer {
	if capacity <= 0 {
		capacity = DefaultMaxSamples
	}
	return &AxisBuffer{
		values:   make([]int32, 0, capacity),
		capacity: capacity,
	}
}

// Append adds v to the end of the buffer.
func (b *AxisBuffer) Append(v int32) error {
	if len(b.values) >= b.capacity {
		return ErrBufferExhausted
	}
	b.values = append(b.values, v)
	return nil
}

func (b *AxisBuffer) Len() int   { return len(b.values) }
func (b *AxisBuffer) Cap() int   { return b.capacity }
func (b *AxisBuffer) Full() bool { return len(b.values) >= b.capacity }

// Values returns a copy of the buffered readings.
func (b *AxisBuffer) Values() []int32 {
	out := make([]int32, len(b.values))
	copy(out, b.values)
	return out
}

// Mean is the average over every buffered reading, or 0 when empty.
func (b *AxisBuffer) Mean() float64 {
	if len(b.values) == 0 {
		return 0
	}
	return stat.Mean(toFloat64(b.values), nil)
}

// WindowStat is the average of a contiguous run of readings. It is always
// derived from a buffer and never stored on its own.
type WindowStat struct {
	Average     float64
	WindowStart uint32
	WindowSize  uint32
}

// Window computes the statistic of values[start : start+size].
func Window(values []int32, start, size int) (WindowStat, error) {
	if size <= 0 {
		return WindowStat{}, fmt.Errorf("window size must be positive, got %d", size)
	}
	if start < 0 || start+size > len(values) {
		return WindowStat{}, fmt.Errorf("window [%d:%d) out of range for %d values", start, start+size, len(values))
	}
	return WindowStat{
		Average:     stat.Mean(toFloat64(values[start:start+size]), nil),
		WindowStart: uint32(start),
		WindowSize:  uint32(size),
	}, nil
}

func toFloat64(values []int32) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = float64(v)
	}
	return out
}
