// Package motion holds the value types shared by the ingestion, detection and
// coordination stages.
package motion

import "fmt"

// Sample is one parsed sensor record. Sequence is assigned in arrival order.
type Sample struct {
	Sequence uint32
	GX       int32
	GY       int32
}

// Axis identifies one of the two motion channels carried by a Sample.
type Axis uint8

const (
	AxisGX Axis = iota
	AxisGY
)

func (a Axis) String() string {
	switch a {
	case AxisGX:
		return "GX"
	case AxisGY:
		return "GY"
	default:
		return fmt.Sprintf("Axis(%d)", uint8(a))
	}
}

// Value returns the reading of the given axis.
func (s Sample) Value(a Axis) int32 {
	if a == AxisGY {
		return s.GY
	}
	return s.GX
}

// Flag is the signed per-axis outcome carried by a Decision.
type Flag int8

const (
	FlagInsufficient Flag = -1
	FlagSteady       Flag = 0
	FlagChanged      Flag = 1
)

// Valid reports whether f is one of the three defined outcomes.
func (f Flag) Valid() bool {
	return f >= FlagInsufficient && f <= FlagChanged
}

// FlagFromEvent maps a detector outcome onto the signed sentinel encoding.
func FlagFromEvent(triggered, insufficient bool) Flag {
	switch {
	case insufficient:
		return FlagInsufficient
	case triggered:
		return FlagChanged
	default:
		return FlagSteady
	}
}

// Decision combines the GX outcome computed by the Master with the GY outcome
// returned by the Worker for one detection cycle.
type Decision struct {
	DX Flag
	DY Flag
}

func (d Decision) String() string {
	return fmt.Sprintf("dx=%d dy=%d", d.DX, d.DY)
}
