package framecodec

import (
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/motion.relay/internal/motion"
)

// MaxSamplesPerFrame is the largest sample buffer a single frame can carry.
const MaxSamplesPerFrame = (MaxPlaintext - cycleSize - 4) / 4

// ShutdownReason explains why a role asked its peer to stop.
type ShutdownReason uint8

const (
	ReasonEndOfRun ShutdownReason = iota
	ReasonCancelled
	ReasonFatal
)

func (r ShutdownReason) String() string {
	switch r {
	case ReasonEndOfRun:
		return "end of run"
	case ReasonCancelled:
		return "cancelled"
	case ReasonFatal:
		return "fatal error"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// EncodeSampleBuffer lays out values as [count][int32...] big-endian.
func EncodeSampleBuffer(values []int32) ([]byte, error) {
	if len(values) > MaxSamplesPerFrame {
		return nil, fmt.Errorf("%w: %d samples exceed %d", ErrMalformed, len(values), MaxSamplesPerFrame)
	}
	buf := make([]byte, 4+4*len(values))
	binary.BigEndian.PutUint32(buf, uint32(len(values)))
	for i, v := range values {
		binary.BigEndian.PutUint32(buf[4+4*i:], uint32(v))
	}
	return buf, nil
}

// DecodeSampleBuffer reverses EncodeSampleBuffer. The count prefix must match
// the body length exactly.
func DecodeSampleBuffer(body []byte) ([]int32, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: sample buffer of %d bytes", ErrMalformed, len(body))
	}
	count := binary.BigEndian.Uint32(body)
	if count > MaxSamplesPerFrame || int(count)*4 != len(body)-4 {
		return nil, fmt.Errorf("%w: sample count %d does not match %d body bytes", ErrMalformed, count, len(body)-4)
	}
	values := make([]int32, count)
	for i := range values {
		values[i] = int32(binary.BigEndian.Uint32(body[4+4*i:]))
	}
	return values, nil
}

func EncodeTrigger(f motion.Flag) []byte {
	return []byte{byte(f)}
}

func DecodeTrigger(body []byte) (motion.Flag, error) {
	if len(body) != 1 {
		return 0, fmt.Errorf("%w: trigger result of %d bytes", ErrMalformed, len(body))
	}
	f := motion.Flag(int8(body[0]))
	if !f.Valid() {
		return 0, fmt.Errorf("%w: trigger flag %d", ErrMalformed, f)
	}
	return f, nil
}

func EncodeDecision(d motion.Decision) []byte {
	return []byte{byte(d.DX), byte(d.DY)}
}

func DecodeDecision(body []byte) (motion.Decision, error) {
	if len(body) != 2 {
		return motion.Decision{}, fmt.Errorf("%w: decision of %d bytes", ErrMalformed, len(body))
	}
	d := motion.Decision{DX: motion.Flag(int8(body[0])), DY: motion.Flag(int8(body[1]))}
	if !d.DX.Valid() || !d.DY.Valid() {
		return motion.Decision{}, fmt.Errorf("%w: decision %s", ErrMalformed, d)
	}
	return d, nil
}

func EncodeShutdown(r ShutdownReason) []byte {
	return []byte{byte(r)}
}

func DecodeShutdown(body []byte) (ShutdownReason, error) {
	if len(body) != 1 {
		return 0, fmt.Errorf("%w: shutdown of %d bytes", ErrMalformed, len(body))
	}
	return ShutdownReason(body[0]), nil
}
