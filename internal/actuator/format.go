// Package actuator renders Decisions as the line-oriented command understood by
// the servo controller on the other end of the serial link.
package actuator

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/banshee-data/motion.relay/internal/motion"
)

// MaxCommandLength is the size of the fixed buffer a command is built in.
const MaxCommandLength = 32

var (
	ErrInvalidDecision = errors.New("invalid decision")
	ErrCommandTooLong  = errors.New("command exceeds buffer")
)

// Format returns "dx <v> dy <v> \n" for d.
func Format(d motion.Decision) (string, error) {
	if !d.DX.Valid() || !d.DY.Valid() {
		return "", fmt.Errorf("%w: %s", ErrInvalidDecision, d)
	}

	var arr [MaxCommandLength]byte
	b := commandBuffer{buf: arr[:0]}
	b.appendString("dx ")
	b.appendInt(int64(d.DX))
	b.appendString(" dy ")
	b.appendInt(int64(d.DY))
	b.appendString(" \n")
	if b.overflow {
		return "", ErrCommandTooLong
	}
	return string(b.buf), nil
}

// commandBuffer appends into a slice whose capacity never grows.
type commandBuffer struct {
	buf      []byte
	overflow bool
}

func (b *commandBuffer) appendString(s string) {
	if b.overflow || len(b.buf)+len(s) > cap(b.buf) {
		b.overflow = true
		return
	}
	b.buf = append(b.buf, s...)
}

func (b *commandBuffer) appendInt(v int64) {
	var tmp [20]byte
	b.appendString(string(strconv.AppendInt(tmp[:0], v, 10)))
}
