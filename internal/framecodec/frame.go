package framecodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	lengthSize = 4
	headerSize = 1 + IVSize

	minFrameSize = headerSize + IVSize + MACSize

	// MaxFrameSize bounds the length prefix of a frame on the wire.
	MaxFrameSize = headerSize + MaxPlaintext + IVSize + MACSize
)

// Frame is the unit exchanged between roles:
//
//	[4-byte big-endian length][1-byte type][16-byte IV][ciphertext || MAC]
//
// where length counts every byte after the prefix.
type Frame struct {
	Type       MessageType
	IV         IV
	Ciphertext []byte
}

// MarshalBinary returns the wire encoding of f including the length prefix.
func (f Frame) MarshalBinary() ([]byte, error) {
	n := headerSize + len(f.Ciphertext)
	if n < minFrameSize || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame body of %d bytes", ErrMalformed, n)
	}
	buf := make([]byte, lengthSize+n)
	binary.BigEndian.PutUint32(buf, uint32(n))
	buf[lengthSize] = byte(f.Type)
	copy(buf[lengthSize+1:], f.IV[:])
	copy(buf[lengthSize+headerSize:], f.Ciphertext)
	return buf, nil
}

// WriteFrame writes f to w in a single call.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

// ReadFrame reads exactly one frame from r. A clean end of stream before the
// length prefix is reported as io.EOF; a stream cut inside a frame as
// io.ErrUnexpectedEOF. Length prefixes outside the frame bounds are rejected
// before any body bytes are read.
func ReadFrame(r io.Reader) (Frame, error) {
	var prefix [lengthSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n < minFrameSize || n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: length prefix %d", ErrMalformed, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}

	f := Frame{Type: MessageType(body[0])}
	if !f.Type.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown message type %d", ErrMalformed, body[0])
	}
	copy(f.IV[:], body[1:headerSize])
	f.Ciphertext = body[headerSize:]
	return f, nil
}
