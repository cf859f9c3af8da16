package framecodec

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// MessageType is the explicit tag carried in clear ahead of the ciphertext. It
// is covered by the MAC, so a frame cannot be re-tagged in transit.
type MessageType uint8

const (
	TypeSampleBuffer MessageType = iota + 1
	TypeTriggerResult
	TypeShutdown
	// TypeAbort tells the Master its last frame could not be authenticated and
	// the cycle was dropped.
	TypeAbort
	// TypeDecision carries a finished Decision to downstream consumers.
	TypeDecision
)

func (t MessageType) Valid() bool {
	return t >= TypeSampleBuffer && t <= TypeDecision
}

func (t MessageType) String() string {
	switch t {
	case TypeSampleBuffer:
		return "sample_buffer"
	case TypeTriggerResult:
		return "trigger_result"
	case TypeShutdown:
		return "shutdown"
	case TypeAbort:
		return "abort"
	case TypeDecision:
		return "decision"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Message is the decoded content of a Frame. Cycle ties a reply to the
// request that caused it.
type Message struct {
	Type  MessageType
	Cycle uint32
	Body  []byte
}

const cycleSize = 4

// Codec seals Messages into Frames and opens them again. It holds only the
// shared key material, which is read-only after construction.
type Codec struct {
	keys     keys
	staticIV *IV
}

// NewCodec returns a Codec for key. When staticIV is non-nil every frame uses
// it instead of a fresh random IV; this exists for deployments that provision
// a fixed IV alongside the key.
func NewCodec(key Key, staticIV *IV) (*Codec, error) {
	k, err := deriveKeys(key)
	if err != nil {
		return nil, err
	}
	c := &Codec{keys: k}
	if staticIV != nil {
		iv := *staticIV
		c.staticIV = &iv
	}
	return c, nil
}

func (c *Codec) nextIV() (IV, error) {
	if c.staticIV != nil {
		return *c.staticIV, nil
	}
	var iv IV
	if _, err := rand.Read(iv[:]); err != nil {
		return IV{}, fmt.Errorf("generate iv: %w", err)
	}
	return iv, nil
}

// Seal encrypts msg into a Frame.
func (c *Codec) Seal(msg Message) (Frame, error) {
	if !msg.Type.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown message type %d", ErrMalformed, msg.Type)
	}
	iv, err := c.nextIV()
	if err != nil {
		return Frame{}, err
	}
	plaintext := make([]byte, cycleSize+len(msg.Body))
	binary.BigEndian.PutUint32(plaintext, msg.Cycle)
	copy(plaintext[cycleSize:], msg.Body)

	ct, err := seal(c.keys, []byte{byte(msg.Type)}, plaintext, iv)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: msg.Type, IV: iv, Ciphertext: ct}, nil
}

// Open authenticates and decrypts f. A frame that fails authentication must be
// discarded by the caller.
func (c *Codec) Open(f Frame) (Message, error) {
	if !f.Type.Valid() {
		return Message{}, fmt.Errorf("%w: unknown message type %d", ErrMalformed, f.Type)
	}
	plaintext, err := open(c.keys, []byte{byte(f.Type)}, f.Ciphertext, f.IV)
	if err != nil {
		return Message{}, err
	}
	if len(plaintext) < cycleSize {
		return Message{}, fmt.Errorf("%w: %d byte payload has no cycle header", ErrMalformed, len(plaintext))
	}
	return Message{
		Type:  f.Type,
		Cycle: binary.BigEndian.Uint32(plaintext),
		Body:  plaintext[cycleSize:],
	}, nil
}
