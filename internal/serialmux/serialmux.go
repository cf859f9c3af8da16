// Serialmux turns the byte stream of a serial-attached motion sensor into
// parsed samples, writes actuator commands back to the same device, and lets
// debug clients tail the raw lines.
package serialmux

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/motion.relay/internal/monitoring"
	"github.com/banshee-data/motion.relay/internal/motion"
	"github.com/banshee-data/motion.relay/internal/timeutil"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
	// ErrIO wraps transport failures reported by the port. These are fatal
	// to the run.
	ErrIO = errors.New("serial i/o error")
	// ErrEndOfStream is returned by ReadSample once the port reports EOF and
	// every buffered line has been consumed.
	ErrEndOfStream = errors.New("serial stream ended")
)

const (
	// DefaultIdleWait is the pause after a read that returned no data. The
	// sensor emits a record every 100ms.
	DefaultIdleWait = 90 * time.Millisecond
	// MaxLineLength bounds a single record. Longer lines are dropped up to the
	// next newline.
	MaxLineLength = 256

	readChunkSize  = 64
	maxZeroWrites  = 3
	subscriberSize = 32
)

// Options tunes a SerialMux. The zero value uses the real clock, the default
// idle wait and monitoring.Default.
type Options struct {
	Clock    timeutil.Clock
	IdleWait time.Duration
	Stats    *monitoring.Stats
}

// SerialMux owns a single serial port. ReadSample must only be called from
// one goroutine; WriteCommand may be called from any.
type SerialMux[T SerialPorter] struct {
	port     T
	clock    timeutil.Clock
	idleWait time.Duration
	stats    *monitoring.Stats

	readMu     sync.Mutex
	chunk      []byte
	pending    []byte
	discarding bool
	eof        bool
	nextSeq    uint32

	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// SerialMuxInterface is the surface the relay loops depend on.
type SerialMuxInterface interface {
	// ReadSample blocks until the next well-formed record has been read.
	ReadSample(context.Context) (motion.Sample, error)
	// WriteCommand writes the command, newline terminated, in full.
	WriteCommand(string) error
	// Subscribe creates a channel that receives every raw line read from the
	// port. The ID is used to unsubscribe.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// Close closes all subscribed channels and closes the serial port.
	Close() error
	// AttachAdminRoutes mounts the send-command and tail debug routes.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T, opts Options) *SerialMux[T] {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = DefaultIdleWait
	}
	if opts.Stats == nil {
		opts.Stats = monitoring.Default
	}
	return &SerialMux[T]{
		port:        port,
		clock:       opts.Clock,
		idleWait:    opts.IdleWait,
		stats:       opts.Stats,
		chunk:       make([]byte, readChunkSize),
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberSize)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) publish(line string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- line:
		default:
			// slow subscriber, drop rather than stall the read loop
		}
	}
}

// ReadSample returns the next record that parses as a sample. Lines that do
// not parse are counted and skipped. Sequence numbers start at 0 and increase
// by one per accepted sample.
func (s *SerialMux[T]) ReadSample(ctx context.Context) (motion.Sample, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return motion.Sample{}, err
		}
		if s.isClosing() {
			return motion.Sample{}, ErrEndOfStream
		}

		if line, ok := s.nextLine(); ok {
			if sample, ok := s.accept(line); ok {
				return sample, nil
			}
			continue
		}

		if s.eof {
			return motion.Sample{}, ErrEndOfStream
		}
		if err := s.fill(); err != nil {
			return motion.Sample{}, err
		}
	}
}

// fill performs a single read from the port into the pending buffer.
func (s *SerialMux[T]) fill() error {
	n, err := s.port.Read(s.chunk)
	if n > 0 {
		s.pending = append(s.pending, s.chunk[:n]...)
	}
	switch {
	case errors.Is(err, io.EOF):
		s.eof = true
		if len(s.pending) > 0 && !bytes.HasSuffix(s.pending, []byte("\n")) {
			s.pending = append(s.pending, '\n')
		}
		return nil
	case err != nil:
		if s.isClosing() {
			s.eof = true
			return nil
		}
		return fmt.Errorf("%w: %v", ErrIO, err)
	case n == 0:
		s.clock.Sleep(s.idleWait)
	}
	return nil
}

// nextLine pops one complete line from the pending buffer. Oversized lines
// are dropped.
func (s *SerialMux[T]) nextLine() (string, bool) {
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			if len(s.pending) > MaxLineLength {
				s.pending = s.pending[:0]
				s.discarding = true
			}
			return "", false
		}

		raw := s.pending[:i]
		line := strings.TrimRight(string(raw), "\r")
		s.pending = append(s.pending[:0], s.pending[i+1:]...)

		if s.discarding || len(raw) > MaxLineLength {
			s.discarding = false
			s.stats.LinesSkipped.Add(1)
			monitoring.Logf("serialmux: dropped line longer than %d bytes", MaxLineLength)
			continue
		}
		return line, true
	}
}

func (s *SerialMux[T]) accept(line string) (motion.Sample, bool) {
	s.publish(line)

	gx, gy, ok := ParseRecord(line)
	if !ok {
		s.stats.LinesSkipped.Add(1)
		if strings.TrimSpace(line) != "" {
			monitoring.Logf("serialmux: skipping unparseable line %q", line)
		}
		return motion.Sample{}, false
	}

	sample := motion.Sample{Sequence: s.nextSeq, GX: gx, GY: gy}
	s.nextSeq++
	s.stats.SamplesAccepted.Add(1)
	return sample, true
}

// drainer is implemented by go.bug.st/serial ports.
type drainer interface {
	Drain() error
}

// WriteCommand writes command to the port, appending a newline if missing.
// Short writes are continued until the whole command has been written.
func (s *SerialMux[T]) WriteCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}

	buf := []byte(command)
	zeroWrites := 0
	for len(buf) > 0 {
		n, err := s.port.Write(buf)
		if err != nil {
			return fmt.Errorf("%w: %w: %v", ErrIO, ErrWriteFailed, err)
		}
		if n <= 0 {
			zeroWrites++
			if zeroWrites >= maxZeroWrites {
				return ErrWriteFailed
			}
			continue
		}
		zeroWrites = 0
		buf = buf[n:]
	}

	if d, ok := any(s.port).(drainer); ok {
		if err := d.Drain(); err != nil {
			return fmt.Errorf("%w: drain: %v", ErrIO, err)
		}
	}
	s.stats.CommandsWritten.Add(1)
	return nil
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}
