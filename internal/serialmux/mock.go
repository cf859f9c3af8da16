package serialmux

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/motion.relay/internal/monitoring"
)

var errPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for
// testing. It provides control over reads, writes, errors, and short writes.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls. Once it is empty
	// and BlockReads is false, Read reports io.EOF.
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// IdleReads is the number of upcoming Read calls that return (0, nil),
	// as a real port does when its read timeout expires.
	IdleReads int

	// ReadChunk caps the bytes returned per Read call when positive.
	ReadChunk int

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// MaxWrite caps the bytes accepted per Write call when positive.
	MaxWrite int

	// ZeroWrites is the number of upcoming Write calls that accept nothing.
	ZeroWrites int

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	ReadCalls  int
	WriteCalls int
	DrainCalls int

	// ReadTimeout is the current read timeout
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a TestableSerialPort preloaded with data.
func NewTestableSerialPort(data string) *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBufferString(data),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++

	if t.Closed {
		return 0, errPortClosed
	}

	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}

	if t.IdleReads > 0 {
		t.IdleReads--
		return 0, nil
	}

	if t.BlockReads && t.ReadBuffer.Len() == 0 {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errPortClosed
		}
	}

	if t.ReadChunk > 0 && len(p) > t.ReadChunk {
		p = p[:t.ReadChunk]
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.ZeroWrites > 0 {
		t.ZeroWrites--
		return 0, nil
	}

	if t.MaxWrite > 0 && len(p) > t.MaxWrite {
		p = p[:t.MaxWrite]
	}
	return t.WriteBuffer.Write(p)
}

// Drain records the call; written data is already in WriteBuffer.
func (t *TestableSerialPort) Drain() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.DrainCalls++
	return nil
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()

	return t.CloseError
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestableSerialPort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadTimeout = timeout
	return nil
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.WriteBuffer.Bytes())
}

// FixturePort replays a recorded sensor capture, one line per interval, for
// running the relay without hardware. Commands written to it are logged.
type FixturePort struct {
	r *io.PipeReader
	w *io.PipeWriter

	stop     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	written  bytes.Buffer
}

// NewFixturePort starts replaying fixture. When loop is false the port
// reports EOF after the last line.
func NewFixturePort(fixture []byte, interval time.Duration, loop bool) *FixturePort {
	r, w := io.Pipe()
	p := &FixturePort{r: r, w: w, stop: make(chan struct{})}

	var lines [][]byte
	for _, line := range bytes.SplitAfter(fixture, []byte("\n")) {
		if len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, line)
		}
	}

	go p.replay(lines, interval, loop)
	return p
}

func (p *FixturePort) replay(lines [][]byte, interval time.Duration, loop bool) {
	defer p.w.Close()
	if len(lines) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for i := 0; ; i++ {
		if i == len(lines) {
			if !loop {
				return
			}
			i = 0
		}
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		if _, err := p.w.Write(lines[i]); err != nil {
			return
		}
	}
}

func (p *FixturePort) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *FixturePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	monitoring.Logf("fixture port: received %q", b)
	return p.written.Write(b)
}

// Written returns everything written to the port so far.
func (p *FixturePort) Written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.written.Bytes())
}

func (p *FixturePort) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return p.r.Close()
}
