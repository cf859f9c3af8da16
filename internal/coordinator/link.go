package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/motion.relay/internal/framecodec"
)

var (
	// ErrIO reports a failed or closed link. It is fatal to the run.
	ErrIO = errors.New("link i/o error")
	// ErrTimeout is an ErrIO raised when the peer did not answer in time.
	ErrTimeout = fmt.Errorf("%w: timed out", ErrIO)
	// ErrProtocol reports a frame that is well formed and authentic but not
	// what the exchange expects at this point.
	ErrProtocol = errors.New("protocol violation")
	// ErrPeerShutdown is returned when the peer announced its shutdown.
	ErrPeerShutdown = errors.New("peer shut down")
	// ErrCycleAbandoned is returned when a cycle produced no decision because
	// a frame failed authentication. The run may continue with the next cycle.
	ErrCycleAbandoned = errors.New("cycle abandoned")
)

const (
	DefaultSendTimeout     = 5 * time.Second
	DefaultShutdownTimeout = time.Second
)

// Link carries sealed frames over a connection. Sends and receives form two
// independent FIFO channels; each direction may be used by one goroutine at
// a time.
type Link struct {
	conn  net.Conn
	codec *framecodec.Codec

	// SendTimeout bounds each Send.
	SendTimeout time.Duration

	sendMu    sync.Mutex
	recvMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewLink wraps conn. The codec is shared and only read.
func NewLink(conn net.Conn, codec *framecodec.Codec) *Link {
	return &Link{conn: conn, codec: codec, SendTimeout: DefaultSendTimeout}
}

// Send seals msg and writes it as one frame.
func (l *Link) Send(ctx context.Context, msg framecodec.Message) error {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := l.codec.Seal(msg)
	if err != nil {
		return fmt.Errorf("seal %s: %w", msg.Type, err)
	}

	if err := l.conn.SetWriteDeadline(time.Now().Add(l.SendTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %v", ErrIO, err)
	}
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := framecodec.WriteFrame(l.conn, f); err != nil {
		return l.wrapErr(ctx, "send "+msg.Type.String(), err)
	}
	return nil
}

// Receive reads the next frame and opens it. It waits at most timeout, and
// returns early when ctx is cancelled. A frame that fails authentication is
// reported with framecodec.ErrAuthFailure and its type; the link remains
// usable.
func (l *Link) Receive(ctx context.Context, timeout time.Duration) (framecodec.Message, error) {
	l.recvMu.Lock()
	defer l.recvMu.Unlock()

	if err := ctx.Err(); err != nil {
		return framecodec.Message{}, err
	}
	if err := l.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return framecodec.Message{}, fmt.Errorf("%w: set read deadline: %v", ErrIO, err)
	}
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	f, err := framecodec.ReadFrame(l.conn)
	if err != nil {
		if errors.Is(err, framecodec.ErrMalformed) {
			return framecodec.Message{}, fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return framecodec.Message{}, l.wrapErr(ctx, "receive", err)
	}

	msg, err := l.codec.Open(f)
	switch {
	case errors.Is(err, framecodec.ErrAuthFailure):
		return framecodec.Message{Type: f.Type}, fmt.Errorf("open %s frame: %w", f.Type, err)
	case err != nil:
		return framecodec.Message{}, fmt.Errorf("%w: open %s frame: %w", ErrProtocol, f.Type, err)
	}
	return msg, nil
}

// wrapErr classifies a transport error. Cancellation wins over the deadline
// it was implemented with.
func (l *Link) wrapErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %s: peer closed the connection", ErrIO, op)
	}
	return fmt.Errorf("%w: %s: %v", ErrIO, op, err)
}

// Shutdown sends the shutdown sentinel and closes the link. The send uses a
// short deadline of its own so it still runs after ctx has been cancelled.
func (l *Link) Shutdown(ctx context.Context, cycle uint32, reason framecodec.ShutdownReason) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()

	err := l.Send(sctx, framecodec.Message{
		Type:  framecodec.TypeShutdown,
		Cycle: cycle,
		Body:  framecodec.EncodeShutdown(reason),
	})
	if cerr := l.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the underlying connection. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}
