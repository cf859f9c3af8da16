package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/motion.relay/internal/monitoring"
	"github.com/banshee-data/motion.relay/internal/timeutil"
)

const (
	DefaultDialTimeout = 30 * time.Second
	dialRetryInterval  = 250 * time.Millisecond
)

// dialClock paces the retries in Dial.
var dialClock timeutil.Clock = timeutil.RealClock{}

// Dial connects to the Worker at addr, retrying until timeout elapses so the
// two processes may be started in either order.
func Dial(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	var lastErr error
	for attempt := 1; ; attempt++ {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			if attempt > 1 {
				monitoring.Logf("coordinator: connected to %s after %d attempts", addr, attempt)
			}
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: dial %s: %v", ErrTimeout, addr, lastErr)
			}
			return nil, ctx.Err()
		case <-dialClock.After(dialRetryInterval):
		}
	}
}

// Accept waits for the Master to connect on ln. Cancelling ctx closes the
// listener.
func Accept(ctx context.Context, ln net.Listener) (net.Conn, error) {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: accept: %v", ErrIO, err)
	}
	return conn, nil
}

// Listen opens the Worker's listening socket.
func Listen(ctx context.Context, addr string) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrIO, addr, err)
	}
	return ln, nil
}
