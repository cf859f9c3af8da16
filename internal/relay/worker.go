package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/motion.relay/internal/coordinator"
	"github.com/banshee-data/motion.relay/internal/db"
	"github.com/banshee-data/motion.relay/internal/detector"
	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/monitoring"
)

// WorkerOptions configures RunWorker. GY holds the window, the GY threshold
// and the largest buffer the Worker accepts.
type WorkerOptions struct {
	GY          detector.Params
	IdleTimeout time.Duration
	Recorder    Recorder
	Stats       *monitoring.Stats
}

// RunWorker waits on ln for the Master and serves it until it shuts down or
// ctx is cancelled. Neither of those is an error.
func RunWorker(ctx context.Context, ln net.Listener, codec *framecodec.Codec, opts WorkerOptions) error {
	logf := monitoring.Prefixed("worker")
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Stats == nil {
		opts.Stats = monitoring.Default
	}

	logf("waiting for master on %s", ln.Addr())
	conn, err := coordinator.Accept(ctx, ln)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	logf("master connected from %s", conn.RemoteAddr())

	link := coordinator.NewLink(conn, codec)
	w, err := coordinator.NewWorker(link, opts.GY, opts.IdleTimeout, opts.Stats)
	if err != nil {
		link.Close()
		return fmt.Errorf("gy: %w", err)
	}

	runID, err := opts.Recorder.StartRun(ctx, db.RunInfo{
		Role:        coordinator.RoleWorker.String(),
		WindowSize:  opts.GY.WindowSize,
		GYThreshold: opts.GY.Threshold,
		MaxSamples:  opts.GY.MaxSamples,
	})
	if err != nil {
		logf("failed to record run start: %v", err)
	}

	serveErr := w.Serve(ctx)

	status := db.RunCompleted
	switch {
	case serveErr == nil:
	case ctx.Err() != nil:
		status, serveErr = db.RunCancelled, nil
	default:
		status = db.RunFailed
	}
	if runID != "" {
		summary := db.RunSummary{Status: status, Err: serveErr}
		if err := opts.Recorder.EndRun(context.WithoutCancel(ctx), runID, summary); err != nil {
			logf("failed to record run end: %v", err)
		}
	}
	if errors.Is(serveErr, coordinator.ErrTimeout) {
		return fmt.Errorf("no request from master within %v: %w", opts.idleTimeout(), serveErr)
	}
	return serveErr
}

func (o WorkerOptions) idleTimeout() time.Duration {
	if o.IdleTimeout <= 0 {
		return coordinator.DefaultIdleTimeout
	}
	return o.IdleTimeout
}

// DialWorker connects to the Worker and returns a coordinator.Master over the
// new link.
func DialWorker(ctx context.Context, addr string, dialTimeout, receiveTimeout time.Duration, codec *framecodec.Codec, stats *monitoring.Stats) (*coordinator.Master, error) {
	conn, err := coordinator.Dial(ctx, addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("relay: connected to worker at %s", addr)
	return coordinator.NewMaster(coordinator.NewLink(conn, codec), receiveTimeout, stats), nil
}
