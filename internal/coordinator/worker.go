package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/motion.relay/internal/detector"
	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/monitoring"
	"github.com/banshee-data/motion.relay/internal/motion"
)

const DefaultIdleTimeout = 30 * time.Second

// Worker answers the Master's sample buffers with the GY verdict.
type Worker struct {
	link        *Link
	params      detector.Params
	idleTimeout time.Duration
	stats       *monitoring.Stats
	logf        func(string, ...interface{})

	// lastCycle is the last cycle answered, valid once answered is set.
	lastCycle uint32
	answered  bool
}

// NewWorker returns a Worker evaluating GY with params. A zero idleTimeout
// selects DefaultIdleTimeout; a nil stats selects monitoring.Default.
func NewWorker(link *Link, params detector.Params, idleTimeout time.Duration, stats *monitoring.Stats) (*Worker, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if stats == nil {
		stats = monitoring.Default
	}
	return &Worker{
		link:        link,
		params:      params,
		idleTimeout: idleTimeout,
		stats:       stats,
		logf:        monitoring.Prefixed("worker"),
	}, nil
}

// Serve handles requests until the Master shuts down, which returns nil.
// When ctx is cancelled the Worker notifies the Master and returns ctx.Err().
// A request that fails authentication is answered with Abort and skipped.
func (w *Worker) Serve(ctx context.Context) error {
	defer w.link.Close()

	for {
		msg, err := w.link.Receive(ctx, w.idleTimeout)
		switch {
		case errors.Is(err, framecodec.ErrAuthFailure):
			w.stats.AuthFailures.Add(1)
			w.logf("dropping %s frame that failed authentication", msg.Type)
			// The dropped frame's cycle is in its unauthenticated ciphertext,
			// so the Abort carries the last cycle answered instead.
			abort := framecodec.Message{Type: framecodec.TypeAbort, Cycle: w.lastCycle}
			if err := w.link.Send(ctx, abort); err != nil {
				return w.stop(ctx, err)
			}
			continue
		case err != nil:
			return w.stop(ctx, err)
		}

		switch msg.Type {
		case framecodec.TypeSampleBuffer:
			if err := w.answer(ctx, msg); err != nil {
				return w.stop(ctx, err)
			}

		case framecodec.TypeShutdown:
			reason, _ := framecodec.DecodeShutdown(msg.Body)
			w.logf("master shut down after cycle %d (%s)", msg.Cycle, reason)
			return nil

		default:
			return w.stop(ctx, fmt.Errorf("%w: unexpected %s request", ErrProtocol, msg.Type))
		}
	}
}

func (w *Worker) answer(ctx context.Context, msg framecodec.Message) error {
	// cycles strictly increase; a repeat or an older cycle is a replay
	if w.answered && msg.Cycle <= w.lastCycle {
		return fmt.Errorf("%w: cycle %d received after cycle %d", ErrProtocol, msg.Cycle, w.lastCycle)
	}
	values, err := framecodec.DecodeSampleBuffer(msg.Body)
	if err != nil {
		return fmt.Errorf("%w: cycle %d: %w", ErrProtocol, msg.Cycle, err)
	}
	if w.params.MaxSamples > 0 && len(values) > w.params.MaxSamples {
		return fmt.Errorf("%w: cycle %d carries %d samples, limit is %d", ErrProtocol, msg.Cycle, len(values), w.params.MaxSamples)
	}

	flag := motion.FlagInsufficient
	ev, ok, err := detector.Evaluate(values, motion.AxisGY, w.params)
	if err != nil {
		return err
	}
	if ok {
		flag = ev.Flag()
		if !ev.Insufficient {
			w.logf("cycle %d: gy prev=%.2f curr=%.2f triggered=%v", msg.Cycle, ev.PreviousAverage, ev.CurrentAverage, ev.Triggered)
		}
	}

	w.lastCycle, w.answered = msg.Cycle, true
	return w.link.Send(ctx, framecodec.Message{
		Type:  framecodec.TypeTriggerResult,
		Cycle: msg.Cycle,
		Body:  framecodec.EncodeTrigger(flag),
	})
}

// stop tells the Master why the Worker is leaving, unless the link itself
// has failed.
func (w *Worker) stop(ctx context.Context, cause error) error {
	reason := framecodec.ReasonFatal
	switch {
	case ctx.Err() != nil:
		reason = framecodec.ReasonCancelled
	case errors.Is(cause, ErrIO) && !errors.Is(cause, ErrTimeout):
		return cause
	}
	if err := w.link.Shutdown(ctx, w.lastCycle, reason); err != nil {
		w.logf("failed to notify master: %v", err)
	}
	return cause
}
