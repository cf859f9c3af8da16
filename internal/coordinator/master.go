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

const DefaultReceiveTimeout = 5 * time.Second

// Master sends the GY buffer to the Worker once per cycle and combines the
// Worker's verdict with its own GX event.
type Master struct {
	link           *Link
	receiveTimeout time.Duration
	stats          *monitoring.Stats
	logf           func(string, ...interface{})

	lastCycle uint32
}

// NewMaster returns a Master using link. A zero receiveTimeout selects
// DefaultReceiveTimeout; a nil stats selects monitoring.Default.
func NewMaster(link *Link, receiveTimeout time.Duration, stats *monitoring.Stats) *Master {
	if receiveTimeout <= 0 {
		receiveTimeout = DefaultReceiveTimeout
	}
	if stats == nil {
		stats = monitoring.Default
	}
	return &Master{
		link:           link,
		receiveTimeout: receiveTimeout,
		stats:          stats,
		logf:           monitoring.Prefixed("master"),
	}
}

// RunCycle performs one request/reply exchange. The reply must carry the
// same cycle number. An authentication failure on either side yields
// ErrCycleAbandoned; everything else that goes wrong is fatal.
func (m *Master) RunCycle(ctx context.Context, cycle uint32, gy []int32, gx detector.ChangeEvent) (motion.Decision, error) {
	body, err := framecodec.EncodeSampleBuffer(gy)
	if err != nil {
		return motion.Decision{}, fmt.Errorf("cycle %d: %w", cycle, err)
	}
	m.lastCycle = cycle

	if err := m.link.Send(ctx, framecodec.Message{Type: framecodec.TypeSampleBuffer, Cycle: cycle, Body: body}); err != nil {
		return motion.Decision{}, fmt.Errorf("cycle %d: %w", cycle, err)
	}

	reply, err := m.link.Receive(ctx, m.receiveTimeout)
	if errors.Is(err, framecodec.ErrAuthFailure) {
		m.stats.AuthFailures.Add(1)
		return m.abandon(cycle, "reply failed authentication")
	}
	if err != nil {
		return motion.Decision{}, fmt.Errorf("cycle %d: %w", cycle, err)
	}

	switch reply.Type {
	case framecodec.TypeTriggerResult:
		if reply.Cycle != cycle {
			return motion.Decision{}, fmt.Errorf("%w: reply for cycle %d while waiting for %d", ErrProtocol, reply.Cycle, cycle)
		}
		dy, err := framecodec.DecodeTrigger(reply.Body)
		if err != nil {
			return motion.Decision{}, fmt.Errorf("%w: cycle %d: %w", ErrProtocol, cycle, err)
		}
		m.stats.CyclesCompleted.Add(1)
		return motion.Decision{DX: gx.Flag(), DY: dy}, nil

	case framecodec.TypeAbort:
		return m.abandon(cycle, "worker could not authenticate the request")

	case framecodec.TypeShutdown:
		reason, _ := framecodec.DecodeShutdown(reply.Body)
		m.logf("worker shut down during cycle %d (%s)", cycle, reason)
		return motion.Decision{}, ErrPeerShutdown

	default:
		return motion.Decision{}, fmt.Errorf("%w: unexpected %s reply in cycle %d", ErrProtocol, reply.Type, cycle)
	}
}

func (m *Master) abandon(cycle uint32, why string) (motion.Decision, error) {
	m.stats.CyclesAbandoned.Add(1)
	m.logf("cycle %d abandoned: %s", cycle, why)
	return motion.Decision{}, fmt.Errorf("cycle %d: %w: %s", cycle, ErrCycleAbandoned, why)
}

// Shutdown tells the Worker the run is over and closes the link.
func (m *Master) Shutdown(ctx context.Context, reason framecodec.ShutdownReason) error {
	m.logf("sending shutdown (%s) after cycle %d", reason, m.lastCycle)
	return m.link.Shutdown(ctx, m.lastCycle, reason)
}
