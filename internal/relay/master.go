package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/motion.relay/internal/actuator"
	"github.com/banshee-data/motion.relay/internal/coordinator"
	"github.com/banshee-data/motion.relay/internal/db"
	"github.com/banshee-data/motion.relay/internal/detector"
	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/monitoring"
	"github.com/banshee-data/motion.relay/internal/motion"
	"github.com/banshee-data/motion.relay/internal/serialmux"
	"github.com/banshee-data/motion.relay/internal/sink"
)

// MasterOptions configures a Master. GX holds the window, the GX threshold
// and the buffer capacity shared by both axes.
type MasterOptions struct {
	GX          detector.Params
	GYThreshold float64

	// Codec seals Decisions for the Sink. Decisions are not published when
	// either is nil.
	Codec *framecodec.Codec
	Sink  sink.Sink
	// PublishTimeout bounds each Publish so a stalled broker cannot hold up
	// sampling. Zero selects sink.DefaultPublishTimeout.
	PublishTimeout time.Duration

	Recorder Recorder
	Stats    *monitoring.Stats
}

// Master owns the serial port and drives one detection cycle per sample.
type Master struct {
	source SampleSource
	cycler Cycler
	opts   MasterOptions
	logf   func(string, ...interface{})
}

// Result summarises a finished run.
type Result struct {
	RunID   string
	Samples int
	Cycles  int
	Status  db.RunStatus
}

func NewMaster(source SampleSource, cycler Cycler, opts MasterOptions) (*Master, error) {
	if err := opts.GX.Validate(); err != nil {
		return nil, fmt.Errorf("gx: %w", err)
	}
	if opts.GYThreshold < 0 {
		return nil, fmt.Errorf("gy threshold must be non-negative, got %f", opts.GYThreshold)
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Stats == nil {
		opts.Stats = monitoring.Default
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = sink.DefaultPublishTimeout
	}
	return &Master{
		source: source,
		cycler: cycler,
		opts:   opts,
		logf:   monitoring.Prefixed("master"),
	}, nil
}

// Run reads samples until the buffers are full, the stream ends, ctx is
// cancelled or a fatal error occurs. Only the last case returns an error.
// The Worker is told why the run ended, and the run is closed in the
// Recorder, on every path.
func (m *Master) Run(ctx context.Context) (Result, error) {
	gx, err := detector.New(motion.AxisGX, m.opts.GX)
	if err != nil {
		return Result{}, err
	}
	gy := detector.NewAxisBuffer(m.opts.GX.MaxSamples)

	runID, err := m.opts.Recorder.StartRun(ctx, db.RunInfo{
		Role:        coordinator.RoleMaster.String(),
		WindowSize:  m.opts.GX.WindowSize,
		GXThreshold: m.opts.GX.Threshold,
		GYThreshold: m.opts.GYThreshold,
		MaxSamples:  gy.Cap(),
	})
	if err != nil {
		m.logf("failed to record run start: %v", err)
	}

	res := Result{RunID: runID}
	loopErr := m.loop(ctx, gx, gy, &res)

	out := classify(ctx, loopErr)
	res.Status = out.status
	if out.notify {
		if err := m.cycler.Shutdown(ctx, out.reason); err != nil {
			m.logf("failed to notify worker: %v", err)
		}
	}

	summary := db.RunSummary{Status: out.status, Samples: res.Samples, Cycles: res.Cycles}
	if out.status != db.RunCompleted && !errors.Is(loopErr, context.Canceled) {
		summary.Err = loopErr
	}
	if runID != "" {
		if err := m.opts.Recorder.EndRun(context.WithoutCancel(ctx), runID, summary); err != nil {
			m.logf("failed to record run end: %v", err)
		}
	}
	m.logf("run ended (%s) after %d samples and %d cycles", out.status, res.Samples, res.Cycles)
	return res, out.err
}

func (m *Master) loop(ctx context.Context, gx *detector.Detector, gy *detector.AxisBuffer, res *Result) error {
	var cycle uint32
	for {
		if gy.Full() {
			m.logf("sample buffers full at %d readings", gy.Len())
			return nil
		}

		sample, err := m.source.ReadSample(ctx)
		if errors.Is(err, serialmux.ErrEndOfStream) {
			m.logf("serial stream ended")
			return nil
		}
		if err != nil {
			return err
		}

		ev, ready, err := gx.Observe(sample.GX)
		if errors.Is(err, detector.ErrBufferExhausted) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := gy.Append(sample.GY); err != nil {
			return err
		}
		res.Samples++
		if !ready {
			continue
		}

		rec := db.Cycle{
			RunID:      res.RunID,
			Cycle:      cycle,
			Sequence:   sample.Sequence,
			GX:         sample.GX,
			GY:         sample.GY,
			GXPrevious: ev.PreviousAverage,
			GXCurrent:  ev.CurrentAverage,
			GXMean:     gx.Buffer().Mean(),
			GYMean:     gy.Mean(),
		}

		decision, err := m.cycler.RunCycle(ctx, cycle, gy.Values(), ev)
		cycle++
		if errors.Is(err, coordinator.ErrCycleAbandoned) {
			rec.Abandoned = true
			m.record(ctx, rec)
			continue
		}
		if err != nil {
			return err
		}

		command, err := actuator.Format(decision)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", rec.Cycle, err)
		}
		if err := m.source.WriteCommand(command); err != nil {
			return fmt.Errorf("cycle %d: %w", rec.Cycle, err)
		}
		res.Cycles++

		if decision.DX == motion.FlagChanged || decision.DY == motion.FlagChanged {
			m.logf("cycle %d: motion %s (gx %.2f -> %.2f)", rec.Cycle, decision, ev.PreviousAverage, ev.CurrentAverage)
		}

		m.publish(ctx, rec.Cycle, decision)
		rec.DX, rec.DY, rec.Command = decision.DX, decision.DY, command
		m.record(ctx, rec)
	}
}

// publish hands the sealed Decision to the sink, waiting at most
// PublishTimeout. Failures and timeouts are logged only; the actuator command
// has already been written.
func (m *Master) publish(ctx context.Context, cycle uint32, d motion.Decision) {
	if m.opts.Codec == nil || m.opts.Sink == nil {
		return
	}
	f, err := m.opts.Codec.Seal(framecodec.Message{
		Type:  framecodec.TypeDecision,
		Cycle: cycle,
		Body:  framecodec.EncodeDecision(d),
	})
	if err != nil {
		m.logf("cycle %d: failed to seal decision: %v", cycle, err)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.opts.PublishTimeout)
	defer cancel()
	if err := m.opts.Sink.Publish(pctx, f); err != nil {
		m.logf("cycle %d: failed to publish decision: %v", cycle, err)
	}
}

func (m *Master) record(ctx context.Context, c db.Cycle) {
	if c.RunID == "" {
		return
	}
	if err := m.opts.Recorder.RecordCycle(ctx, c); err != nil {
		m.logf("cycle %d: failed to record: %v", c.Cycle, err)
	}
}
