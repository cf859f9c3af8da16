// Package relay runs the Master and Worker process loops: serial samples in,
// one coordinated detection cycle per sample, actuator commands out.
package relay

import (
	"context"
	"errors"

	"github.com/banshee-data/motion.relay/internal/coordinator"
	"github.com/banshee-data/motion.relay/internal/db"
	"github.com/banshee-data/motion.relay/internal/detector"
	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/motion"
)

// SampleSource is the serial side of the Master. serialmux.SerialMux
// implements it.
type SampleSource interface {
	ReadSample(ctx context.Context) (motion.Sample, error)
	WriteCommand(command string) error
}

// Cycler exchanges one cycle with the Worker. coordinator.Master implements
// it.
type Cycler interface {
	RunCycle(ctx context.Context, cycle uint32, gy []int32, gx detector.ChangeEvent) (motion.Decision, error)
	Shutdown(ctx context.Context, reason framecodec.ShutdownReason) error
}

// Recorder keeps the history of runs. *db.DB implements it.
type Recorder interface {
	StartRun(ctx context.Context, info db.RunInfo) (string, error)
	RecordCycle(ctx context.Context, c db.Cycle) error
	EndRun(ctx context.Context, runID string, s db.RunSummary) error
}

type nopRecorder struct{}

func (nopRecorder) StartRun(context.Context, db.RunInfo) (string, error) { return "", nil }
func (nopRecorder) RecordCycle(context.Context, db.Cycle) error          { return nil }
func (nopRecorder) EndRun(context.Context, string, db.RunSummary) error  { return nil }

// outcome classifies how a loop ended.
type outcome struct {
	status db.RunStatus
	reason framecodec.ShutdownReason
	notify bool
	err    error
}

// classify maps the error a loop stopped with onto the run status, the
// shutdown reason sent to the peer and the error returned to the caller.
// Clean ends and cancellation are not errors.
func classify(ctx context.Context, err error) outcome {
	switch {
	case err == nil:
		return outcome{status: db.RunCompleted, reason: framecodec.ReasonEndOfRun, notify: true}
	case ctx.Err() != nil:
		return outcome{status: db.RunCancelled, reason: framecodec.ReasonCancelled, notify: true}
	case errors.Is(err, coordinator.ErrPeerShutdown):
		return outcome{status: db.RunCancelled}
	default:
		return outcome{status: db.RunFailed, reason: framecodec.ReasonFatal, notify: true, err: err}
	}
}
