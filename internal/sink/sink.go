// Package sink hands sealed actuator decisions to downstream consumers.
package sink

import (
	"context"
	"time"

	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/monitoring"
)

// DefaultPublishTimeout bounds a single Publish when the caller sets no
// deadline of its own.
const DefaultPublishTimeout = 2 * time.Second

// Sink receives every decision the Master applies, as a sealed frame in the
// same wire format used between the two roles.
type Sink interface {
	Publish(ctx context.Context, f framecodec.Frame) error
	Close() error
}

// LogSink records published frames in the diagnostic log. It is used when no
// broker is configured.
type LogSink struct {
	logf func(string, ...interface{})
}

func NewLogSink() *LogSink {
	return &LogSink{logf: monitoring.Prefixed("sink")}
}

func (s *LogSink) Publish(_ context.Context, f framecodec.Frame) error {
	s.logf("%s frame, %d sealed bytes", f.Type, len(f.Ciphertext))
	return nil
}

func (s *LogSink) Close() error { return nil }
