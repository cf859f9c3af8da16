package coordinator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/motion.relay/internal/actuator"
	"github.com/banshee-data/motion.relay/internal/detector"
	"github.com/banshee-data/motion.relay/internal/framecodec"
	"github.com/banshee-data/motion.relay/internal/monitoring"
	"github.com/banshee-data/motion.relay/internal/motion"
)

func quietLogs(t *testing.T) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func testCodec(t *testing.T, seed byte) *framecodec.Codec {
	t.Helper()
	var key framecodec.Key
	for i := range key {
		key[i] = seed + byte(i)
	}
	c, err := framecodec.NewCodec(key, nil)
	require.NoError(t, err)
	return c
}

var gyParams = detector.Params{WindowSize: 10, Threshold: 25, MaxSamples: detector.DefaultMaxSamples}

// startWorker serves a Worker on one end of a pipe and returns a link to the
// other end plus the Worker's exit error.
func startWorker(t *testing.T, ctx context.Context, workerCodec, masterCodec *framecodec.Codec, stats *monitoring.Stats) (*Link, <-chan error) {
	t.Helper()
	masterConn, workerConn := net.Pipe()
	t.Cleanup(func() { masterConn.Close() })

	w, err := NewWorker(NewLink(workerConn, workerCodec), gyParams, time.Second, stats)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	return NewLink(masterConn, masterCodec), done
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not return")
		return nil
	}
}

func stepSeries() []int32 {
	gy := make([]int32, 0, 22)
	for i := 0; i < 11; i++ {
		gy = append(gy, 1)
	}
	for i := 0; i < 11; i++ {
		gy = append(gy, 50)
	}
	return gy
}

func TestRunCycle_EndToEnd(t *testing.T) {
	quietLogs(t)
	codec := testCodec(t, 1)
	stats := &monitoring.Stats{}
	link, done := startWorker(t, context.Background(), codec, codec, stats)

	m := NewMaster(link, time.Second, stats)
	gx := detector.ChangeEvent{Axis: motion.AxisGX, Index: 21, PreviousAverage: 3, CurrentAverage: 4}

	d, err := m.RunCycle(context.Background(), 11, stepSeries(), gx)
	require.NoError(t, err)
	assert.Equal(t, motion.Decision{DX: motion.FlagSteady, DY: motion.FlagChanged}, d)

	cmd, err := actuator.Format(d)
	require.NoError(t, err)
	assert.Equal(t, "dx 0 dy 1 \n", cmd)
	assert.EqualValues(t, 1, stats.CyclesCompleted.Load())

	require.NoError(t, m.Shutdown(context.Background(), framecodec.ReasonEndOfRun))
	assert.NoError(t, waitServe(t, done))
}

func TestRunCycle_InsufficientHistory(t *testing.T) {
	quietLogs(t)
	codec := testCodec(t, 1)
	link, done := startWorker(t, context.Background(), codec, codec, &monitoring.Stats{})
	m := NewMaster(link, time.Second, &monitoring.Stats{})

	tests := []struct {
		name string
		gy   []int32
		gx   detector.ChangeEvent
		want motion.Decision
	}{
		{
			name: "worker still filling",
			gy:   make([]int32, 5),
			gx:   detector.ChangeEvent{Insufficient: true},
			want: motion.Decision{DX: motion.FlagInsufficient, DY: motion.FlagInsufficient},
		},
		{
			name: "previous window incomplete",
			gy:   make([]int32, 15),
			gx:   detector.ChangeEvent{Triggered: true},
			want: motion.Decision{DX: motion.FlagChanged, DY: motion.FlagInsufficient},
		},
		{
			name: "steady",
			gy:   make([]int32, 21),
			gx:   detector.ChangeEvent{},
			want: motion.Decision{DX: motion.FlagSteady, DY: motion.FlagSteady},
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := m.RunCycle(context.Background(), uint32(i), tt.gy, tt.gx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}

	require.NoError(t, m.Shutdown(context.Background(), framecodec.ReasonEndOfRun))
	assert.NoError(t, waitServe(t, done))
}

func TestWorker_AbortsUnauthenticatedRequest(t *testing.T) {
	quietLogs(t)
	codec := testCodec(t, 1)
	stats := &monitoring.Stats{}
	link, done := startWorker(t, context.Background(), codec, codec, stats)

	rogue := &Link{conn: link.conn, codec: testCodec(t, 99), SendTimeout: time.Second}
	body, err := framecodec.EncodeSampleBuffer(stepSeries())
	require.NoError(t, err)
	require.NoError(t, rogue.Send(context.Background(), framecodec.Message{Type: framecodec.TypeSampleBuffer, Cycle: 7, Body: body}))

	reply, err := link.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, framecodec.TypeAbort, reply.Type)
	assert.EqualValues(t, 1, stats.AuthFailures.Load())

	// the worker keeps serving authentic requests
	m := NewMaster(link, time.Second, stats)
	d, err := m.RunCycle(context.Background(), 8, stepSeries(), detector.ChangeEvent{})
	require.NoError(t, err)
	assert.Equal(t, motion.FlagChanged, d.DY)

	require.NoError(t, m.Shutdown(context.Background(), framecodec.ReasonEndOfRun))
	assert.NoError(t, waitServe(t, done))
}

func TestRunCycle_MismatchedKeysAbandonCycle(t *testing.T) {
	quietLogs(t)
	masterStats, workerStats := &monitoring.Stats{}, &monitoring.Stats{}
	link, _ := startWorker(t, context.Background(), testCodec(t, 1), testCodec(t, 2), workerStats)
	m := NewMaster(link, time.Second, masterStats)

	_, err := m.RunCycle(context.Background(), 0, stepSeries(), detector.ChangeEvent{})
	require.ErrorIs(t, err, ErrCycleAbandoned)
	assert.EqualValues(t, 1, workerStats.AuthFailures.Load())
	assert.EqualValues(t, 1, masterStats.AuthFailures.Load())
	assert.EqualValues(t, 1, masterStats.CyclesAbandoned.Load())
}

// fakeWorker answers a single request with reply.
func fakeWorker(t *testing.T, codec *framecodec.Codec, reply func(req framecodec.Message) framecodec.Message) *Link {
	t.Helper()
	masterConn, workerConn := net.Pipe()
	t.Cleanup(func() {
		masterConn.Close()
		workerConn.Close()
	})
	peer := NewLink(workerConn, codec)
	go func() {
		req, err := peer.Receive(context.Background(), 5*time.Second)
		if err != nil {
			return
		}
		peer.Send(context.Background(), reply(req))
	}()
	return NewLink(masterConn, codec)
}

func TestRunCycle_ReplyHandling(t *testing.T) {
	quietLogs(t)
	codec := testCodec(t, 3)

	tests := []struct {
		name    string
		reply   func(req framecodec.Message) framecodec.Message
		wantErr error
	}{
		{
			name: "abort",
			reply: func(req framecodec.Message) framecodec.Message {
				return framecodec.Message{Type: framecodec.TypeAbort}
			},
			wantErr: ErrCycleAbandoned,
		},
		{
			name: "stale cycle",
			reply: func(req framecodec.Message) framecodec.Message {
				return framecodec.Message{Type: framecodec.TypeTriggerResult, Cycle: req.Cycle + 1, Body: framecodec.EncodeTrigger(motion.FlagSteady)}
			},
			wantErr: ErrProtocol,
		},
		{
			name: "bad trigger body",
			reply: func(req framecodec.Message) framecodec.Message {
				return framecodec.Message{Type: framecodec.TypeTriggerResult, Cycle: req.Cycle}
			},
			wantErr: ErrProtocol,
		},
		{
			name: "unexpected type",
			reply: func(req framecodec.Message) framecodec.Message {
				return framecodec.Message{Type: framecodec.TypeSampleBuffer, Cycle: req.Cycle, Body: req.Body}
			},
			wantErr: ErrProtocol,
		},
		{
			name: "peer shutdown",
			reply: func(req framecodec.Message) framecodec.Message {
				return framecodec.Message{Type: framecodec.TypeShutdown, Cycle: req.Cycle, Body: framecodec.EncodeShutdown(framecodec.ReasonCancelled)}
			},
			wantErr: ErrPeerShutdown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMaster(fakeWorker(t, codec, tt.reply), time.Second, &monitoring.Stats{})
			_, err := m.RunCycle(context.Background(), 4, make([]int32, 21), detector.ChangeEvent{})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRunCycle_ClosedPeerIsIOError(t *testing.T) {
	codec := testCodec(t, 1)
	masterConn, workerConn := net.Pipe()
	defer masterConn.Close()
	workerConn.Close()

	m := NewMaster(NewLink(masterConn, codec), time.Second, &monitoring.Stats{})
	_, err := m.RunCycle(context.Background(), 0, make([]int32, 21), detector.ChangeEvent{})
	assert.ErrorIs(t, err, ErrIO)
}

func TestRunCycle_WorkerSilentTimesOut(t *testing.T) {
	codec := testCodec(t, 1)
	link := fakeWorker(t, codec, func(req framecodec.Message) framecodec.Message {
		time.Sleep(300 * time.Millisecond)
		return framecodec.Message{Type: framecodec.TypeAbort}
	})
	m := NewMaster(link, 50*time.Millisecond, &monitoring.Stats{})

	_, err := m.RunCycle(context.Background(), 0, make([]int32, 21), detector.ChangeEvent{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrIO)
}

func TestWorker_CancelNotifiesMaster(t *testing.T) {
	quietLogs(t)
	codec := testCodec(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	link, done := startWorker(t, ctx, codec, codec, &monitoring.Stats{})

	time.Sleep(20 * time.Millisecond)
	cancel()

	msg, err := link.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, framecodec.TypeShutdown, msg.Type)
	reason, err := framecodec.DecodeShutdown(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, framecodec.ReasonCancelled, reason)

	assert.ErrorIs(t, waitServe(t, done), context.Canceled)
}

func TestWorker_UnexpectedRequestIsFatal(t *testing.T) {
	quietLogs(t)
	codec := testCodec(t, 1)
	link, done := startWorker(t, context.Background(), codec, codec, &monitoring.Stats{})

	require.NoError(t, link.Send(context.Background(), framecodec.Message{
		Type: framecodec.TypeTriggerResult, Cycle: 1, Body: framecodec.EncodeTrigger(motion.FlagSteady),
	}))

	msg, err := link.Receive(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, framecodec.TypeShutdown, msg.Type)
	assert.ErrorIs(t, waitServe(t, done), ErrProtocol)
}

func TestWorker_RejectsCyclesThatDoNotAdvance(t *testing.T) {
	quietLogs(t)
	codec := testCodec(t, 1)
	body, err := framecodec.EncodeSampleBuffer(stepSeries())
	require.NoError(t, err)

	tests := []struct {
		name   string
		cycles []uint32
	}{
		{"older cycle", []uint32{7, 3}},
		{"repeated cycle", []uint32{7, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link, done := startWorker(t, context.Background(), codec, codec, &monitoring.Stats{})
			ctx := context.Background()

			require.NoError(t, link.Send(ctx, framecodec.Message{Type: framecodec.TypeSampleBuffer, Cycle: tt.cycles[0], Body: body}))
			reply, err := link.Receive(ctx, 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, framecodec.TypeTriggerResult, reply.Type)
			assert.Equal(t, tt.cycles[0], reply.Cycle)

			require.NoError(t, link.Send(ctx, framecodec.Message{Type: framecodec.TypeSampleBuffer, Cycle: tt.cycles[1], Body: body}))
			reply, err = link.Receive(ctx, 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, framecodec.TypeShutdown, reply.Type)
			reason, err := framecodec.DecodeShutdown(reply.Body)
			require.NoError(t, err)
			assert.Equal(t, framecodec.ReasonFatal, reason)

			assert.ErrorIs(t, waitServe(t, done), ErrProtocol)
		})
	}
}

func TestWorker_MasterGoneIsIOError(t *testing.T) {
	quietLogs(t)
	codec := testCodec(t, 1)
	link, done := startWorker(t, context.Background(), codec, codec, &monitoring.Stats{})
	require.NoError(t, link.Close())

	err := waitServe(t, done)
	assert.True(t, errors.Is(err, ErrIO), "Serve() error = %v, want ErrIO", err)
}

func TestNewWorker_RejectsBadParams(t *testing.T) {
	a, _ := net.Pipe()
	defer a.Close()
	_, err := NewWorker(NewLink(a, testCodec(t, 1)), detector.Params{WindowSize: 0}, 0, nil)
	assert.Error(t, err)
}
