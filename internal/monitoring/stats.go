package monitoring

import (
	"expvar"
	"sync"
	"sync/atomic"
)

// Stats counts pipeline outcomes. The zero value is ready to use; Publish
// exposes it on /debug/vars.
type Stats struct {
	SamplesAccepted atomic.Int64
	LinesSkipped    atomic.Int64
	CyclesCompleted atomic.Int64
	CyclesAbandoned atomic.Int64
	AuthFailures    atomic.Int64
	CommandsWritten atomic.Int64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	SamplesAccepted int64 `json:"samples_accepted"`
	LinesSkipped    int64 `json:"lines_skipped"`
	CyclesCompleted int64 `json:"cycles_completed"`
	CyclesAbandoned int64 `json:"cycles_abandoned"`
	AuthFailures    int64 `json:"auth_failures"`
	CommandsWritten int64 `json:"commands_written"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		SamplesAccepted: s.SamplesAccepted.Load(),
		LinesSkipped:    s.LinesSkipped.Load(),
		CyclesCompleted: s.CyclesCompleted.Load(),
		CyclesAbandoned: s.CyclesAbandoned.Load(),
		AuthFailures:    s.AuthFailures.Load(),
		CommandsWritten: s.CommandsWritten.Load(),
	}
}

var published sync.Map

// Publish registers s under name in expvar. Publishing the same name twice
// keeps the first registration, since expvar panics on duplicates.
func (s *Stats) Publish(name string) {
	if _, loaded := published.LoadOrStore(name, s); loaded {
		return
	}
	expvar.Publish(name, expvar.Func(func() any { return s.Snapshot() }))
}

// Default is the process-wide counter set.
var Default = &Stats{}
