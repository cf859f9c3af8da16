package db

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/motion.relay/internal/monitoring"
	"github.com/banshee-data/motion.relay/internal/motion"
	"github.com/banshee-data/motion.relay/internal/timeutil"
)

func newTestDB(t *testing.T) (*DB, *timeutil.MockClock) {
	t.Helper()
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })

	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := timeutil.NewMockClock(time.UnixMilli(1_700_000_000_000))
	db.SetClock(clock)
	return db, clock
}

var testInfo = RunInfo{Role: "master", WindowSize: 10, GXThreshold: 200, GYThreshold: 50, MaxSamples: 500}

func TestRunLifecycle(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()

	id, err := db.StartRun(ctx, testInfo)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	run, err := db.Run(ctx, id)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != RunRunning || run.EndedAt != nil {
		t.Errorf("new run = %+v, want running with no end", run)
	}
	if diff := cmp.Diff(testInfo, run.RunInfo); diff != "" {
		t.Errorf("RunInfo mismatch (-want +got):\n%s", diff)
	}

	clock.Advance(5 * time.Second)
	if err := db.EndRun(ctx, id, RunSummary{Status: RunFailed, Samples: 40, Cycles: 30, Err: errors.New("serial i/o error")}); err != nil {
		t.Fatalf("EndRun() error = %v", err)
	}

	run, err = db.Run(ctx, id)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != RunFailed || run.Samples != 40 || run.Cycles != 30 || run.Error != "serial i/o error" {
		t.Errorf("ended run = %+v", run)
	}
	if run.EndedAt == nil || run.EndedAt.Sub(run.StartedAt) != 5*time.Second {
		t.Errorf("EndedAt = %v, StartedAt = %v", run.EndedAt, run.StartedAt)
	}
}

func TestEndRun_Unknown(t *testing.T) {
	db, _ := newTestDB(t)
	err := db.EndRun(context.Background(), "missing", RunSummary{Status: RunCompleted})
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("EndRun() error = %v, want ErrRunNotFound", err)
	}
	if _, err := db.Run(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Run() error = %v, want ErrRunNotFound", err)
	}
}

func TestRecordCycles(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()

	id, err := db.StartRun(ctx, testInfo)
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	want := []Cycle{
		{RunID: id, Cycle: 0, Sequence: 10, GX: -1351, GY: 1068, GXMean: -1351, GYMean: 1068,
			DX: motion.FlagInsufficient, DY: motion.FlagInsufficient, Command: "dx -1 dy -1 \n"},
		{RunID: id, Cycle: 1, Sequence: 11, GX: 5, GY: 50, GXPrevious: 1, GXCurrent: 2.5,
			DX: motion.FlagSteady, DY: motion.FlagChanged, Command: "dx 0 dy 1 \n"},
		{RunID: id, Cycle: 2, Sequence: 12, Abandoned: true},
	}
	for i := range want {
		want[i].RecordedAt = clock.Now()
		if err := db.RecordCycle(ctx, want[i]); err != nil {
			t.Fatalf("RecordCycle(%d) error = %v", i, err)
		}
		clock.Advance(100 * time.Millisecond)
	}

	got, err := db.Cycles(ctx, id)
	if err != nil {
		t.Fatalf("Cycles() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cycles mismatch (-want +got):\n%s", diff)
	}

	// a cycle number may only be recorded once per run
	if err := db.RecordCycle(ctx, want[0]); err == nil {
		t.Error("expected duplicate cycle to be rejected")
	}
}

func TestRecordCycle_RequiresRun(t *testing.T) {
	db, _ := newTestDB(t)
	if err := db.RecordCycle(context.Background(), Cycle{RunID: "nope"}); err == nil {
		t.Error("expected foreign key violation")
	}
}

func TestRunsAndLatestRun(t *testing.T) {
	db, clock := newTestDB(t)
	ctx := context.Background()

	var ids []string
	for _, role := range []string{"master", "worker", "master"} {
		info := testInfo
		info.Role = role
		id, err := db.StartRun(ctx, info)
		if err != nil {
			t.Fatalf("StartRun() error = %v", err)
		}
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	runs, err := db.Runs(ctx, 2)
	if err != nil {
		t.Fatalf("Runs() error = %v", err)
	}
	if len(runs) != 2 || runs[0].ID != ids[2] || runs[1].ID != ids[1] {
		t.Errorf("Runs(2) returned %d runs, newest %v", len(runs), runs)
	}

	latest, err := db.LatestRun(ctx, "master")
	if err != nil {
		t.Fatalf("LatestRun() error = %v", err)
	}
	if latest.ID != ids[2] {
		t.Errorf("LatestRun() = %s, want %s", latest.ID, ids[2])
	}

	if _, err := db.LatestRun(ctx, "idle"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("LatestRun(idle) error = %v, want ErrRunNotFound", err)
	}
}

func TestMigrations(t *testing.T) {
	db, _ := newTestDB(t)

	latest, err := LatestMigrationVersion()
	if err != nil {
		t.Fatalf("LatestMigrationVersion() error = %v", err)
	}
	if latest != 2 {
		t.Errorf("LatestMigrationVersion() = %d, want 2", latest)
	}

	version, dirty, err := db.MigrateVersion()
	if err != nil || version != latest || dirty {
		t.Fatalf("MigrateVersion() = %d, %v, %v", version, dirty, err)
	}

	if err := db.MigrateDown(); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if version, _, _ := db.MigrateVersion(); version != 1 {
		t.Errorf("version after down = %d, want 1", version)
	}

	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp() error = %v", err)
	}
	// a second run has nothing to do
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("MigrateUp() again error = %v", err)
	}

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM cycle_changes`).Scan(&n); err != nil {
		t.Fatalf("query view: %v", err)
	}
}

func TestRunMigrateCommand(t *testing.T) {
	prev := monitoring.Logf
	monitoring.SetLogger(nil)
	defer monitoring.SetLogger(prev)

	path := filepath.Join(t.TempDir(), "cli.db")

	tests := []struct {
		name     string
		args     []string
		wantErr  error
		contains string
	}{
		{name: "no args", args: nil, wantErr: ErrUsage, contains: "Usage: motion-relay migrate"},
		{name: "help", args: []string{"help"}, contains: "Commands:"},
		{name: "status before migrating", args: []string{"status"}, contains: "2 pending migration(s)"},
		{name: "up", args: []string{"up"}, contains: "Current version: 2"},
		{name: "version", args: []string{"version", "1"}, contains: "Current version: 1"},
		{name: "bad version", args: []string{"version", "x"}, wantErr: ErrUsage},
		{name: "force without version", args: []string{"force"}, wantErr: ErrUsage},
		{name: "force", args: []string{"force", "2"}, contains: "Current version: 2"},
		{name: "unknown", args: []string{"sideways"}, wantErr: ErrUsage, contains: "Unknown migrate action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := RunMigrateCommand(tt.args, path, &out)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("RunMigrateCommand(%v) error = %v, want %v", tt.args, err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("RunMigrateCommand(%v) error = %v", tt.args, err)
			}
			if tt.contains != "" && !bytes.Contains(out.Bytes(), []byte(tt.contains)) {
				t.Errorf("output %q does not contain %q", out.String(), tt.contains)
			}
		})
	}
}
