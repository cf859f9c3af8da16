package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/motion.relay/internal/motion"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)

// RunInfo is the configuration a run was started with.
type RunInfo struct {
	Role        string
	WindowSize  int
	GXThreshold float64
	GYThreshold float64
	MaxSamples  int
}

// RunSummary is written when a run ends.
type RunSummary struct {
	Status  RunStatus
	Samples int
	Cycles  int
	Err     error
}

type Run struct {
	ID        string     `json:"run_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    RunStatus  `json:"status"`
	Samples   int        `json:"samples"`
	Cycles    int        `json:"cycles"`
	Error     string     `json:"error,omitempty"`
	RunInfo
}

// Cycle is one Master decision, or an abandoned attempt at one.
type Cycle struct {
	RunID      string      `json:"run_id"`
	Cycle      uint32      `json:"cycle"`
	Sequence   uint32      `json:"sequence"`
	GX         int32       `json:"gx"`
	GY         int32       `json:"gy"`
	GXPrevious float64     `json:"gx_previous"`
	GXCurrent  float64     `json:"gx_current"`
	GXMean     float64     `json:"gx_mean"`
	GYMean     float64     `json:"gy_mean"`
	DX         motion.Flag `json:"dx"`
	DY         motion.Flag `json:"dy"`
	Command    string      `json:"command"`
	Abandoned  bool        `json:"abandoned"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// StartRun inserts a new run in the running state and returns its ID.
func (db *DB) StartRun(ctx context.Context, info RunInfo) (string, error) {
	id := uuid.New().String()
	_, err := db.ExecContext(ctx, `
		INSERT INTO runs (run_id, role, started_at, status, window_size, gx_threshold, gy_threshold, max_samples)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, info.Role, db.clock.Now().UnixMilli(), RunRunning,
		info.WindowSize, info.GXThreshold, info.GYThreshold, info.MaxSamples,
	)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// RecordCycle stores c. RecordedAt defaults to now.
func (db *DB) RecordCycle(ctx context.Context, c Cycle) error {
	if c.RecordedAt.IsZero() {
		c.RecordedAt = db.clock.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO cycles (
			run_id, cycle, sequence, gx, gy, gx_previous, gx_current, gx_mean, gy_mean,
			dx, dy, command, abandoned, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Cycle, c.Sequence, c.GX, c.GY, c.GXPrevious, c.GXCurrent, c.GXMean, c.GYMean,
		int(c.DX), int(c.DY), c.Command, c.Abandoned, c.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record cycle %d: %w", c.Cycle, err)
	}
	return nil
}

// EndRun closes the run with its final status.
func (db *DB) EndRun(ctx context.Context, runID string, s RunSummary) error {
	var errText sql.NullString
	if s.Err != nil {
		errText = sql.NullString{String: s.Err.Error(), Valid: true}
	}
	res, err := db.ExecContext(ctx, `
		UPDATE runs SET ended_at = ?, status = ?, samples = ?, cycles = ?, error = ?
		WHERE run_id = ?`,
		db.clock.Now().UnixMilli(), s.Status, s.Samples, s.Cycles, errText, runID,
	)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

const runColumns = `run_id, role, started_at, ended_at, status, window_size, gx_threshold,
	gy_threshold, max_samples, samples, cycles, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		r         Run
		startedAt int64
		endedAt   sql.NullInt64
		errText   sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Role, &startedAt, &endedAt, &r.Status, &r.WindowSize,
		&r.GXThreshold, &r.GYThreshold, &r.MaxSamples, &r.Samples, &r.Cycles, &errText); err != nil {
		return Run{}, err
	}
	r.StartedAt = time.UnixMilli(startedAt)
	if endedAt.Valid {
		t := time.UnixMilli(endedAt.Int64)
		r.EndedAt = &t
	}
	r.Error = errText.String
	return r, nil
}

// Run returns a single run.
func (db *DB) Run(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// Runs lists the most recent runs first.
func (db *DB) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recently started run of the given role.
func (db *DB) LatestRun(ctx context.Context, role string) (Run, error) {
	r, err := scanRun(db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE role = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, role))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("no %s run: %w", role, ErrRunNotFound)
	}
	return r, err
}

// Cycles returns every cycle of a run in order.
func (db *DB) Cycles(ctx context.Context, runID string) ([]Cycle, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT run_id, cycle, sequence, gx, gy, gx_previous, gx_current, gx_mean, gy_mean,
			dx, dy, command, abandoned, recorded_at
		FROM cycles WHERE run_id = ? ORDER BY cycle`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var (
			c          Cycle
			dx, dy     int
			recordedAt int64
		)
		if err := rows.Scan(&c.RunID, &c.Cycle, &c.Sequence, &c.GX, &c.GY, &c.GXPrevious, &c.GXCurrent,
			&c.GXMean, &c.GYMean, &dx, &dy, &c.Command, &c.Abandoned, &recordedAt); err != nil {
			return nil, err
		}
		c.DX, c.DY = motion.Flag(dx), motion.Flag(dy)
		c.RecordedAt = time.UnixMilli(recordedAt)
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}
