package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/motion.relay/internal/db"
	"github.com/banshee-data/motion.relay/internal/monitoring"
)

// RunStore is the read side of the run history. *db.DB implements it.
type RunStore interface {
	Run(ctx context.Context, runID string) (db.Run, error)
	LatestRun(ctx context.Context, role string) (db.Run, error)
	Cycles(ctx context.Context, runID string) ([]db.Cycle, error)
}

// AttachAdminRoutes mounts the cycle charts on the tsweb debugger. Both
// routes take ?run=<id> and default to the latest master run.
func AttachAdminRoutes(mux *http.ServeMux, store RunStore) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("cycles-chart", "Chart of the latest run's cycles", func(w http.ResponseWriter, r *http.Request) {
		run, cycles, ok := loadRun(w, r, store)
		if !ok {
			return
		}
		var buf bytes.Buffer
		if err := RenderCyclesChart(&buf, run, cycles); err != nil {
			http.Error(w, fmt.Sprintf("failed to render chart: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})

	debug.HandleSilentFunc("cycles-plot", func(w http.ResponseWriter, r *http.Request) {
		run, cycles, ok := loadRun(w, r, store)
		if !ok {
			return
		}
		var buf bytes.Buffer
		if err := WritePNG(&buf, "Run "+run.ID, cycles); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrNoCycles) {
				status = http.StatusNotFound
			}
			http.Error(w, fmt.Sprintf("failed to plot run: %v", err), status)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	})
}

func loadRun(w http.ResponseWriter, r *http.Request, store RunStore) (db.Run, []db.Cycle, bool) {
	ctx := r.Context()
	var (
		run db.Run
		err error
	)
	if id := r.URL.Query().Get("run"); id != "" {
		run, err = store.Run(ctx, id)
	} else {
		run, err = store.LatestRun(ctx, "master")
	}
	if errors.Is(err, db.ErrRunNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return db.Run{}, nil, false
	}
	if err != nil {
		monitoring.Logf("monitor: failed to load run: %v", err)
		http.Error(w, fmt.Sprintf("failed to load run: %v", err), http.StatusInternalServerError)
		return db.Run{}, nil, false
	}

	cycles, err := store.Cycles(ctx, run.ID)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to load cycles: %v", err), http.StatusInternalServerError)
		return db.Run{}, nil, false
	}
	return run, cycles, true
}
