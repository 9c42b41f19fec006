package engine

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"redstone/internal/domain"
	"redstone/internal/events"
	"redstone/internal/store"
)

// statsWorkers bounds concurrent per-run stats queries when listing runs.
const statsWorkers = 4

type RunStartOptions struct {
	Name      string
	ProjectID string
}

func (o RunStartOptions) Validate() error {
	return required("name", strings.TrimSpace(o.Name), maxName)
}

// StartRun opens a run in the running state.
func (e Engine) StartRun(ctx context.Context, opts RunStartOptions) (domain.Run, error) {
	if err := opts.Validate(); err != nil {
		return domain.Run{}, err
	}
	run := domain.Run{
		Name:      strings.TrimSpace(opts.Name),
		Status:    domain.RunRunning,
		StartTime: e.now(),
	}
	if opts.ProjectID != "" {
		pid := opts.ProjectID
		run.ProjectID = &pid
	}
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		if run.ProjectID != nil {
			if _, err := tx.GetProject(ctx, *run.ProjectID); err != nil {
				return asParent(err, domain.KindProject, *run.ProjectID)
			}
		}
		if err := tx.InsertRun(ctx, &run); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.RunStarted, domain.KindRun, run.ID, events.EventPayload{"name": run.Name})
	})
	if err != nil {
		return domain.Run{}, err
	}
	e.log().Info("run started", "id", run.ID, "name", run.Name)
	return run, nil
}

func (e Engine) GetRun(ctx context.Context, id string) (domain.RunSummary, error) {
	var out domain.RunSummary
	err := e.Store.View(ctx, func(r store.Reader) error {
		run, err := r.GetRun(ctx, id)
		if err != nil {
			return err
		}
		st, err := e.stats().RunStats(ctx, r, run)
		out = domain.RunSummary{Run: run, Stats: st}
		return err
	})
	return out, err
}

type RunListOptions struct {
	ProjectID string
	Limit     int
}

// ListRuns returns runs newest first with their live stats. Stats for each
// run are computed in their own read transaction.
func (e Engine) ListRuns(ctx context.Context, opts RunListOptions) ([]domain.RunSummary, error) {
	if opts.Limit < 0 {
		return nil, domain.Invalid("limit", "must not be negative")
	}
	var runs []domain.Run
	err := e.Store.View(ctx, func(r store.Reader) error {
		var err error
		runs, err = r.ListRuns(ctx, store.RunFilter{ProjectID: opts.ProjectID, Limit: opts.Limit})
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.RunSummary, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(statsWorkers)
	for i, run := range runs {
		g.Go(func() error {
			return e.Store.View(gctx, func(r store.Reader) error {
				st, err := e.stats().RunStats(gctx, r, run)
				out[i] = domain.RunSummary{Run: run, Stats: st}
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// FinishRun completes a running run and returns the final stats, computed in
// the same transaction as the transition.
func (e Engine) FinishRun(ctx context.Context, id string) (domain.RunSummary, error) {
	var out domain.RunSummary
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		run, err := e.transition(ctx, tx, id, domain.RunCompleted)
		if err != nil {
			return err
		}
		st, err := e.stats().RunStats(ctx, tx, run)
		if err != nil {
			return err
		}
		out = domain.RunSummary{Run: run, Stats: st}
		return e.emit(ctx, tx, events.RunFinished, domain.KindRun, id, events.EventPayload{
			"test_count":   st.TestCount,
			"passed":       st.Passed,
			"failed":       st.Failed,
			"skipped":      st.Skipped,
			"success_rate": st.SuccessRate,
		})
	})
	if err != nil {
		return domain.RunSummary{}, err
	}
	e.log().Info("run finished", "id", id, "tests", out.Stats.TestCount, "success_rate", out.Stats.SuccessRate)
	return out, nil
}

// AbortRun ends a running run without completing it.
func (e Engine) AbortRun(ctx context.Context, id string) (domain.Run, error) {
	var run domain.Run
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		var err error
		run, err = e.transition(ctx, tx, id, domain.RunAborted)
		if err != nil {
			return err
		}
		return e.emit(ctx, tx, events.RunAborted, domain.KindRun, id, nil)
	})
	if err != nil {
		return domain.Run{}, err
	}
	e.log().Warn("run aborted", "id", id)
	return run, nil
}

// transition moves a running run to a terminal status and stamps end_time.
func (e Engine) transition(ctx context.Context, tx store.Tx, id string, to domain.RunStatus) (domain.Run, error) {
	run, err := tx.GetRun(ctx, id)
	if err != nil {
		return domain.Run{}, err
	}
	if run.Status.Terminal() {
		return domain.Run{}, domain.InvalidState(domain.KindRun, id, "already "+string(run.Status))
	}
	end := e.now()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.Status = to
	run.EndTime = &end
	if err := tx.UpdateRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

// Checkpoint lists the distinct case names recorded for a run so a restarted
// runner can skip them. It answers in every run state.
func (e Engine) Checkpoint(ctx context.Context, runID string) (domain.Checkpoint, error) {
	cp := domain.Checkpoint{RunID: runID}
	err := e.Store.View(ctx, func(r store.Reader) error {
		if _, err := r.GetRun(ctx, runID); err != nil {
			return err
		}
		var err error
		cp.CompletedTestNames, err = r.CaseNames(ctx, runID)
		return err
	})
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if cp.CompletedTestNames == nil {
		cp.CompletedTestNames = []string{}
	}
	cp.TotalCompleted = len(cp.CompletedTestNames)
	return cp, nil
}

// DeleteRun removes a run with its cases and steps, then their screenshots.
func (e Engine) DeleteRun(ctx context.Context, id string) error {
	var shots []string
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRun(ctx, id); err != nil {
			return err
		}
		cases, err := tx.ListCases(ctx, store.CaseFilter{RunID: id})
		if err != nil {
			return err
		}
		for _, c := range cases {
			if c.ScreenshotPath != "" {
				shots = append(shots, c.ScreenshotPath)
			}
		}
		if err := tx.DeleteRun(ctx, id); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.RunDeleted, domain.KindRun, id, events.EventPayload{"cases": len(cases)})
	})
	if err != nil {
		return err
	}
	for _, p := range shots {
		e.removeArtifact(ctx, p)
	}
	e.log().Info("run deleted", "id", id, "screenshots", len(shots))
	return nil
}

func (e Engine) GlobalStats(ctx context.Context) (domain.GlobalStats, error) {
	var out domain.GlobalStats
	err := e.Store.View(ctx, func(r store.Reader) error {
		var err error
		out, err = e.stats().GlobalStats(ctx, r)
		return err
	})
	return out, err
}
