// Package transfer copies every entity from one store into another, assigning
// fresh ids in the destination and rewriting parent references to match.
package transfer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"redstone/internal/domain"
	"redstone/internal/store"
)

// Report counts what was copied. Dangling references point at rows that no
// longer exist in the source; they are cleared in the destination.
type Report struct {
	Projects               int `json:"projects"`
	Epics                  int `json:"epics"`
	Features               int `json:"features"`
	Definitions            int `json:"definitions"`
	Runs                   int `json:"runs"`
	Cases                  int `json:"cases"`
	Events                 int `json:"events"`
	DanglingDefinitionRefs int `json:"dangling_definition_refs"`
	DanglingProjectRefs    int `json:"dangling_project_refs"`
}

type snapshot struct {
	projects    []domain.Project
	epics       []domain.Epic
	features    []domain.Feature
	definitions []domain.Definition
	runs        []domain.Run
	cases       []domain.Case
	events      []domain.Event
}

// Copy moves the contents of src into dst, which must be empty. The whole
// destination write is one transaction.
func Copy(ctx context.Context, src, dst store.Store, log *slog.Logger) (Report, error) {
	if log == nil {
		log = slog.Default()
	}
	var rep Report
	if err := ensureEmpty(ctx, dst); err != nil {
		return rep, err
	}
	snap, err := export(ctx, src)
	if err != nil {
		return rep, fmt.Errorf("read source: %w", err)
	}
	log.Info("source exported",
		"projects", len(snap.projects), "epics", len(snap.epics), "features", len(snap.features),
		"definitions", len(snap.definitions), "runs", len(snap.runs), "cases", len(snap.cases))

	err = dst.Update(ctx, func(tx store.Tx) error {
		var err error
		rep, err = load(ctx, tx, snap)
		return err
	})
	if err != nil {
		return Report{}, fmt.Errorf("write destination: %w", err)
	}
	if rep.DanglingDefinitionRefs > 0 || rep.DanglingProjectRefs > 0 {
		log.Warn("cleared dangling references", "definition_refs", rep.DanglingDefinitionRefs, "project_refs", rep.DanglingProjectRefs)
	}
	return rep, nil
}

func ensureEmpty(ctx context.Context, s store.Store) error {
	return s.View(ctx, func(r store.Reader) error {
		projects, err := r.ListProjects(ctx)
		if err != nil {
			return err
		}
		runs, err := r.CountRuns(ctx, store.RunFilter{})
		if err != nil {
			return err
		}
		if len(projects) > 0 || runs > 0 {
			return fmt.Errorf("destination store is not empty")
		}
		return nil
	})
}

// export reads each collection in its own read transaction, concurrently.
func export(ctx context.Context, src store.Store) (snapshot, error) {
	var snap snapshot
	g, ctx := errgroup.WithContext(ctx)
	view := func(fn func(store.Reader) error) {
		g.Go(func() error { return src.View(ctx, fn) })
	}
	view(func(r store.Reader) error {
		projects, err := r.ListProjects(ctx)
		if err != nil {
			return err
		}
		snap.projects = projects
		var epics []domain.Epic
		for _, p := range projects {
			items, err := r.ListEpics(ctx, p.ID)
			if err != nil {
				return err
			}
			epics = append(epics, items...)
		}
		snap.epics = epics
		return nil
	})
	view(func(r store.Reader) (err error) {
		snap.features, err = r.ListFeatures(ctx)
		return err
	})
	view(func(r store.Reader) (err error) {
		snap.definitions, err = r.ListDefinitions(ctx, store.DefinitionFilter{})
		return err
	})
	view(func(r store.Reader) (err error) {
		snap.runs, err = r.ListRuns(ctx, store.RunFilter{})
		return err
	})
	view(func(r store.Reader) (err error) {
		snap.cases, err = r.ListCases(ctx, store.CaseFilter{})
		return err
	})
	view(func(r store.Reader) (err error) {
		snap.events, err = r.ListEvents(ctx, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}
	slices.Reverse(snap.events)
	oldestFirst(snap.projects, func(p domain.Project) time.Time { return p.CreatedAt })
	oldestFirst(snap.epics, func(e domain.Epic) time.Time { return e.CreatedAt })
	oldestFirst(snap.features, func(f domain.Feature) time.Time { return f.CreatedAt })
	oldestFirst(snap.definitions, func(d domain.Definition) time.Time { return d.CreatedAt })
	oldestFirst(snap.runs, func(r domain.Run) time.Time { return r.StartTime })
	oldestFirst(snap.cases, func(c domain.Case) time.Time { return c.CreatedAt })
	oldestFirst(snap.events, func(e domain.Event) time.Time { return e.TS })
	return snap, nil
}

func oldestFirst[T any](items []T, at func(T) time.Time) {
	slices.SortStableFunc(items, func(a, b T) int { return cmp.Compare(at(a).UnixNano(), at(b).UnixNano()) })
}

// load inserts parents before children so every reference resolves.
func load(ctx context.Context, tx store.Tx, snap snapshot) (Report, error) {
	var rep Report
	ids := map[domain.Kind]map[string]string{}
	remember := func(kind domain.Kind, oldID, newID string) {
		if ids[kind] == nil {
			ids[kind] = map[string]string{}
		}
		ids[kind][oldID] = newID
	}

	for _, p := range snap.projects {
		old := p.ID
		if err := tx.InsertProject(ctx, &p); err != nil {
			return rep, fmt.Errorf("project %s: %w", old, err)
		}
		remember(domain.KindProject, old, p.ID)
		rep.Projects++
	}
	for _, e := range snap.epics {
		old := e.ID
		e.ProjectID = ids[domain.KindProject][e.ProjectID]
		if err := tx.InsertEpic(ctx, &e); err != nil {
			return rep, fmt.Errorf("epic %s: %w", old, err)
		}
		remember(domain.KindEpic, old, e.ID)
		rep.Epics++
	}
	for _, f := range snap.features {
		old := f.ID
		f.EpicID = ids[domain.KindEpic][f.EpicID]
		if err := tx.InsertFeature(ctx, &f); err != nil {
			return rep, fmt.Errorf("feature %s: %w", old, err)
		}
		remember(domain.KindFeature, old, f.ID)
		rep.Features++
	}
	for _, d := range snap.definitions {
		old := d.ID
		d.FeatureID = ids[domain.KindFeature][d.FeatureID]
		if err := tx.InsertDefinition(ctx, &d); err != nil {
			return rep, fmt.Errorf("definition %s: %w", old, err)
		}
		remember(domain.KindDefinition, old, d.ID)
		rep.Definitions++
	}
	for _, r := range snap.runs {
		old := r.ID
		if r.ProjectID != nil {
			if id, ok := ids[domain.KindProject][*r.ProjectID]; ok {
				r.ProjectID = &id
			} else {
				r.ProjectID = nil
				rep.DanglingProjectRefs++
			}
		}
		if err := tx.InsertRun(ctx, &r); err != nil {
			return rep, fmt.Errorf("run %s: %w", old, err)
		}
		remember(domain.KindRun, old, r.ID)
		rep.Runs++
	}
	for _, c := range snap.cases {
		old := c.ID
		runID, ok := ids[domain.KindRun][c.RunID]
		if !ok {
			return rep, fmt.Errorf("case %s: run %s missing from source", old, c.RunID)
		}
		c.RunID = runID
		if c.DefinitionID != nil {
			if id, ok := ids[domain.KindDefinition][*c.DefinitionID]; ok {
				c.DefinitionID = &id
			} else {
				c.DefinitionID = nil
				rep.DanglingDefinitionRefs++
			}
		}
		if err := tx.InsertCase(ctx, &c); err != nil {
			return rep, fmt.Errorf("case %s: %w", old, err)
		}
		remember(domain.KindCase, old, c.ID)
		rep.Cases++
	}
	for _, e := range snap.events {
		if id, ok := ids[e.EntityKind][e.EntityID]; ok {
			e.EntityID = id
		}
		if err := tx.AppendEvent(ctx, &e); err != nil {
			return rep, fmt.Errorf("event %s: %w", e.ID, err)
		}
		rep.Events++
	}
	return rep, nil
}
