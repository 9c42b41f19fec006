// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstone/internal/domain"
	"redstone/internal/store"
)

// Opener returns a fresh, empty store.
type Opener func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ n int }

func (c *clock) next() time.Time {
	c.n++
	return base.Add(time.Duration(c.n) * time.Second)
}

// Run exercises the full Entity Store contract against the backend.
func Run(t *testing.T, open Opener) {
	t.Run("Projects", func(t *testing.T) { testProjects(t, open(t)) })
	t.Run("Taxonomy", func(t *testing.T) { testTaxonomy(t, open(t)) })
	t.Run("DefinitionSteps", func(t *testing.T) { testDefinitionSteps(t, open(t)) })
	t.Run("Rollback", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, open(t)) })
	t.Run("Cases", func(t *testing.T) { testCases(t, open(t)) })
	t.Run("CaseDefinitionRefs", func(t *testing.T) { testCaseDefinitionRefs(t, open(t)) })
	t.Run("DeleteRunCascades", func(t *testing.T) { testDeleteRun(t, open(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, open(t)) })
}

func update(t *testing.T, s store.Store, fn func(ctx context.Context, tx store.Tx) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return fn(ctx, tx) }))
}

func view(t *testing.T, s store.Store, fn func(ctx context.Context, r store.Reader) error) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.View(ctx, func(r store.Reader) error { return fn(ctx, r) }))
}

func testProjects(t *testing.T, s store.Store) {
	var c clock
	a := domain.Project{Name: "alpha", Description: "first", CreatedAt: c.next()}
	b := domain.Project{Name: "beta", CreatedAt: c.next()}
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.InsertProject(ctx, &a))
		return tx.InsertProject(ctx, &b)
	})
	require.NotEmpty(t, a.ID)
	require.NotEqual(t, a.ID, b.ID)

	view(t, s, func(ctx context.Context, r store.Reader) error {
		got, err := r.GetProject(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "alpha", got.Name)
		assert.Equal(t, "first", got.Description)
		assert.True(t, got.CreatedAt.Equal(a.CreatedAt))

		list, err := r.ListProjects(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "beta", list[0].Name, "newest first")

		byName, err := r.FindProjectByName(ctx, "beta")
		require.NoError(t, err)
		assert.Equal(t, b.ID, byName.ID)

		_, err = r.GetProject(ctx, "999999")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		return nil
	})

	dup := domain.Project{Name: "alpha", CreatedAt: c.next()}
	err := s.Update(context.Background(), func(tx store.Tx) error {
		return tx.InsertProject(context.Background(), &dup)
	})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	a.Description = ""
	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.UpdateProject(ctx, a) })
	view(t, s, func(ctx context.Context, r store.Reader) error {
		got, err := r.GetProject(ctx, a.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Description)
		return nil
	})

	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.DeleteProject(ctx, b.ID) })
	err = s.Update(context.Background(), func(tx store.Tx) error { return tx.DeleteProject(context.Background(), b.ID) })
	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.KindProject, nf.Kind)
}

func testTaxonomy(t *testing.T, s store.Store) {
	var c clock
	p := domain.Project{Name: "p", CreatedAt: c.next()}
	e1 := domain.Epic{Name: "e1", ExternalRef: "JIRA-1"}
	e2 := domain.Epic{Name: "e2"}
	var f1, f2, f3 domain.Feature
	var d1, d2, d3 domain.Definition
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.InsertProject(ctx, &p))
		e1.ProjectID, e1.CreatedAt = p.ID, c.next()
		e2.ProjectID, e2.CreatedAt = p.ID, c.next()
		require.NoError(t, tx.InsertEpic(ctx, &e1))
		require.NoError(t, tx.InsertEpic(ctx, &e2))
		f1 = domain.Feature{EpicID: e1.ID, Name: "f1", CreatedAt: c.next()}
		f2 = domain.Feature{EpicID: e1.ID, Name: "f2", CreatedAt: c.next()}
		f3 = domain.Feature{EpicID: e2.ID, Name: "f3", CreatedAt: c.next()}
		for _, f := range []*domain.Feature{&f1, &f2, &f3} {
			require.NoError(t, tx.InsertFeature(ctx, f))
		}
		now := c.next()
		d1 = domain.Definition{FeatureID: f1.ID, Title: "d1", Priority: domain.PriorityHigh, IsActive: true, CreatedAt: now, UpdatedAt: now}
		d2 = domain.Definition{FeatureID: f1.ID, Title: "d2", Priority: domain.PriorityLow, IsActive: false, CreatedAt: c.next(), UpdatedAt: now}
		d3 = domain.Definition{FeatureID: f3.ID, Title: "d3", Priority: domain.PriorityMedium, IsActive: true, CreatedAt: c.next(), UpdatedAt: now}
		for _, d := range []*domain.Definition{&d1, &d2, &d3} {
			require.NoError(t, tx.InsertDefinition(ctx, d))
		}
		return nil
	})

	view(t, s, func(ctx context.Context, r store.Reader) error {
		n, err := r.CountEpics(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		epics, err := r.ListEpics(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, epics, 2)
		assert.Equal(t, "e1", epics[0].Name)
		assert.Equal(t, "JIRA-1", epics[0].ExternalRef)

		n, err = r.CountFeatures(ctx, e1.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		feats, err := r.ListFeatures(ctx, e1.ID, e2.ID)
		require.NoError(t, err)
		assert.Len(t, feats, 3)
		all, err := r.ListFeatures(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		n, err = r.CountDefinitions(ctx, store.DefinitionFilter{FeatureIDs: []string{f1.ID, f2.ID, f3.ID}})
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		n, err = r.CountDefinitions(ctx, store.DefinitionFilter{FeatureIDs: []string{f1.ID}, ActiveOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = r.CountDefinitions(ctx, store.DefinitionFilter{FeatureIDs: []string{}})
		require.NoError(t, err)
		assert.Equal(t, 0, n, "empty feature set matches nothing")
		n, err = r.CountDefinitions(ctx, store.DefinitionFilter{FeatureIDs: []string{f2.ID}})
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		defs, err := r.ListDefinitions(ctx, store.DefinitionFilter{Priorities: []domain.Priority{domain.PriorityHigh, domain.PriorityMedium}})
		require.NoError(t, err)
		require.Len(t, defs, 2)
		assert.Equal(t, "d3", defs[0].Title, "newest first")
		assert.Equal(t, "d1", defs[1].Title)
		return nil
	})

	e1.Name = "renamed"
	e1.ExternalRef = ""
	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.UpdateEpic(ctx, e1) })
	view(t, s, func(ctx context.Context, r store.Reader) error {
		got, err := r.GetEpic(ctx, e1.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", got.Name)
		assert.Empty(t, got.ExternalRef)
		return nil
	})

	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.DeleteDefinition(ctx, d2.ID) })
	view(t, s, func(ctx context.Context, r store.Reader) error {
		_, err := r.GetDefinition(ctx, d2.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		return nil
	})
}

func testDefinitionSteps(t *testing.T, s store.Store) {
	var c clock
	steps := []domain.DefinitionStep{{Description: "open", Order: 0}, {Description: "click", Order: 1}, {Description: "check", Order: 2}}
	var d domain.Definition
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		p := domain.Project{Name: "p", CreatedAt: c.next()}
		require.NoError(t, tx.InsertProject(ctx, &p))
		e := domain.Epic{ProjectID: p.ID, Name: "e", CreatedAt: c.next()}
		require.NoError(t, tx.InsertEpic(ctx, &e))
		f := domain.Feature{EpicID: e.ID, Name: "f", CreatedAt: c.next()}
		require.NoError(t, tx.InsertFeature(ctx, &f))
		now := c.next()
		d = domain.Definition{FeatureID: f.ID, Title: "t", Steps: steps, Priority: domain.PriorityMedium, IsActive: true, CreatedAt: now, UpdatedAt: now}
		return tx.InsertDefinition(ctx, &d)
	})
	view(t, s, func(ctx context.Context, r store.Reader) error {
		got, err := r.GetDefinition(ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, steps, got.Steps)
		assert.True(t, got.IsActive)
		return nil
	})

	d.Steps = nil
	d.IsActive = false
	d.UpdatedAt = c.next()
	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.UpdateDefinition(ctx, d) })
	view(t, s, func(ctx context.Context, r store.Reader) error {
		got, err := r.GetDefinition(ctx, d.ID)
		require.NoError(t, err)
		assert.Empty(t, got.Steps)
		assert.NotNil(t, got.Steps)
		assert.False(t, got.IsActive)
		assert.True(t, got.UpdatedAt.Equal(d.UpdatedAt))
		return nil
	})
}

func testRollback(t *testing.T, s store.Store) {
	boom := errors.New("boom")
	err := s.Update(context.Background(), func(tx store.Tx) error {
		p := domain.Project{Name: "ghost", CreatedAt: base}
		require.NoError(t, tx.InsertProject(context.Background(), &p))
		return boom
	})
	require.ErrorIs(t, err, boom)
	view(t, s, func(ctx context.Context, r store.Reader) error {
		list, err := r.ListProjects(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	})
}

func testRuns(t *testing.T, s store.Store) {
	var c clock
	var p domain.Project
	var runs [3]domain.Run
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		p = domain.Project{Name: "p", CreatedAt: c.next()}
		require.NoError(t, tx.InsertProject(ctx, &p))
		for i := range runs {
			runs[i] = domain.Run{Name: "run", Status: domain.RunRunning, StartTime: c.next()}
			if i > 0 {
				runs[i].ProjectID = &p.ID
			}
			require.NoError(t, tx.InsertRun(ctx, &runs[i]))
		}
		return nil
	})

	view(t, s, func(ctx context.Context, r store.Reader) error {
		list, err := r.ListRuns(ctx, store.RunFilter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, runs[2].ID, list[0].ID)
		assert.Equal(t, runs[1].ID, list[1].ID)

		n, err := r.CountRuns(ctx, store.RunFilter{ProjectID: p.ID})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		n, err = r.CountRuns(ctx, store.RunFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		got, err := r.GetRun(ctx, runs[1].ID)
		require.NoError(t, err)
		require.NotNil(t, got.ProjectID)
		assert.Equal(t, p.ID, *got.ProjectID)
		assert.Nil(t, got.EndTime)
		return nil
	})

	end := c.next()
	runs[0].Status = domain.RunCompleted
	runs[0].EndTime = &end
	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.UpdateRun(ctx, runs[0]) })
	view(t, s, func(ctx context.Context, r store.Reader) error {
		got, err := r.GetRun(ctx, runs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunCompleted, got.Status)
		require.NotNil(t, got.EndTime)
		assert.True(t, got.EndTime.Equal(end))
		return nil
	})
}

func seedRunWithCases(t *testing.T, s store.Store, c *clock) (domain.Run, []domain.Case) {
	t.Helper()
	run := domain.Run{Name: "nightly", Status: domain.RunRunning, StartTime: c.next()}
	d100, d200 := int64(100), int64(200)
	defID := "42"
	cases := []domain.Case{
		{Name: "login", Status: domain.CasePassed, Duration: &d100, Steps: []domain.Step{
			{Description: "open", Status: domain.CasePassed, OrderIndex: 0},
			{Description: "type", Status: domain.CasePassed, OrderIndex: 1},
			{Description: "submit", Status: domain.CasePassed, OrderIndex: 2},
		}},
		{Name: "logout", Status: domain.CaseFailed, Duration: &d200, ErrorMessage: "boom", ErrorStack: "trace", ScreenshotPath: "1/logout.png"},
		{Name: "login", Status: domain.CaseSkipped, DefinitionID: &defID},
	}
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.InsertRun(ctx, &run))
		for i := range cases {
			cases[i].RunID = run.ID
			cases[i].CreatedAt = c.next()
			require.NoError(t, tx.InsertCase(ctx, &cases[i]))
		}
		return nil
	})
	return run, cases
}

func testCases(t *testing.T, s store.Store) {
	var c clock
	run, cases := seedRunWithCases(t, s, &c)

	view(t, s, func(ctx context.Context, r store.Reader) error {
		got, err := r.GetCase(ctx, cases[0].ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 3)
		for i, st := range got.Steps {
			assert.Equal(t, i, st.OrderIndex)
		}
		assert.Equal(t, "submit", got.Steps[2].Description)
		require.NotNil(t, got.Duration)
		assert.Equal(t, int64(100), *got.Duration)

		list, err := r.ListCases(ctx, store.CaseFilter{RunID: run.ID})
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, cases[0].ID, list[0].ID)
		assert.Equal(t, cases[2].ID, list[2].ID)
		assert.Equal(t, "boom", list[1].ErrorMessage)
		assert.Equal(t, "1/logout.png", list[1].ScreenshotPath)
		assert.NotNil(t, list[1].Steps)

		newest, err := r.ListCases(ctx, store.CaseFilter{RunID: run.ID, NewestFirst: true})
		require.NoError(t, err)
		assert.Equal(t, cases[2].ID, newest[0].ID)

		failed, err := r.ListCases(ctx, store.CaseFilter{RunID: run.ID, Status: domain.CaseFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "logout", failed[0].Name)

		n, err := r.CountCases(ctx, store.CaseFilter{DefinitionID: "42"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		sum, err := r.SummarizeCases(ctx, store.CaseFilter{RunID: run.ID})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCounts{Passed: 1, Failed: 1, Skipped: 1}, sum.Counts)
		assert.Equal(t, int64(300), sum.DurationSum)
		assert.Equal(t, 2, sum.DurationN)

		names, err := r.CaseNames(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"login", "logout"}, names)
		return nil
	})

	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.DeleteCase(ctx, cases[0].ID) })
	view(t, s, func(ctx context.Context, r store.Reader) error {
		_, err := r.GetCase(ctx, cases[0].ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		n, err := r.CountCases(ctx, store.CaseFilter{RunID: run.ID})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
}

// Definition references are stored as given, whether or not they name a row.
func testCaseDefinitionRefs(t *testing.T, s store.Store) {
	var c clock
	run := domain.Run{Name: "refs", Status: domain.RunRunning, StartTime: c.next()}
	refs := []string{"42", "def-abc", "0190c1f2-7a3b-7c4d-8e5f-6a7b8c9d0e1f"}
	cases := make([]domain.Case, len(refs)+1)
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		require.NoError(t, tx.InsertRun(ctx, &run))
		for i := range cases {
			cases[i] = domain.Case{RunID: run.ID, Name: fmt.Sprintf("case-%d", i), Status: domain.CasePassed, CreatedAt: c.next()}
			if i < len(refs) {
				ref := refs[i]
				cases[i].DefinitionID = &ref
			}
			require.NoError(t, tx.InsertCase(ctx, &cases[i]))
		}
		return nil
	})

	view(t, s, func(ctx context.Context, r store.Reader) error {
		for i, ref := range refs {
			got, err := r.GetCase(ctx, cases[i].ID)
			require.NoError(t, err)
			require.NotNil(t, got.DefinitionID, ref)
			assert.Equal(t, ref, *got.DefinitionID)

			n, err := r.CountCases(ctx, store.CaseFilter{DefinitionID: ref})
			require.NoError(t, err)
			assert.Equal(t, 1, n, ref)
		}
		got, err := r.GetCase(ctx, cases[len(refs)].ID)
		require.NoError(t, err)
		assert.Nil(t, got.DefinitionID)
		return nil
	})
}

func testDeleteRun(t *testing.T, s store.Store) {
	var c clock
	run, cases := seedRunWithCases(t, s, &c)
	update(t, s, func(ctx context.Context, tx store.Tx) error { return tx.DeleteRun(ctx, run.ID) })
	view(t, s, func(ctx context.Context, r store.Reader) error {
		_, err := r.GetRun(ctx, run.ID)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		for _, cs := range cases {
			_, err := r.GetCase(ctx, cs.ID)
			assert.True(t, errors.Is(err, domain.ErrNotFound))
		}
		return nil
	})
}

func testEvents(t *testing.T, s store.Store) {
	var c clock
	update(t, s, func(ctx context.Context, tx store.Tx) error {
		for _, typ := range []string{"project.created", "epic.created", "project.deleted"} {
			e := domain.Event{TS: c.next(), Type: typ, EntityKind: domain.KindProject, EntityID: "1", Payload: `{"a":1}`}
			require.NoError(t, tx.AppendEvent(ctx, &e))
			require.NotEmpty(t, e.ID)
		}
		return nil
	})
	view(t, s, func(ctx context.Context, r store.Reader) error {
		events, err := r.ListEvents(ctx, 2)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "project.deleted", events[0].Type)
		assert.Equal(t, "epic.created", events[1].Type)
		assert.Equal(t, `{"a":1}`, events[0].Payload)
		return nil
	})
}
