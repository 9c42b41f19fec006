package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstone/internal/aggregate"
	"redstone/internal/artifacts"
	"redstone/internal/docstore"
	"redstone/internal/domain"
	"redstone/internal/engine"
	"redstone/internal/events"
	"redstone/internal/sqlite"
	"redstone/internal/store"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Shots  *artifacts.FS
}

func newTestEnv(t *testing.T, backend string) testEnv {
	t.Helper()
	ctx := context.Background()
	var s store.Store
	switch backend {
	case "sqlite":
		db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "redstone.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		s = db
	default:
		doc, err := docstore.Open(filepath.Join(t.TempDir(), "redstone.json"))
		require.NoError(t, err)
		s = doc
	}
	shots := &artifacts.FS{Fs: afero.NewMemMapFs(), MaxBytes: 1 << 10}
	eng := engine.New(s, aggregate.Queried{}, shots, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return testEnv{Engine: eng, Ctx: ctx, Shots: shots}
}

func eachBackend(t *testing.T, fn func(t *testing.T, env testEnv)) {
	for _, backend := range []string{"sqlite", "document"} {
		t.Run(backend, func(t *testing.T) {
			fn(t, newTestEnv(t, backend))
		})
	}
}

func ptr[T any](v T) *T { return &v }

func TestProjectDeletionGuard(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p1, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "P1"})
		require.NoError(t, err)
		e1, err := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: p1.ID, Name: "E1"})
		require.NoError(t, err)

		err = env.Engine.DeleteProject(env.Ctx, p1.ID)
		var dc *domain.DeletionConstraintError
		require.ErrorAs(t, err, &dc)
		assert.Equal(t, domain.KindProject, dc.Kind)
		assert.Contains(t, dc.Reason, "Epics")

		require.NoError(t, env.Engine.DeleteEpic(env.Ctx, e1.ID))
		require.NoError(t, env.Engine.DeleteProject(env.Ctx, p1.ID))

		_, err = env.Engine.GetProject(env.Ctx, p1.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestProjectWithRunsCannotBeDeleted(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "shop"})
		require.NoError(t, err)
		run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "nightly", ProjectID: p.ID})
		require.NoError(t, err)

		err = env.Engine.DeleteProject(env.Ctx, p.ID)
		var dc *domain.DeletionConstraintError
		require.ErrorAs(t, err, &dc)
		assert.Equal(t, "has associated TestRuns", dc.Reason)

		require.NoError(t, env.Engine.DeleteRun(env.Ctx, run.ID))
		require.NoError(t, env.Engine.DeleteProject(env.Ctx, p.ID))
	})
}

func TestEpicAndFeatureGuards(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p, _ := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "P"})
		ep, _ := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: p.ID, Name: "E"})
		f, err := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{EpicID: ep.ID, Name: "F"})
		require.NoError(t, err)
		d, err := env.Engine.CreateDefinition(env.Ctx, engine.DefinitionCreateOptions{FeatureID: f.ID, Title: "T"})
		require.NoError(t, err)

		err = env.Engine.DeleteEpic(env.Ctx, ep.ID)
		assert.ErrorIs(t, err, domain.ErrConflict)
		assert.Contains(t, err.Error(), "Features")

		_, err = env.Engine.DeactivateDefinition(env.Ctx, d.ID)
		require.NoError(t, err)
		err = env.Engine.DeleteFeature(env.Ctx, f.ID)
		assert.ErrorIs(t, err, domain.ErrConflict, "inactive definitions still block")
		assert.Contains(t, err.Error(), "TestCaseDefinitions")

		require.NoError(t, env.Engine.DeleteDefinition(env.Ctx, d.ID))
		require.NoError(t, env.Engine.DeleteFeature(env.Ctx, f.ID))
		require.NoError(t, env.Engine.DeleteEpic(env.Ctx, ep.ID))

		assert.ErrorIs(t, env.Engine.DeleteEpic(env.Ctx, ep.ID), domain.ErrNotFound)
	})
}

func TestCreateRequiresParent(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		var pnf *domain.ParentNotFoundError
		_, err := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: "424242", Name: "E"})
		require.ErrorAs(t, err, &pnf)
		assert.Equal(t, domain.KindProject, pnf.Kind)

		_, err = env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{EpicID: "424242", Name: "F"})
		require.ErrorAs(t, err, &pnf)
		assert.Equal(t, domain.KindEpic, pnf.Kind)

		_, err = env.Engine.CreateDefinition(env.Ctx, engine.DefinitionCreateOptions{FeatureID: "424242", Title: "T"})
		require.ErrorAs(t, err, &pnf)
		assert.Equal(t, domain.KindFeature, pnf.Kind)

		_, err = env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "r", ProjectID: "424242"})
		require.ErrorAs(t, err, &pnf)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestRunLifecycleAndCheckpoint(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, err := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "Suite1"})
		require.NoError(t, err)
		assert.Equal(t, domain.RunRunning, run.Status)
		assert.Nil(t, run.EndTime)

		_, err = env.Engine.ReportCase(env.Ctx, engine.CaseReport{
			RunID: run.ID, Name: "Login", Status: domain.CasePassed, Duration: ptr(int64(1500)),
			Steps: []engine.StepReport{{Description: "open", Status: domain.CasePassed}, {Description: "submit", Status: domain.CasePassed}},
		})
		require.NoError(t, err)
		_, err = env.Engine.ReportCase(env.Ctx, engine.CaseReport{
			RunID: run.ID, Name: "Payment", Status: domain.CaseFailed, Duration: ptr(int64(800)), ErrorMessage: "declined",
		})
		require.NoError(t, err)

		cp, err := env.Engine.Checkpoint(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"Login", "Payment"}, cp.CompletedTestNames)
		assert.Equal(t, 2, cp.TotalCompleted)

		again, err := env.Engine.Checkpoint(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, cp, again)

		live, err := env.Engine.GetRun(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Nil(t, live.Stats.Duration)

		done, err := env.Engine.FinishRun(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunCompleted, done.Status)
		assert.Equal(t, 2, done.Stats.TestCount)
		assert.Equal(t, 1, done.Stats.Passed)
		assert.Equal(t, 1, done.Stats.Failed)
		assert.Equal(t, 50.0, done.Stats.SuccessRate)
		assert.Equal(t, int64(1150), done.Stats.AvgDuration)
		require.NotNil(t, done.Stats.Duration)
		assert.Positive(t, *done.Stats.Duration)

		after, err := env.Engine.Checkpoint(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, cp, after)
	})
}

func TestCheckpointDeduplicatesNames(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "retry"})
		for _, name := range []string{"b", "a", "b"} {
			_, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: run.ID, Name: name, Status: domain.CaseFailed})
			require.NoError(t, err)
		}
		cp, err := env.Engine.Checkpoint(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "a"}, cp.CompletedTestNames)

		empty, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "fresh"})
		cp, err = env.Engine.Checkpoint(env.Ctx, empty.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{}, cp.CompletedTestNames)
		assert.Zero(t, cp.TotalCompleted)

		_, err = env.Engine.Checkpoint(env.Ctx, "424242")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestFinishTwiceKeepsEndTime(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "once"})
		first, err := env.Engine.FinishRun(env.Ctx, run.ID)
		require.NoError(t, err)

		_, err = env.Engine.FinishRun(env.Ctx, run.ID)
		var ise *domain.InvalidStateError
		require.ErrorAs(t, err, &ise)
		assert.Contains(t, ise.Error(), "already completed")

		_, err = env.Engine.AbortRun(env.Ctx, run.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)

		got, err := env.Engine.GetRun(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunCompleted, got.Status)
		assert.True(t, first.EndTime.Equal(*got.EndTime))

		_, err = env.Engine.FinishRun(env.Ctx, "424242")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestAbortRun(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "crash"})
		aborted, err := env.Engine.AbortRun(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunAborted, aborted.Status)
		require.NotNil(t, aborted.EndTime)

		_, err = env.Engine.AbortRun(env.Ctx, run.ID)
		assert.ErrorContains(t, err, "already aborted")
		_, err = env.Engine.FinishRun(env.Ctx, run.ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestFeatureCountsWithSoftDelete(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p, _ := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "P"})
		ep, _ := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: p.ID, Name: "E"})
		f, _ := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{EpicID: ep.ID, Name: "F1"})
		var defs []domain.Definition
		for _, title := range []string{"one", "two", "three"} {
			d, err := env.Engine.CreateDefinition(env.Ctx, engine.DefinitionCreateOptions{FeatureID: f.ID, Title: title})
			require.NoError(t, err)
			defs = append(defs, d)
		}
		before := defs[1].UpdatedAt
		off, err := env.Engine.DeactivateDefinition(env.Ctx, defs[1].ID)
		require.NoError(t, err)
		assert.False(t, off.IsActive)
		assert.True(t, off.UpdatedAt.After(before))

		fs, err := env.Engine.GetFeature(env.Ctx, f.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, fs.TestDefinitionCount)
		assert.Equal(t, 2, fs.ActiveTestDefinitionCount)

		ps, err := env.Engine.GetProject(env.Ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.ProjectStats{EpicCount: 1, TestDefinitionCount: 3, ActiveTestDefinitionCount: 2}, ps.ProjectStats)

		active, err := env.Engine.ListDefinitions(env.Ctx, f.ID, false)
		require.NoError(t, err)
		assert.Len(t, active, 2)
		all, err := env.Engine.ListDefinitions(env.Ctx, f.ID, true)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		on, err := env.Engine.ReactivateDefinition(env.Ctx, defs[1].ID)
		require.NoError(t, err)
		assert.True(t, on.IsActive)
		_, err = env.Engine.ReactivateDefinition(env.Ctx, defs[1].ID)
		assert.ErrorIs(t, err, domain.ErrInvalidState)
	})
}

func TestDefinitionStepsKeepSubmittedOrder(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p, _ := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "P"})
		ep, _ := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: p.ID, Name: "E"})
		f, _ := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{EpicID: ep.ID, Name: "F"})
		d, err := env.Engine.CreateDefinition(env.Ctx, engine.DefinitionCreateOptions{
			FeatureID: f.ID,
			Title:     "checkout",
			Steps: []domain.DefinitionStep{
				{Description: "add to cart", Order: 7},
				{Description: "pay", Order: 2},
				{Description: "confirm", Order: 2},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, domain.PriorityMedium, d.Priority)
		assert.True(t, d.IsActive)

		got, err := env.Engine.GetDefinition(env.Ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, []domain.DefinitionStep{
			{Description: "add to cart", Order: 0},
			{Description: "pay", Order: 1},
			{Description: "confirm", Order: 2},
		}, got.Steps)

		steps := []domain.DefinitionStep{{Description: "only", Order: 9}}
		upd, err := env.Engine.UpdateDefinition(env.Ctx, engine.DefinitionUpdateOptions{ID: d.ID, Steps: &steps, Priority: ptr(domain.PriorityHigh)})
		require.NoError(t, err)
		assert.Equal(t, []domain.DefinitionStep{{Description: "only", Order: 0}}, upd.Steps)
		assert.Equal(t, domain.PriorityHigh, upd.Priority)
		assert.False(t, upd.UpdatedAt.Before(upd.CreatedAt))
	})
}

func TestDefinitionDeletionKeepsExecutions(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p, _ := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "P"})
		ep, _ := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: p.ID, Name: "E"})
		f, _ := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{EpicID: ep.ID, Name: "F"})
		d, _ := env.Engine.CreateDefinition(env.Ctx, engine.DefinitionCreateOptions{FeatureID: f.ID, Title: "login"})
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "r"})
		for _, st := range []domain.CaseStatus{domain.CasePassed, domain.CaseFailed} {
			_, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: run.ID, Name: "login", Status: st, DefinitionID: d.ID})
			require.NoError(t, err)
		}

		got, err := env.Engine.GetDefinition(env.Ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ExecutionCount)

		_, err = env.Engine.DeactivateDefinition(env.Ctx, d.ID)
		require.NoError(t, err)
		got, err = env.Engine.GetDefinition(env.Ctx, d.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.ExecutionCount)

		execs, err := env.Engine.Executions(env.Ctx, d.ID)
		require.NoError(t, err)
		require.Len(t, execs, 2)
		assert.Equal(t, domain.CaseFailed, execs[0].Status, "newest first")

		require.NoError(t, env.Engine.DeleteDefinition(env.Ctx, d.ID))
		_, err = env.Engine.GetDefinition(env.Ctx, d.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		cases, err := env.Engine.ListCases(env.Ctx, run.ID, "")
		require.NoError(t, err)
		require.Len(t, cases, 2)
		for _, c := range cases {
			require.NotNil(t, c.DefinitionID)
			assert.Equal(t, d.ID, *c.DefinitionID)
		}
	})
}

func TestReportCaseStepsAndFilters(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "r"})
		c, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{
			RunID: run.ID, Name: "  spaced  ", Status: domain.CasePassed,
			Steps: []engine.StepReport{
				{Description: "first", Status: domain.CasePassed},
				{Description: "second", Status: domain.CaseSkipped},
				{Description: "third", Status: domain.CasePassed},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "spaced", c.Name)

		got, err := env.Engine.GetCase(env.Ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 3)
		for i, s := range got.Steps {
			assert.Equal(t, i, s.OrderIndex)
		}
		assert.Equal(t, "second", got.Steps[1].Description)

		_, err = env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: run.ID, Name: "other", Status: domain.CaseSkipped})
		require.NoError(t, err)
		skipped, err := env.Engine.ListCases(env.Ctx, run.ID, domain.CaseSkipped)
		require.NoError(t, err)
		require.Len(t, skipped, 1)
		assert.Equal(t, "other", skipped[0].Name)

		_, err = env.Engine.ListCases(env.Ctx, run.ID, "flaky")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestReportCaseRejectsBadInput(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "r"})

		_, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{
			RunID: run.ID, Name: "shot", Status: domain.CaseFailed,
			Screenshot: &artifacts.Screenshot{Filename: "x.gif", ContentType: "image/gif", Data: []byte("GIF89a")},
		})
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: run.ID, Name: "neg", Status: domain.CasePassed, Duration: ptr(int64(-1))})
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: run.ID, Name: "bad", Status: "broken"})
		assert.ErrorIs(t, err, domain.ErrValidation)

		_, err = env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: "424242", Name: "lost", Status: domain.CasePassed})
		var nf *domain.NotFoundError
		require.ErrorAs(t, err, &nf)
		assert.Equal(t, domain.KindRun, nf.Kind)

		cases, err := env.Engine.ListCases(env.Ctx, run.ID, "")
		require.NoError(t, err)
		assert.Empty(t, cases)
		entries, err := afero.ReadDir(env.Shots.Fs, "/")
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestScreenshotLifecycle(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "r"})
		c, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{
			RunID: run.ID, Name: "Login page", Status: domain.CaseFailed,
			Screenshot: &artifacts.Screenshot{Filename: "fail.png", ContentType: "image/png", Data: []byte("png")},
		})
		require.NoError(t, err)
		require.NotEmpty(t, c.ScreenshotPath)

		rc, err := env.Engine.OpenScreenshot(c.ScreenshotPath)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, "png", string(data))

		require.NoError(t, env.Engine.DeleteCase(env.Ctx, c.ID))
		exists, err := afero.Exists(env.Shots.Fs, c.ScreenshotPath)
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = env.Engine.GetCase(env.Ctx, c.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.ErrorIs(t, env.Engine.DeleteCase(env.Ctx, c.ID), domain.ErrNotFound)
	})
}

type brokenStorage struct {
	deletes int
}

func (b *brokenStorage) Save(context.Context, string, string, artifacts.Screenshot) (string, error) {
	return "", &domain.ArtifactError{Op: "save", Err: errors.New("disk full")}
}

func (b *brokenStorage) Open(rel string) (io.ReadCloser, error) {
	return nil, &domain.ArtifactError{Op: "open", Path: rel, Err: errors.New("disk gone")}
}

func (b *brokenStorage) Delete(_ context.Context, rel string) error {
	b.deletes++
	return &domain.ArtifactError{Op: "delete", Path: rel, Err: errors.New("read-only")}
}

func TestArtifactFailuresAreNotFatal(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		broken := &brokenStorage{}
		env.Engine.Artifacts = broken
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "r"})
		c, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{
			RunID: run.ID, Name: "shot", Status: domain.CaseFailed,
			Screenshot: &artifacts.Screenshot{ContentType: "image/jpeg", Data: []byte("jpg")},
		})
		require.NoError(t, err)
		assert.Empty(t, c.ScreenshotPath)
		require.NoError(t, env.Engine.DeleteCase(env.Ctx, c.ID))
		assert.Zero(t, broken.deletes, "nothing stored, nothing to remove")
	})
}

func TestDeleteRunCascades(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "r"})
		c, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{
			RunID: run.ID, Name: "a", Status: domain.CasePassed,
			Steps:      []engine.StepReport{{Description: "s", Status: domain.CasePassed}},
			Screenshot: &artifacts.Screenshot{ContentType: "image/png", Data: []byte("x")},
		})
		require.NoError(t, err)

		require.NoError(t, env.Engine.DeleteRun(env.Ctx, run.ID))
		_, err = env.Engine.GetRun(env.Ctx, run.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = env.Engine.GetCase(env.Ctx, c.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		exists, _ := afero.Exists(env.Shots.Fs, c.ScreenshotPath)
		assert.False(t, exists)
	})
}

func TestStrictDefinitionRefs(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		run, _ := env.Engine.StartRun(env.Ctx, engine.RunStartOptions{Name: "r"})
		for _, ref := range []string{"424242", "def-abc"} {
			loose, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: run.ID, Name: "loose " + ref, Status: domain.CasePassed, DefinitionID: ref})
			require.NoError(t, err)
			stored, err := env.Engine.GetCase(env.Ctx, loose.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.DefinitionID, ref)
			assert.Equal(t, ref, *stored.DefinitionID)
		}

		env.Engine.StrictDefinitionRefs = true
		_, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: run.ID, Name: "strict", Status: domain.CasePassed, DefinitionID: "424242"})
		var parent *domain.ParentNotFoundError
		require.ErrorAs(t, err, &parent)
		assert.Equal(t, domain.KindDefinition, parent.Kind)
		assert.Equal(t, "424242", parent.ID)

		cp, err := env.Engine.Checkpoint(env.Ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"loose 424242", "loose def-abc"}, cp.CompletedTestNames)
	})
}

func TestSparseUpdates(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "shop", Description: "web shop"})
		require.NoError(t, err)

		upd, err := env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: p.ID, Name: ptr("store")})
		require.NoError(t, err)
		assert.Equal(t, "store", upd.Name)
		assert.Equal(t, "web shop", upd.Description)

		upd, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: p.ID, Description: ptr("")})
		require.NoError(t, err)
		assert.Equal(t, "store", upd.Name)
		assert.Empty(t, upd.Description)

		_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: p.ID, Name: ptr(" ")})
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: "424242", Name: ptr("x")})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		ep, _ := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: p.ID, Name: "E", ExternalRef: "JIRA-1"})
		upd2, err := env.Engine.UpdateEpic(env.Ctx, engine.EpicUpdateOptions{ID: ep.ID, ExternalRef: ptr("")})
		require.NoError(t, err)
		assert.Empty(t, upd2.ExternalRef)
		assert.Equal(t, "E", upd2.Name)
	})
}

func TestProjectNamesAreUnique(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "shop"})
		require.NoError(t, err)
		other, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "blog"})
		require.NoError(t, err)

		_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "shop"})
		assert.ErrorIs(t, err, domain.ErrConflict)
		_, err = env.Engine.UpdateProject(env.Ctx, engine.ProjectUpdateOptions{ID: other.ID, Name: ptr("shop")})
		assert.ErrorIs(t, err, domain.ErrConflict)
	})
}

func TestValidationHappensFirst(t *testing.T) {
	env := newTestEnv(t, "document")
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'x'
	}
	_, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: string(long)})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: ""})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = env.Engine.CreateDefinition(env.Ctx, engine.DefinitionCreateOptions{FeatureID: "missing", Title: "t", Priority: "urgent"})
	assert.ErrorIs(t, err, domain.ErrValidation, "validation runs before the parent lookup")
	_, err = env.Engine.StartRun(env.Ctx, engine.RunStartOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	projects, err := env.Engine.ListProjects(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestListRunsAndGlobalStats(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p, _ := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "P"})
		var runs []domain.Run
		for i, name := range []string{"first", "second", "third"} {
			opts := engine.RunStartOptions{Name: name}
			if i > 0 {
				opts.ProjectID = p.ID
			}
			run, err := env.Engine.StartRun(env.Ctx, opts)
			require.NoError(t, err)
			runs = append(runs, run)
			for j := 0; j <= i; j++ {
				status := domain.CasePassed
				if j == 1 {
					status = domain.CaseFailed
				}
				_, err := env.Engine.ReportCase(env.Ctx, engine.CaseReport{RunID: run.ID, Name: name, Status: status})
				require.NoError(t, err)
			}
		}

		list, err := env.Engine.ListRuns(env.Ctx, engine.RunListOptions{})
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "third", list[0].Name)
		assert.Equal(t, 3, list[0].Stats.TestCount)
		assert.Equal(t, 1, list[2].Stats.TestCount)
		for _, r := range list {
			assert.Equal(t, r.Stats.TestCount, r.Stats.Passed+r.Stats.Failed+r.Stats.Skipped)
		}

		limited, err := env.Engine.ListRuns(env.Ctx, engine.RunListOptions{ProjectID: p.ID, Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, runs[2].ID, limited[0].ID)

		gs, err := env.Engine.GlobalStats(env.Ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.GlobalStats{TotalRuns: 3, TotalTests: 6, Passed: 4, Failed: 2, Skipped: 0, SuccessRate: 66.67}, gs)
	})
}

func TestProjectDefinitionQuery(t *testing.T) {
	eachBackend(t, func(t *testing.T, env testEnv) {
		p, _ := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "P"})
		other, _ := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{Name: "Q"})
		e1, _ := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: p.ID, Name: "E1"})
		e2, _ := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: p.ID, Name: "E2"})
		eq, _ := env.Engine.CreateEpic(env.Ctx, engine.EpicCreateOptions{ProjectID: other.ID, Name: "EQ"})
		f1, _ := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{EpicID: e1.ID, Name: "F1"})
		f2, _ := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{EpicID: e2.ID, Name: "F2"})
		fq, _ := env.Engine.CreateFeature(env.Ctx, engine.FeatureCreateOptions{EpicID: eq.ID, Name: "FQ"})

		mk := func(feature, title string, prio domain.Priority) domain.Definition {
			d, err := env.Engine.CreateDefinition(env.Ctx, engine.DefinitionCreateOptions{FeatureID: feature, Title: title, Priority: prio})
			require.NoError(t, err)
			return d
		}
		mk(f1.ID, "a", domain.PriorityCritical)
		mk(f1.ID, "b", domain.PriorityLow)
		off := mk(f2.ID, "c", domain.PriorityCritical)
		mk(f2.ID, "d", domain.PriorityHigh)
		mk(fq.ID, "q", domain.PriorityCritical)
		_, err := env.Engine.DeactivateDefinition(env.Ctx, off.ID)
		require.NoError(t, err)

		titles := func(defs []domain.DefinitionSummary) []string {
			out := []string{}
			for _, d := range defs {
				out = append(out, d.Title)
			}
			return out
		}

		all, err := env.Engine.ListProjectDefinitions(env.Ctx, engine.DefinitionQuery{ProjectID: p.ID})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b", "d"}, titles(all))

		prios, err := engine.ParsePriorities("critical, high,")
		require.NoError(t, err)
		hot, err := env.Engine.ListProjectDefinitions(env.Ctx, engine.DefinitionQuery{ProjectID: p.ID, Priorities: prios})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "d"}, titles(hot))

		byEpic, err := env.Engine.ListProjectDefinitions(env.Ctx, engine.DefinitionQuery{ProjectID: p.ID, EpicID: e2.ID})
		require.NoError(t, err)
		assert.Equal(t, []string{"d"}, titles(byEpic))

		foreign, err := env.Engine.ListProjectDefinitions(env.Ctx, engine.DefinitionQuery{ProjectID: p.ID, FeatureID: fq.ID})
		require.NoError(t, err)
		assert.Empty(t, foreign)

		_, err = engine.ParsePriorities("urgent")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestEventsAreRecorded(t *testing.T) {
	env := newTestEnv(t, "document")
	ctx := events.WithActor(env.Ctx, "ci-bot")
	run, err := env.Engine.StartRun(ctx, engine.RunStartOptions{Name: "r"})
	require.NoError(t, err)
	_, err = env.Engine.ReportCase(ctx, engine.CaseReport{RunID: run.ID, Name: "a", Status: domain.CasePassed})
	require.NoError(t, err)
	_, err = env.Engine.FinishRun(ctx, run.ID)
	require.NoError(t, err)
	_, err = env.Engine.FinishRun(ctx, run.ID)
	require.Error(t, err)

	evts, err := env.Engine.ListEvents(env.Ctx, 10)
	require.NoError(t, err)
	require.Len(t, evts, 3, "the rejected finish leaves no event")
	assert.Equal(t, events.RunFinished, evts[0].Type)
	assert.Equal(t, events.CaseReported, evts[1].Type)
	assert.Equal(t, events.RunStarted, evts[2].Type)
	assert.Equal(t, "ci-bot", evts[0].Actor)
	assert.Equal(t, run.ID, evts[0].EntityID)
	assert.Contains(t, evts[0].Payload, `"success_rate":100`)
}
