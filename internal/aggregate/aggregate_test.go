package aggregate_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstone/internal/aggregate"
	"redstone/internal/docstore"
	"redstone/internal/domain"
	"redstone/internal/sqlite"
	"redstone/internal/store"
)

type fixture struct {
	empty, project      domain.Project
	epicWith, epicEmpty domain.Epic
	featA, featB        domain.Feature
	def1                domain.Definition
	finished, running   domain.Run
}

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func seed(t *testing.T, s store.Store) fixture {
	t.Helper()
	ctx := context.Background()
	var fx fixture
	tick := 0
	next := func() time.Time {
		tick++
		return t0.Add(time.Duration(tick) * time.Second)
	}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		fx.empty = domain.Project{Name: "empty", CreatedAt: next()}
		fx.project = domain.Project{Name: "shop", CreatedAt: next()}
		require.NoError(t, tx.InsertProject(ctx, &fx.empty))
		require.NoError(t, tx.InsertProject(ctx, &fx.project))

		fx.epicWith = domain.Epic{ProjectID: fx.project.ID, Name: "checkout", CreatedAt: next()}
		fx.epicEmpty = domain.Epic{ProjectID: fx.project.ID, Name: "search", CreatedAt: next()}
		require.NoError(t, tx.InsertEpic(ctx, &fx.epicWith))
		require.NoError(t, tx.InsertEpic(ctx, &fx.epicEmpty))

		fx.featA = domain.Feature{EpicID: fx.epicWith.ID, Name: "cart", CreatedAt: next()}
		fx.featB = domain.Feature{EpicID: fx.epicWith.ID, Name: "pay", CreatedAt: next()}
		require.NoError(t, tx.InsertFeature(ctx, &fx.featA))
		require.NoError(t, tx.InsertFeature(ctx, &fx.featB))

		defs := []struct {
			feature string
			active  bool
		}{{fx.featA.ID, true}, {fx.featA.ID, false}, {fx.featA.ID, true}, {fx.featB.ID, false}}
		for i, d := range defs {
			now := next()
			def := domain.Definition{FeatureID: d.feature, Title: "def", Priority: domain.PriorityMedium, IsActive: d.active, CreatedAt: now, UpdatedAt: now}
			require.NoError(t, tx.InsertDefinition(ctx, &def))
			if i == 0 {
				fx.def1 = def
			}
		}

		start := next()
		end := start.Add(90 * time.Second)
		fx.finished = domain.Run{Name: "nightly", Status: domain.RunCompleted, StartTime: start, EndTime: &end, ProjectID: &fx.project.ID}
		fx.running = domain.Run{Name: "smoke", Status: domain.RunRunning, StartTime: next()}
		require.NoError(t, tx.InsertRun(ctx, &fx.finished))
		require.NoError(t, tx.InsertRun(ctx, &fx.running))

		d100, d300 := int64(100), int64(300)
		cases := []domain.Case{
			{RunID: fx.finished.ID, Name: "a", Status: domain.CasePassed, Duration: &d100, DefinitionID: &fx.def1.ID},
			{RunID: fx.finished.ID, Name: "b", Status: domain.CasePassed, Duration: &d300},
			{RunID: fx.finished.ID, Name: "c", Status: domain.CaseFailed, DefinitionID: &fx.def1.ID},
			{RunID: fx.running.ID, Name: "a", Status: domain.CaseSkipped},
		}
		for i := range cases {
			cases[i].CreatedAt = next()
			require.NoError(t, tx.InsertCase(ctx, &cases[i]))
		}
		return nil
	}))
	return fx
}

func backends(t *testing.T) map[string]store.Store {
	mem, err := docstore.Open("")
	require.NoError(t, err)
	rel, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "agg.db"))
	require.NoError(t, err)
	t.Cleanup(func() { rel.Close() })
	return map[string]store.Store{"document": mem, "relational": rel}
}

func TestStrategiesAgree(t *testing.T) {
	ctx := context.Background()
	for backendName, s := range backends(t) {
		fx := seed(t, s)
		for _, strategy := range []string{aggregate.StrategyQueried, aggregate.StrategyEager} {
			agg, err := aggregate.New(strategy)
			require.NoError(t, err)
			t.Run(backendName+"/"+strategy, func(t *testing.T) {
				require.NoError(t, s.View(ctx, func(r store.Reader) error {
					ps, err := agg.ProjectStats(ctx, r, fx.project.ID)
					require.NoError(t, err)
					assert.Equal(t, domain.ProjectStats{EpicCount: 2, TestDefinitionCount: 4, ActiveTestDefinitionCount: 2}, ps)

					zero, err := agg.ProjectStats(ctx, r, fx.empty.ID)
					require.NoError(t, err)
					assert.Equal(t, domain.ProjectStats{}, zero)

					es, err := agg.EpicStats(ctx, r, fx.epicWith.ID)
					require.NoError(t, err)
					assert.Equal(t, domain.EpicStats{FeatureCount: 2, TestDefinitionCount: 4, ActiveTestDefinitionCount: 2}, es)

					es, err = agg.EpicStats(ctx, r, fx.epicEmpty.ID)
					require.NoError(t, err)
					assert.Equal(t, domain.EpicStats{}, es)

					fs, err := agg.FeatureStats(ctx, r, fx.featA.ID)
					require.NoError(t, err)
					assert.Equal(t, domain.FeatureStats{TestDefinitionCount: 3, ActiveTestDefinitionCount: 2}, fs)

					fs, err = agg.FeatureStats(ctx, r, fx.featB.ID)
					require.NoError(t, err)
					assert.Equal(t, domain.FeatureStats{TestDefinitionCount: 1, ActiveTestDefinitionCount: 0}, fs)

					n, err := agg.ExecutionCount(ctx, r, fx.def1.ID)
					require.NoError(t, err)
					assert.Equal(t, 2, n)

					rs, err := agg.RunStats(ctx, r, fx.finished)
					require.NoError(t, err)
					assert.Equal(t, 3, rs.TestCount)
					assert.Equal(t, 2, rs.Passed)
					assert.Equal(t, 1, rs.Failed)
					assert.Equal(t, 0, rs.Skipped)
					assert.Equal(t, rs.TestCount, rs.Passed+rs.Failed+rs.Skipped)
					assert.Equal(t, 66.67, rs.SuccessRate)
					assert.Equal(t, int64(200), rs.AvgDuration)
					require.NotNil(t, rs.Duration)
					assert.Equal(t, int64(90000), *rs.Duration)

					rs, err = agg.RunStats(ctx, r, fx.running)
					require.NoError(t, err)
					assert.Nil(t, rs.Duration)
					assert.Equal(t, 0.0, rs.SuccessRate)

					gs, err := agg.GlobalStats(ctx, r)
					require.NoError(t, err)
					assert.Equal(t, domain.GlobalStats{TotalRuns: 2, TotalTests: 4, Passed: 2, Failed: 1, Skipped: 1, SuccessRate: 50}, gs)

					has, err := agg.ProjectHasRuns(ctx, r, fx.project.ID)
					require.NoError(t, err)
					assert.True(t, has)
					has, err = agg.ProjectHasRuns(ctx, r, fx.empty.ID)
					require.NoError(t, err)
					assert.False(t, has)
					return nil
				}))
			})
		}
	}
}

// listCounter records which child lookups a strategy performs.
type listCounter struct {
	store.Reader
	lists, counts int
}

func (c *listCounter) ListEpics(ctx context.Context, projectID string) ([]domain.Epic, error) {
	c.lists++
	return c.Reader.ListEpics(ctx, projectID)
}

func (c *listCounter) ListFeatures(ctx context.Context, epicIDs ...string) ([]domain.Feature, error) {
	c.lists++
	return c.Reader.ListFeatures(ctx, epicIDs...)
}

func (c *listCounter) CountEpics(ctx context.Context, projectID string) (int, error) {
	c.counts++
	return c.Reader.CountEpics(ctx, projectID)
}

func (c *listCounter) CountFeatures(ctx context.Context, epicID string) (int, error) {
	c.counts++
	return c.Reader.CountFeatures(ctx, epicID)
}

func TestQueriedCountsBeforeListing(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		fx := seed(t, s)
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.View(ctx, func(r store.Reader) error {
				c := &listCounter{Reader: r}
				ps, err := aggregate.Queried{}.ProjectStats(ctx, c, fx.empty.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.ProjectStats{}, ps)
				es, err := aggregate.Queried{}.EpicStats(ctx, c, fx.epicEmpty.ID)
				require.NoError(t, err)
				assert.Equal(t, domain.EpicStats{}, es)
				assert.Equal(t, 2, c.counts)
				assert.Zero(t, c.lists)

				es, err = aggregate.Queried{}.EpicStats(ctx, c, fx.epicWith.ID)
				require.NoError(t, err)
				assert.Equal(t, 2, es.FeatureCount)
				assert.Equal(t, 3, c.counts)
				return nil
			}))
		})
	}
}

func TestUnknownStrategy(t *testing.T) {
	_, err := aggregate.New("lazy")
	assert.Error(t, err)
}
