// Package aggregate derives hierarchy and run statistics on demand. Nothing it
// computes is ever stored.
package aggregate

import (
	"context"
	"fmt"

	"redstone/internal/domain"
	"redstone/internal/store"
)

// Aggregator computes derived counts inside the caller's transaction, so a
// guard check and the delete it protects see the same data.
type Aggregator interface {
	ProjectStats(ctx context.Context, r store.Reader, projectID string) (domain.ProjectStats, error)
	EpicStats(ctx context.Context, r store.Reader, epicID string) (domain.EpicStats, error)
	FeatureStats(ctx context.Context, r store.Reader, featureID string) (domain.FeatureStats, error)
	ExecutionCount(ctx context.Context, r store.Reader, definitionID string) (int, error)
	RunStats(ctx context.Context, r store.Reader, run domain.Run) (domain.RunStats, error)
	GlobalStats(ctx context.Context, r store.Reader) (domain.GlobalStats, error)
	// ProjectHasRuns reports whether any run references the project.
	ProjectHasRuns(ctx context.Context, r store.Reader, projectID string) (bool, error)
}

const (
	StrategyQueried = "queried"
	StrategyEager   = "eager"
)

// New returns the aggregator for a configured strategy name.
func New(strategy string) (Aggregator, error) {
	switch strategy {
	case "", StrategyQueried:
		return Queried{}, nil
	case StrategyEager:
		return Eager{}, nil
	}
	return nil, fmt.Errorf("unknown aggregation strategy %q", strategy)
}

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = id(it)
	}
	return out
}

// Queried asks the store for counts through parent-reference lookups.
type Queried struct{}

var _ Aggregator = Queried{}

func (Queried) definitionCounts(ctx context.Context, r store.Reader, featureIDs []string) (total, active int, err error) {
	if len(featureIDs) == 0 {
		return 0, 0, nil
	}
	total, err = r.CountDefinitions(ctx, store.DefinitionFilter{FeatureIDs: featureIDs})
	if err != nil {
		return 0, 0, err
	}
	active, err = r.CountDefinitions(ctx, store.DefinitionFilter{FeatureIDs: featureIDs, ActiveOnly: true})
	return total, active, err
}

func (q Queried) ProjectStats(ctx context.Context, r store.Reader, projectID string) (domain.ProjectStats, error) {
	var st domain.ProjectStats
	n, err := r.CountEpics(ctx, projectID)
	if err != nil || n == 0 {
		return st, err
	}
	st.EpicCount = n
	epics, err := r.ListEpics(ctx, projectID)
	if err != nil {
		return st, err
	}
	features, err := r.ListFeatures(ctx, ids(epics, func(e domain.Epic) string { return e.ID })...)
	if err != nil {
		return st, err
	}
	st.TestDefinitionCount, st.ActiveTestDefinitionCount, err = q.definitionCounts(ctx, r, ids(features, func(f domain.Feature) string { return f.ID }))
	return st, err
}

func (q Queried) EpicStats(ctx context.Context, r store.Reader, epicID string) (domain.EpicStats, error) {
	var st domain.EpicStats
	n, err := r.CountFeatures(ctx, epicID)
	if err != nil || n == 0 {
		return st, err
	}
	st.FeatureCount = n
	features, err := r.ListFeatures(ctx, epicID)
	if err != nil {
		return st, err
	}
	st.TestDefinitionCount, st.ActiveTestDefinitionCount, err = q.definitionCounts(ctx, r, ids(features, func(f domain.Feature) string { return f.ID }))
	return st, err
}

func (q Queried) FeatureStats(ctx context.Context, r store.Reader, featureID string) (domain.FeatureStats, error) {
	var st domain.FeatureStats
	var err error
	st.TestDefinitionCount, st.ActiveTestDefinitionCount, err = q.definitionCounts(ctx, r, []string{featureID})
	return st, err
}

func (Queried) ExecutionCount(ctx context.Context, r store.Reader, definitionID string) (int, error) {
	return r.CountCases(ctx, store.CaseFilter{DefinitionID: definitionID})
}

func (Queried) RunStats(ctx context.Context, r store.Reader, run domain.Run) (domain.RunStats, error) {
	sum, err := r.SummarizeCases(ctx, store.CaseFilter{RunID: run.ID})
	if err != nil {
		return domain.RunStats{}, err
	}
	return domain.NewRunStats(run, sum.Counts, sum.DurationSum, sum.DurationN), nil
}

func (Queried) GlobalStats(ctx context.Context, r store.Reader) (domain.GlobalStats, error) {
	runs, err := r.CountRuns(ctx, store.RunFilter{})
	if err != nil {
		return domain.GlobalStats{}, err
	}
	sum, err := r.SummarizeCases(ctx, store.CaseFilter{})
	if err != nil {
		return domain.GlobalStats{}, err
	}
	return domain.NewGlobalStats(runs, sum.Counts), nil
}

func (Queried) ProjectHasRuns(ctx context.Context, r store.Reader, projectID string) (bool, error) {
	n, err := r.CountRuns(ctx, store.RunFilter{ProjectID: projectID})
	return n > 0, err
}
