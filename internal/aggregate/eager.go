package aggregate

import (
	"context"

	"redstone/internal/domain"
	"redstone/internal/store"
)

// Eager loads each subtree with its live child collections and counts them.
type Eager struct{}

var _ Aggregator = Eager{}

type featureNode struct {
	domain.Feature
	Definitions []domain.Definition
}

type epicNode struct {
	domain.Epic
	Features []featureNode
}

func loadFeature(ctx context.Context, r store.Reader, f domain.Feature) (featureNode, error) {
	defs, err := r.ListDefinitions(ctx, store.DefinitionFilter{FeatureIDs: []string{f.ID}})
	return featureNode{Feature: f, Definitions: defs}, err
}

func loadEpic(ctx context.Context, r store.Reader, e domain.Epic) (epicNode, error) {
	node := epicNode{Epic: e}
	features, err := r.ListFeatures(ctx, e.ID)
	if err != nil {
		return node, err
	}
	for _, f := range features {
		fn, err := loadFeature(ctx, r, f)
		if err != nil {
			return node, err
		}
		node.Features = append(node.Features, fn)
	}
	return node, nil
}

func (n featureNode) counts() (total, active int) {
	for _, d := range n.Definitions {
		total++
		if d.IsActive {
			active++
		}
	}
	return total, active
}

func (n epicNode) counts() (total, active int) {
	for _, f := range n.Features {
		t, a := f.counts()
		total += t
		active += a
	}
	return total, active
}

func (Eager) ProjectStats(ctx context.Context, r store.Reader, projectID string) (domain.ProjectStats, error) {
	var st domain.ProjectStats
	epics, err := r.ListEpics(ctx, projectID)
	if err != nil {
		return st, err
	}
	for _, e := range epics {
		node, err := loadEpic(ctx, r, e)
		if err != nil {
			return st, err
		}
		t, a := node.counts()
		st.TestDefinitionCount += t
		st.ActiveTestDefinitionCount += a
	}
	st.EpicCount = len(epics)
	return st, nil
}

func (Eager) EpicStats(ctx context.Context, r store.Reader, epicID string) (domain.EpicStats, error) {
	e, err := r.GetEpic(ctx, epicID)
	if err != nil {
		return domain.EpicStats{}, err
	}
	node, err := loadEpic(ctx, r, e)
	if err != nil {
		return domain.EpicStats{}, err
	}
	st := domain.EpicStats{FeatureCount: len(node.Features)}
	st.TestDefinitionCount, st.ActiveTestDefinitionCount = node.counts()
	return st, nil
}

func (Eager) FeatureStats(ctx context.Context, r store.Reader, featureID string) (domain.FeatureStats, error) {
	f, err := r.GetFeature(ctx, featureID)
	if err != nil {
		return domain.FeatureStats{}, err
	}
	node, err := loadFeature(ctx, r, f)
	if err != nil {
		return domain.FeatureStats{}, err
	}
	var st domain.FeatureStats
	st.TestDefinitionCount, st.ActiveTestDefinitionCount = node.counts()
	return st, nil
}

func (Eager) ExecutionCount(ctx context.Context, r store.Reader, definitionID string) (int, error) {
	cases, err := r.ListCases(ctx, store.CaseFilter{DefinitionID: definitionID})
	return len(cases), err
}

func summarize(cases []domain.Case) (counts domain.StatusCounts, durSum int64, durN int) {
	for _, c := range cases {
		counts.Add(c.Status)
		if c.Duration != nil {
			durSum += *c.Duration
			durN++
		}
	}
	return counts, durSum, durN
}

func (Eager) RunStats(ctx context.Context, r store.Reader, run domain.Run) (domain.RunStats, error) {
	cases, err := r.ListCases(ctx, store.CaseFilter{RunID: run.ID})
	if err != nil {
		return domain.RunStats{}, err
	}
	counts, durSum, durN := summarize(cases)
	return domain.NewRunStats(run, counts, durSum, durN), nil
}

func (Eager) GlobalStats(ctx context.Context, r store.Reader) (domain.GlobalStats, error) {
	runs, err := r.ListRuns(ctx, store.RunFilter{})
	if err != nil {
		return domain.GlobalStats{}, err
	}
	var counts domain.StatusCounts
	for _, run := range runs {
		cases, err := r.ListCases(ctx, store.CaseFilter{RunID: run.ID})
		if err != nil {
			return domain.GlobalStats{}, err
		}
		c, _, _ := summarize(cases)
		counts.Passed += c.Passed
		counts.Failed += c.Failed
		counts.Skipped += c.Skipped
	}
	return domain.NewGlobalStats(len(runs), counts), nil
}

func (Eager) ProjectHasRuns(ctx context.Context, r store.Reader, projectID string) (bool, error) {
	runs, err := r.ListRuns(ctx, store.RunFilter{ProjectID: projectID})
	return len(runs) > 0, err
}
