// Package store defines the Entity Store contract shared by the relational and
// document backends. Every mutation runs inside Update so that a check and the
// write it guards land atomically.
package store

import (
	"context"
	"slices"

	"redstone/internal/domain"
)

// Store opens transactions against a backend.
type Store interface {
	// Update runs fn in a read-write transaction. A non-nil error from fn discards
	// every write fn made.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Reader) error) error
	Close() error
}

// Reader is the query half of a transaction.
type Reader interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	FindProjectByName(ctx context.Context, name string) (domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)

	GetEpic(ctx context.Context, id string) (domain.Epic, error)
	ListEpics(ctx context.Context, projectID string) ([]domain.Epic, error)
	CountEpics(ctx context.Context, projectID string) (int, error)

	GetFeature(ctx context.Context, id string) (domain.Feature, error)
	// ListFeatures returns the features of the given epics; no ids means every feature.
	ListFeatures(ctx context.Context, epicIDs ...string) ([]domain.Feature, error)
	CountFeatures(ctx context.Context, epicID string) (int, error)

	GetDefinition(ctx context.Context, id string) (domain.Definition, error)
	ListDefinitions(ctx context.Context, f DefinitionFilter) ([]domain.Definition, error)
	CountDefinitions(ctx context.Context, f DefinitionFilter) (int, error)

	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error)
	CountRuns(ctx context.Context, f RunFilter) (int, error)

	GetCase(ctx context.Context, id string) (domain.Case, error)
	ListCases(ctx context.Context, f CaseFilter) ([]domain.Case, error)
	CountCases(ctx context.Context, f CaseFilter) (int, error)
	SummarizeCases(ctx context.Context, f CaseFilter) (CaseSummary, error)
	// CaseNames returns the distinct case names of a run in first-recorded order.
	CaseNames(ctx context.Context, runID string) ([]string, error)

	ListEvents(ctx context.Context, limit int) ([]domain.Event, error)
}

// Tx is a read-write transaction.
type Tx interface {
	Reader

	InsertProject(ctx context.Context, p *domain.Project) error
	UpdateProject(ctx context.Context, p domain.Project) error
	DeleteProject(ctx context.Context, id string) error

	InsertEpic(ctx context.Context, e *domain.Epic) error
	UpdateEpic(ctx context.Context, e domain.Epic) error
	DeleteEpic(ctx context.Context, id string) error

	InsertFeature(ctx context.Context, f *domain.Feature) error
	UpdateFeature(ctx context.Context, f domain.Feature) error
	DeleteFeature(ctx context.Context, id string) error

	InsertDefinition(ctx context.Context, d *domain.Definition) error
	UpdateDefinition(ctx context.Context, d domain.Definition) error
	DeleteDefinition(ctx context.Context, id string) error

	InsertRun(ctx context.Context, r *domain.Run) error
	UpdateRun(ctx context.Context, r domain.Run) error
	// DeleteRun removes the run together with its cases and their steps.
	DeleteRun(ctx context.Context, id string) error

	// InsertCase stores the case and its steps as one unit.
	InsertCase(ctx context.Context, c *domain.Case) error
	DeleteCase(ctx context.Context, id string) error

	AppendEvent(ctx context.Context, e *domain.Event) error
}

// DefinitionFilter narrows definition queries. Nil FeatureIDs matches every
// feature; a non-nil empty slice matches none.
type DefinitionFilter struct {
	FeatureIDs []string
	ActiveOnly bool
	Priorities []domain.Priority
}

// RunFilter narrows run queries. Limit 0 means unlimited. Runs list newest first.
type RunFilter struct {
	ProjectID string
	Limit     int
}

// CaseFilter narrows case queries. Cases list by creation order unless
// NewestFirst is set.
type CaseFilter struct {
	RunID        string
	DefinitionID string
	Status       domain.CaseStatus
	NewestFirst  bool
}

// CaseSummary is the status partition plus the sum and count of non-null durations.
type CaseSummary struct {
	Counts      domain.StatusCounts
	DurationSum int64
	DurationN   int
}

// Matches reports whether c passes the filter; backends without a query
// language use it to fan out over a collection.
func (f CaseFilter) Matches(c domain.Case) bool {
	if f.RunID != "" && c.RunID != f.RunID {
		return false
	}
	if f.DefinitionID != "" && (c.DefinitionID == nil || *c.DefinitionID != f.DefinitionID) {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}

func (f DefinitionFilter) Matches(d domain.Definition) bool {
	if f.FeatureIDs != nil && !slices.Contains(f.FeatureIDs, d.FeatureID) {
		return false
	}
	if f.ActiveOnly && !d.IsActive {
		return false
	}
	if len(f.Priorities) > 0 && !slices.Contains(f.Priorities, d.Priority) {
		return false
	}
	return true
}

func (f RunFilter) Matches(r domain.Run) bool {
	if f.ProjectID == "" {
		return true
	}
	return r.ProjectID != nil && *r.ProjectID == f.ProjectID
}
