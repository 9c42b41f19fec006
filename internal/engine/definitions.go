package engine

import (
	"context"
	"strings"

	"redstone/internal/domain"
	"redstone/internal/events"
	"redstone/internal/store"
)

// DefinitionCreateOptions are parameters for creating a test case definition.
// Steps keep their submitted order; any Order values are replaced.
type DefinitionCreateOptions struct {
	FeatureID      string
	Title          string
	Description    string
	Preconditions  string
	ExpectedResult string
	Steps          []domain.DefinitionStep
	Priority       domain.Priority
}

func validateSteps(steps []domain.DefinitionStep) error {
	for _, s := range steps {
		if err := maxLen("steps.description", s.Description, maxStep); err != nil {
			return err
		}
	}
	return nil
}

func validatePriority(p domain.Priority) error {
	if !p.Valid() {
		return domain.Invalid("priority", "must be one of critical, high, medium, low")
	}
	return nil
}

func (o DefinitionCreateOptions) Validate() error {
	err := firstErr(
		required("title", strings.TrimSpace(o.Title), maxName),
		maxLen("description", o.Description, maxLongText),
		maxLen("preconditions", o.Preconditions, maxLongText),
		maxLen("expected_result", o.ExpectedResult, maxLongText),
		validateSteps(o.Steps),
	)
	if err != nil {
		return err
	}
	if o.Priority != "" {
		return validatePriority(o.Priority)
	}
	return nil
}

// DefinitionUpdateOptions is a sparse update. It cannot change is_active;
// use DeactivateDefinition and ReactivateDefinition for that.
type DefinitionUpdateOptions struct {
	ID             string
	Title          *string
	Description    *string
	Preconditions  *string
	ExpectedResult *string
	Steps          *[]domain.DefinitionStep
	Priority       *domain.Priority
}

func (o DefinitionUpdateOptions) Validate() error {
	if o.Title != nil {
		if err := required("title", strings.TrimSpace(*o.Title), maxName); err != nil {
			return err
		}
	}
	if o.Steps != nil {
		if err := validateSteps(*o.Steps); err != nil {
			return err
		}
	}
	if o.Priority != nil {
		if err := validatePriority(*o.Priority); err != nil {
			return err
		}
	}
	return firstErr(
		optionalLen("description", o.Description, maxLongText),
		optionalLen("preconditions", o.Preconditions, maxLongText),
		optionalLen("expected_result", o.ExpectedResult, maxLongText),
	)
}

func numberSteps(in []domain.DefinitionStep) []domain.DefinitionStep {
	out := make([]domain.DefinitionStep, len(in))
	for i, s := range in {
		out[i] = domain.DefinitionStep{Description: s.Description, Order: i}
	}
	return out
}

// touch sets updated_at to now, never earlier than created_at.
func (e Engine) touch(d *domain.Definition) {
	now := e.now()
	if now.Before(d.CreatedAt) {
		now = d.CreatedAt
	}
	d.UpdatedAt = now
}

func (e Engine) CreateDefinition(ctx context.Context, opts DefinitionCreateOptions) (domain.Definition, error) {
	if err := opts.Validate(); err != nil {
		return domain.Definition{}, err
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	now := e.now()
	d := domain.Definition{
		FeatureID:      opts.FeatureID,
		Title:          strings.TrimSpace(opts.Title),
		Description:    opts.Description,
		Preconditions:  opts.Preconditions,
		ExpectedResult: opts.ExpectedResult,
		Steps:          numberSteps(opts.Steps),
		Priority:       opts.Priority,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetFeature(ctx, opts.FeatureID); err != nil {
			return asParent(err, domain.KindFeature, opts.FeatureID)
		}
		if err := tx.InsertDefinition(ctx, &d); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.DefinitionCreated, domain.KindDefinition, d.ID,
			events.EventPayload{"feature_id": d.FeatureID, "title": d.Title, "priority": string(d.Priority)})
	})
	if err != nil {
		return domain.Definition{}, err
	}
	return d, nil
}

func (e Engine) GetDefinition(ctx context.Context, id string) (domain.DefinitionSummary, error) {
	var out domain.DefinitionSummary
	err := e.Store.View(ctx, func(r store.Reader) error {
		d, err := r.GetDefinition(ctx, id)
		if err != nil {
			return err
		}
		n, err := e.stats().ExecutionCount(ctx, r, d.ID)
		out = domain.DefinitionSummary{Definition: d, ExecutionCount: n}
		return err
	})
	return out, err
}

func (e Engine) summarizeDefinitions(ctx context.Context, r store.Reader, defs []domain.Definition) ([]domain.DefinitionSummary, error) {
	out := make([]domain.DefinitionSummary, 0, len(defs))
	for _, d := range defs {
		n, err := e.stats().ExecutionCount(ctx, r, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.DefinitionSummary{Definition: d, ExecutionCount: n})
	}
	return out, nil
}

// ListDefinitions returns the definitions of one feature, newest first.
func (e Engine) ListDefinitions(ctx context.Context, featureID string, includeInactive bool) ([]domain.DefinitionSummary, error) {
	var out []domain.DefinitionSummary
	err := e.Store.View(ctx, func(r store.Reader) error {
		if _, err := r.GetFeature(ctx, featureID); err != nil {
			return err
		}
		defs, err := r.ListDefinitions(ctx, store.DefinitionFilter{FeatureIDs: []string{featureID}, ActiveOnly: !includeInactive})
		if err != nil {
			return err
		}
		out, err = e.summarizeDefinitions(ctx, r, defs)
		return err
	})
	return out, err
}

// DefinitionQuery selects active definitions across a project. EpicID and
// FeatureID narrow the scope; Priorities restricts to the listed levels.
type DefinitionQuery struct {
	ProjectID  string
	EpicID     string
	FeatureID  string
	Priorities []domain.Priority
}

// ParsePriorities splits a comma-separated priority list, ignoring blanks.
func ParsePriorities(raw string) ([]domain.Priority, error) {
	var out []domain.Priority
	for _, part := range strings.Split(raw, ",") {
		p := domain.Priority(strings.ToLower(strings.TrimSpace(part)))
		if p == "" {
			continue
		}
		if err := validatePriority(p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (e Engine) ListProjectDefinitions(ctx context.Context, q DefinitionQuery) ([]domain.DefinitionSummary, error) {
	for _, p := range q.Priorities {
		if err := validatePriority(p); err != nil {
			return nil, err
		}
	}
	var out []domain.DefinitionSummary
	err := e.Store.View(ctx, func(r store.Reader) error {
		if _, err := r.GetProject(ctx, q.ProjectID); err != nil {
			return err
		}
		featureIDs, err := projectFeatureIDs(ctx, r, q)
		if err != nil {
			return err
		}
		defs, err := r.ListDefinitions(ctx, store.DefinitionFilter{FeatureIDs: featureIDs, ActiveOnly: true, Priorities: q.Priorities})
		if err != nil {
			return err
		}
		out, err = e.summarizeDefinitions(ctx, r, defs)
		return err
	})
	return out, err
}

// projectFeatureIDs resolves the query scope to feature ids. A scope outside
// the project yields an empty, non-nil slice.
func projectFeatureIDs(ctx context.Context, r store.Reader, q DefinitionQuery) ([]string, error) {
	epics, err := r.ListEpics(ctx, q.ProjectID)
	if err != nil {
		return nil, err
	}
	epicIDs := []string{}
	for _, ep := range epics {
		if q.EpicID == "" || ep.ID == q.EpicID {
			epicIDs = append(epicIDs, ep.ID)
		}
	}
	featureIDs := []string{}
	if len(epicIDs) == 0 {
		return featureIDs, nil
	}
	features, err := r.ListFeatures(ctx, epicIDs...)
	if err != nil {
		return nil, err
	}
	for _, f := range features {
		if q.FeatureID == "" || f.ID == q.FeatureID {
			featureIDs = append(featureIDs, f.ID)
		}
	}
	return featureIDs, nil
}

func (e Engine) UpdateDefinition(ctx context.Context, opts DefinitionUpdateOptions) (domain.Definition, error) {
	if err := opts.Validate(); err != nil {
		return domain.Definition{}, err
	}
	var d domain.Definition
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		var err error
		d, err = tx.GetDefinition(ctx, opts.ID)
		if err != nil {
			return err
		}
		if opts.Title != nil {
			d.Title = strings.TrimSpace(*opts.Title)
		}
		if opts.Description != nil {
			d.Description = *opts.Description
		}
		if opts.Preconditions != nil {
			d.Preconditions = *opts.Preconditions
		}
		if opts.ExpectedResult != nil {
			d.ExpectedResult = *opts.ExpectedResult
		}
		if opts.Steps != nil {
			d.Steps = numberSteps(*opts.Steps)
		}
		if opts.Priority != nil {
			d.Priority = *opts.Priority
		}
		e.touch(&d)
		return tx.UpdateDefinition(ctx, d)
	})
	return d, err
}

// DeactivateDefinition is the soft delete. It always succeeds on an existing
// definition and leaves executions untouched.
func (e Engine) DeactivateDefinition(ctx context.Context, id string) (domain.Definition, error) {
	return e.setActive(ctx, id, false)
}

// ReactivateDefinition reverses DeactivateDefinition.
func (e Engine) ReactivateDefinition(ctx context.Context, id string) (domain.Definition, error) {
	return e.setActive(ctx, id, true)
}

func (e Engine) setActive(ctx context.Context, id string, active bool) (domain.Definition, error) {
	var d domain.Definition
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		var err error
		d, err = tx.GetDefinition(ctx, id)
		if err != nil {
			return err
		}
		if active && d.IsActive {
			return domain.InvalidState(domain.KindDefinition, id, "is already active")
		}
		d.IsActive = active
		e.touch(&d)
		if err := tx.UpdateDefinition(ctx, d); err != nil {
			return err
		}
		evt := events.DefinitionDeactivate
		if active {
			evt = events.DefinitionReactivate
		}
		return e.emit(ctx, tx, evt, domain.KindDefinition, id, nil)
	})
	if err != nil {
		return domain.Definition{}, err
	}
	return d, nil
}

// DeleteDefinition removes the definition permanently. Cases that reference
// it keep the now dangling reference.
func (e Engine) DeleteDefinition(ctx context.Context, id string) error {
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		if err := tx.DeleteDefinition(ctx, id); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.DefinitionDeleted, domain.KindDefinition, id, nil)
	})
	if err != nil {
		return err
	}
	e.log().Info("definition deleted", "id", id)
	return nil
}

// Executions lists the cases linked to a definition, newest first.
func (e Engine) Executions(ctx context.Context, definitionID string) ([]domain.Case, error) {
	var out []domain.Case
	err := e.Store.View(ctx, func(r store.Reader) error {
		if _, err := r.GetDefinition(ctx, definitionID); err != nil {
			return err
		}
		var err error
		out, err = r.ListCases(ctx, store.CaseFilter{DefinitionID: definitionID, NewestFirst: true})
		return err
	})
	return out, err
}
