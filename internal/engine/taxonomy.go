package engine

import (
	"context"
	"fmt"
	"strings"

	"redstone/internal/domain"
	"redstone/internal/events"
	"redstone/internal/store"
)

// ProjectCreateOptions are parameters for creating a project.
type ProjectCreateOptions struct {
	Name        string
	Description string
}

func (o ProjectCreateOptions) Validate() error {
	return firstErr(
		required("name", strings.TrimSpace(o.Name), maxName),
		maxLen("description", o.Description, maxDescription),
	)
}

// ProjectUpdateOptions carries a sparse update. Nil fields are left alone; an
// empty description clears it.
type ProjectUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
}

func (o ProjectUpdateOptions) Validate() error {
	if o.Name != nil {
		if err := required("name", strings.TrimSpace(*o.Name), maxName); err != nil {
			return err
		}
	}
	return optionalLen("description", o.Description, maxDescription)
}

func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if err := opts.Validate(); err != nil {
		return domain.Project{}, err
	}
	p := domain.Project{
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		CreatedAt:   e.now(),
	}
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertProject(ctx, &p); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.ProjectCreated, domain.KindProject, p.ID, events.EventPayload{"name": p.Name})
	})
	if err != nil {
		return domain.Project{}, err
	}
	e.log().Info("project created", "id", p.ID, "name", p.Name)
	return p, nil
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.ProjectSummary, error) {
	var out domain.ProjectSummary
	err := e.Store.View(ctx, func(r store.Reader) error {
		p, err := r.GetProject(ctx, id)
		if err != nil {
			return err
		}
		st, err := e.stats().ProjectStats(ctx, r, p.ID)
		out = domain.ProjectSummary{Project: p, ProjectStats: st}
		return err
	})
	return out, err
}

// ListProjects returns every project, newest first, with its derived counts.
func (e Engine) ListProjects(ctx context.Context) ([]domain.ProjectSummary, error) {
	out := []domain.ProjectSummary{}
	err := e.Store.View(ctx, func(r store.Reader) error {
		projects, err := r.ListProjects(ctx)
		if err != nil {
			return err
		}
		for _, p := range projects {
			st, err := e.stats().ProjectStats(ctx, r, p.ID)
			if err != nil {
				return err
			}
			out = append(out, domain.ProjectSummary{Project: p, ProjectStats: st})
		}
		return nil
	})
	return out, err
}

func (e Engine) UpdateProject(ctx context.Context, opts ProjectUpdateOptions) (domain.Project, error) {
	if err := opts.Validate(); err != nil {
		return domain.Project{}, err
	}
	var p domain.Project
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetProject(ctx, opts.ID)
		if err != nil {
			return err
		}
		if opts.Name != nil {
			p.Name = strings.TrimSpace(*opts.Name)
		}
		if opts.Description != nil {
			p.Description = *opts.Description
		}
		if err := tx.UpdateProject(ctx, p); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.ProjectUpdated, domain.KindProject, p.ID, events.EventPayload{"name": p.Name})
	})
	return p, err
}

// DeleteProject refuses while the project owns epics or is referenced by runs.
func (e Engine) DeleteProject(ctx context.Context, id string) error {
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProject(ctx, id); err != nil {
			return err
		}
		st, err := e.stats().ProjectStats(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.EpicCount > 0 {
			return domain.DeletionConstraint(domain.KindProject, id, "has associated Epics")
		}
		hasRuns, err := e.stats().ProjectHasRuns(ctx, tx, id)
		if err != nil {
			return err
		}
		if hasRuns {
			return domain.DeletionConstraint(domain.KindProject, id, "has associated TestRuns")
		}
		if err := tx.DeleteProject(ctx, id); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.ProjectDeleted, domain.KindProject, id, nil)
	})
	if err != nil {
		return err
	}
	e.log().Info("project deleted", "id", id)
	return nil
}

type EpicCreateOptions struct {
	ProjectID   string
	Name        string
	Description string
	ExternalRef string
}

func (o EpicCreateOptions) Validate() error {
	return firstErr(
		required("name", strings.TrimSpace(o.Name), maxName),
		maxLen("description", o.Description, maxDescription),
		maxLen("external_ref", o.ExternalRef, maxName),
	)
}

type EpicUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
	ExternalRef *string
}

func (o EpicUpdateOptions) Validate() error {
	if o.Name != nil {
		if err := required("name", strings.TrimSpace(*o.Name), maxName); err != nil {
			return err
		}
	}
	return firstErr(
		optionalLen("description", o.Description, maxDescription),
		optionalLen("external_ref", o.ExternalRef, maxName),
	)
}

func (e Engine) CreateEpic(ctx context.Context, opts EpicCreateOptions) (domain.Epic, error) {
	if err := opts.Validate(); err != nil {
		return domain.Epic{}, err
	}
	ep := domain.Epic{
		ProjectID:   opts.ProjectID,
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		ExternalRef: opts.ExternalRef,
		CreatedAt:   e.now(),
	}
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetProject(ctx, opts.ProjectID); err != nil {
			return asParent(err, domain.KindProject, opts.ProjectID)
		}
		if err := tx.InsertEpic(ctx, &ep); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.EpicCreated, domain.KindEpic, ep.ID, events.EventPayload{"project_id": ep.ProjectID, "name": ep.Name})
	})
	if err != nil {
		return domain.Epic{}, err
	}
	return ep, nil
}

func (e Engine) GetEpic(ctx context.Context, id string) (domain.EpicSummary, error) {
	var out domain.EpicSummary
	err := e.Store.View(ctx, func(r store.Reader) error {
		ep, err := r.GetEpic(ctx, id)
		if err != nil {
			return err
		}
		st, err := e.stats().EpicStats(ctx, r, ep.ID)
		out = domain.EpicSummary{Epic: ep, EpicStats: st}
		return err
	})
	return out, err
}

func (e Engine) ListEpics(ctx context.Context, projectID string) ([]domain.EpicSummary, error) {
	out := []domain.EpicSummary{}
	err := e.Store.View(ctx, func(r store.Reader) error {
		if _, err := r.GetProject(ctx, projectID); err != nil {
			return err
		}
		epics, err := r.ListEpics(ctx, projectID)
		if err != nil {
			return err
		}
		for _, ep := range epics {
			st, err := e.stats().EpicStats(ctx, r, ep.ID)
			if err != nil {
				return err
			}
			out = append(out, domain.EpicSummary{Epic: ep, EpicStats: st})
		}
		return nil
	})
	return out, err
}

func (e Engine) UpdateEpic(ctx context.Context, opts EpicUpdateOptions) (domain.Epic, error) {
	if err := opts.Validate(); err != nil {
		return domain.Epic{}, err
	}
	var ep domain.Epic
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		var err error
		ep, err = tx.GetEpic(ctx, opts.ID)
		if err != nil {
			return err
		}
		if opts.Name != nil {
			ep.Name = strings.TrimSpace(*opts.Name)
		}
		if opts.Description != nil {
			ep.Description = *opts.Description
		}
		if opts.ExternalRef != nil {
			ep.ExternalRef = *opts.ExternalRef
		}
		return tx.UpdateEpic(ctx, ep)
	})
	return ep, err
}

func (e Engine) DeleteEpic(ctx context.Context, id string) error {
	return e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetEpic(ctx, id); err != nil {
			return err
		}
		st, err := e.stats().EpicStats(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.FeatureCount > 0 {
			return domain.DeletionConstraint(domain.KindEpic, id, "has associated Features")
		}
		if err := tx.DeleteEpic(ctx, id); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.EpicDeleted, domain.KindEpic, id, nil)
	})
}

type FeatureCreateOptions struct {
	EpicID      string
	Name        string
	Description string
}

func (o FeatureCreateOptions) Validate() error {
	return firstErr(
		required("name", strings.TrimSpace(o.Name), maxName),
		maxLen("description", o.Description, maxDescription),
	)
}

type FeatureUpdateOptions struct {
	ID          string
	Name        *string
	Description *string
}

func (o FeatureUpdateOptions) Validate() error {
	if o.Name != nil {
		if err := required("name", strings.TrimSpace(*o.Name), maxName); err != nil {
			return err
		}
	}
	return optionalLen("description", o.Description, maxDescription)
}

func (e Engine) CreateFeature(ctx context.Context, opts FeatureCreateOptions) (domain.Feature, error) {
	if err := opts.Validate(); err != nil {
		return domain.Feature{}, err
	}
	f := domain.Feature{
		EpicID:      opts.EpicID,
		Name:        strings.TrimSpace(opts.Name),
		Description: opts.Description,
		CreatedAt:   e.now(),
	}
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetEpic(ctx, opts.EpicID); err != nil {
			return asParent(err, domain.KindEpic, opts.EpicID)
		}
		if err := tx.InsertFeature(ctx, &f); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.FeatureCreated, domain.KindFeature, f.ID, events.EventPayload{"epic_id": f.EpicID, "name": f.Name})
	})
	if err != nil {
		return domain.Feature{}, err
	}
	return f, nil
}

func (e Engine) GetFeature(ctx context.Context, id string) (domain.FeatureSummary, error) {
	var out domain.FeatureSummary
	err := e.Store.View(ctx, func(r store.Reader) error {
		f, err := r.GetFeature(ctx, id)
		if err != nil {
			return err
		}
		st, err := e.stats().FeatureStats(ctx, r, f.ID)
		out = domain.FeatureSummary{Feature: f, FeatureStats: st}
		return err
	})
	return out, err
}

func (e Engine) ListFeatures(ctx context.Context, epicID string) ([]domain.FeatureSummary, error) {
	out := []domain.FeatureSummary{}
	err := e.Store.View(ctx, func(r store.Reader) error {
		if _, err := r.GetEpic(ctx, epicID); err != nil {
			return err
		}
		features, err := r.ListFeatures(ctx, epicID)
		if err != nil {
			return err
		}
		for _, f := range features {
			st, err := e.stats().FeatureStats(ctx, r, f.ID)
			if err != nil {
				return err
			}
			out = append(out, domain.FeatureSummary{Feature: f, FeatureStats: st})
		}
		return nil
	})
	return out, err
}

func (e Engine) UpdateFeature(ctx context.Context, opts FeatureUpdateOptions) (domain.Feature, error) {
	if err := opts.Validate(); err != nil {
		return domain.Feature{}, err
	}
	var f domain.Feature
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		var err error
		f, err = tx.GetFeature(ctx, opts.ID)
		if err != nil {
			return err
		}
		if opts.Name != nil {
			f.Name = strings.TrimSpace(*opts.Name)
		}
		if opts.Description != nil {
			f.Description = *opts.Description
		}
		return tx.UpdateFeature(ctx, f)
	})
	return f, err
}

// DeleteFeature refuses while any definition, active or not, belongs to the feature.
func (e Engine) DeleteFeature(ctx context.Context, id string) error {
	return e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetFeature(ctx, id); err != nil {
			return err
		}
		st, err := e.stats().FeatureStats(ctx, tx, id)
		if err != nil {
			return err
		}
		if st.TestDefinitionCount > 0 {
			return domain.DeletionConstraint(domain.KindFeature, id, "has associated TestCaseDefinitions")
		}
		if err := tx.DeleteFeature(ctx, id); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.FeatureDeleted, domain.KindFeature, id, nil)
	})
}

// ListEvents returns the most recent audit events first.
func (e Engine) ListEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	if limit < 0 {
		return nil, domain.Invalid("limit", "must not be negative")
	}
	var out []domain.Event
	err := e.Store.View(ctx, func(r store.Reader) error {
		var err error
		out, err = r.ListEvents(ctx, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	if out == nil {
		out = []domain.Event{}
	}
	return out, nil
}
