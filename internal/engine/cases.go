package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"redstone/internal/artifacts"
	"redstone/internal/domain"
	"redstone/internal/events"
	"redstone/internal/store"
)

type StepReport struct {
	Description string
	Status      domain.CaseStatus
}

// CaseReport is one executed test as submitted by a runner. Steps are stored
// in the order given.
type CaseReport struct {
	RunID        string
	Name         string
	Status       domain.CaseStatus
	Duration     *int64
	ErrorMessage string
	ErrorStack   string
	DefinitionID string
	Steps        []StepReport
	Screenshot   *artifacts.Screenshot
}

// Validate checks every field, including the screenshot type, so a bad report
// is rejected before anything is written.
func (c CaseReport) Validate(maxScreenshot int64) error {
	if err := required("name", strings.TrimSpace(c.Name), maxName); err != nil {
		return err
	}
	if !c.Status.Valid() {
		return domain.Invalid("status", "must be one of passed, failed, skipped")
	}
	if c.Duration != nil && *c.Duration < 0 {
		return domain.Invalid("duration", "must not be negative")
	}
	if err := maxLen("error_message", c.ErrorMessage, maxErrorMsg); err != nil {
		return err
	}
	for _, s := range c.Steps {
		if err := maxLen("steps.description", s.Description, maxStep); err != nil {
			return err
		}
		if !s.Status.Valid() {
			return domain.Invalid("steps.status", "must be one of passed, failed, skipped")
		}
	}
	if c.Screenshot != nil {
		return c.Screenshot.Validate(maxScreenshot)
	}
	return nil
}

func (c CaseReport) toCase(created time.Time) domain.Case {
	out := domain.Case{
		RunID:        c.RunID,
		Name:         strings.TrimSpace(c.Name),
		Status:       c.Status,
		Duration:     c.Duration,
		ErrorMessage: c.ErrorMessage,
		ErrorStack:   c.ErrorStack,
		CreatedAt:    created,
	}
	if c.DefinitionID != "" {
		ref := c.DefinitionID
		out.DefinitionID = &ref
	}
	out.Steps = make([]domain.Step, len(c.Steps))
	for i, s := range c.Steps {
		out.Steps[i] = domain.Step{Description: s.Description, Status: s.Status, OrderIndex: i}
	}
	return out
}

// ReportCase records one case and its steps as a single write. A screenshot is
// stored before the write starts; if storing it fails the case is recorded
// without it.
func (e Engine) ReportCase(ctx context.Context, rep CaseReport) (domain.Case, error) {
	if err := rep.Validate(e.maxScreenshot()); err != nil {
		return domain.Case{}, err
	}
	err := e.Store.View(ctx, func(r store.Reader) error {
		_, err := r.GetRun(ctx, rep.RunID)
		return err
	})
	if err != nil {
		return domain.Case{}, err
	}

	c := rep.toCase(e.now())
	if rep.Screenshot != nil {
		c.ScreenshotPath = e.saveArtifact(ctx, rep)
	}

	err = e.Store.Update(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRun(ctx, rep.RunID); err != nil {
			return err
		}
		if e.StrictDefinitionRefs && c.DefinitionID != nil {
			if _, err := tx.GetDefinition(ctx, *c.DefinitionID); err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					return domain.ParentNotFound(domain.KindDefinition, *c.DefinitionID)
				}
				return err
			}
		}
		if err := tx.InsertCase(ctx, &c); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.CaseReported, domain.KindCase, c.ID,
			events.EventPayload{"run_id": c.RunID, "name": c.Name, "status": string(c.Status)})
	})
	if err != nil {
		if c.ScreenshotPath != "" {
			e.removeArtifact(ctx, c.ScreenshotPath)
		}
		return domain.Case{}, err
	}
	return c, nil
}

func (e Engine) maxScreenshot() int64 {
	if fs, ok := e.Artifacts.(*artifacts.FS); ok {
		return fs.MaxBytes
	}
	return artifacts.DefaultMaxBytes
}

// saveArtifact returns the stored path, or "" after logging a storage failure.
func (e Engine) saveArtifact(ctx context.Context, rep CaseReport) string {
	if e.Artifacts == nil {
		e.log().Warn("screenshot dropped, no artifact storage configured", "run_id", rep.RunID, "case", rep.Name)
		return ""
	}
	rel, err := e.Artifacts.Save(ctx, rep.RunID, rep.Name, *rep.Screenshot)
	if err != nil {
		e.log().Error("screenshot not stored", "run_id", rep.RunID, "case", rep.Name, "err", err)
		return ""
	}
	return rel
}

func (e Engine) removeArtifact(ctx context.Context, rel string) {
	if e.Artifacts == nil {
		return
	}
	if err := e.Artifacts.Delete(ctx, rel); err != nil {
		e.log().Warn("screenshot not removed", "path", rel, "err", err)
	}
}

func (e Engine) GetCase(ctx context.Context, id string) (domain.Case, error) {
	var c domain.Case
	err := e.Store.View(ctx, func(r store.Reader) error {
		var err error
		c, err = r.GetCase(ctx, id)
		return err
	})
	return c, err
}

// ListCases returns a run's cases in creation order, optionally by status.
func (e Engine) ListCases(ctx context.Context, runID string, status domain.CaseStatus) ([]domain.Case, error) {
	if status != "" && !status.Valid() {
		return nil, domain.Invalid("status", "must be one of passed, failed, skipped")
	}
	var out []domain.Case
	err := e.Store.View(ctx, func(r store.Reader) error {
		if _, err := r.GetRun(ctx, runID); err != nil {
			return err
		}
		var err error
		out, err = r.ListCases(ctx, store.CaseFilter{RunID: runID, Status: status})
		return err
	})
	return out, err
}

// DeleteCase removes a case and its steps. The screenshot is removed after the
// write commits; failing to remove it does not fail the delete.
func (e Engine) DeleteCase(ctx context.Context, id string) error {
	var shot string
	err := e.Store.Update(ctx, func(tx store.Tx) error {
		c, err := tx.GetCase(ctx, id)
		if err != nil {
			return err
		}
		shot = c.ScreenshotPath
		if err := tx.DeleteCase(ctx, id); err != nil {
			return err
		}
		return e.emit(ctx, tx, events.CaseDeleted, domain.KindCase, id, events.EventPayload{"run_id": c.RunID})
	})
	if err != nil {
		return err
	}
	if shot != "" {
		e.removeArtifact(ctx, shot)
	}
	return nil
}

// OpenScreenshot streams a stored screenshot by its relative path.
func (e Engine) OpenScreenshot(rel string) (io.ReadCloser, error) {
	if e.Artifacts == nil {
		return nil, domain.NotFound("Screenshot", rel)
	}
	return e.Artifacts.Open(rel)
}
