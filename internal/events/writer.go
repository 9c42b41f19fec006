package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"redstone/internal/domain"
	"redstone/internal/store"
)

const (
	ProjectCreated       = "project.created"
	ProjectUpdated       = "project.updated"
	ProjectDeleted       = "project.deleted"
	EpicCreated          = "epic.created"
	EpicDeleted          = "epic.deleted"
	FeatureCreated       = "feature.created"
	FeatureDeleted       = "feature.deleted"
	DefinitionCreated    = "definition.created"
	DefinitionDeactivate = "definition.deactivated"
	DefinitionReactivate = "definition.reactivated"
	DefinitionDeleted    = "definition.deleted"
	RunStarted           = "run.started"
	RunFinished          = "run.finished"
	RunAborted           = "run.aborted"
	RunDeleted           = "run.deleted"
	CaseReported         = "case.reported"
	CaseDeleted          = "case.deleted"
)

// Writer appends audit events inside the caller's transaction.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

type actorKey struct{}

// WithActor tags events appended under ctx with the acting principal.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the principal set by WithActor, if any.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}

func (w Writer) Append(ctx context.Context, tx store.Tx, evtType string, kind domain.Kind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	e := domain.Event{
		TS:         w.Now().UTC(),
		Type:       evtType,
		EntityKind: kind,
		EntityID:   entityID,
		Actor:      Actor(ctx),
		Payload:    string(data),
	}
	if err := tx.AppendEvent(ctx, &e); err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}
