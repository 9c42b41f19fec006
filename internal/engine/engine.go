package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"redstone/internal/aggregate"
	"redstone/internal/artifacts"
	"redstone/internal/domain"
	"redstone/internal/events"
	"redstone/internal/store"
)

// Field limits shared by every entity kind.
const (
	maxName        = 255
	maxDescription = 1000
	maxLongText    = 2000
	maxStep        = 500
	maxErrorMsg    = 1000
)

type Engine struct {
	Store     store.Store
	Stats     aggregate.Aggregator
	Artifacts artifacts.Storage
	Events    events.Writer
	Log       *slog.Logger
	Now       func() time.Time
	// StrictDefinitionRefs rejects case reports naming a definition that does
	// not exist. Off by default: unknown references are stored as given.
	StrictDefinitionRefs bool
}

func New(s store.Store, stats aggregate.Aggregator, art artifacts.Storage, log *slog.Logger) Engine {
	if stats == nil {
		stats = aggregate.Queried{}
	}
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		Store:     s,
		Stats:     stats,
		Artifacts: art,
		Log:       log,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e Engine) stats() aggregate.Aggregator {
	if e.Stats != nil {
		return e.Stats
	}
	return aggregate.Queried{}
}

func (e Engine) emit(ctx context.Context, tx store.Tx, evtType string, kind domain.Kind, id string, payload events.EventPayload) error {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w.Append(ctx, tx, evtType, kind, id, payload)
}

// asParent turns a lookup miss on a parent into ParentNotFound.
func asParent(err error, kind domain.Kind, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ParentNotFound(kind, id)
	}
	return err
}

func required(field, v string, max int) error {
	if v == "" {
		return domain.Invalid(field, "is required")
	}
	return maxLen(field, v, max)
}

func maxLen(field, v string, max int) error {
	if utf8.RuneCountInString(v) > max {
		return domain.Invalid(field, "must be at most %d characters", max)
	}
	return nil
}

func optionalLen(field string, v *string, max int) error {
	if v == nil {
		return nil
	}
	return maxLen(field, *v, max)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
