package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstone/internal/docstore"
	"redstone/internal/domain"
	"redstone/internal/store"
)

func TestAppendRecordsActorAndPayload(t *testing.T) {
	s, err := docstore.Open("")
	require.NoError(t, err)
	defer s.Close()

	ts := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	w := Writer{Now: func() time.Time { return ts }}
	ctx := WithActor(context.Background(), "runner-7")
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := w.Append(ctx, tx, RunStarted, domain.KindRun, "r1", EventPayload{"name": "nightly"}); err != nil {
			return err
		}
		return w.Append(context.Background(), tx, RunAborted, domain.KindRun, "r1", nil)
	}))

	var got []domain.Event
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		got, err = r.ListEvents(ctx, 0)
		return err
	}))
	require.Len(t, got, 2)

	byType := map[string]domain.Event{}
	for _, e := range got {
		byType[e.Type] = e
	}
	started := byType[RunStarted]
	assert.Equal(t, "runner-7", started.Actor)
	assert.Equal(t, ts, started.TS)
	assert.JSONEq(t, `{"name":"nightly"}`, started.Payload)
	assert.NotEmpty(t, started.ID)

	aborted := byType[RunAborted]
	assert.Empty(t, aborted.Actor)
	assert.Equal(t, "{}", aborted.Payload)
}
