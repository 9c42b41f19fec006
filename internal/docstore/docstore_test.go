package docstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstone/internal/domain"
	"redstone/internal/store"
	"redstone/internal/store/storetest"
)

func TestStoreContractInMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open("")
		require.NoError(t, err)
		return s
	})
}

func TestStoreContractOnDisk(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "redstone.json"))
		require.NoError(t, err)
		return s
	})
}

func TestPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data", "redstone.json")
	s, err := Open(path)
	require.NoError(t, err)

	run := domain.Run{Name: "r", Status: domain.RunRunning, StartTime: time.Now().UTC()}
	c := domain.Case{Name: "c", Status: domain.CasePassed, CreatedAt: time.Now().UTC(), Steps: []domain.Step{
		{Description: "one", Status: domain.CasePassed, OrderIndex: 0},
		{Description: "two", Status: domain.CaseFailed, OrderIndex: 1},
	}}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		if err := tx.InsertRun(ctx, &run); err != nil {
			return err
		}
		c.RunID = run.ID
		return tx.InsertCase(ctx, &c)
	}))
	require.NoError(t, s.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"test_cases"`)

	reopened, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, reopened.View(ctx, func(r store.Reader) error {
		got, err := r.GetCase(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, got.Steps, 2)
		assert.Equal(t, "two", got.Steps[1].Description)
		return nil
	}))
}

func TestSecondHandleSeesWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "redstone.json")
	a, err := Open(path)
	require.NoError(t, err)
	b, err := Open(path)
	require.NoError(t, err)

	p := domain.Project{Name: "shared", CreatedAt: time.Now().UTC()}
	require.NoError(t, a.Update(ctx, func(tx store.Tx) error { return tx.InsertProject(ctx, &p) }))

	require.NoError(t, b.View(ctx, func(r store.Reader) error {
		got, err := r.GetProject(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "shared", got.Name)
		return nil
	}))
}

func TestEmptyFileIsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "redstone.json")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.View(context.Background(), func(r store.Reader) error {
		list, err := r.ListProjects(context.Background())
		require.NoError(t, err)
		assert.Empty(t, list)
		return nil
	}))
}

func TestReadersDoNotSeeUncommittedWrites(t *testing.T) {
	ctx := context.Background()
	s, err := Open("")
	require.NoError(t, err)

	var before store.Reader
	require.NoError(t, s.View(ctx, func(r store.Reader) error {
		before = r
		return nil
	}))
	p := domain.Project{Name: "later", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error { return tx.InsertProject(ctx, &p) }))

	list, err := before.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, list, "snapshot taken before the write stays unchanged")
}
