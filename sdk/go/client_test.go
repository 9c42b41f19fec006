package redstonesdk

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstone/internal/aggregate"
	"redstone/internal/artifacts"
	"redstone/internal/docstore"
	"redstone/internal/engine"
	"redstone/internal/logging"
	"redstone/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	s, err := docstore.Open(filepath.Join(t.TempDir(), "redstone.json"))
	require.NoError(t, err)
	e := engine.New(s, aggregate.Queried{}, &artifacts.FS{Fs: afero.NewMemMapFs(), MaxBytes: 1 << 10}, logging.Discard())
	h, err := server.New(server.Config{Engine: e, BasePath: "/api", Log: logging.Discard()})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL + "/api/")
	c.ActorID = "runner-1"
	return c
}

func TestRunnerResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	c := newClient(t)

	run, err := c.StartRun(ctx, "e2e", "")
	require.NoError(t, err)
	assert.Equal(t, "running", run.Status)

	dur := int64(300)
	got, err := c.ReportCase(ctx, run.ID, Case{
		Name:     "login",
		Status:   "passed",
		Duration: &dur,
		Steps:    []Step{{Description: "open", Status: "passed"}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.RunID)
	require.Len(t, got.Steps, 1)

	got, err = c.ReportCase(ctx, run.ID, Case{Name: "logout", Status: "failed", ErrorMessage: "timeout"},
		&Screenshot{Filename: "logout.png", ContentType: "image/png", Data: []byte("\x89PNG")})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ScreenshotPath)

	cp, err := c.Checkpoint(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, cp.Completed("login"))
	assert.True(t, cp.Completed("logout"))
	assert.False(t, cp.Completed("signup"))

	done, err := c.FinishRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Stats)
	assert.Equal(t, 2, done.Stats.TestCount)
	assert.Equal(t, int64(300), done.Stats.AvgDuration)

	_, err = c.AbortRun(ctx, run.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "invalid_state", apiErr.Code)
}

func TestReportRejectsUnknownRun(t *testing.T) {
	c := newClient(t)
	_, err := c.ReportCase(context.Background(), "missing", Case{Name: "x", Status: "passed"}, nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}
