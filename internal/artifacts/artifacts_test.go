package artifacts

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redstone/internal/domain"
)

func newMemFS() *FS {
	return &FS{
		Fs:       afero.NewMemMapFs(),
		MaxBytes: 1024,
		Now:      func() time.Time { return time.Unix(1700000000, 0) },
	}
}

func TestSlug(t *testing.T) {
	tests := map[string]string{
		"Login works":         "login_works",
		"  Checkout: pay! ":   "checkout_pay",
		"a  b\tc":             "a_b_c",
		"keep-dash_and_under": "keep-dash_and_under",
		"Ünïcode Test":        "ünïcode_test",
		"!!!":                 "case",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slug(in), in)
	}
}

func TestSaveUsesRunDirAndSlug(t *testing.T) {
	f := newMemFS()
	ctx := context.Background()
	rel, err := f.Save(ctx, "7", "Login works", Screenshot{Filename: "shot.PNG", ContentType: "image/png", Data: []byte("png")})
	require.NoError(t, err)
	assert.Equal(t, "7/login_works_1700000000.png", rel)

	again, err := f.Save(ctx, "7", "Login works", Screenshot{ContentType: "image/jpeg", Data: []byte("jpg")})
	require.NoError(t, err)
	assert.Equal(t, "7/login_works_1700000000.jpg", again)

	third, err := f.Save(ctx, "7", "Login works", Screenshot{ContentType: "image/png", Data: []byte("png2")})
	require.NoError(t, err)
	assert.Equal(t, "7/login_works_1700000000_2.png", third)

	rc, err := f.Open(rel)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

func TestSaveRejectsContentType(t *testing.T) {
	f := newMemFS()
	for _, ct := range []string{"image/gif", "text/plain", ""} {
		_, err := f.Save(context.Background(), "1", "x", Screenshot{ContentType: ct, Data: []byte("x")})
		assert.True(t, errors.Is(err, domain.ErrValidation), ct)
	}
	for _, ct := range []string{"image/png", "image/jpeg", "image/jpg", "IMAGE/PNG; charset=binary"} {
		assert.NoError(t, Screenshot{ContentType: ct}.Validate(0), ct)
	}
}

func TestSaveRejectsOversized(t *testing.T) {
	f := newMemFS()
	_, err := f.Save(context.Background(), "1", "x", Screenshot{ContentType: "image/png", Data: make([]byte, 2048)})
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestDelete(t *testing.T) {
	f := newMemFS()
	ctx := context.Background()
	rel, err := f.Save(ctx, "1", "case", Screenshot{ContentType: "image/png", Data: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, f.Delete(ctx, rel))

	err = f.Delete(ctx, rel)
	assert.True(t, errors.Is(err, domain.ErrArtifact))

	_, err = f.Open(rel)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestRejectsTraversal(t *testing.T) {
	f := newMemFS()
	for _, rel := range []string{"../etc/passwd", "1/../../x", ""} {
		_, err := f.Open(rel)
		assert.True(t, errors.Is(err, domain.ErrValidation), rel)
		assert.True(t, errors.Is(f.Delete(context.Background(), rel), domain.ErrValidation), rel)
	}
}
