// Package artifacts stores case screenshots on an afero filesystem under
// {run_id}/{case_slug}_{unix_ts}{ext}.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/afero"

	"redstone/internal/domain"
)

// DefaultMaxBytes caps a single screenshot upload.
const DefaultMaxBytes = 10 << 20

var allowedTypes = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
}

var allowedExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// Screenshot is an uploaded image waiting to be stored.
type Screenshot struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Validate rejects content types outside the image whitelist and oversized uploads.
func (s Screenshot) Validate(maxBytes int64) error {
	ct := strings.ToLower(strings.TrimSpace(s.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if _, ok := allowedTypes[ct]; !ok {
		return domain.Invalid("screenshot", "content type %q not allowed; use image/png or image/jpeg", s.ContentType)
	}
	if maxBytes > 0 && int64(len(s.Data)) > maxBytes {
		return domain.Invalid("screenshot", "exceeds %d bytes", maxBytes)
	}
	return nil
}

func (s Screenshot) ext() string {
	if e := strings.ToLower(filepath.Ext(s.Filename)); allowedExts[e] {
		return e
	}
	ct := strings.ToLower(strings.TrimSpace(s.ContentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if e, ok := allowedTypes[ct]; ok {
		return e
	}
	return ".png"
}

// Storage persists screenshots. Failures are reported as *domain.ArtifactError.
type Storage interface {
	Save(ctx context.Context, runID, caseName string, shot Screenshot) (string, error)
	Open(rel string) (io.ReadCloser, error)
	Delete(ctx context.Context, rel string) error
}

// FS implements Storage on an afero filesystem.
type FS struct {
	Fs       afero.Fs
	MaxBytes int64
	Now      func() time.Time
}

var _ Storage = (*FS)(nil)

// NewOS stores screenshots below dir on the local disk.
func NewOS(dir string, maxBytes int64) (*FS, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &domain.ArtifactError{Op: "init", Path: dir, Err: err}
	}
	return &FS{Fs: afero.NewBasePathFs(afero.NewOsFs(), dir), MaxBytes: maxBytes}, nil
}

func (f *FS) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *FS) Save(ctx context.Context, runID, caseName string, shot Screenshot) (string, error) {
	if err := shot.Validate(f.MaxBytes); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := Slug(runID)
	if err := f.Fs.MkdirAll(dir, 0o755); err != nil {
		return "", &domain.ArtifactError{Op: "save", Path: dir, Err: err}
	}
	stem := fmt.Sprintf("%s_%d", Slug(caseName), f.now().Unix())
	ext := shot.ext()
	rel := path.Join(dir, stem+ext)
	for i := 2; ; i++ {
		exists, err := afero.Exists(f.Fs, rel)
		if err != nil {
			return "", &domain.ArtifactError{Op: "save", Path: rel, Err: err}
		}
		if !exists {
			break
		}
		rel = path.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
	}
	if err := afero.WriteFile(f.Fs, rel, shot.Data, 0o644); err != nil {
		return "", &domain.ArtifactError{Op: "save", Path: rel, Err: err}
	}
	return rel, nil
}

func (f *FS) Open(rel string) (io.ReadCloser, error) {
	clean, err := cleanRel(rel)
	if err != nil {
		return nil, err
	}
	file, err := f.Fs.Open(clean)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFound("Screenshot", rel)
		}
		return nil, &domain.ArtifactError{Op: "open", Path: rel, Err: err}
	}
	return file, nil
}

func (f *FS) Delete(ctx context.Context, rel string) error {
	clean, err := cleanRel(rel)
	if err != nil {
		return err
	}
	if err := f.Fs.Remove(clean); err != nil {
		return &domain.ArtifactError{Op: "delete", Path: rel, Err: err}
	}
	return nil
}

func cleanRel(rel string) (string, error) {
	clean := path.Clean("/" + strings.ReplaceAll(rel, "\\", "/"))[1:]
	if clean == "" || clean != strings.TrimPrefix(rel, "/") || strings.Contains(rel, "..") {
		return "", domain.Invalid("path", "invalid screenshot path %q", rel)
	}
	return clean, nil
}

// Slug lowercases s, drops everything but letters, digits, '_', '-' and
// whitespace, and joins whitespace runs with '_'.
func Slug(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.TrimSpace(s) {
		switch {
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-':
		default:
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte('_')
		}
		space = false
		b.WriteRune(unicode.ToLower(r))
	}
	if b.Len() == 0 {
		return "case"
	}
	return b.String()
}
