// Package upload stores user study files.
package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

// MaxSize is the largest accepted upload in bytes.
const MaxSize = 16 << 20

// DefaultSubject is used when an upload names no subject.
const DefaultSubject = "General"

var allowedExtensions = map[string]bool{
	"pdf": true, "doc": true, "docx": true, "ppt": true, "pptx": true,
	"txt": true, "png": true, "jpg": true, "jpeg": true,
}

// Service writes uploads to a filesystem and records them in the store.
type Service struct {
	fs      afero.Fs
	store   *store.Store
	maxSize int64
}

// New creates a Service writing to fs.
func New(fs afero.Fs, s *store.Store) *Service {
	return &Service{fs: fs, store: s, maxSize: MaxSize}
}

// DirFs returns a filesystem rooted at dir, creating it if needed.
func DirFs(dir string) (afero.Fs, error) {
	osFs := afero.NewOsFs()
	if err := osFs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return afero.NewBasePathFs(osFs, dir), nil
}

// Save validates and stores a file, returning the recorded upload.
func (s *Service) Save(ctx context.Context, userID int64, originalName, subject string, r io.Reader) (model.Upload, error) {
	name := SanitizeFilename(originalName)
	if name == "" {
		return model.Upload{}, model.Validationf("no file selected")
	}
	ext := Extension(name)
	if !allowedExtensions[ext] {
		return model.Upload{}, model.Validationf("file type %q is not allowed", ext)
	}
	if strings.TrimSpace(subject) == "" {
		subject = DefaultSubject
	}

	stored := uuid.NewString() + "_" + name
	f, err := s.fs.OpenFile(stored, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return model.Upload{}, fmt.Errorf("create file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxSize+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > s.maxSize {
		err = model.Validationf("file exceeds %d MiB", s.maxSize>>20)
	}
	if err != nil {
		_ = s.fs.Remove(stored)
		return model.Upload{}, err
	}

	u := model.Upload{
		UserID:           userID,
		Filename:         stored,
		OriginalFilename: name,
		FileType:         ext,
		FileSize:         n,
		Subject:          subject,
		UploadedAt:       time.Now().UTC(),
	}
	if u.ID, err = s.store.CreateUpload(ctx, u); err != nil {
		_ = s.fs.Remove(stored)
		return model.Upload{}, fmt.Errorf("record upload: %w", err)
	}
	slog.Info("file uploaded", "user", userID, "file", stored, "size", n)
	return u, nil
}

// Extension returns the lower-cased extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// SanitizeFilename reduces a client-supplied name to a safe base name made of
// ASCII letters, digits, dots, dashes and underscores.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = name[strings.LastIndex(name, "/")+1:]
	// A transform.Chain keeps state, so each call gets its own.
	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if ascii, _, err := transform.String(stripMarks, name); err == nil {
		name = ascii
	}
	var b strings.Builder
	for _, r := range strings.Join(strings.Fields(name), "_") {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "._")
}
