package upload

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/cikgu/cikgu/internal/model"
	"github.com/cikgu/cikgu/internal/store"
)

func newTestService(t *testing.T) (*Service, afero.Fs, *store.Store, int64) {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	uid, err := s.CreateUser(context.Background(), model.User{GoogleID: "g", Email: "u@example.com", Name: "U", Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	fs := afero.NewMemMapFs()
	return New(fs, s), fs, s, uid
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"notes.pdf", "notes.pdf"},
		{"My Notes Bab 1.docx", "My_Notes_Bab_1.docx"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\ali\nota.txt`, "nota.txt"},
		{"Biología résumé.pdf", "Biologia_resume.pdf"},
		{"..hidden.png", "hidden.png"},
		{"???", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := SanitizeFilename(tt.in); got != tt.want {
				t.Errorf("SanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeFilenameConcurrent(t *testing.T) {
	names := map[string]string{
		"Biología résumé.pdf": "Biologia_resume.pdf",
		"Ñota Bab 2.docx":     "Nota_Bab_2.docx",
		"crème brûlée.png":    "creme_brulee.png",
	}
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				for in, want := range names {
					if got := SanitizeFilename(in); got != want {
						t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
}

func TestSave(t *testing.T) {
	svc, fs, s, uid := newTestService(t)
	ctx := context.Background()

	u, err := svc.Save(ctx, uid, "Nota Sel.PDF", "", strings.NewReader("%PDF-1.4 content"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if u.FileType != "pdf" || u.Subject != DefaultSubject || u.OriginalFilename != "Nota_Sel.PDF" {
		t.Errorf("unexpected upload %+v", u)
	}
	if !strings.HasSuffix(u.Filename, "_Nota_Sel.PDF") || len(u.Filename) != 36+1+len("Nota_Sel.PDF") {
		t.Errorf("expected uuid-prefixed name, got %q", u.Filename)
	}
	data, err := afero.ReadFile(fs, u.Filename)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "%PDF-1.4 content" || u.FileSize != int64(len(data)) {
		t.Errorf("unexpected stored content %q size %d", data, u.FileSize)
	}

	list, err := s.ListUploads(ctx, uid, 0)
	if err != nil {
		t.Fatalf("ListUploads: %v", err)
	}
	if len(list) != 1 || list[0].ID != u.ID {
		t.Errorf("upload not recorded: %+v", list)
	}
}

func TestSaveRejects(t *testing.T) {
	svc, fs, s, uid := newTestService(t)
	svc.maxSize = 8
	ctx := context.Background()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"empty name", "", "x"},
		{"disallowed extension", "run.exe", "x"},
		{"no extension", "README", "x"},
		{"too large", "big.txt", "123456789"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Save(ctx, uid, tt.file, "Biologi", bytes.NewBufferString(tt.content))
			if !model.IsValidation(err) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}

	entries, err := afero.ReadDir(fs, ".")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files left behind, got %d", len(entries))
	}
	list, _ := s.ListUploads(ctx, uid, 0)
	if len(list) != 0 {
		t.Errorf("expected no upload rows, got %d", len(list))
	}
}
