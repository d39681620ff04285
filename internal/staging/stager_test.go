package staging

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

func TestStager_StageOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/srv/NBOServe", 0o755); err != nil {
		t.Fatal(err)
	}
	s := New(fs, "/srv/NBOServe")

	if err := s.Stage("m_cmd.txt", "CMD foo"); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	if got := readStaged(t, fs, s.Path("m_cmd.txt")); got != "CMD foo" {
		t.Errorf("content = %q, want %q", got, "CMD foo")
	}

	// Overwrite
	if err := s.Stage("m_cmd.txt", "CMD bar"); err != nil {
		t.Fatalf("Stage() overwrite error = %v", err)
	}
	if got := readStaged(t, fs, s.Path("m_cmd.txt")); got != "CMD bar" {
		t.Errorf("after overwrite content = %q", got)
	}

	if s.Path("m_cmd.txt") != filepath.Join("/srv/NBOServe", "m_cmd.txt") {
		t.Errorf("Path() = %q", s.Path("m_cmd.txt"))
	}
}

func readStaged(t *testing.T, fs afero.Fs, path string) string {
	t.Helper()
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		t.Fatalf("ReadFile(%s): %v", path, err)
	}
	return string(b)
}

func TestStager_RejectsBadNames(t *testing.T) {
	tests := []string{"", ".", "..", "../m_cmd.txt", "sub/m_cmd.txt", `sub\m_cmd.txt`, "<m_cmd.txt>", "a\nb"}

	fs := afero.NewMemMapFs()
	s := New(fs, "/srv")
	for _, name := range tests {
		t.Run(name, func(t *testing.T) {
			if err := s.Stage(name, "x"); !errors.Is(err, ErrBadName) {
				t.Errorf("Stage(%q) error = %v, want ErrBadName", name, err)
			}
		})
	}
	if entries, _ := afero.ReadDir(fs, "/srv"); len(entries) != 0 {
		t.Errorf("bad names wrote %d files", len(entries))
	}
}

func TestStager_ReadOnlyFs(t *testing.T) {
	s := New(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/srv")
	if err := s.Stage("m_cmd.txt", "x"); err == nil {
		t.Error("Stage() on read-only fs succeeded")
	}
}

func TestStager_OS(t *testing.T) {
	dir := t.TempDir()
	s := NewOS(dir)

	if err := s.Stage("v_cmd.txt", "VIEW"); err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "v_cmd.txt"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(b) != "VIEW" {
		t.Errorf("content = %q", b)
	}
}
