// Package staging writes request files into the worker's server directory.
package staging

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ErrBadName is returned for file names that are empty or not a plain
// base name. The worker only ever sees the relative name.
var ErrBadName = errors.New("invalid staged file name")

// Stager writes (name, content) pairs into dir on fs.
type Stager struct {
	fs  afero.Fs
	dir string
}

// New creates a Stager rooted at dir on fs.
func New(fs afero.Fs, dir string) *Stager {
	return &Stager{fs: fs, dir: dir}
}

// NewOS creates a Stager on the real filesystem.
func NewOS(dir string) *Stager {
	return New(afero.NewOsFs(), dir)
}

// Path returns the full path for name.
func (s *Stager) Path(name string) string {
	return filepath.Join(s.dir, name)
}

// Stage writes content to name in the server directory, replacing any
// previous file.
func (s *Stager) Stage(name, content string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, s.Path(name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsAny(name, "<>\n\r") {
		return fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return nil
}
