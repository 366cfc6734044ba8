package walk

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/numtide/vfmt/stats"
)

type Type int

const (
	Auto Type = iota
	Filesystem
	Git
)

func (t Type) String() string {
	switch t {
	case Auto:
		return "auto"
	case Filesystem:
		return "filesystem"
	case Git:
		return "git"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// TypeString returns the walk Type named by s.
func TypeString(s string) (Type, error) {
	for _, t := range []Type{Auto, Filesystem, Git} {
		if t.String() == s {
			return t, nil
		}
	}

	return 0, fmt.Errorf("%s does not belong to Type values", s)
}

// File represents a file found while walking, with its path relative to the walk root.
type File struct {
	Path    string
	RelPath string
	Info    fs.FileInfo
}

func (f File) String() string {
	return f.Path
}

type WalkFunc func(file *File) error

// Walker traverses the regular files below a root directory.
type Walker interface {
	Root() string
	Walk(ctx context.Context, fn WalkFunc) error
}

// New creates a Walker of the given type for root, limited to paths when any are provided.
// Paths must be absolute and located within root.
// Auto uses git when root is inside a git work tree and falls back to the filesystem otherwise.
//
//nolint:ireturn
func New(walkType Type, root string, paths []string, statz *stats.Stats) (Walker, error) {
	if len(paths) == 0 {
		paths = []string{root}
	}

	for _, path := range paths {
		if !contains(root, path) {
			return nil, fmt.Errorf("path %s is outside of the root %s", path, root)
		}
	}

	switch walkType {
	case Auto:
		w, err := NewGit(root, paths, statz)
		if err == nil {
			return w, nil
		}

		log.Debugf("falling back to a filesystem walk: %v", err)

		return NewFilesystem(root, paths, statz), nil
	case Git:
		return NewGit(root, paths, statz)
	case Filesystem:
		return NewFilesystem(root, paths, statz), nil
	default:
		return nil, fmt.Errorf("unknown walk type: %v", walkType)
	}
}

// contains reports whether path is root or lies beneath it.
func contains(root string, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
