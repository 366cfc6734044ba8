package walk

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/numtide/vfmt/stats"
)

type filesystemWalker struct {
	root  string
	paths []string
	stats *stats.Stats
	log   *log.Logger
}

func (f *filesystemWalker) Root() string {
	return f.root
}

func (f *filesystemWalker) Walk(ctx context.Context, fn WalkFunc) error {
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}

			return nil
		}

		// we only want regular files, not symlinks, sockets and the like
		if !d.Type().IsRegular() {
			f.log.Debugf("skipping %s: not a regular file", path)

			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}

		relPath, err := filepath.Rel(f.root, path)
		if err != nil {
			return fmt.Errorf("failed to determine a relative path for %s: %w", path, err)
		}

		f.stats.Add(stats.Traversed, 1)

		return fn(&File{
			Path:    path,
			RelPath: relPath,
			Info:    info,
		})
	}

	for _, path := range f.paths {
		if err := filepath.WalkDir(path, walkFn); err != nil {
			return err
		}
	}

	return nil
}

func NewFilesystem(root string, paths []string, statz *stats.Stats) Walker {
	return &filesystemWalker{
		root:  root,
		paths: paths,
		stats: statz,
		log:   log.WithPrefix("walk[filesystem]"),
	}
}
