package walk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/numtide/vfmt/stats"
)

type gitWalker struct {
	root     string
	paths    []string
	repoRoot string
	stats    *stats.Stats
	log      *log.Logger
	repo     *git.Repository
}

func (g *gitWalker) Root() string {
	return g.root
}

// Walk visits the files tracked in the git index which lie within one of the requested paths.
func (g *gitWalker) Walk(ctx context.Context, fn WalkFunc) error {
	gitIndex, err := g.repo.Storer.Index()
	if err != nil {
		return fmt.Errorf("failed to open git index: %w", err)
	}

	for _, entry := range gitIndex.Entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// we only want regular files, not directories, symlinks or submodules
		if entry.Mode != filemode.Regular && entry.Mode != filemode.Executable {
			continue
		}

		path := filepath.Join(g.repoRoot, filepath.FromSlash(entry.Name))
		if !g.wants(path) {
			continue
		}

		info, err := os.Lstat(path)
		if os.IsNotExist(err) {
			// the underlying file might have been removed without the change being staged yet
			g.log.Warnf("path %s is in the index but appears to have been removed from the filesystem", path)

			continue
		} else if err != nil {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}

		relPath, err := filepath.Rel(g.root, path)
		if err != nil {
			return fmt.Errorf("failed to determine a relative path for %s: %w", path, err)
		}

		g.stats.Add(stats.Traversed, 1)

		if err = fn(&File{
			Path:    path,
			RelPath: relPath,
			Info:    info,
		}); err != nil {
			return err
		}
	}

	return nil
}

func (g *gitWalker) wants(path string) bool {
	for _, p := range g.paths {
		if contains(p, path) {
			return true
		}
	}

	return false
}

// NewGit creates a Walker over the git index of the repository containing root.
//
//nolint:ireturn
func NewGit(root string, paths []string, statz *stats.Stats) (Walker, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open git repository: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open git work tree: %w", err)
	}

	return &gitWalker{
		root:     root,
		paths:    paths,
		repoRoot: worktree.Filesystem.Root(),
		stats:    statz,
		log:      log.WithPrefix("walk[git]"),
		repo:     repo,
	}, nil
}
