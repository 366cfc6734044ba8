package matcher

import (
	"fmt"
	"path/filepath"

	"github.com/gobwas/glob"
	"github.com/numtide/vfmt/walk"
)

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, len(patterns))

	for i, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern '%v': %w", pattern, err)
		}

		globs[i] = g
	}

	return globs, nil
}

func globMatches(globs []glob.Glob, file *walk.File) bool {
	relPath := filepath.ToSlash(file.RelPath)

	for _, g := range globs {
		if g.Match(relPath) {
			return true
		}
	}

	return false
}

// GlobInclusion wants files whose root relative path matches one of patterns.
func GlobInclusion(patterns []string) (MatchFn, error) {
	globs, err := compileGlobs(patterns)
	if err != nil {
		return nil, err
	}

	return func(file *walk.File) Result {
		if globMatches(globs, file) {
			return Wanted
		}

		return Indifferent
	}, nil
}

// GlobExclusion rejects files whose root relative path matches one of patterns.
func GlobExclusion(patterns []string) (MatchFn, error) {
	globs, err := compileGlobs(patterns)
	if err != nil {
		return nil, err
	}

	return func(file *walk.File) Result {
		if globMatches(globs, file) {
			return Unwanted
		}

		return Indifferent
	}, nil
}
