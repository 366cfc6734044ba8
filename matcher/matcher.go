// Package matcher decides which of the files found while walking should be handed to verilog-format.
package matcher

import (
	"github.com/numtide/vfmt/walk"
)

type Result int

const (
	// File explicitly selected.
	Wanted Result = iota
	// File explicitly rejected.
	Unwanted
	// File neither selected nor rejected.
	Indifferent
)

type MatchFn = func(file *walk.File) Result

// Combine combines multiple matchers into a single matcher.
// Exclusions are applied first, so a file is rejected if it matches any of the excludes, even if it matches an
// include.
func Combine(includes []MatchFn, excludes []MatchFn) MatchFn {
	matchers := make([]MatchFn, 0, len(excludes)+len(includes))
	matchers = append(matchers, excludes...)
	matchers = append(matchers, includes...)

	return func(file *walk.File) Result {
		for _, matchFn := range matchers {
			if result := matchFn(file); result != Indifferent {
				return result
			}
		}

		return Indifferent
	}
}

// New creates a matcher wanting files which match one of includes and none of excludes.
func New(includes []string, excludes []string) (MatchFn, error) {
	include, err := GlobInclusion(includes)
	if err != nil {
		return nil, err
	}

	exclude, err := GlobExclusion(excludes)
	if err != nil {
		return nil, err
	}

	return Combine([]MatchFn{include}, []MatchFn{exclude}), nil
}
