package format

import (
	"context"
	"errors"
)

// ErrSelectionCancelled is returned when the user dismisses the charset selection.
var ErrSelectionCancelled = errors.New("charset selection cancelled")

// DefaultCharset is preselected when asking for a charset.
const DefaultCharset = "UTF-8"

// CharsetSelector provides the charset passed to verilog-format with -c.
// Select returns an empty charset when no -c flag should be passed, and ErrSelectionCancelled when the user declined
// to pick one, in which case the request must stop without producing edits.
type CharsetSelector interface {
	Select(ctx context.Context) (string, error)
}

// StaticCharset always selects the same charset, typically the one from the config.
type StaticCharset string

func (c StaticCharset) Select(context.Context) (string, error) {
	return string(c), nil
}

// CharsetSelectorFunc adapts a function to a CharsetSelector.
type CharsetSelectorFunc func(ctx context.Context) (string, error)

func (f CharsetSelectorFunc) Select(ctx context.Context) (string, error) {
	return f(ctx)
}
