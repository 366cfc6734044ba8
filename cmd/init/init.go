package init

import (
	_ "embed"
	"fmt"
	"io"
	"os"

	"github.com/numtide/vfmt/config"
)

// We embed the sample toml file for use with the init flag.
//
//go:embed init.toml
var initBytes []byte

func Run(out io.Writer) error {
	name := config.ConfigFileNames[0]

	if _, err := os.Stat(name); err == nil {
		return fmt.Errorf("%s already exists", name)
	}

	if err := os.WriteFile(name, initBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}

	_, _ = fmt.Fprintf(out, "Generated %s. Now it's your turn to edit it.\n", name)

	return nil
}
