package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCompletionCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "completion <bash|zsh|fish>",
		Short:     "Generate shell completions",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE:      generateShellCompletions,
	}
}

func generateShellCompletions(cmd *cobra.Command, args []string) error {
	var err error

	out := cmd.OutOrStdout()

	switch args[0] {
	case "bash":
		err = cmd.Root().GenBashCompletion(out)
	case "zsh":
		err = cmd.Root().GenZshCompletion(out)
	case "fish":
		err = cmd.Root().GenFishCompletion(out, true)
	default:
		err = fmt.Errorf("unsupported shell: %s", args[0])
	}

	if err != nil {
		err = fmt.Errorf("failed to generate shell completions: %w", err)
	}

	return err
}
