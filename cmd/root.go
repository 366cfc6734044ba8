package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/numtide/vfmt/build"
	"github.com/numtide/vfmt/cmd/format"
	_init "github.com/numtide/vfmt/cmd/init"
	"github.com/numtide/vfmt/cmd/lsp"
	"github.com/numtide/vfmt/config"
	"github.com/numtide/vfmt/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func NewRoot() (*cobra.Command, *stats.Stats) {
	var (
		vfmtInit   bool
		configFile string
	)

	// create a viper instance for reading in config
	v, err := config.NewViper()
	if err != nil {
		cobra.CheckErr(fmt.Errorf("failed to create viper instance: %w", err))
	}

	// create a new stats instance
	statz := stats.New()

	// create out root command
	cmd := &cobra.Command{
		Use:     build.Name + " <paths...>",
		Short:   "Format Verilog and SystemVerilog sources with verilog-format",
		Version: build.Version,
		Args:    cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setup(v, cmd); err != nil {
				return err
			}

			// check if we are running the init command
			if vfmtInit {
				if err := _init.Run(cmd.OutOrStdout()); err != nil {
					return fmt.Errorf("failed to run init command: %w", err)
				}

				return nil
			}

			return format.Run(v, &statz, cmd, args) //nolint:wrapcheck
		},
	}

	// update version template
	cmd.SetVersionTemplate("vfmt {{.Version}}\n")

	fs := cmd.PersistentFlags()

	// add our config flags to the command's flag set
	config.SetFlags(fs)

	// add a couple of special flags which don't have a corresponding entry in vfmt.toml
	fs.StringVar(
		&configFile, "config-file", "",
		"Load the config file from the given path (defaults to searching upwards for vfmt.toml or "+
			".vfmt.toml). (env $VFMT_CONFIG)",
	)

	cmd.Flags().BoolVarP(
		&vfmtInit, "init", "i", false,
		"Create a vfmt.toml file in the current directory.",
	)

	// bind our command's flags to viper
	if err := config.BindFlags(v, fs); err != nil {
		cobra.CheckErr(fmt.Errorf("failed to bind global config to viper: %w", err))
	}

	cmd.AddCommand(
		lsp.NewCommand(v, setup),
		newCompletionCommand(),
	)

	return cmd, &statz
}

// setup changes into the working directory, reads in the config file and configures logging.
// It runs before every command which reads the config.
func setup(v *viper.Viper, cmd *cobra.Command) error {
	flags := cmd.Flags()

	// change working directory if required
	workingDir, err := filepath.Abs(v.GetString("working-dir"))
	if err != nil {
		return fmt.Errorf("failed to get absolute path for working directory: %w", err)
	} else if err = os.Chdir(workingDir); err != nil {
		return fmt.Errorf("failed to change working directory: %w", err)
	}

	// use the path specified by the flag
	configFile, err := flags.GetString("config-file")
	if err != nil {
		return fmt.Errorf("failed to read config-file flag: %w", err)
	}

	// fallback to env
	if configFile == "" {
		configFile = os.Getenv("VFMT_CONFIG")
	}

	// search up from the working directory
	if configFile == "" {
		configFile, _, _ = config.FindUp(workingDir, config.ConfigFileNames...)
	}

	// fallback to the user's config directory
	if configFile == "" {
		configFile, _ = config.FindGlobal()
	}

	// configure logging
	log.SetOutput(os.Stderr)
	log.SetReportTimestamp(false)

	if v.GetBool("quiet") {
		// if quiet, we only log errors
		log.SetLevel(log.ErrorLevel)
	} else {
		// otherwise, the verbose flag controls the log level
		switch v.GetInt("verbose") {
		case 0:
			log.SetLevel(log.WarnLevel)
		case 1:
			log.SetLevel(log.InfoLevel)
		default:
			log.SetLevel(log.DebugLevel)
		}
	}

	// a config file is optional, flags and env are enough to run
	if configFile == "" {
		log.Debug("no config file found")

		return nil
	}

	log.Debugf("using config file: %s", configFile)

	// read in the config
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		cmd.SilenceUsage = true

		return fmt.Errorf("failed to read config file '%s': %w", configFile, err)
	}

	return nil
}
