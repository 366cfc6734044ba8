package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"mvdan.cc/sh/v3/shell"
)

const (
	// KeyPath is the configuration key holding the path to the verilog-format executable.
	KeyPath = "verilog-format.path"
	// KeySettings is the configuration key holding the path to the global settings file.
	KeySettings = "verilog-format.settings"
	// KeyCharset is the configuration key holding the charset passed to verilog-format.
	KeyCharset = "verilog-format.charset"
	// KeyPromptCharset enables asking the user for a charset on every format request.
	KeyPromptCharset = "verilog-format.prompt-charset"

	DefaultTimeout = 30 * time.Second
)

var (
	// ConfigFileNames are searched for, in order, when looking for a config file.
	ConfigFileNames = []string{"vfmt.toml", ".vfmt.toml"}

	// DefaultIncludes are used when no includes have been configured.
	DefaultIncludes = []string{"*.v", "*.sv", "*.vh", "*.svh"}

	ErrInvalidCharset = errors.New("charset must be one of GBK or UTF-8")
	ErrInvalidWalk    = errors.New("walk must be one of auto, git or filesystem")
)

// Charsets lists the values accepted by verilog-format's -c flag.
var Charsets = []string{"GBK", "UTF-8"}

// VerilogFormat holds the settings for the external verilog-format executable.
type VerilogFormat struct {
	Path          string `mapstructure:"path" toml:"path,omitempty"`
	Settings      string `mapstructure:"settings" toml:"settings,omitempty"`
	Charset       string `mapstructure:"charset" toml:"charset,omitempty"`
	PromptCharset bool   `mapstructure:"prompt-charset" toml:"prompt-charset,omitempty"`
}

// Config is the resolved configuration for a run, assembled from flags, env and the config file.
type Config struct {
	ApplyOnFailure   bool          `mapstructure:"apply-on-failure" toml:"apply-on-failure,omitempty"`
	ClearCache       bool          `mapstructure:"clear-cache" toml:"-"` // not allowed in config
	Excludes         []string      `mapstructure:"excludes" toml:"excludes,omitempty"`
	FailOnChange     bool          `mapstructure:"fail-on-change" toml:"fail-on-change,omitempty"`
	Includes         []string      `mapstructure:"includes" toml:"includes,omitempty"`
	NoCache          bool          `mapstructure:"no-cache" toml:"-"` // not allowed in config
	Quiet            bool          `mapstructure:"quiet" toml:"-"`
	Stdin            bool          `mapstructure:"stdin" toml:"-"` // not allowed in config
	Timeout          time.Duration `mapstructure:"timeout" toml:"timeout,omitempty"`
	Verbose          uint8         `mapstructure:"verbose" toml:"verbose,omitempty"`
	Walk             string        `mapstructure:"walk" toml:"walk,omitempty"`
	WorkingDirectory string        `mapstructure:"working-dir" toml:"-"`

	VerilogFormat VerilogFormat `mapstructure:"verilog-format" toml:"verilog-format"`
}

// SetFlags appends our flags to the provided flag set.
// Flags sharing a name with a top level key in Config are bound by name, the verilog-format flags are bound to their
// nested keys by BindFlags.
func SetFlags(fs *pflag.FlagSet) {
	fs.Bool(
		"apply-on-failure", false,
		"Replace the document with whatever verilog-format left behind, even when it fails. "+
			"(env $VFMT_APPLY_ON_FAILURE)",
	)
	fs.String(
		"charset", "",
		"Charset passed to verilog-format with -c. Possible values are <GBK|UTF-8>. "+
			"(env $VFMT_VERILOG_FORMAT_CHARSET)",
	)
	fs.Bool(
		"clear-cache", false,
		"Reset the evaluation cache. (env $VFMT_CLEAR_CACHE)",
	)
	fs.StringSlice(
		"excludes", nil,
		"Exclude files or directories matching the specified globs. (env $VFMT_EXCLUDES)",
	)
	fs.Bool(
		"fail-on-change", false,
		"Exit with error if any changes were made. Useful for CI. (env $VFMT_FAIL_ON_CHANGE)",
	)
	fs.String(
		"formatter", "",
		"Path to the verilog-format executable. (env $VFMT_VERILOG_FORMAT_PATH)",
	)
	fs.StringSlice(
		"includes", nil,
		"Only format files matching the specified globs. Defaults to *.v, *.sv, *.vh and *.svh. "+
			"(env $VFMT_INCLUDES)",
	)
	fs.Bool(
		"no-cache", false,
		"Ignore the evaluation cache entirely. (env $VFMT_NO_CACHE)",
	)
	fs.Bool(
		"prompt-charset", false,
		"Ask for a charset before each format request made through the language server. "+
			"(env $VFMT_VERILOG_FORMAT_PROMPT_CHARSET)",
	)
	fs.BoolP(
		"quiet", "q", false,
		"Only log errors. (env $VFMT_QUIET)",
	)
	fs.String(
		"settings", "",
		"Global verilog-format settings file, used when no .verilog-format.properties file sits next to the "+
			"document. (env $VFMT_VERILOG_FORMAT_SETTINGS)",
	)
	fs.Bool(
		"stdin", false,
		"Format the content passed in via stdin and write the result to stdout.",
	)
	fs.Duration(
		"timeout", DefaultTimeout,
		"Maximum time verilog-format may run for a single file, 0 disables the limit. (env $VFMT_TIMEOUT)",
	)
	fs.CountP(
		"verbose", "v",
		"Set the verbosity of logs e.g. -vv. (env $VFMT_VERBOSE)",
	)
	fs.String(
		"walk", "auto",
		"The method used to traverse the files within the working directory. Currently supports "+
			"<auto|git|filesystem>. (env $VFMT_WALK)",
	)
	fs.StringP(
		"working-dir", "C", ".",
		"Run as if vfmt was started in the specified working directory instead of the current working "+
			"directory. (env $VFMT_WORKING_DIR)",
	)
}

// BindFlags binds the flag set to v, mapping the verilog-format flags onto their nested keys.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	if err := v.BindPFlags(fs); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	nested := map[string]string{
		KeyPath:          "formatter",
		KeySettings:      "settings",
		KeyCharset:       "charset",
		KeyPromptCharset: "prompt-charset",
	}

	for key, name := range nested {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind flag %s to %s: %w", name, key, err)
		}
	}

	return nil
}

// NewViper creates a Viper instance pre-configured with the following options:
// * TOML config type
// * automatic env enabled
// * `VFMT_` env prefix for environment variables
// * replacement of `-` and `.` with `_` when mapping keys to env e.g. `verilog-format.path` =>
// `VFMT_VERILOG_FORMAT_PATH`.
func NewViper() (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigType("toml")

	v.SetEnvPrefix("vfmt")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	// stdin is a per invocation choice, never something to inherit from the environment
	if err := os.Unsetenv("VFMT_STDIN"); err != nil {
		return nil, fmt.Errorf("failed to unset VFMT_STDIN: %w", err)
	}

	return v, nil
}

// FromViper takes a viper instance and produces a Config instance.
func FromViper(v *viper.Viper) (*Config, error) {
	var err error

	cfg := &Config{}

	if err = v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// resolve the working directory to an absolute path
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = "."
	}

	cfg.WorkingDirectory, err = filepath.Abs(cfg.WorkingDirectory)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for working directory: %w", err)
	}

	vf := &cfg.VerilogFormat
	vf.Path = expand(vf.Path)
	vf.Settings = expand(vf.Settings)

	if vf.Charset, err = NormalizeCharset(vf.Charset); err != nil {
		return nil, err
	}

	switch cfg.Walk {
	case "":
		cfg.Walk = "auto"
	case "auto", "git", "filesystem":
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidWalk, cfg.Walk)
	}

	if len(cfg.Includes) == 0 {
		cfg.Includes = DefaultIncludes
	}

	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}

	l := log.WithPrefix("config")
	l.Debugf("verilog-format = %q, settings = %q, charset = %q", vf.Path, vf.Settings, vf.Charset)

	return cfg, nil
}

// NormalizeCharset maps a charset to its canonical spelling. An empty charset is returned as is.
func NormalizeCharset(charset string) (string, error) {
	if charset == "" {
		return "", nil
	}

	for _, c := range Charsets {
		if strings.EqualFold(c, charset) || strings.EqualFold(strings.ReplaceAll(c, "-", ""), charset) {
			return c, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrInvalidCharset, charset)
}

// Find returns the first of fileNames present in dir.
func Find(dir string, fileNames ...string) (string, error) {
	for _, f := range fileNames {
		path := filepath.Join(dir, f)
		if fileExists(path) {
			return path, nil
		}
	}

	return "", fmt.Errorf("could not find %s in %s", fileNames, dir)
}

// FindUp searches searchDir and each of its parents for the first of fileNames.
func FindUp(searchDir string, fileNames ...string) (path string, dir string, err error) {
	for _, dir := range eachDir(searchDir) {
		if path, err := Find(dir, fileNames...); err == nil {
			return path, dir, nil
		}
	}

	return "", "", fmt.Errorf("could not find %s in %s", fileNames, searchDir)
}

// FindGlobal returns the user wide config file under $XDG_CONFIG_HOME/vfmt, if there is one.
func FindGlobal() (string, error) {
	for _, name := range ConfigFileNames {
		if path, err := xdg.SearchConfigFile(filepath.Join("vfmt", name)); err == nil {
			return path, nil
		}
	}

	return "", errors.New("no global config file found")
}

// expand resolves $VAR and ${VAR} references using the process environment.
func expand(value string) string {
	if value == "" {
		return value
	}

	expanded, err := shell.Expand(value, nil)
	if err != nil {
		log.Debugf("failed to expand %q, using it verbatim: %v", value, err)

		return value
	}

	return expanded
}

func eachDir(path string) (paths []string) {
	path, err := filepath.Abs(path)
	if err != nil {
		return
	}

	paths = []string{path}

	if path == "/" {
		return
	}

	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == os.PathSeparator {
			path = path[:i]
			if path == "" {
				path = "/"
			}

			paths = append(paths, path)
		}
	}

	return
}

func fileExists(path string) bool {
	// Some broken filesystems like SSHFS return file information on stat() but
	// then cannot open the file. So we use os.Open.
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	// Next, check that the file is a regular file.
	fi, err := f.Stat()
	if err != nil {
		return false
	}

	return fi.Mode().IsRegular()
}
