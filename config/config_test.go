package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/numtide/vfmt/config"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newViper(t *testing.T) (*viper.Viper, *pflag.FlagSet) {
	t.Helper()

	v, err := config.NewViper()
	if err != nil {
		t.Fatal(err)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.SetFlags(flags)

	if err := config.BindFlags(v, flags); err != nil {
		t.Fatal(err)
	}

	return v, flags
}

func readConfig(t *testing.T, v *viper.Viper, contents string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "vfmt.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
}

func TestDefaults(t *testing.T) {
	as := require.New(t)

	v, _ := newViper(t)

	cfg, err := config.FromViper(v)
	as.NoError(err)

	cwd, err := os.Getwd()
	as.NoError(err)

	as.Equal(cwd, cfg.WorkingDirectory)
	as.Equal(config.DefaultTimeout, cfg.Timeout)
	as.Equal("auto", cfg.Walk)
	as.Equal(config.DefaultIncludes, cfg.Includes)
	as.Empty(cfg.VerilogFormat.Path)
	as.Empty(cfg.VerilogFormat.Settings)
	as.Empty(cfg.VerilogFormat.Charset)
	as.False(cfg.VerilogFormat.PromptCharset)
	as.False(cfg.ApplyOnFailure)
}

func TestConfigFile(t *testing.T) {
	as := require.New(t)

	v, _ := newViper(t)

	readConfig(t, v, `
apply-on-failure = true
excludes = ["vendor/*"]
timeout = "5s"
walk = "filesystem"

[verilog-format]
path = "/opt/verilog-format/bin/verilog-format"
settings = "/etc/verilog-format.properties"
charset = "gbk"
prompt-charset = true
`)

	cfg, err := config.FromViper(v)
	as.NoError(err)

	as.True(cfg.ApplyOnFailure)
	as.Equal([]string{"vendor/*"}, cfg.Excludes)
	as.Equal(5*time.Second, cfg.Timeout)
	as.Equal("filesystem", cfg.Walk)
	as.Equal("/opt/verilog-format/bin/verilog-format", cfg.VerilogFormat.Path)
	as.Equal("/etc/verilog-format.properties", cfg.VerilogFormat.Settings)
	as.Equal("GBK", cfg.VerilogFormat.Charset)
	as.True(cfg.VerilogFormat.PromptCharset)
}

func TestFlagsAndEnv(t *testing.T) {
	as := require.New(t)

	t.Run("flags", func(t *testing.T) {
		v, flags := newViper(t)

		as.NoError(flags.Parse([]string{
			"--formatter", "/usr/bin/vformat",
			"--settings", "/tmp/global.properties",
			"--charset", "UTF-8",
			"--timeout", "0",
		}))

		cfg, err := config.FromViper(v)
		as.NoError(err)

		as.Equal("/usr/bin/vformat", cfg.VerilogFormat.Path)
		as.Equal("/tmp/global.properties", cfg.VerilogFormat.Settings)
		as.Equal("UTF-8", cfg.VerilogFormat.Charset)
		as.Equal(time.Duration(0), cfg.Timeout)
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("VFMT_VERILOG_FORMAT_PATH", "/usr/local/bin/vformat")
		t.Setenv("VFMT_VERILOG_FORMAT_CHARSET", "utf8")
		t.Setenv("VFMT_APPLY_ON_FAILURE", "true")

		v, _ := newViper(t)

		cfg, err := config.FromViper(v)
		as.NoError(err)

		as.Equal("/usr/local/bin/vformat", cfg.VerilogFormat.Path)
		as.Equal("UTF-8", cfg.VerilogFormat.Charset)
		as.True(cfg.ApplyOnFailure)
	})

	t.Run("flags win over config", func(t *testing.T) {
		v, flags := newViper(t)

		readConfig(t, v, `
[verilog-format]
path = "/from/config"
`)

		cfg, err := config.FromViper(v)
		as.NoError(err)
		as.Equal("/from/config", cfg.VerilogFormat.Path)

		as.NoError(flags.Parse([]string{"--formatter", "/from/flag"}))

		cfg, err = config.FromViper(v)
		as.NoError(err)
		as.Equal("/from/flag", cfg.VerilogFormat.Path)
	})
}

func TestExpandPaths(t *testing.T) {
	as := require.New(t)

	t.Setenv("VFORMAT_HOME", "/opt/vformat")

	v, flags := newViper(t)

	as.NoError(flags.Parse([]string{
		"--formatter", "$VFORMAT_HOME/bin/verilog-format",
		"--settings", "${VFORMAT_HOME}/default.properties",
	}))

	cfg, err := config.FromViper(v)
	as.NoError(err)

	as.Equal("/opt/vformat/bin/verilog-format", cfg.VerilogFormat.Path)
	as.Equal("/opt/vformat/default.properties", cfg.VerilogFormat.Settings)
}

func TestInvalidValues(t *testing.T) {
	as := require.New(t)

	t.Run("charset", func(t *testing.T) {
		v, flags := newViper(t)
		as.NoError(flags.Parse([]string{"--charset", "latin1"}))

		_, err := config.FromViper(v)
		as.ErrorIs(err, config.ErrInvalidCharset)
	})

	t.Run("walk", func(t *testing.T) {
		v, flags := newViper(t)
		as.NoError(flags.Parse([]string{"--walk", "jujutsu"}))

		_, err := config.FromViper(v)
		as.ErrorIs(err, config.ErrInvalidWalk)
	})
}

func TestNormalizeCharset(t *testing.T) {
	as := require.New(t)

	for in, want := range map[string]string{
		"":      "",
		"GBK":   "GBK",
		"gbk":   "GBK",
		"UTF-8": "UTF-8",
		"utf-8": "UTF-8",
		"UTF8":  "UTF-8",
	} {
		got, err := config.NormalizeCharset(in)
		as.NoError(err, in)
		as.Equal(want, got, in)
	}

	_, err := config.NormalizeCharset("ascii")
	as.ErrorIs(err, config.ErrInvalidCharset)
}

func TestFindUp(t *testing.T) {
	as := require.New(t)

	root := t.TempDir()
	nested := filepath.Join(root, "rtl", "core")
	as.NoError(os.MkdirAll(nested, 0o755))

	_, _, err := config.FindUp(nested, config.ConfigFileNames...)
	as.Error(err)

	configPath := filepath.Join(root, ".vfmt.toml")
	as.NoError(os.WriteFile(configPath, nil, 0o600))

	path, dir, err := config.FindUp(nested, config.ConfigFileNames...)
	as.NoError(err)
	as.Equal(configPath, path)
	as.Equal(root, dir)

	// vfmt.toml takes precedence over .vfmt.toml in the same directory
	preferred := filepath.Join(root, "vfmt.toml")
	as.NoError(os.WriteFile(preferred, nil, 0o600))

	path, err = config.Find(root, config.ConfigFileNames...)
	as.NoError(err)
	as.Equal(preferred, path)
}
