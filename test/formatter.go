package test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// FakeFormatter is a shell script standing in for verilog-format.
// Every invocation records its arguments and the staged input before running the configured behaviour against the
// file passed with -f.
type FakeFormatter struct {
	// Path is the location of the executable script.
	Path string

	dir string
}

type fakeOptions struct {
	output   *string
	script   string
	exitCode int
}

type FakeOption func(*fakeOptions)

// WithOutput makes the fake overwrite the staged file with output.
func WithOutput(output string) FakeOption {
	return func(o *fakeOptions) {
		o.output = &output
	}
}

// WithScript runs body after recording the invocation. The staged file is available as "$2".
func WithScript(body string) FakeOption {
	return func(o *fakeOptions) {
		o.script = body
	}
}

// WithExitCode sets the exit status of the fake.
func WithExitCode(code int) FakeOption {
	return func(o *fakeOptions) {
		o.exitCode = code
	}
}

// NewFakeFormatter writes a fake verilog-format into a temporary directory.
// Without options it leaves the staged file untouched and exits with status 0.
func NewFakeFormatter(t *testing.T, opts ...FakeOption) *FakeFormatter {
	t.Helper()

	options := fakeOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	dir := t.TempDir()
	f := &FakeFormatter{
		Path: filepath.Join(dir, "verilog-format"),
		dir:  dir,
	}

	var script strings.Builder

	script.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&script, "printf '%%s\\n' \"$@\" > '%s'\n", f.file("args"))
	fmt.Fprintf(&script, "printf '%%s\\n' \"$2\" >> '%s'\n", f.file("calls"))
	fmt.Fprintf(&script, "cp \"$2\" '%s'\n", f.file("input"))

	if options.output != nil {
		require.NoError(t, os.WriteFile(f.file("output"), []byte(*options.output), 0o600))
		fmt.Fprintf(&script, "cat '%s' > \"$2\"\n", f.file("output"))
	}

	if options.script != "" {
		script.WriteString(options.script + "\n")
	}

	fmt.Fprintf(&script, "exit %d\n", options.exitCode)

	require.NoError(t, os.WriteFile(f.Path, []byte(script.String()), 0o755))

	return f
}

// Args returns the arguments of the most recent invocation, or nil if the fake has not been invoked.
func (f *FakeFormatter) Args(t *testing.T) []string {
	t.Helper()

	b, err := os.ReadFile(f.file("args"))
	if os.IsNotExist(err) {
		return nil
	}

	require.NoError(t, err)

	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

// Calls returns the staging file of every invocation so far, in order.
func (f *FakeFormatter) Calls(t *testing.T) []string {
	t.Helper()

	b, err := os.ReadFile(f.file("calls"))
	if os.IsNotExist(err) {
		return nil
	}

	require.NoError(t, err)

	return strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
}

// Input returns the content of the staged file as the most recent invocation received it.
func (f *FakeFormatter) Input(t *testing.T) string {
	t.Helper()

	return ReadFile(t, f.file("input"))
}

func (f *FakeFormatter) file(name string) string {
	return filepath.Join(f.dir, name)
}
