package format

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/numtide/vfmt/config"
	"go.lsp.dev/protocol"
)

var (
	// ErrConfiguration is returned when the verilog-format executable is not configured or does not exist.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrStaging is returned when the document could not be copied into a temporary file.
	ErrStaging = errors.New("failed to stage document")
	// ErrInvocation is returned when verilog-format could not be run, or did not finish in time.
	ErrInvocation = errors.New("failed to execute verilog-format")
	// ErrNonZeroExit is returned when verilog-format ran but reported a failure.
	ErrNonZeroExit = errors.New("verilog-format failed")
)

// how long an interrupted verilog-format gets to exit before it is killed
const waitDelay = 5 * time.Second

// Request is a single document to be formatted.
type Request struct {
	// Text is the full current content of the document.
	Text string
	// Path is the document's location on disk, used to find a local settings file and pick a temp file extension.
	Path string
	// Charset overrides the charset selector when set.
	Charset string
}

// Result is the outcome of a format request.
type Result struct {
	// Success is true when verilog-format exited with status 0, regardless of whether the text changed.
	Success bool
	// Text is the content read back from the staging file. It is only set when Edits is not empty.
	Text string
	// Edits holds a single whole document edit, or nothing when no edit should be applied.
	Edits []protocol.TextEdit
}

// Args returns the argument vector for verilog-format: -f <staging> [-s <settings>] [-c <charset>].
func Args(stagingPath string, settingsPath string, charset string) []string {
	args := []string{"-f", stagingPath}

	if settingsPath != "" {
		args = append(args, "-s", settingsPath)
	}

	if charset != "" {
		args = append(args, "-c", charset)
	}

	return args
}

// Formatter runs documents through the external verilog-format executable.
// A Formatter holds no per request state and can serve overlapping requests, each getting its own staging file and
// process.
type Formatter struct {
	cfg      *config.Config
	notifier Notifier
	selector CharsetSelector

	log *log.Logger
}

// New creates a Formatter for cfg. A nil notifier reports through the default logger, a nil selector uses the
// configured charset.
func New(cfg *config.Config, notifier Notifier, selector CharsetSelector) *Formatter {
	if notifier == nil {
		notifier = LogNotifier{}
	}

	if selector == nil {
		selector = StaticCharset(cfg.VerilogFormat.Charset)
	}

	return &Formatter{
		cfg:      cfg,
		notifier: notifier,
		selector: selector,
		log:      log.WithPrefix("format"),
	}
}

// Format stages req.Text, runs verilog-format against it and reads back the result.
//
// The returned Result is never nil. A configuration error or a cancelled charset selection returns before anything
// touches the filesystem. When verilog-format fails, the error is returned alongside an empty Result unless the
// config asks for the document to be replaced anyway, in which case Edits holds whatever was left in the staging
// file.
func (f *Formatter) Format(ctx context.Context, req *Request) (*Result, error) {
	result := &Result{}
	name := displayName(req.Path)

	executable, err := f.executable()
	if err != nil {
		f.notifier.Error(ctx, fmt.Sprintf(
			"verilog-format executable %q does not exist, change the %s setting",
			f.cfg.VerilogFormat.Path, config.KeyPath,
		))

		return result, err
	}

	charset := req.Charset
	if charset == "" {
		if charset, err = f.selector.Select(ctx); errors.Is(err, ErrSelectionCancelled) {
			f.log.Debugf("charset selection cancelled, not formatting %s", name)

			return result, err
		} else if err != nil {
			f.notifier.Error(ctx, fmt.Sprintf("failed to select a charset: %v", err))

			return result, fmt.Errorf("failed to select a charset: %w", err)
		}
	}

	settings := ResolveSettings(req.Path, f.cfg.VerilogFormat.Settings)

	staged, err := Stage(req.Text, filepath.Ext(req.Path))
	if err != nil {
		f.notifier.Error(ctx, fmt.Sprintf("failed to format %s: %v", name, err))

		return result, err
	}

	defer func() {
		if err := staged.Remove(); err != nil {
			f.log.Warnf("failed to clean up staging file: %v", err)
		}
	}()

	runErr := f.invoke(ctx, executable, Args(staged.Path(), settings, charset))
	result.Success = runErr == nil

	switch {
	case runErr == nil:
		f.notifier.Info(ctx, "formatted "+name)
	case errors.Is(runErr, ErrNonZeroExit):
		f.notifier.Error(ctx, fmt.Sprintf("failed to format %s: %v", name, runErr))
	default:
		f.notifier.Error(ctx, fmt.Sprintf(
			"failed to execute %s, check your %s setting: %v", executable, config.KeyPath, runErr,
		))
	}

	if runErr != nil && !f.cfg.ApplyOnFailure {
		return result, runErr
	}

	text, err := staged.Read()
	if err != nil {
		f.notifier.Error(ctx, fmt.Sprintf("failed to read back %s: %v", name, err))

		return result, errors.Join(runErr, err)
	}

	result.Text = text
	result.Edits = []protocol.TextEdit{WholeDocumentEdit(req.Text, text)}

	return result, runErr
}

// executable validates the configured verilog-format path and makes it absolute, so a relative path resolves
// against the working directory rather than $PATH.
func (f *Formatter) executable() (string, error) {
	path := f.cfg.VerilogFormat.Path
	if !ValidFile(path) {
		return "", fmt.Errorf("%w: %s %q does not exist", ErrConfiguration, config.KeyPath, path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: failed to get absolute path for %q: %w", ErrConfiguration, path, err)
	}

	return abs, nil
}

func (f *Formatter) invoke(ctx context.Context, executable string, args []string) error {
	start := time.Now()

	if f.cfg.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, f.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, executable, args...) //nolint:gosec
	// replace the default Cancel handler installed by CommandContext because it sends SIGKILL (-9).
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = waitDelay

	f.log.Debugf("executing: %s", cmd.String())

	out, err := cmd.CombinedOutput()
	if err == nil {
		f.log.Infof("processed in %v", time.Since(start))

		if len(out) > 0 {
			f.log.Debugf("output:\n%s", out)
		}

		return nil
	}

	if len(out) > 0 {
		f.log.Errorf("output:\n%s", out)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrInvocation, ctxErr)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s", ErrNonZeroExit, exitErr)
	}

	return fmt.Errorf("%w: %w", ErrInvocation, err)
}

func displayName(path string) string {
	if path == "" {
		return "document"
	}

	return path
}
