package format

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/numtide/vfmt/cache"
	"github.com/numtide/vfmt/config"
	"github.com/numtide/vfmt/format"
	"github.com/numtide/vfmt/matcher"
	"github.com/numtide/vfmt/stats"
	"github.com/numtide/vfmt/walk"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const (
	BatchSize = 1024
)

var (
	ErrFailOnChange       = errors.New("unexpected changes detected, --fail-on-change is enabled")
	ErrFormattingFailures = errors.New("formatting failures detected")
)

// task tracks a single file through the pipeline.
type task struct {
	file     *walk.File
	settings string
	changed  bool
	err      error
}

func Run(v *viper.Viper, statz *stats.Stats, cmd *cobra.Command, paths []string) error {
	cmd.SilenceUsage = true

	cfg, err := config.FromViper(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// for stdin, check we have only received one path arg which we use for the local settings lookup
	if cfg.Stdin && len(paths) != 1 {
		return errors.New("exactly one path should be specified when using the --stdin flag")
	}

	// fail before touching anything if verilog-format cannot be found
	if !format.ValidFile(cfg.VerilogFormat.Path) {
		return fmt.Errorf(
			"%w: verilog-format executable %q does not exist, set %s or pass --formatter",
			format.ErrConfiguration, cfg.VerilogFormat.Path, config.KeyPath,
		)
	}

	// create an app context and listen for shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	formatter := format.New(cfg, format.LogNotifier{Logger: log.WithPrefix("format")}, nil)

	if cfg.Stdin {
		return formatStdin(ctx, cmd, cfg, statz, formatter, paths[0])
	}

	// checks all paths exist, making them absolute
	for idx, path := range paths {
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.WorkingDirectory, path)
		}

		if _, err = os.Stat(path); err != nil {
			return fmt.Errorf("path %s not found", paths[idx])
		}

		paths[idx] = filepath.Clean(path)
	}

	walkType, err := walk.TypeString(cfg.Walk)
	if err != nil {
		return fmt.Errorf("invalid walk type: %w", err)
	}

	walker, err := walk.New(walkType, cfg.WorkingDirectory, paths, statz)
	if err != nil {
		return fmt.Errorf("failed to create walker: %w", err)
	}

	match, err := matcher.New(cfg.Includes, cfg.Excludes)
	if err != nil {
		return fmt.Errorf("failed to create matcher: %w", err)
	}

	// open the cache if configured
	var db *cache.Cache

	if !cfg.NoCache {
		if db, err = cache.Open(walker.Root(), cfg.ClearCache, signature(cfg)); err != nil {
			// if we can't open the cache, we log a warning and fallback to no cache
			log.Warnf("failed to open cache: %v", err)

			db = nil
		}
	}

	// ensure cache is closed on return
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("failed to close cache: %v", err)
		}
	}()

	// create an overall error group for executing high level tasks concurrently
	eg, ctx := errgroup.WithContext(ctx)

	// create a channel for files needing to be processed
	filesCh := make(chan *task, BatchSize)

	// create a channel for files that have been processed
	processedCh := make(chan *task, cap(filesCh))

	// start concurrent processing tasks in reverse order
	eg.Go(updateCache(cfg, statz, db, processedCh))
	eg.Go(applyFormatter(ctx, formatter, filesCh, processedCh))
	eg.Go(walkFiles(ctx, cfg, statz, walker, match, db, filesCh))

	// wait for everything to complete
	if err = eg.Wait(); err != nil {
		return err //nolint:wrapcheck
	}

	// if fail on change has been enabled, check that no files were actually changed, throwing an error if so
	if cfg.FailOnChange && statz.Value(stats.Changed) != 0 {
		return ErrFailOnChange
	}

	if !cfg.Quiet {
		statz.Print(cmd.OutOrStdout())
	}

	if statz.Value(stats.Failed) != 0 {
		return ErrFormattingFailures
	}

	return nil
}

// formatStdin formats the buffer on stdin as if it were the content of path, writing the result to stdout.
// The original buffer is written back when verilog-format fails, so a pipe never loses content.
func formatStdin(
	ctx context.Context,
	cmd *cobra.Command,
	cfg *config.Config,
	statz *stats.Stats,
	formatter *format.Formatter,
	path string,
) error {
	if !filepath.IsAbs(path) {
		path = filepath.Join(cfg.WorkingDirectory, path)
	}

	b, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read stdin: %w", err)
	}

	statz.Add(stats.Traversed, 1)
	statz.Add(stats.Matched, 1)

	text := string(b)

	result, formatErr := formatter.Format(ctx, &format.Request{Text: text, Path: path})

	statz.Add(stats.Formatted, 1)

	if formatErr != nil {
		statz.Add(stats.Failed, 1)
	}

	out := text
	if len(result.Edits) > 0 {
		out = result.Text
	}

	if out != text {
		statz.Add(stats.Changed, 1)
	}

	if _, err = io.WriteString(cmd.OutOrStdout(), out); err != nil {
		return fmt.Errorf("failed to write to stdout: %w", err)
	}

	return formatErr //nolint:wrapcheck
}

func walkFiles(
	ctx context.Context,
	cfg *config.Config,
	statz *stats.Stats,
	walker walk.Walker,
	match matcher.MatchFn,
	db *cache.Cache,
	filesCh chan *task,
) func() error {
	return func() error {
		// close the files channel when we're done walking the file system
		defer close(filesCh)

		return walker.Walk(ctx, func(file *walk.File) error {
			if match(file) != matcher.Wanted {
				log.Debugf("no match for path: %s", file.RelPath)

				return nil
			}

			settings := format.ResolveSettings(file.Path, cfg.VerilogFormat.Settings)

			// skip files which have not changed since they were last formatted with the same settings
			if db != nil {
				changed, err := db.Changed(file.Path, file.Info, fileSignature(settings))
				if err != nil {
					return fmt.Errorf("failed to check cache for %s: %w", file.RelPath, err)
				} else if !changed {
					return nil
				}
			}

			statz.Add(stats.Matched, 1)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case filesCh <- &task{file: file, settings: settings}:
				return nil
			}
		})
	}
}

func applyFormatter(
	ctx context.Context,
	formatter *format.Formatter,
	filesCh chan *task,
	processedCh chan *task,
) func() error {
	return func() error {
		defer close(processedCh)

		// we don't want a cancel clause, in order to let verilog-format run up to the end for every submitted file.
		fg := errgroup.Group{}
		fg.SetLimit(runtime.NumCPU())

		for t := range filesCh {
			fg.Go(func() error {
				t.changed, t.err = formatFile(ctx, formatter, t.file)
				processedCh <- t

				return nil
			})
		}

		return fg.Wait() //nolint:wrapcheck
	}
}

// formatFile runs a single file through the pipeline, writing the result back only when it differs.
func formatFile(ctx context.Context, formatter *format.Formatter, file *walk.File) (bool, error) {
	b, err := os.ReadFile(file.Path)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", file.Path, err)
	}

	text := string(b)

	result, formatErr := formatter.Format(ctx, &format.Request{Text: text, Path: file.Path})
	if len(result.Edits) == 0 || result.Text == text {
		return false, formatErr //nolint:wrapcheck
	}

	// os.WriteFile keeps the mode of an existing file
	if err = os.WriteFile(file.Path, []byte(result.Text), file.Info.Mode().Perm()); err != nil {
		return false, errors.Join(formatErr, fmt.Errorf("failed to write %s: %w", file.Path, err))
	}

	return true, formatErr //nolint:wrapcheck
}

func updateCache(
	cfg *config.Config,
	statz *stats.Stats,
	db *cache.Cache,
	processedCh chan *task,
) func() error {
	return func() error {
		var cacheErr error

		// used to batch updates for more efficient txs
		batch := make([]cache.Item, 0, BatchSize)

		processBatch := func() {
			if db != nil && cacheErr == nil {
				cacheErr = db.Update(batch)
			}

			batch = batch[:0]
		}

		// drain the channel even after a cache failure, so the formatting tasks never block
		for t := range processedCh {
			statz.Add(stats.Formatted, 1)

			if t.changed {
				statz.Add(stats.Changed, 1)

				logMethod := log.Debug
				if cfg.FailOnChange {
					// surface the changed file more obviously
					logMethod = log.Error
				}

				logMethod("file has changed", "path", t.file.RelPath)
			}

			// files which failed are not cached, so they are processed again next time
			if t.err != nil {
				statz.Add(stats.Failed, 1)

				continue
			}

			batch = append(batch, cache.Item{Path: t.file.Path, Settings: fileSignature(t.settings)})
			if len(batch) == BatchSize {
				processBatch()
			}
		}

		// final flush
		processBatch()

		if cacheErr != nil {
			return fmt.Errorf("failed to update cache: %w", cacheErr)
		}

		return nil
	}
}

// signature describes the verilog-format setup, invalidating the cache whenever it changes.
func signature(cfg *config.Config) map[string]string {
	return map[string]string{
		"executable": fileSignature(cfg.VerilogFormat.Path),
		"settings":   fileSignature(cfg.VerilogFormat.Settings),
		"charset":    cfg.VerilogFormat.Charset,
	}
}

// fileSignature identifies the current version of the file at path, or returns an empty string if there is none.
func fileSignature(path string) string {
	if path == "" {
		return ""
	}

	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	return fmt.Sprintf("%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
}
