package lsp

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/numtide/vfmt/lsp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.lsp.dev/jsonrpc2"
)

var ErrExitWithoutShutdown = errors.New("client exited without requesting a shutdown")

// NewCommand creates the lsp command. setup is run first to read the config file and configure logging.
func NewCommand(v *viper.Viper, setup func(*viper.Viper, *cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   "lsp",
		Short: "Run a language server over stdin and stdout",
		Long: "Run a language server over stdin and stdout, offering document formatting and the " +
			lsp.CommandFormat + " command to editors.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := setup(v, cmd); err != nil {
				return err
			}

			cmd.SilenceUsage = true

			return Run(cmd.Context(), v, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

// stdio joins the standard streams into the single connection a jsonrpc2 stream expects.
type stdio struct {
	io.Reader
	io.Writer
}

func (s stdio) Close() error {
	if closer, ok := s.Reader.(io.Closer); ok {
		return closer.Close() //nolint:wrapcheck
	}

	return nil
}

// Run serves a single client over in and out until it exits or the connection is closed.
// Logs go to stderr, as out is reserved for the protocol.
func Run(ctx context.Context, v *viper.Viper, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	l := log.WithPrefix("lsp")

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(stdio{Reader: in, Writer: out}))

	server, err := lsp.New(conn, v)
	if err != nil {
		return fmt.Errorf("failed to create language server: %w", err)
	}

	if path := v.ConfigFileUsed(); path != "" {
		if err = server.WatchConfig(ctx, path); err != nil {
			l.Warnf("config file changes will not be picked up: %v", err)
		}
	}

	l.Info("starting language server")
	conn.Go(ctx, server.Handle)

	select {
	case <-server.Exited():
	case <-conn.Done():
		if err := conn.Err(); err != nil && !errors.Is(err, io.EOF) && !server.ShutdownRequested() {
			return fmt.Errorf("connection closed: %w", err)
		}
	case <-ctx.Done():
		_ = conn.Close()

		return ctx.Err() //nolint:wrapcheck
	}

	if !server.ShutdownRequested() {
		return ErrExitWithoutShutdown
	}

	l.Info("language server stopped")

	return nil
}
