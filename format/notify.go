package format

import (
	"context"

	"github.com/charmbracelet/log"
)

// Notifier surfaces the outcome of a format request to the user.
type Notifier interface {
	Info(ctx context.Context, message string)
	Error(ctx context.Context, message string)
}

// LogNotifier reports through a logger, which is how the command line surfaces messages.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Info(_ context.Context, message string) {
	n.logger().Info(message)
}

func (n LogNotifier) Error(_ context.Context, message string) {
	n.logger().Error(message)
}

func (n LogNotifier) logger() *log.Logger {
	if n.Logger == nil {
		return log.Default()
	}

	return n.Logger
}
