package notify

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

const (
	// MessageSyncFailed is shown when the sign-in migration fails.
	MessageSyncFailed = "Failed to sync your countries. Please try again."
	// MessageToggleFailed is shown when a selection toggle fails.
	MessageToggleFailed = "Failed to update country"
)

// Notifier surfaces short user-facing messages.
type Notifier interface {
	Success(message string)
	Failure(message string)
}

// SyncedMessage formats the migration success notice.
func SyncedMessage(count int) string {
	noun := "countries"
	if count == 1 {
		noun = "country"
	}
	return fmt.Sprintf("%d %s synced to your account!", count, noun)
}

// MarkedMessage formats the notice for a country added to the visited set.
func MarkedMessage(countryName string) string {
	return fmt.Sprintf("%s marked as visited!", countryName)
}

// RemovedMessage formats the notice for a country removed from the visited set.
func RemovedMessage(countryName string) string {
	return fmt.Sprintf("%s removed", countryName)
}

// LogNotifier records notices through zap and optionally echoes them to a writer.
type LogNotifier struct {
	logger *zap.Logger
	out    io.Writer
	mu     sync.Mutex
}

// NewLogNotifier constructs a LogNotifier. Both arguments are optional.
func NewLogNotifier(logger *zap.Logger, out io.Writer) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger, out: out}
}

func (n *LogNotifier) Success(message string) {
	n.logger.Info("notification", zap.String("kind", "success"), zap.String("message", message))
	n.echo("✓ " + message)
}

func (n *LogNotifier) Failure(message string) {
	n.logger.Warn("notification", zap.String("kind", "failure"), zap.String("message", message))
	n.echo("✗ " + message)
}

func (n *LogNotifier) echo(line string) {
	if n.out == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	_, _ = fmt.Fprintln(n.out, line)
}
