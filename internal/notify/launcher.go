package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// defaultLaunchTimeout bounds how long a launch command may run.
const defaultLaunchTimeout = 5 * time.Second

// CommandLauncher promotes the host application by running a configured
// command, e.g. ["open", "-a", "Beacon Radar"].
type CommandLauncher struct {
	argv    []string
	timeout time.Duration
}

var _ Promoter = (*CommandLauncher)(nil)

// NewCommandLauncher creates a launcher for argv. Panics if argv is empty
// (programmer error; use NopPromoter instead).
func NewCommandLauncher(argv []string, timeout time.Duration) *CommandLauncher {
	if len(argv) == 0 {
		panic("notify: NewCommandLauncher called with empty argv")
	}
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}
	return &CommandLauncher{argv: append([]string(nil), argv...), timeout: timeout}
}

// Promote runs the launch command and waits for it to exit.
func (l *CommandLauncher) Promote() error {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	slog.Debug("[NOTIFY] launching host application", "command", l.argv[0])
	out, err := exec.CommandContext(ctx, l.argv[0], l.argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("notify: launch %s: %w (output: %s)", l.argv[0], err, out)
	}
	return nil
}
