package registrar

import (
	"context"
	"fmt"
	"os/exec"
)

// RealWatchdog invokes the watchdog binary to register and unregister
// transaction handlers, per §4.6's command line:
//
//	<watchdog> --register <exec> [--family <family_id>] --count <n>
//	<watchdog> --un-register <exec> --family <family_id>
type RealWatchdog struct {
	Path string
}

func (w *RealWatchdog) Register(ctx context.Context, execPath string, family string, count uint8) error {
	args := []string{"--register", execPath}
	if family != "" {
		args = append(args, "--family", family)
	}
	args = append(args, "--count", fmt.Sprintf("%d", count))

	cmd := exec.CommandContext(ctx, w.Path, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("registrar: watchdog register %s: %w: %s", execPath, err, out)
	}
	return nil
}

func (w *RealWatchdog) Unregister(ctx context.Context, execPath string, family string) error {
	cmd := exec.CommandContext(ctx, w.Path, "--un-register", execPath, "--family", family)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("registrar: watchdog un-register %s/%s: %w: %s", execPath, family, err, out)
	}
	return nil
}
