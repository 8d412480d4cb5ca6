//go:build !windows

package installer

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// restartService restarts a systemd unit or launchd label.
func restartService(ctx context.Context, name string) error {
	var cmd *exec.Cmd
	if runtime.GOOS == "darwin" {
		cmd = exec.CommandContext(ctx, "launchctl", "kickstart", "-k", "system/"+name)
	} else {
		cmd = exec.CommandContext(ctx, "systemctl", "restart", name)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("restart %s: %w: %s", name, err, out)
	}
	return nil
}
