package wg

import (
	"context"
	"fmt"
	"os/exec"

	"golang.org/x/sys/unix"

	"marinvpn/pkg/vpnerr"
)

var (
	clientTools = []string{"wg", "wg-quick", "ip", "nft"}
	serverTools = []string{"wg"}
)

type preflightDeps struct {
	lookPath func(string) (string, error)
	geteuid  func() int
}

func defaultPreflightDeps() preflightDeps {
	return preflightDeps{
		lookPath: exec.LookPath,
		geteuid:  unix.Geteuid,
	}
}

// PreflightClient checks the command backend can drive the host: every tool
// is installed and the process runs as root.
func PreflightClient(ctx context.Context) error {
	return runPreflight(ctx, clientTools, true, defaultPreflightDeps())
}

// PreflightServer checks the wg tool is installed.
func PreflightServer(ctx context.Context) error {
	return runPreflight(ctx, serverTools, false, defaultPreflightDeps())
}

func runPreflight(ctx context.Context, tools []string, needRoot bool, deps preflightDeps) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, tool := range tools {
		if _, err := deps.lookPath(tool); err != nil {
			return fmt.Errorf("%s binary not found: %w", tool, vpnerr.ErrDriverMissing)
		}
	}
	if needRoot && deps.geteuid() != 0 {
		return fmt.Errorf("tunnel backend requires root: %w", vpnerr.ErrPermissionDenied)
	}
	return nil
}
