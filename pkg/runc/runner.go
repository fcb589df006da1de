package runc

import (
	"context"
	"os"
	"os/exec"
	"syscall"

	"feos/pkg/defaults"
)

// Runner executes a single OCI-runtime invocation and waits for it to exit,
// with stdio redirected away from the caller (spec §4.2, §9 hang-avoidance).
// It is an interface so tests can substitute a fake without touching a real
// runtime binary.
type Runner interface {
	Run(ctx context.Context, name string, args []string) error
}

// execRunner is the production Runner: a short-lived subprocess with
// /dev/null stdio, waited on synchronously.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string) error {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, defaults.DefaultSubprocessTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = defaults.SubprocessGraceTimeout
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	return cmd.Run()
}
