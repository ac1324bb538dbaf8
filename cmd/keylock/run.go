package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

func (a *app) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run KEY -- COMMAND [ARGS...]",
		Short: "Run a command while holding a lock",
		Long: `Acquire KEY, run COMMAND and release KEY whatever the outcome.
The exit code of COMMAND is kept. If the lock cannot be acquired the
command does not run and keylock exits with status 1.`,
		Args: cobra.MinimumNArgs(2),
		RunE: a.runLocked,
	}
}

func (a *app) runLocked(cmd *cobra.Command, args []string) error {
	key, argv := args[0], args[1:]
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		if dash != 1 {
			return fmt.Errorf("expected exactly one key before --")
		}
	}

	return a.registry.WithLock(cmd.Context(), key, func(ctx context.Context) error {
		a.logger.Debug("keylock: lock acquired", "key", key, "command", argv[0])
		child := exec.CommandContext(ctx, argv[0], argv[1:]...)
		child.Stdin = os.Stdin
		child.Stdout = a.stdout
		child.Stderr = a.stderr
		return child.Run()
	})
}
