package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-keylock/v1/auditor"
	"github.com/mirkobrombin/go-keylock/v1/store"
)

func (a *app) holdCmd() *cobra.Command {
	var (
		hold  time.Duration
		audit time.Duration
	)
	cmd := &cobra.Command{
		Use:   "hold KEY",
		Short: "Acquire a lock, keep it for a while and release it",
		Long: `Acquire KEY and keep it until --for elapses or the process is
interrupted, then release it. With --audit the store is checked
periodically and a warning is logged if the key disappears.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.hold(cmd, args[0], hold, audit)
		},
	}
	cmd.Flags().DurationVar(&hold, "for", 10*time.Second, "how long to hold the lock (0 holds until interrupted)")
	cmd.Flags().DurationVar(&audit, "audit", 0, "check the store for the key at this interval")
	return cmd
}

func (a *app) hold(cmd *cobra.Command, key string, hold, audit time.Duration) error {
	ctx := cmd.Context()
	if err := a.registry.Lock(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "acquired %s\n", key)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if hold > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, hold)
		defer cancel()
	}

	if audit > 0 {
		if checker, ok := a.registry.Store().(store.Checker); ok {
			aud := auditor.New(a.registry, checker, auditor.ModeAlert, audit, auditor.WithLogger(a.logger))
			go aud.Run(waitCtx)
		} else {
			a.logger.Warn("keylock: store cannot be audited", "backend", a.cfg.Backend)
		}
	}

	<-waitCtx.Done()
	if err := a.registry.Unlock(context.WithoutCancel(ctx), key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", key)
	return nil
}
