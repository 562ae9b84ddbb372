package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mixlock/internal/agent"
)

var agentInterval time.Duration

func init() {
	agentCmd.Flags().DurationVar(&agentInterval, "interval", 30*time.Second, "tick interval")
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the background loop: drain the queue and renew the held lock",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openQueue(ctx); err != nil {
			return err
		}

		ag := agent.New(a.drainer(), a.locks, a.workdir, agent.Options{
			Interval:    agentInterval,
			AutoRenew:   a.cfg.Lock.AutoRenew,
			RenewBefore: a.cfg.Lock.RenewBefore,
			Extend:      a.cfg.Lock.Timeout,
		}, a.logger)

		fmt.Printf("agent running, interval %s; ctrl-c to stop\n", agentInterval)
		if err := ag.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}
