package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mixlock/internal/agent"
	"mixlock/internal/lease"
	"mixlock/internal/lock"
	"mixlock/internal/queue"
	"mixlock/internal/resilience"
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Acquire, release, and inspect project locks",
}

var (
	acquireLease time.Duration
	breakYes     bool
)

func init() {
	acquireCmd.Flags().DurationVar(&acquireLease, "lease", 0, "lease duration (default lock.timeout_hours from config)")
	breakCmd.Flags().BoolVar(&breakYes, "yes", false, "confirm breaking someone else's lock")

	lockCmd.AddCommand(acquireCmd)
	lockCmd.AddCommand(releaseCmd)
	lockCmd.AddCommand(statusCmd)
	lockCmd.AddCommand(breakCmd)
}

var acquireCmd = &cobra.Command{
	Use:   "acquire <project>",
	Short: "Take the exclusive editing lock for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		project := args[0]
		leaseDur := acquireLease
		if leaseDur <= 0 {
			leaseDur = a.cfg.Lock.Timeout
		}

		var lk *lock.Lock
		err = a.retryer.Do(ctx, "acquire", func(ctx context.Context) error {
			var err error
			lk, err = a.locks.Acquire(ctx, project, a.cfg.Identity, a.cfg.MachineID, leaseDur)
			return err
		})
		if err != nil {
			if held, ok := lock.IsAlreadyLocked(err); ok {
				fmt.Printf("locked by %s (machine %s), expires %s\n",
					held.Owner, held.MachineID, held.ExpiresAt.Format(time.RFC3339))
				fmt.Println("ask them to release, or wait for expiry; `mixlock lock break` overrides")
				os.Exit(2)
			}
			if resilience.IsTransient(err) {
				return a.enqueueOffline(ctx, project, queue.KindAcquireLock,
					agent.AcquirePayload{LeaseMS: leaseDur.Milliseconds()}, err)
			}
			return err
		}

		if err := lease.Save(a.workdir, lease.Lease{
			Project:   lk.Project,
			LockID:    lk.LockID,
			Owner:     lk.Owner,
			MachineID: lk.MachineID,
			ExpiresAt: lk.ExpiresAt,
		}); err != nil {
			return err
		}

		printLock(lk, lk.StateAt(time.Now()))
		return nil
	},
}

var releaseCmd = &cobra.Command{
	Use:   "release <project>",
	Short: "Release the lock this working copy holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		project := args[0]
		l, err := lease.Load(a.workdir)
		if err != nil {
			return err
		}
		if l == nil || l.Project != project {
			return fmt.Errorf("no lease held here for %q", project)
		}

		err = a.retryer.Do(ctx, "release", func(ctx context.Context) error {
			return a.locks.Release(ctx, project, l.LockID)
		})
		if err != nil {
			if errors.Is(err, lock.ErrLockIDMismatch) {
				// Our lock was broken or expired and re-acquired.
				// The lease is dead either way.
				fmt.Println("lock is no longer ours; clearing local lease")
				return lease.Clear(a.workdir)
			}
			if resilience.IsTransient(err) {
				return a.enqueueOffline(ctx, project, queue.KindReleaseLock,
					agent.ReleasePayload{LockID: l.LockID}, err)
			}
			return err
		}

		if err := lease.Clear(a.workdir); err != nil {
			return err
		}
		fmt.Printf("released %s\n", project)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show who holds the lock and how fresh it is",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		lk, state, err := a.locks.Status(ctx, args[0])
		if err != nil {
			return err
		}
		if lk == nil {
			fmt.Printf("%s: unlocked\n", args[0])
			return nil
		}
		printLock(lk, state)
		return nil
	},
}

var breakCmd = &cobra.Command{
	Use:   "break <project>",
	Short: "Forcibly remove another holder's lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		project := args[0]
		if !breakYes {
			return fmt.Errorf("breaking a lock discards another person's claim; rerun with --yes")
		}

		lk, state, err := a.locks.Status(ctx, project)
		if err == nil && lk != nil && state == lock.StateActive {
			fmt.Fprintf(os.Stderr, "warning: lock is active and held by %s; they may lose work\n", lk.Owner)
		}

		if err := a.locks.ForceBreak(ctx, project); err != nil {
			if errors.Is(err, lock.ErrNoLock) {
				fmt.Printf("%s: unlocked, nothing to break\n", project)
				return nil
			}
			return err
		}
		fmt.Printf("broke lock on %s\n", project)
		return nil
	},
}

// enqueueOffline records op durably after a transient failure so the agent
// replays it when connectivity returns.
func (a *app) enqueueOffline(ctx context.Context, project string, kind queue.Kind, payload interface{}, cause error) error {
	if err := a.openQueue(ctx); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	entry, err := a.q.Enqueue(ctx, queue.Operation{Project: project, Kind: kind, Payload: data})
	if err != nil {
		return fmt.Errorf("backend unreachable (%v) and enqueue failed: %w", cause, err)
	}
	fmt.Printf("backend unreachable; queued %s for %s (entry %s)\n", kind, project, entry.ID)
	return nil
}

func printLock(lk *lock.Lock, state lock.State) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Project", "State", "Owner", "Machine", "Acquired", "Expires", "Last Heartbeat"})
	t.AppendRow(table.Row{
		lk.Project,
		state.String(),
		lk.Owner,
		lk.MachineID,
		lk.AcquiredAt.Format(time.RFC3339),
		lk.ExpiresAt.Format(time.RFC3339),
		lk.LastHeartbeat.Format(time.RFC3339),
	})
	t.Render()
}
