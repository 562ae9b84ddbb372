package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mixlock/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drain the offline operation queue",
}

var queuePayload string

func init() {
	queueAddCmd.Flags().StringVar(&queuePayload, "payload", "{}", "operation payload as JSON")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueStatsCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueCleanupCmd)
}

var queueAddCmd = &cobra.Command{
	Use:   "add <project> <kind>",
	Short: "Enqueue an operation for later replay",
	Long:  "Kinds: acquire-lock, push, pull, release-lock, heartbeat.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openQueue(ctx); err != nil {
			return err
		}

		if !json.Valid([]byte(queuePayload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		entry, err := a.q.Enqueue(ctx, queue.Operation{
			Project: args[0],
			Kind:    queue.Kind(args[1]),
			Payload: json.RawMessage(queuePayload),
		})
		if err != nil {
			return err
		}
		fmt.Printf("queued %s for %s (entry %s, seq %d)\n", entry.Kind, entry.Project, entry.ID, entry.Seq)
		return nil
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending operations now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openQueue(ctx); err != nil {
			return err
		}

		report, err := a.drainer().Drain(ctx)
		if err != nil {
			return err
		}
		if report.Offline {
			fmt.Printf("offline; %d pending operations deferred\n", report.Deferred)
			return nil
		}
		fmt.Printf("drained: %d succeeded, %d failed, %d deferred\n",
			report.Succeeded, report.Failed, report.Deferred)
		if report.Failed > 0 {
			fmt.Println("see `mixlock queue failed` for dead-lettered entries")
		}
		return nil
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue depth by status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openQueue(ctx); err != nil {
			return err
		}

		st, err := a.q.Stats(ctx)
		if err != nil {
			return err
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"Status", "Count"})
		for _, s := range []queue.Status{queue.StatusPending, queue.StatusInFlight, queue.StatusSucceeded, queue.StatusFailed} {
			t.AppendRow(table.Row{string(s), st.ByStatus[s]})
		}
		t.Render()

		if st.OldestPendingAge > 0 {
			fmt.Printf("oldest pending: %s\n", st.OldestPendingAge.Round(time.Second))
		}
		if st.Backlog {
			fmt.Printf("warning: pending count exceeds queue.max_entries (%d)\n", a.cfg.Queue.MaxEntries)
		}
		return nil
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List dead-lettered operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openQueue(ctx); err != nil {
			return err
		}

		entries, err := a.q.Failed(ctx)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no failed entries")
			return nil
		}

		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.AppendHeader(table.Row{"ID", "Project", "Kind", "Enqueued", "Attempts", "Last Error"})
		for _, e := range entries {
			t.AppendRow(table.Row{
				e.ID, e.Project, string(e.Kind),
				e.EnqueuedAt.Format(time.RFC3339), e.Attempts, e.LastError,
			})
		}
		t.Render()
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <entry-id>",
	Short: "Return a failed entry to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openQueue(ctx); err != nil {
			return err
		}

		if err := a.q.Retry(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("entry %s returned to pending\n", args[0])
		return nil
	},
}

var queueCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Evict old completed and failed entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.close()
		if err := a.openQueue(ctx); err != nil {
			return err
		}

		n, err := a.q.Cleanup(ctx, a.cfg.Queue.CleanupAfter)
		if err != nil {
			return err
		}
		fmt.Printf("evicted %d entries older than %s\n", n, a.cfg.Queue.CleanupAfter)
		return nil
	},
}
