package main

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"mixlock/internal/conflict"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check whether a pull or push is safe right now",
}

var checkBranch string

func init() {
	checkCmd.PersistentFlags().StringVar(&checkBranch, "branch", "", "branch to compare (default: checked-out branch)")
	checkCmd.AddCommand(checkPullCmd)
	checkCmd.AddCommand(checkPushCmd)
}

var checkPullCmd = &cobra.Command{
	Use:   "pull <project>",
	Short: "Check whether pulling is safe",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runCheck(cmd, args, true) },
}

var checkPushCmd = &cobra.Command{
	Use:   "push <project>",
	Short: "Check whether pushing is safe",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runCheck(cmd, args, false) },
}

func runCheck(cmd *cobra.Command, args []string, pull bool) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	branch, err := a.branchOr(ctx, checkBranch)
	if err != nil {
		return err
	}

	var res conflict.Result
	if pull {
		res, err = a.detector.CheckBeforePull(ctx, args[0], branch)
	} else {
		res, err = a.detector.CheckBeforePush(ctx, args[0], branch)
	}
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Recommendation", "Conflicts", "Local Ahead", "Remote Ahead", "Locked By"})
	lockedBy := ""
	if res.LockedByOther {
		lockedBy = res.LockOwner
	}
	t.AppendRow(table.Row{string(res.Recommendation), res.HasConflicts, res.LocalAhead, res.RemoteAhead, lockedBy})
	t.Render()

	switch res.Recommendation {
	case conflict.Safe:
		return nil
	case conflict.AcquireLock:
		fmt.Println("hint: run `mixlock lock acquire` first")
	case conflict.ManualMergeRequired:
		fmt.Println("hint: local and remote history diverged; binary files cannot merge, coordinate manually")
	case conflict.CheckNetwork:
		fmt.Println("hint: lock backend or remote unreachable; state could not be verified")
	}
	os.Exit(1)
	return nil
}
