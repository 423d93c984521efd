package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/app"
	"github.com/kimhsiao/tasksync/internal/models"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay queued changes to the remote store now",
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		result, err := a.Service.Sync(ctx)
		if err != nil {
			return err
		}
		printDrain(result)
		return nil
	}),
}

var refreshCmd = &cobra.Command{
	Use:     "refresh",
	GroupID: "sync",
	Short:   "Reload the task list from the remote store",
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		stats, err := a.Service.Refresh(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Reloaded: %d new, %d updated, %d removed, %d local changes kept\n",
			stats.Inserted, stats.Updated, stats.Removed, stats.KeptLocal)
		return nil
	}),
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show connectivity, account and queue state",
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		state, err := a.Service.Status(ctx)
		if err != nil {
			return err
		}
		online := "offline"
		if state.Online {
			online = "online"
		}
		fmt.Printf("Remote:  %s (%s)\n", a.Config.RemoteURL, online)
		if state.LoggedIn {
			fmt.Printf("Account: %s\n", state.Username)
		} else {
			fmt.Println("Account: not signed in")
		}
		fmt.Printf("Queue:   %d pending, %d failed\n", state.Queue.Pending, state.Queue.Failed)
		fmt.Printf("Sync:    %s\n", state.Status)
		if state.LastSync != nil {
			fmt.Printf("Last:    %s\n", state.LastSync.Local().Format(time.RFC1123))
		}
		if state.LastError != "" {
			fmt.Printf("Error:   %s\n", state.LastError)
		}
		return nil
	}),
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "sync",
	Short:   "Inspect, retry or discard queued changes",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes in replay order",
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		list, err := a.Service.PendingMutations(ctx)
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		printQueue(list)
		return nil
	}),
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue changes the remote store rejected",
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		n, err := a.Service.RetryFailed(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Requeued %d change(s)\n", n)
		return nil
	}),
}

var clearConfirmed bool

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard every queued change without sending it",
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		if !clearConfirmed {
			return fmt.Errorf("queued changes would be lost; pass --yes to confirm")
		}
		n, err := a.Service.ClearQueue(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Discarded %d change(s)\n", n)
		return nil
	}),
}

func init() {
	queueClearCmd.Flags().BoolVar(&clearConfirmed, "yes", false, "confirm discarding unsent changes")
	queueCmd.AddCommand(queueListCmd, queueRetryCmd, queueClearCmd)
	rootCmd.AddCommand(syncCmd, refreshCmd, statusCmd, queueCmd)
}

func printDrain(r *syncpkg.DrainResult) {
	if r.Skipped != "" {
		fmt.Printf("Sync skipped: %s\n", r.Skipped)
		return
	}
	fmt.Printf("Synced in %v: %d applied, %d failed, %d deferred, %d still queued\n",
		r.Duration.Round(time.Millisecond), r.Applied, r.Failed, r.Deferred, r.Pending)
	if r.Dropped > 0 {
		fmt.Printf("%d change(s) dropped by the clear_all queue policy\n", r.Dropped)
	}
	for _, f := range r.Failures {
		kind := "will retry"
		if f.Permanent {
			kind = "rejected"
		}
		fmt.Printf("  %s task %d: %s (%s)\n", f.Action, f.TaskID, f.Error, kind)
	}
}

func printQueue(list []*models.Mutation) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tACTION\tTASK\tSTATUS\tRETRIES\tLAST ERROR")
	for _, m := range list {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%s\n", m.Timestamp, m.Action, m.TaskID, m.Status, m.RetryCount, m.LastError)
	}
	w.Flush()
}
