package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/tasksync/internal/app"
	apperrors "github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
)

var addDescription string

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "tasks",
	Short:   "Add a task",
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		task, err := a.Service.Add(ctx, args[0], addDescription)
		if err != nil {
			return err
		}
		fmt.Printf("Added task %d: %s\n", task.ID, task.Title)
		return nil
	}),
}

var listStatus string

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List the signed-in user's tasks from the local store.

Unsynced tasks are marked with '*'.`,
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		filter, err := models.ParseFilter(listStatus)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "--status", err)
		}
		tasks, err := a.Service.List(ctx, filter)
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		printTasks(os.Stdout, tasks)
		return nil
	}),
}

var toggleCmd = &cobra.Command{
	Use:     "toggle <id>",
	GroupID: "tasks",
	Short:   "Mark a task done or not done",
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		task, err := a.Service.Toggle(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("Task %d is now %s\n", task.ID, doneLabel(task.Completed))
		return nil
	}),
}

var editDescription string

var editCmd = &cobra.Command{
	Use:     "edit <id> <title>",
	GroupID: "tasks",
	Short:   "Change a task's title and description",
	Args:    cobra.ExactArgs(2),
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		task, err := a.Service.Edit(ctx, id, args[1], editDescription)
		if err != nil {
			return err
		}
		fmt.Printf("Updated task %d: %s\n", task.ID, task.Title)
		return nil
	}),
}

var deleteCmd = &cobra.Command{
	Use:     "delete <id>",
	GroupID: "tasks",
	Aliases: []string{"rm"},
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: withApp(func(ctx context.Context, a *app.App, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if err := a.Service.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("Deleted task %d\n", id)
		return nil
	}),
}

func init() {
	addCmd.Flags().StringVarP(&addDescription, "description", "d", "", "task description")
	editCmd.Flags().StringVarP(&editDescription, "description", "d", "", "task description")
	listCmd.Flags().StringVar(&listStatus, "status", "all", "all, completed or pending")

	rootCmd.AddCommand(addCmd, listCmd, toggleCmd, editCmd, deleteCmd)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("invalid task id %q", s))
	}
	return id, nil
}

func doneLabel(completed bool) string {
	if completed {
		return "done"
	}
	return "pending"
}

func printTasks(out io.Writer, tasks []*models.Task) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTITLE\tDESCRIPTION")
	for _, t := range tasks {
		mark := ""
		if !t.Synced {
			mark = "*"
		}
		fmt.Fprintf(w, "%d%s\t%s\t%s\t%s\n", t.ID, mark, doneLabel(t.Completed), t.Title, t.Description)
	}
	w.Flush()
}
