package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/task"
)

// errTaskRunning is returned when retrying a task a worker currently owns
var errTaskRunning = errors.New("task is being processed; wait for it to finish or for the sweeper to reset it")

// taskCmd represents the task command
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect and retry index tasks",
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tasks recorded for a pid",
	Long: `List every task recorded for an object identifier, optionally
restricted to one status.

Examples:
  indexctl task list --pid urn:uuid:7f3b
  indexctl task list --pid urn:uuid:7f3b --status IN_PROCESS`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, _ := cmd.Flags().GetString("pid")
		statusFlag, _ := cmd.Flags().GetString("status")
		if pid == "" {
			return errors.New("--pid is required")
		}

		ctx, cancel := commandContext()
		defer cancel()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		var tasks []*task.Task
		if statusFlag == "" {
			tasks, err = s.FindByPID(ctx, pid)
		} else {
			status, perr := task.ParseStatus(statusFlag)
			if perr != nil {
				return perr
			}
			tasks, err = s.FindByPIDAndStatus(ctx, pid, status)
		}
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		return render(cmd, tasks, func(w io.Writer) error {
			if len(tasks) == 0 {
				_, err := fmt.Fprintf(w, "No tasks for %s\n", pid)
				return err
			}
			return printTasks(w, tasks)
		})
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		t, err := s.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to get task %d: %w", id, err)
		}
		return render(cmd, t, func(w io.Writer) error { return printTask(w, t) })
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry [task-id]",
	Short: "Send a task back to the queue",
	Long: `Mark a task NEW so the next dequeue poll picks it up.

A task that has already used up its retries goes into backoff instead of
being retried right away. Pass --reset to clear its try count first.

Examples:
  indexctl task retry 42
  indexctl task retry 42 --reset`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseTaskID(args[0])
		if err != nil {
			return err
		}
		reset, _ := cmd.Flags().GetBool("reset")

		ctx, cancel := commandContext()
		defer cancel()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		lc := task.NewLifecycle(loadConfig().Tasks.RetryThreshold)
		t, err := retryTask(ctx, s, lc, id, reset)
		if err != nil {
			return err
		}
		return render(cmd, t, func(w io.Writer) error {
			if t.Status == task.StatusFailed {
				_, err := fmt.Fprintf(w, "Task %d is in backoff until %s (tries: %d)\n", t.ID, formatTime(t.NextEligible), t.TryCount)
				return err
			}
			_, err := fmt.Fprintf(w, "Task %d queued (status: %s, tries: %d)\n", t.ID, t.Status, t.TryCount)
			return err
		})
	},
}

// retryTask marks a task NEW and saves it. Tasks a worker owns are refused.
func retryTask(ctx context.Context, s store.TaskStore, lc task.Lifecycle, id int64, reset bool) (*task.Task, error) {
	t, err := s.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task %d: %w", id, err)
	}
	if t.Status == task.StatusInProcess {
		return nil, fmt.Errorf("task %d: %w", id, errTaskRunning)
	}
	if reset {
		t.TryCount = 0
		t.NextEligible = time.Time{}
	}
	lc.MarkNew(t)
	saved, err := s.Save(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("failed to save task %d: %w", id, err)
	}
	return saved, nil
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskRetryCmd)

	taskListCmd.Flags().String("pid", "", "object identifier")
	taskListCmd.Flags().String("status", "", "only tasks in this status (NEW, IN_PROCESS, COMPLETE, FAILED)")
	taskRetryCmd.Flags().Bool("reset", false, "clear the try count and backoff before retrying")
}
