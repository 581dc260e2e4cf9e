package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/task"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Look at the dequeue side of the task table",
}

var queueEligibleCmd = &cobra.Command{
	Use:   "eligible",
	Short: "Show the tasks the next dequeue poll would pick up",
	Long: `List eligible tasks in the order the dequeue workers take them:
priority tier first, then oldest task modified time.

Examples:
  indexctl queue eligible
  indexctl queue eligible --status FAILED --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFlag, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		statuses := []task.Status{task.StatusNew, task.StatusFailed}
		if statusFlag != "" {
			s, err := task.ParseStatus(statusFlag)
			if err != nil {
				return err
			}
			statuses = []task.Status{s}
		}

		ctx, cancel := commandContext()
		defer cancel()
		s, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer s.Close()

		tryLimit := loadConfig().Tasks.TryCountLimit
		tasks, err := previewEligible(ctx, s, statuses, time.Now(), tryLimit, limit)
		if err != nil {
			return err
		}
		return render(cmd, tasks, func(w io.Writer) error {
			if len(tasks) == 0 {
				_, err := fmt.Fprintln(w, "No eligible tasks")
				return err
			}
			return printTasks(w, tasks)
		})
	},
}

// previewEligible merges the eligible tasks of each status into dequeue order
func previewEligible(ctx context.Context, s store.TaskStore, statuses []task.Status, now time.Time, tryCountLimit, limit int) ([]*task.Task, error) {
	var all []*task.Task
	for _, status := range statuses {
		found, err := s.FindEligible(ctx, status, now, tryCountLimit, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to find %s tasks: %w", status, err)
		}
		all = append(all, found...)
	}
	store.SortEligible(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueEligibleCmd)

	queueEligibleCmd.Flags().String("status", "", "only this status (NEW or FAILED); default both")
	queueEligibleCmd.Flags().Int("limit", 50, "maximum number of tasks to show")
}
