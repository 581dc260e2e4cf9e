package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/indexhook/internal/events"
	"github.com/austindbirch/indexhook/internal/task"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish content change events",
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [change] [sysmeta-file]",
	Short: "Publish a content change event",
	Long: `Publish a content change event for the system metadata document in
sysmeta-file. The generator turns it into an index task.

Example:
  indexctl event publish ADD ./sysmeta.xml --object-path /var/objects/ab/cd
  indexctl event publish UPDATE ./rmap.xml --priority 1`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		objectPath, _ := cmd.Flags().GetString("object-path")
		priority, _ := cmd.Flags().GetInt("priority")

		raw, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("failed to read system metadata: %w", err)
		}
		ev, err := buildEvent(args[0], raw, objectPath, priority)
		if err != nil {
			return err
		}
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}

		cfg := loadConfig()
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			return fmt.Errorf("failed to create producer: %w", err)
		}
		defer producer.Stop()
		producer.SetLoggerLevel(nsq.LogLevelWarning)

		if err := producer.Publish(cfg.NSQ.EventsTopic, body); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		return render(cmd, ev, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Published event: %s\n  Change: %s\n  Topic: %s\n", ev.EventID, ev.Change, cfg.NSQ.EventsTopic)
			return err
		})
	},
}

// buildEvent validates the inputs and stamps a new event
func buildEvent(change string, raw []byte, objectPath string, priority int) (events.ContentEvent, error) {
	ct, err := task.ParseChangeType(change)
	if err != nil {
		return events.ContentEvent{}, err
	}
	if _, err := task.NewClassifier().Classify(ct, raw, objectPath); err != nil {
		return events.ContentEvent{}, fmt.Errorf("system metadata rejected: %w", err)
	}
	ev := events.NewContentEvent(uuid.NewString(), ct, raw, objectPath)
	if priority != 0 {
		ev.Priority = &priority
	}
	if err := ev.Validate(); err != nil {
		return events.ContentEvent{}, err
	}
	return ev, nil
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("object-path", "", "location of the object bytes")
	publishCmd.Flags().Int("priority", 0, "explicit priority tier (ignored for DELETE)")
}
