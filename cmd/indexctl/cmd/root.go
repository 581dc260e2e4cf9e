package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/indexhook/internal/config"
	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/store/backend"
	"github.com/austindbirch/indexhook/internal/task"
)

var (
	cfgFile      string
	storeBackend string
	timeout      time.Duration
	outputJSON   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "indexctl",
	Short: "indexctl - inspect and operate the index task queue",
	Long: `indexctl is a command line tool for operating indexhook.

You can use it to run schema migrations, inspect and retry index tasks,
preview what the dequeue workers will pick up next and publish content
events by hand.

Connection settings come from the same environment variables the services
read (DB_HOST, REDIS_ADDR, NSQD_TCP_ADDR, ...).`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.indexctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&storeBackend, "store", "", "task store backend: postgres, redis or memory (default from STORE_BACKEND)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "command timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")

	viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".indexctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("store") {
		storeBackend = viper.GetString("store")
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
}

// loadConfig returns the service configuration with command line overrides applied
func loadConfig() config.Config {
	cfg := config.FromEnv()
	if storeBackend != "" {
		cfg.StoreBackend = storeBackend
	}
	return cfg
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

func openStore(ctx context.Context) (store.TaskStore, error) {
	s, err := backend.Open(ctx, loadConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to open task store: %w", err)
	}
	return s, nil
}

// parseTaskID parses a positive task id argument
func parseTaskID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

// printOutput prints v as indented JSON
func printOutput(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

// printTasks writes one row per task
func printTasks(w io.Writer, tasks []*task.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPID\tSTATUS\tPRIORITY\tTRIES\tMODIFIED\tNEXT ELIGIBLE\tDELETE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\t%v\n",
			t.ID, t.PID, t.Status, t.Priority, t.TryCount,
			formatTime(t.TaskModified), formatTime(t.NextEligible), t.Deleted)
	}
	return tw.Flush()
}

// printTask writes the detail view of a single task
func printTask(w io.Writer, t *task.Task) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%d\n", t.ID)
	fmt.Fprintf(tw, "PID:\t%s\n", t.PID)
	fmt.Fprintf(tw, "Format:\t%s\n", t.FormatID)
	fmt.Fprintf(tw, "Status:\t%s\n", t.Status)
	fmt.Fprintf(tw, "Priority:\t%d\n", t.Priority)
	fmt.Fprintf(tw, "Tries:\t%d\n", t.TryCount)
	fmt.Fprintf(tw, "Version:\t%d\n", t.Version)
	fmt.Fprintf(tw, "Delete task:\t%v\n", t.IsDeleteTask())
	fmt.Fprintf(tw, "Object path:\t%s\n", t.ObjectPath)
	fmt.Fprintf(tw, "Source modified:\t%s\n", formatTime(t.SourceModified))
	fmt.Fprintf(tw, "Task modified:\t%s\n", formatTime(t.TaskModified))
	fmt.Fprintf(tw, "Next eligible:\t%s\n", formatTime(t.NextEligible))
	fmt.Fprintf(tw, "Metadata:\t%d bytes\n", len(t.Metadata))
	return tw.Flush()
}

func render(cmd *cobra.Command, v any, human func(io.Writer) error) error {
	if outputJSON {
		return printOutput(cmd.OutOrStdout(), v)
	}
	return human(cmd.OutOrStdout())
}
