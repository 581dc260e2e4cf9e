package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show indexctl configuration",
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View the effective configuration",
	Long:  `Display the settings indexctl will connect with. Passwords are not shown.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		view := configView()
		return render(cmd, view, func(w io.Writer) error {
			fmt.Fprintln(w, "Current configuration:")
			for _, k := range []string{"store", "postgres", "redis", "amqp", "queue", "nsqd", "events_topic", "retry_threshold", "try_count_limit", "timeout"} {
				fmt.Fprintf(w, "  %s: %v\n", k, view[k])
			}
			if viper.ConfigFileUsed() != "" {
				fmt.Fprintf(w, "  Config file: %s\n", viper.ConfigFileUsed())
			} else {
				fmt.Fprintln(w, "  Config file: none (using defaults)")
			}
			return nil
		})
	},
}

func configView() map[string]any {
	cfg := loadConfig()
	return map[string]any{
		"store":           cfg.StoreBackend,
		"postgres":        fmt.Sprintf("%s@%s:%s/%s", cfg.DB.User, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name),
		"redis":           cfg.Redis.Addr,
		"amqp":            fmt.Sprintf("%s@%s:%s", cfg.AMQP.User, cfg.AMQP.Host, cfg.AMQP.Port),
		"queue":           cfg.AMQP.Queue,
		"nsqd":            cfg.NSQ.NsqdTCPAddr,
		"events_topic":    cfg.NSQ.EventsTopic,
		"retry_threshold": cfg.Tasks.RetryThreshold,
		"try_count_limit": cfg.Tasks.TryCountLimit,
		"timeout":         timeout.String(),
	}
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd)
}
