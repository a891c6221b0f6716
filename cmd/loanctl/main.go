// Command loanctl previews repayment schedules and runs the collections sweep
// from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/mcclellann/weeklyloan/pkg/config"
	"github.com/mcclellann/weeklyloan/pkg/logger"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", os.Getenv("CONFIG_PATH"), "Path to YAML config file")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")
}

var rootCmd = &cobra.Command{
	Use:   "loanctl",
	Short: "Weekly loan schedule and collections tool",
	Long: `loanctl works against the same configuration and database as the API.
Use it to preview a repayment schedule for given terms or to run the
overdue sweep by hand.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level, _ := cmd.Flags().GetString("log-level")
		logger.Init(level, "text")
	},
}

func loadConfig(cmd *cobra.Command) (*config.AppConfig, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
