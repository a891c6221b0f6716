package main

import (
	"fmt"
	"time"

	"github.com/mcclellann/weeklyloan/pkg/ledger"
	"github.com/mcclellann/weeklyloan/pkg/schedule"
	"github.com/mcclellann/weeklyloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(overdueCmd)

	overdueCmd.Flags().String("db", "", "SQLite database path (default from config)")
	overdueCmd.Flags().String("as-of", "", "Sweep date, YYYY-MM-DD (default today)")
	overdueCmd.Flags().Float64("penalty-rate", 0, "One-time penalty rate on overdue installments (default from config)")
}

var overdueCmd = &cobra.Command{
	Use:   "overdue",
	Short: "Mark installments past their due date as overdue",
	Long: `Run the collections sweep once. Every active loan's pending or partial
installment due before the sweep date becomes overdue, and the penalty rate,
when positive, is assessed once per installment.`,
	RunE: runOverdue,
}

func runOverdue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dbPath := cfg.Database.Path
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		dbPath = v
	}
	asOf := time.Now().UTC()
	if v, _ := cmd.Flags().GetString("as-of"); v != "" {
		if asOf, err = schedule.ParseDate(v); err != nil {
			return fmt.Errorf("invalid --as-of: %w", err)
		}
	}
	penalty := cfg.PenaltyRate()
	if cmd.Flags().Changed("penalty-rate") {
		v, _ := cmd.Flags().GetFloat64("penalty-rate")
		penalty = decimal.NewFromFloat(v)
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	l := ledger.NewLedger(s,
		ledger.WithScheduleDefaults(cfg.ScheduleDefaults()),
		ledger.WithPenaltyRate(penalty),
	)
	n, err := l.MarkOverdue(cmd.Context(), asOf)
	fmt.Fprintf(cmd.OutOrStdout(), "%d installment(s) marked overdue as of %s\n", n, asOf.Format("2006-01-02"))
	return err
}
