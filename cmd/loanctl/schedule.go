package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/mcclellann/weeklyloan/pkg/models"
	"github.com/mcclellann/weeklyloan/pkg/schedule"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(scheduleCmd)

	f := scheduleCmd.Flags()
	f.StringP("principal", "p", "", "Loan principal")
	f.StringP("date", "d", "", "Disbursement date, YYYY-MM-DD (default today)")
	f.Float64("fee-rate", 0, "Processing fee rate (default from config)")
	f.Float64("gst-rate", 0, "GST rate on the fee (default from config)")
	f.Float64("interest-rate", 0, "Interest rate (default from config)")
	f.Int("installments", 0, "Number of installments (default from config)")
	f.Int("interval", 0, "Days between installments (default from config)")
	f.String("method", "", "Interest method: flat or reducing (default from config)")
	f.Bool("json", false, "Print the result as JSON")
	_ = scheduleCmd.MarkFlagRequired("principal")
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Preview the fee breakdown and repayment schedule for a loan",
	RunE:  runSchedule,
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	terms := cfg.ScheduleDefaults()

	f := cmd.Flags()
	principalStr, _ := f.GetString("principal")
	principal, err := decimal.NewFromString(principalStr)
	if err != nil {
		return fmt.Errorf("invalid principal %q: %w", principalStr, err)
	}

	date := time.Now().UTC()
	if s, _ := f.GetString("date"); s != "" {
		if date, err = schedule.ParseDate(s); err != nil {
			return err
		}
	}

	if f.Changed("fee-rate") {
		v, _ := f.GetFloat64("fee-rate")
		terms.FeeRate = decimal.NewFromFloat(v)
	}
	if f.Changed("gst-rate") {
		v, _ := f.GetFloat64("gst-rate")
		terms.GSTRate = decimal.NewFromFloat(v)
	}
	if f.Changed("interest-rate") {
		v, _ := f.GetFloat64("interest-rate")
		terms.InterestRate = decimal.NewFromFloat(v)
	}
	if f.Changed("installments") {
		terms.InstallmentCount, _ = f.GetInt("installments")
	}
	if f.Changed("interval") {
		terms.IntervalDays, _ = f.GetInt("interval")
	}
	if f.Changed("method") {
		m, _ := f.GetString("method")
		terms.InterestMethod = models.InterestMethod(m)
	}

	res, err := schedule.Generate(principal, date, terms)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := f.GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	fees := res.Fees
	fmt.Fprintf(out, "Principal:          %s\n", fees.Principal)
	fmt.Fprintf(out, "Processing fee:     %s\n", fees.ProcessingFee)
	fmt.Fprintf(out, "GST on fee:         %s\n", fees.GSTOnFee)
	fmt.Fprintf(out, "Net disbursement:   %s\n", fees.NetDisbursement)
	fmt.Fprintf(out, "Interest:           %s\n", fees.Interest)
	fmt.Fprintf(out, "Total repayable:    %s\n", fees.TotalRepayable)
	fmt.Fprintf(out, "Installment amount: %s\n\n", fees.InstallmentAmount)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "#\tDue date\tAmount\tPrincipal\tInterest\t")
	for _, inst := range res.Installments {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t\n",
			inst.Number, inst.DueDate.Format("2006-01-02"), inst.AmountDue, inst.PrincipalComponent, inst.InterestComponent)
	}
	return tw.Flush()
}
