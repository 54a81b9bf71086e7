package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/ktime/internal/config"
	"github.com/goodtune/ktime/internal/timesheet"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	reportUsers    []string
	reportFrom     string
	reportTo       string
	reportRounding int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print worked time per user and day",
	Long:  `Summarize worked time from the configured store and print one column per user.`,
	Example: `  ktime report --users u1,u2 --from 2024-03-01 --to 2024-03-31
  ktime -c config.yaml report --users u1 --from 2024-03-04 --to 2024-03-08 --rounding 15`,
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringSliceVar(&reportUsers, "users", nil, "Comma-separated user ids (required)")
	reportCmd.Flags().StringVar(&reportFrom, "from", "", "First date, YYYY-MM-DD (required)")
	reportCmd.Flags().StringVar(&reportTo, "to", "", "Last date, YYYY-MM-DD (required)")
	reportCmd.Flags().IntVar(&reportRounding, "rounding", 0, "Round each day to this many minutes")
	_ = reportCmd.MarkFlagRequired("users")
	_ = reportCmd.MarkFlagRequired("from")
	_ = reportCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	from, err := timesheet.ParseDate(reportFrom)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := timesheet.ParseDate(reportTo)
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}
	if reportRounding < 0 {
		return fmt.Errorf("--rounding must not be negative")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Only warnings go to the terminal; the table is the output
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()

	svc, err := buildServices(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	report, err := svc.reports.Generate(ctx, reportUsers, from, to)
	if err != nil {
		return err
	}

	printReport(os.Stdout, report, time.Duration(reportRounding)*time.Minute)
	return nil
}

// printReport writes the report as a table with a date column and one
// column per user. Anomalous days are marked with '!'.
func printReport(w io.Writer, report *timesheet.Report, rounding time.Duration) {
	header := color.New(color.FgCyan, color.Bold)
	idle := color.New(color.Faint)
	anomaly := color.New(color.FgRed)
	total := color.New(color.Bold)

	width := 10
	for _, id := range report.UserIDs {
		if len(id)+2 > width {
			width = len(id) + 2
		}
	}

	_, _ = header.Fprintf(w, "%-12s", "date")
	for _, id := range report.UserIDs {
		_, _ = header.Fprintf(w, "%*s", width, id)
	}
	fmt.Fprintln(w)

	days := report.StartDate.DaysUntil(report.EndDate)
	totals := make([]timesheet.Totals, len(report.UserIDs))

	for i := 0; i < days; i++ {
		fmt.Fprintf(w, "%-12s", report.StartDate.AddDays(i))
		for u, id := range report.UserIDs {
			day := report.Days[id][i].Rounded(rounding)
			totals[u].Add(day)

			cell := fmt.Sprintf("%*s", width, formatSeconds(day.WorkedSeconds))
			switch {
			case day.Anomaly:
				_, _ = anomaly.Fprintf(w, "%*s", width, formatSeconds(day.WorkedSeconds)+"!")
			case day.WorkedSeconds == 0:
				_, _ = idle.Fprint(w, cell)
			default:
				fmt.Fprint(w, cell)
			}
		}
		fmt.Fprintln(w)
	}

	_, _ = total.Fprintf(w, "%-12s", "total")
	for _, t := range totals {
		_, _ = total.Fprintf(w, "%*s", width, formatSeconds(t.WorkedSeconds))
	}
	fmt.Fprintln(w)
}

// formatSeconds renders a duration as H:MM.
func formatSeconds(s int64) string {
	minutes := s / 60
	return fmt.Sprintf("%d:%02d", minutes/60, minutes%60)
}
