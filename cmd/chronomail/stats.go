package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chronomail/chronomail/internal/stats"
)

var (
	statsCollectDate   string
	statsDashboardDays int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Statistics commands",
}

var statsCollectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Aggregate daily statistics for a date",
	RunE:  runStatsCollect,
}

var statsDashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show the daily created/sent series",
	RunE:  runStatsDashboard,
}

func init() {
	statsCollectCmd.Flags().StringVar(&statsCollectDate, "date", "", "Date to collect (YYYY-MM-DD, default today)")
	statsDashboardCmd.Flags().IntVar(&statsDashboardDays, "days", 0, "Window in days (default 7)")

	statsCmd.AddCommand(statsCollectCmd, statsDashboardCmd)
	rootCmd.AddCommand(statsCmd)
}

func openAggregator() (*stats.Aggregator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	store, err := openCapsuleStore()
	if err != nil {
		return nil, nil, err
	}

	agg, err := stats.New(store, store.DB(), cfg.Stats.RealtimeTTL, cliLogger())
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("failed to create statistics aggregator: %w", err)
	}

	return agg, func() { store.Close() }, nil
}

func runStatsCollect(cmd *cobra.Command, args []string) error {
	date := time.Now()
	if statsCollectDate != "" {
		parsed, err := time.ParseInLocation("2006-01-02", statsCollectDate, time.Local)
		if err != nil {
			return fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", statsCollectDate)
		}
		date = parsed
	}

	agg, cleanup, err := openAggregator()
	if err != nil {
		return err
	}
	defer cleanup()

	stat, err := agg.CollectDaily(context.Background(), date)
	if err != nil {
		return fmt.Errorf("failed to collect statistics: %w", err)
	}

	if stat == nil {
		fmt.Printf("No capsules created on %s\n", date.Format("2006-01-02"))
		return nil
	}

	fmt.Printf("Statistics for %s\n", stat.Date)
	fmt.Println("==========================")
	fmt.Printf("Created:           %d\n", stat.TotalCreated)
	fmt.Printf("Sent:              %d\n", stat.TotalSent)
	fmt.Printf("Failed:            %d\n", stat.TotalFailed)
	fmt.Printf("Pending:           %d\n", stat.TotalPending)
	fmt.Printf("Unique recipients: %d\n", stat.UniqueRecipients)
	fmt.Printf("Avg delivery:      %.1fh\n", stat.AvgDeliveryHours)
	fmt.Printf("Max delivery:      %.1fh\n", stat.MaxDeliveryHours)

	if len(stat.TopDomains) > 0 {
		fmt.Println("\nTop Domains")
		fmt.Println("-----------")
		for _, d := range stat.TopDomains {
			fmt.Printf("  %-30s %d\n", d.Domain, d.Count)
		}
	}

	return nil
}

func runStatsDashboard(cmd *cobra.Command, args []string) error {
	agg, cleanup, err := openAggregator()
	if err != nil {
		return err
	}
	defer cleanup()

	dash, err := agg.Dashboard(statsDashboardDays)
	if err != nil {
		return fmt.Errorf("failed to build dashboard: %w", err)
	}

	fmt.Println("Daily Activity")
	fmt.Println("==============")
	for i, label := range dash.Labels {
		fmt.Printf("%s  created=%-5d sent=%d\n", label, dash.Created[i], dash.Sent[i])
	}

	fmt.Println()
	fmt.Printf("Total created: %d\n", dash.Summary.TotalCreated)
	fmt.Printf("Total sent:    %d\n", dash.Summary.TotalSent)
	fmt.Printf("Success rate:  %.1f%%\n", dash.Summary.SuccessRate)

	return nil
}
