package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dejisec/lode/internal/config"
	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/index"
)

var (
	listStatus string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	Long: `List shows recorded runs newest-first from the run catalog.
Runs that completed degraded are marked with *.`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (RUNNING, SUCCEEDED, FAILED, CANCELLED)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum runs to list")
}

func runList(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	idx, err := index.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open run catalog: %w", err)
	}
	defer idx.Close()

	runs, err := idx.ListRuns(cmd.Context(), domain.RunStatus(listStatus), listLimit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	fmt.Printf("%-26s  %-10s  %-19s  %6s  %7s  %s\n", "RUN ID", "STATUS", "STARTED", "STAGES", "TOKENS", "QUERY")
	for _, r := range runs {
		status := string(r.Status)
		if r.Degraded {
			status += "*"
		}
		fmt.Printf("%-26s  %-10s  %-19s  %6d  %7d  %s\n",
			r.RunID, status, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.Stages, r.TotalTokens, truncate(r.Query, 48))
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
