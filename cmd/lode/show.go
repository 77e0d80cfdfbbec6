package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"

	"github.com/dejisec/lode/internal/config"
	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/store"
)

var showCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one recorded run",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	st := store.New(cfg.RunsDir)
	runID := args[0]

	meta, err := st.ReadMetadata(runID)
	if errors.Is(err, fs.ErrNotExist) {
		// No metadata yet: either the run never existed or it is still
		// in flight. The request file tells the two apart.
		req, reqErr := st.ReadRequest(runID)
		if reqErr != nil {
			return fmt.Errorf("run %s not found under %s", runID, cfg.RunsDir)
		}
		fmt.Printf("Run:     %s\n", req.RunID)
		fmt.Printf("Query:   %s\n", req.Query)
		fmt.Printf("Status:  %s\n", domain.RunStatusRunning)
		fmt.Printf("Started: %s\n", req.StartedAt.Local().Format(time.RFC3339))
		return nil
	}
	if err != nil {
		return err
	}

	status := string(meta.Status)
	if meta.Degraded {
		status += " (degraded)"
	}
	fmt.Printf("Run:        %s\n", meta.RunID)
	fmt.Printf("Query:      %s\n", meta.Query)
	fmt.Printf("Status:     %s\n", status)
	fmt.Printf("Model:      %s\n", meta.Model)
	fmt.Printf("Started:    %s\n", meta.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("Duration:   %s\n", (time.Duration(meta.DurationMs) * time.Millisecond).Round(time.Millisecond))
	fmt.Printf("Iterations: %d\n", meta.Iterations)
	fmt.Printf("Tokens:     %d\n", meta.TotalTokens)

	stages, err := st.ReadStages(runID)
	if err != nil {
		return err
	}
	if len(stages) > 0 {
		fmt.Printf("\n%-4s  %-10s  %-16s  %9s  %7s\n", "SEQ", "ROLE", "OUTCOME", "DURATION", "TOKENS")
		for _, stg := range stages {
			outcome := "ok"
			if stg.Failure != nil {
				outcome = string(stg.Failure.Kind)
			}
			fmt.Printf("%-4d  %-10s  %-16s  %9s  %7d\n",
				stg.Seq, stg.Role, outcome,
				(time.Duration(stg.DurationMs) * time.Millisecond).Round(time.Millisecond),
				stg.Usage.TotalTokens)
		}
	}

	if meta.Status == domain.RunStatusSucceeded {
		fmt.Printf("\nReport: %s\n", st.ReportPath(runID))
	}
	return nil
}
