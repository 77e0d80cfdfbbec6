package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dejisec/lode/internal/config"
	"github.com/dejisec/lode/internal/controller"
	"github.com/dejisec/lode/internal/domain"
	"github.com/dejisec/lode/internal/logging"
)

var (
	runModel         string
	runSearches      int
	runMaxIterations int
	runParallel      int
	runAuto          bool
	runBudget        time.Duration
	runRunsDir       string
	runEngineBin     string
)

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Start a research run",
	Long: `Run researches the query and writes a cited markdown report.

Unless --yes is set, the clarifier asks up to three questions before
research begins; empty answers skip them. Progress streams to the
terminal as stages complete. Exit code 0 means a report was written,
130 means the run was cancelled, anything else is a failure.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runModel, "model", "", "model for all stages")
	runCmd.Flags().IntVar(&runSearches, "searches", 0, "searches per iteration")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "cap on research iterations")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "concurrent searches")
	runCmd.Flags().BoolVarP(&runAuto, "yes", "y", false, "skip the clarifying questions")
	runCmd.Flags().DurationVar(&runBudget, "budget", 0, "wall-clock budget after which the engine writes with what it has (0 disables)")
	runCmd.Flags().StringVar(&runRunsDir, "runs-dir", "", "directory for run artifacts (default $LODE_HOME/runs)")
	runCmd.Flags().StringVar(&runEngineBin, "engine", "", "path to the lode-engine binary")
}

func runRun(cmd *cobra.Command, args []string) error {
	// The engine child inherits the environment, so the directory override
	// travels as a LODE_* variable.
	if runRunsDir != "" {
		os.Setenv("LODE_RUNS_DIR", runRunsDir)
	}
	cfg := config.Load()
	if runEngineBin != "" {
		cfg.EngineBin = runEngineBin
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var answer controller.AnswerFunc
	if !runAuto {
		answer = controller.StdinAnswers(os.Stdin, os.Stdout)
	}

	ctrl := controller.New(cfg, controller.NewRenderer(os.Stdout), answer, logging.New(os.Stderr, cfg.LogLevel))
	outcome, err := ctrl.Run(ctx, args[0], domain.RunConfig{
		Model:         runModel,
		SearchCount:   runSearches,
		MaxIterations: runMaxIterations,
		Parallelism:   runParallel,
		Auto:          runAuto,
	}, runBudget)
	if err != nil {
		return err
	}
	if code := outcome.ExitCode(); code != 0 {
		os.Exit(code)
	}
	return nil
}
