// The lode CLI starts research runs and inspects recorded ones.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "lode",
	Short: "Deep research runs from your terminal",
	Long: `lode researches a question in stages: clarify, plan, search in
parallel, evaluate, and write a cited report. Every run is recorded
under LODE_HOME and can be listed, inspected, and streamed later.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
