package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/iding2959/ys-movie/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "ys-movie",
	Short: "Generation job orchestrator for a graph-execution backend",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
