package cmd

import (
	"fmt"
	"os"

	"github.com/CrabeDeFrance/urcu-ht/cmd/bench"
	"github.com/spf13/cobra"
)

const (
	Version = "1.0.2"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "urcuht",
		Short: "read-optimized concurrent hash map",
		Long: fmt.Sprintf(`urcu-ht (v%s)

A read-copy-update protected hash map library written in Go. Readers
traverse the table wait-free while writers mutate it behind per-bucket
gates; removed entries are reclaimed after a grace period.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of urcu-ht",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("urcu-ht v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(bench.BenchCmd)
	RootCmd.AddCommand(versionCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
