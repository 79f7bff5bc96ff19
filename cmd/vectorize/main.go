// Command vectorize converts raster images to SVG from the command line
// using the same orchestrator, cache and engines as the API.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	PresetsFile string
	Verbose     bool
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:           "vectorize",
	Short:         "Convert raster images to SVG",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.PresetsFile, "presets-file", "", "extra presets (YAML), defaults to $PRESETS_FILE")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "log engine activity to stderr")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newPresetsCmd())
	rootCmd.AddCommand(newFieldsCmd())
	rootCmd.AddCommand(newValidateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
