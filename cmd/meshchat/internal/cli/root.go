// Package cli implements the meshchat command-line interface using
// Cobra, the same command/flag library Tutu-Engine-tutuengine builds
// its own CLI around.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "meshchat",
	Short: "meshchat — terminal demo client for the meshnet overlay",
	Long: `meshchat drives a meshnet Node over the lan transport adapter:
discovery, auto-connect, broadcast/targeted messaging and an interactive
prompt for sending text across the mesh.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "meshchat.toml", "path to a TOML config file")
	rootCmd.AddCommand(chatCmd)
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
