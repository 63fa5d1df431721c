package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kirobox/kirobox/internal/cli"
)

// Build information, set by the compiler via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
	platform  = "unknown"
)

var app = &cli.App{Version: version}

var rootCmd = &cobra.Command{
	Use:   "kirobox",
	Short: "Kirobox - multi-tenant AI API gateway",
	Long: `Kirobox exposes OpenAI- and Anthropic-compatible endpoints backed by a
pool of upstream credentials, with optional delegation to external API
accounts. Credentials, accounts and client keys are managed from this CLI.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&app.ConfigDir, "config-dir", "", "configuration directory (default: ~/.kirobox)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Kirobox\n")
			fmt.Printf("Version:    %s\n", version)
			fmt.Printf("Git Commit: %s\n", gitCommit)
			fmt.Printf("Build Time: %s\n", buildTime)
			fmt.Printf("Go Version: %s\n", goVersion)
			fmt.Printf("Platform:   %s\n", platform)
		},
	})

	rootCmd.AddCommand(cli.ServeCommand(app))
	rootCmd.AddCommand(cli.StopCommand(app))
	rootCmd.AddCommand(cli.StatusCommand(app))
	rootCmd.AddCommand(cli.CredentialCommand(app))
	rootCmd.AddCommand(cli.AccountCommand(app))
	rootCmd.AddCommand(cli.KeyCommand(app))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
