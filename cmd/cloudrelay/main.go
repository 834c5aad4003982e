// Cloudrelay: a LetsCloud API client that keeps provider keys behind a key broker.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cloudrelay",
	Short: "Cloudrelay: LetsCloud API access through a key broker.",
	Long: `Cloudrelay keeps LetsCloud API keys out of client processes.
A client registers its key once with the key broker under a random session
identifier; every later request carries only that identifier and the broker
attaches the key when it forwards the call to the provider.

Run "cloudrelay serve" to start a broker, or use the client commands
(register, status, call, list, instance, revoke) against an existing one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.cloudrelay/config.yaml when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd, keygenCmd, versionCmd)
	rootCmd.AddCommand(clientCommands()...)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCode(err))
	}
}
