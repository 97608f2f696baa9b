// sokudo runs real-time typing races.
//
// Usage:
//
//	sokudo serve             - Start the race server (websocket, optional SSH)
//	sokudo play              - Race from this terminal against a server
//	sokudo results           - Browse stored races
//	sokudo texts             - List the challenge texts
//	sokudo token <user>      - Issue an access token
//
// Global flags:
//
//	--config <path>     - YAML config file (default: $SOKUDO_CONFIG)
//	--log-level <level> - debug, info, warn or error
//	--db <path>         - Results database path
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/00quasr/sokudo-sub009/internal/config"
)

var (
	// Global flags
	flagConfig   string
	flagLogLevel string
	flagDBPath   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "sokudo",
	Short: "Sokudo - real-time typing races",
	Long: `Sokudo pairs typists of similar speed into short races and keeps
score of who types fastest.

Available commands:
  serve    - Start the race server
  play     - Race from this terminal
  results  - Browse stored races
  texts    - List challenge texts
  token    - Issue an access token

Examples:
  sokudo serve --config ./sokudo.yaml
  sokudo token alice --name Alice
  sokudo play --url ws://localhost:8080/ws --token <token>
  sokudo results --user alice`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to config YAML")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "Path to results database (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(textsCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads config and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagDBPath != "" {
		cfg.Storage.Path = flagDBPath
	}
	return cfg, nil
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LogConfig, prefix string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          prefix,
	})
	if level, err := log.ParseLevel(strings.ToLower(cfg.Level)); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(log.JSONFormatter)
	}
	return logger
}
