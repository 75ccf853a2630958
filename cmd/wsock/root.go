// File: cmd/wsock/root.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/momentics/wsock/control"
)

var version = "dev"

var (
	configFile string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "wsock",
	Short: "RFC 6455 WebSocket endpoint",
	Long: `wsock serves and dials RFC 6455 WebSocket connections.

  wsock serve --addr :8080            echo every message back
  wsock dial ws://localhost:8080/     send stdin lines, print replies`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dialCmd)
}

// loadConfig reads --config when given and applies the global log flags.
func loadConfig() (*control.Config, error) {
	cfg := control.DefaultConfig()
	if configFile != "" {
		var err error
		if cfg, err = control.LoadConfig(configFile); err != nil {
			return nil, err
		}
	}
	overrideLog(cfg)
	return cfg, nil
}

func overrideLog(cfg *control.Config) {
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}

func newLogger(cfg *control.Config) (*logrus.Logger, error) {
	return control.NewLogger(cfg.Log, os.Stderr)
}
