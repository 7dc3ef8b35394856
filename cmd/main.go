package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/iggydv12/maison/internal/config"
	"github.com/iggydv12/maison/internal/node"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "maison",
		Short: "Maison: brand marketplace ledger and token issuer",
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a maison node",
		RunE:  runStart,
	}
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE:  runConfig,
	}
	rootCmd.AddCommand(startCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	settings, err := cfg.Validate()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctrl := node.NewController(settings, logger)
	return ctrl.Run(context.Background())
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if _, err := cfg.Validate(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(cfg)
}
