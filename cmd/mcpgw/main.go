package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcp-gateway/mcpgw-go/internal/config"
	"github.com/mcp-gateway/mcpgw-go/internal/gateway"
	"github.com/mcp-gateway/mcpgw-go/internal/logs"
	"github.com/mcp-gateway/mcpgw-go/internal/scopes"
)

var (
	configFile string
	dataDir    string
	listen     string
	policyPath string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // This will be injected by -ldflags during build
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "mcpgw",
		Short:   "MCP Gateway Registry - scoped discovery and proxying for Model Context Protocol servers",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcpgw)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address (default: :8080)")
	rootCmd.PersistentFlags().StringVarP(&policyPath, "policy", "p", "", "Scope policy file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to a rotating file")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Log directory path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default command)",
		RunE:  runServe,
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and scope policy without starting the gateway",
		RunE:  runValidate,
	}

	rootCmd.AddCommand(serveCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a bad scope policy, whether unreadable, unparsable, or
// invalid, to exit 2. Everything else is a generic failure.
func exitCode(err error) int {
	var policyErrs scopes.ValidationErrors
	if errors.As(err, &policyErrs) || errors.Is(err, scopes.ErrLoadFailed) {
		return 2
	}
	return 1
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logs.SetupLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting MCP gateway",
		zap.String("version", version),
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.String("backend", cfg.Backend),
		zap.String("namespace", cfg.Namespace))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Warn("Shutdown cleanup failed", zap.Error(err))
		}
	}()

	if err := gw.Run(ctx); err != nil {
		return fmt.Errorf("gateway stopped: %w", err)
	}
	logger.Info("Gateway stopped")
	return nil
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	logger := zap.NewNop().Sugar()
	if _, err := scopes.NewLoader(cfg.PolicyPath, logger); err != nil {
		return fmt.Errorf("scope policy invalid: %w", err)
	}

	cmd.Printf("configuration and policy OK (policy: %s)\n", cfg.PolicyPath)
	return nil
}

// loadConfig merges the config file, environment, and command line flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if policyPath != "" {
		cfg.PolicyPath = policyPath
	}

	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultConfig()
	}
	cfg.Logging.Level = logLevel
	cfg.Logging.EnableFile = logToFile
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	return cfg, nil
}
