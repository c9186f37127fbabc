package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aeolun/relaychat/pkg/admin"
	"github.com/aeolun/relaychat/pkg/logging"
	"github.com/aeolun/relaychat/pkg/server"
)

// Version is set at build time
var Version = "dev"

type options struct {
	configPath string
	port       int
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "relaychat-server",
		Short:         "Multi-client TCP chat server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "~/.relaychat/server.toml", "Path to config file")
	cmd.Flags().IntVar(&opts.port, "port", 0, "TCP port (overrides config)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	cmd.AddCommand(newConfigCmd(opts))
	return cmd
}

// loadConfig applies .env, the TOML file and its env overrides, in that order
func loadConfig(opts *options) (server.TOMLConfig, error) {
	// A missing .env is normal
	_ = godotenv.Load()

	path, err := server.ExpandPath(opts.configPath)
	if err != nil {
		return server.TOMLConfig{}, fmt.Errorf("failed to expand config path: %w", err)
	}

	cfg, err := server.LoadConfig(path)
	if err != nil {
		return server.TOMLConfig{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, opts *options) error {
	tomlConfig, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}

	if cmd.Flags().Changed("port") {
		tomlConfig.Server.TCPPort = opts.port
	}
	if opts.logLevel != "" {
		tomlConfig.Logging.Level = opts.logLevel
	}

	logger := logging.New(tomlConfig.Logging.Level, tomlConfig.Logging.Format, os.Stdout)
	config := tomlConfig.ToServerConfig()

	srv := server.NewServer(config, logger)
	if config.AdminPort > 0 && config.AdminToken != "" {
		adminLogger := logger.With().Str("component", "admin").Logger()
		srv.SetAdminHandler(admin.NewRouter(srv, config.AdminToken, &adminLogger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", Version).
		Int("tcp_port", config.TCPPort).
		Int("http_port", config.HTTPPort).
		Int("metrics_port", config.MetricsPort).
		Int("admin_port", config.AdminPort).
		Msg("starting server")

	if err := srv.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("server failed")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}

func newConfigCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as TOML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
		},
	}
}
