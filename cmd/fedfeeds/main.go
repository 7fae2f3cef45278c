package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fedfeeds/pkg/config"
	"fedfeeds/pkg/node"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedfeeds",
		Short: "Federated multi-domain feeds",
		Long: `Independent domain servers host users' posts and follow relationships.
Servers find each other over multicast and propagate posts and subscriptions
across domains without a central coordinator.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (yaml or json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serverCmd(config.ModeFeeds, "Run a feeds server for one domain"),
		serverCmd(config.ModeUsers, "Run a users server for one domain"),
		serverCmd(config.ModeServe, "Run feeds and users for one domain in a single process"),
		clientCmd(),
		configCommand(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func serverCmd(mode config.Mode, short string) *cobra.Command {
	var (
		domain        string
		serverID      int
		listen        string
		advertiseHost string
		transport     string
		metricsAddr   string
		group         string
		peers         string
		static        bool
	)

	cmd := &cobra.Command{
		Use:   string(mode),
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			// File, then environment, then explicit flags
			var (
				cfg *config.Config
				err error
			)
			if configFile != "" {
				cfg, err = config.LoadConfig(configFile)
			} else {
				cfg, err = config.LoadFromEnv()
			}
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Mode = mode

			flags := cmd.Flags()
			if flags.Changed("domain") {
				cfg.Domain = domain
			}
			if flags.Changed("server-id") {
				cfg.ServerID = serverID
			}
			if flags.Changed("listen") {
				cfg.Listen = listen
			}
			if flags.Changed("advertise-host") {
				cfg.AdvertiseHost = advertiseHost
			}
			if flags.Changed("transport") {
				cfg.Transport = config.Transport(transport)
			}
			if flags.Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if flags.Changed("group") {
				cfg.Discovery.Group = group
			}
			if flags.Changed("static") {
				cfg.Discovery.Static = static
			}
			if flags.Changed("peers") {
				parsed, err := config.ParsePeers(peers)
				if err != nil {
					return err
				}
				cfg.Peers = append(cfg.Peers, parsed...)
			}

			n, err := node.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting fedfeeds server",
				zap.String("mode", string(cfg.Mode)),
				zap.String("domain", cfg.Domain),
				zap.String("listen", cfg.Listen),
				zap.String("transport", string(cfg.Transport)))

			return n.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&domain, "domain", "", "domain served by this process")
	cmd.Flags().IntVar(&serverID, "server-id", config.NoServerID, "server id in [0, 1024), unique across the federation (required)")
	cmd.Flags().StringVar(&listen, "listen", ":8080", "listening address")
	cmd.Flags().StringVar(&advertiseHost, "advertise-host", "", "host peers use to reach this server (default: hostname)")
	cmd.Flags().StringVar(&transport, "transport", "rest", "transport to serve: rest or grpc")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "separate address for /metrics and health endpoints")
	cmd.Flags().StringVar(&group, "group", "224.0.0.1:5000", "multicast discovery group")
	cmd.Flags().StringVar(&peers, "peers", "", "static peers as domain/service=uri, comma separated")
	cmd.Flags().BoolVar(&static, "static", false, "disable multicast discovery")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fedfeeds %s\n", version)
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
