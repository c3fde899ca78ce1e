package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/pkg/node"
)

func newServeCmd() *cobra.Command {
	var (
		appID        string
		instanceID   string
		member       bool
		rootInstance string
		health       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a broker node until interrupted",
		Long: `Run a broker node. By default the node is the root of its application;
use --member to join an existing root instead. SIGHUP reloads the
configuration file and applies the new log level and default timeout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if appID != "" {
				cfg.App.AppID = appID
			}
			if member {
				cfg.App.Root = false
				if rootInstance != "" {
					cfg.App.RootInstanceID = rootInstance
				}
			}
			if instanceID != "" {
				cfg.App.AppInstanceID = instanceID
				if cfg.App.Root {
					cfg.App.RootInstanceID = instanceID
				}
			}
			if cmd.Flags().Changed("health") {
				cfg.Health.Enabled = health
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := initLogger(cfg.Logging); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&appID, "app-id", "", "Application id (default: from config)")
	cmd.Flags().StringVar(&instanceID, "instance-id", "", "Instance id of this node (default: from config)")
	cmd.Flags().BoolVar(&member, "member", false, "Join a root instead of acting as root")
	cmd.Flags().StringVar(&rootInstance, "root", "", "Instance id of the root to join (with --member)")
	cmd.Flags().BoolVar(&health, "health", false, "Serve the gRPC health endpoint")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := node.New(cfg, node.WithLogger(rootLog))
	if err != nil {
		return err
	}

	reloader := config.NewReloader(configPath(), cfg, rootLog.Slog())
	reloader.AddCallback(func(ctx context.Context, newConfig *config.Config) error {
		if err := n.SetLogLevel(newConfig.Logging.Level); err != nil {
			return err
		}
		n.Broker().SetDefaultTimeout(newConfig.Broker.DefaultTimeout)
		return nil
	})

	rootLog.Info("Starting relay node",
		"version", version,
		"app_id", cfg.App.AppID,
		"app_instance_id", cfg.App.AppInstanceID,
		"root", cfg.App.Root)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.Run(gctx)
	})
	g.Go(func() error {
		return reloader.Run(gctx)
	})
	err = g.Wait()

	rootLog.Info("Relay node stopped")
	return err
}
