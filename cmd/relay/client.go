package main

import (
	"context"
	"fmt"
	"os"

	"github.com/billm/baaaht/relay/internal/config"
	"github.com/billm/baaaht/relay/pkg/node"
)

// startTransient joins the configured root as a short-lived member. The
// caller closes the returned node.
func startTransient(ctx context.Context, suffix string) (*node.Node, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.App.Root {
		cfg.App.RootInstanceID = cfg.App.AppInstanceID
	}
	cfg.App.Root = false
	cfg.App.AppInstanceID = fmt.Sprintf("%s-%s-%d", cfg.App.AppID, suffix, os.Getpid())
	cfg.Channel.Enabled = true
	cfg.Health.Enabled = false
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if err := initLogger(cfg.Logging); err != nil {
		return nil, nil, err
	}

	n, err := node.New(cfg, node.WithLogger(rootLog))
	if err != nil {
		return nil, nil, err
	}
	if err := n.Start(ctx); err != nil {
		n.Close()
		return nil, nil, err
	}
	return n, cfg, nil
}
