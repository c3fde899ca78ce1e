package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"

	relaygrpc "github.com/billm/baaaht/relay/pkg/grpc"
	"github.com/billm/baaaht/relay/pkg/types"
)

func newHealthCmd() *cobra.Command {
	var (
		socket  string
		service string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the health endpoint of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if socket == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				socket = cfg.HealthSocketPath()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := relaygrpc.Check(ctx, socket, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != grpc_health_v1.HealthCheckResponse_SERVING {
				return types.NewError(types.ErrCodeUnavailable, fmt.Sprintf("service %q is %s", service, status))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&socket, "socket", "", "Health socket path (default: from config)")
	cmd.Flags().StringVar(&service, "service", relaygrpc.ServiceBroker, "Service name to check")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Check timeout")
	return cmd
}
