package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/billm/baaaht/relay/pkg/types"
)

func newSendCmd() *cobra.Command {
	var (
		to       string
		announce bool
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Ping an instance or broadcast an announcement",
		Long: `Join the running root as a transient member and send one message.
Without --announce the message is a ping to --to and the pong is printed.
With --announce it is broadcast to every live instance.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			n, cfg, err := startTransient(ctx, "send")
			if err != nil {
				return err
			}
			defer n.Close()

			text := strings.Join(args, " ")
			if announce {
				if err := n.Announce(ctx, text); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "announced")
				return nil
			}

			target := types.Endpoint{AppID: cfg.App.AppID, AppInstanceID: cfg.App.RootInstanceID}
			if to != "" {
				target, err = types.ParseEndpoint(to)
				if err != nil {
					return err
				}
			}
			start := time.Now()
			pong, err := n.Ping(ctx, target, text)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pong from %s/%s in %s: %s\n",
				pong.From.AppID, pong.From.AppInstanceID, time.Since(start).Round(time.Microsecond), pong.Message)
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "Target endpoint, e.g. app://relay/root (default: the root instance)")
	cmd.Flags().BoolVar(&announce, "announce", false, "Broadcast an announcement instead of a ping")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall timeout")
	return cmd
}
