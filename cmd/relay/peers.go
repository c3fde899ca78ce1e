package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newPeersCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the live instances known to the root",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), wait+10*time.Second)
			defer cancel()

			n, _, err := startTransient(ctx, "peers")
			if err != nil {
				return err
			}
			defer n.Close()

			// membership arrives asynchronously after the join
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "APP\tINSTANCE\tCHANNEL\tSELF")
			for _, p := range n.Transport().Peers() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", p.AppID, p.AppInstanceID, p.ChannelName, p.IsSelf)
			}
			return w.Flush()
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 500*time.Millisecond, "Time to wait for the membership snapshot")
	return cmd
}
