package cli

import (
	"context"
	"fmt"

	"github.com/md-rashed-zaman/funnelscope/libs/grpcx"
	"github.com/spf13/cobra"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query the gRPC health endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			status, err := grpcx.CheckHealth(ctx, opts.grpcAddr, service)
			if err != nil {
				return fmt.Errorf("health check %s: %w", opts.grpcAddr, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", opts.grpcAddr, status)
			if status != "SERVING" {
				return fmt.Errorf("service %q is %s", service, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "funnel-service", "health service name")
	return cmd
}
