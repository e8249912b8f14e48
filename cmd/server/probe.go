package main

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/dfbridge/internal/health"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func newProbeCmd() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Query the gRPC health service of a running bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := health.Check(ctx, addr, health.ServiceName)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), status.String())
			if status != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service is %s", status)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:9090", "gRPC health address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "probe timeout")
	return cmd
}
