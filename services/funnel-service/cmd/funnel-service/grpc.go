package main

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/md-rashed-zaman/funnelscope/libs/config"
	"github.com/md-rashed-zaman/funnelscope/libs/grpcx"
	"github.com/md-rashed-zaman/funnelscope/libs/runtime"
)

// startGrpcHealth serves grpc.health.v1 and keeps the service status in step with the
// readiness checks.
func startGrpcHealth(ctx context.Context, logger *slog.Logger, service string, checks []runtime.ReadyCheck) error {
	port, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		return err
	}
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return err
	}

	hs := grpcx.NewHealthServer(logger)
	hs.SetServing(service, true)
	go hs.Serve(ctx, lis)

	go func() {
		ticker := time.NewTicker(config.Duration("HEALTH_CHECK_INTERVAL", 10*time.Second))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				failed := runtime.CheckAll(ctx, checks...)
				if len(failed) > 0 {
					logger.Warn("dependency checks failing", "failed", failed)
				}
				hs.SetServing(service, len(failed) == 0)
			}
		}
	}()
	return nil
}
