package main

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"proctord/internal/services"
)

const healthService = "proctord"

// handleGRPCServer serves the standard gRPC health protocol for supervisors.
// The status follows the readiness probe.
func handleGRPCServer(ctx context.Context, addr string, ready *services.HealthImplementation, wg *sync.WaitGroup, errc chan error, logger *log.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		go func() {
			logger.Printf("gRPC health server listening on %q", addr)
			errc <- srv.Serve(lis)
		}()

		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			status := healthpb.HealthCheckResponse_SERVING
			pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := ready.Readyz(pctx); err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			cancel()
			hs.SetServingStatus("", status)
			hs.SetServingStatus(healthService, status)

			select {
			case <-ctx.Done():
				logger.Printf("shutting down gRPC server at %q", addr)
				hs.Shutdown()
				srv.GracefulStop()
				return
			case <-ticker.C:
			}
		}
	}()
	return nil
}
