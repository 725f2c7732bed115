package replication

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/rockstor/replicad/internal/ipc"
)

// serve runs a gRPC server on lis until ctx is cancelled, then drains
// in-flight calls.
func serve(ctx context.Context, lis net.Listener, logger *zap.Logger, register func(*grpc.Server)) error {
	srv := grpc.NewServer()
	register(srv)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		srv.GracefulStop()
	}()

	logger.Info("listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("replication: serve %s: %w", lis.Addr(), err)
	}
	return nil
}

// Serve answers IPC requests on lis until ctx is cancelled. Running workers
// are then cancelled and waited for.
func (b *Broker) Serve(ctx context.Context, lis net.Listener) error {
	err := serve(ctx, lis, b.logger, func(s *grpc.Server) { ipc.RegisterBrokerServer(s, b) })
	b.Shutdown()
	b.Wait()
	return err
}

// Serve accepts replication streams on lis until ctx is cancelled.
func (r *Receiver) Serve(ctx context.Context, lis net.Listener) error {
	return serve(ctx, lis, r.logger, func(s *grpc.Server) { ipc.RegisterReceiverServer(s, r) })
}
