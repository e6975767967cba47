package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/actuator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

var (
	deviceListen  string
	deviceLatency time.Duration
	deviceFail    int
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Serve the simulated actuator over gRPC",
	RunE:  runDevice,
}

func init() {
	deviceCmd.Flags().StringVar(&deviceListen, "listen", ":50051", "listen address")
	deviceCmd.Flags().DurationVar(&deviceLatency, "latency", 5*time.Millisecond, "deenergize latency")
	deviceCmd.Flags().IntVar(&deviceFail, "fail", 0, "fail the first N deenergize calls")
}

func runDevice(cmd *cobra.Command, args []string) error {
	lis, err := net.Listen("tcp", deviceListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", deviceListen, err)
	}

	sim := actuator.NewSimulated(deviceLatency)
	sim.FailNext(deviceFail)

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary(logger)))
	actuator.RegisterServer(srv, sim)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	logger.Info("simulated actuator serving", zap.String("addr", lis.Addr().String()),
		zap.Duration("latency", deviceLatency))
	if err := srv.Serve(lis); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func logUnary(l *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{zap.String("method", info.FullMethod), zap.Duration("took", time.Since(start))}
		if err != nil {
			l.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			l.Debug("rpc", fields...)
		}
		return resp, err
	}
}
