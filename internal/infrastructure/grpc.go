package infrastructure

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/krobus00/option-feed-service/internal/config"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultGRPCAddr = ":9090"

// GRPCServer serves the standard health service next to the http gateway.
type GRPCServer struct {
	addr   string
	server *grpc.Server
	health *health.Server
}

func NewGRPCServer(addr string) *GRPCServer {
	if strings.TrimSpace(addr) == "" {
		addr = resolveGRPCAddr()
	}

	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	return &GRPCServer{
		addr:   addr,
		server: server,
		health: healthServer,
	}
}

func (g *GRPCServer) Health() *health.Server {
	return g.health
}

func (g *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}

	logrus.WithField("addr", g.addr).Info("grpc server starting")
	err = g.server.Serve(lis)
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

func (g *GRPCServer) Shutdown(ctx context.Context) error {
	g.health.Shutdown()

	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		g.server.Stop()
		return ctx.Err()
	}
}

func resolveGRPCAddr() string {
	if config.Env != nil {
		if port := strings.TrimSpace(config.Env.Port["grpc"]); port != "" {
			if strings.HasPrefix(port, ":") {
				return port
			}

			return ":" + port
		}
	}

	return defaultGRPCAddr
}
