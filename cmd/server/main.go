package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cafeorders/cmd/server/config"
	"cafeorders/internal/adapters/grpc"
	"cafeorders/internal/observability"
	"cafeorders/internal/orders"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
)

const (
	serviceName     = "cafeorders"
	shutdownTimeout = 10 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// A local .env only fills variables the environment leaves unset.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Fatal("load .env", zap.Error(err))
	}

	if err := run(ctx, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger) error {
	serverCfg := config.LoadServer()

	shutdownTracing, err := observability.SetupTracing(ctx, serviceName, serverCfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("flush traces", zap.Error(err))
		}
	}()

	metrics := observability.NewMetrics()
	svc, err := buildServices(ctx, logger, metrics)
	if err != nil {
		return err
	}
	defer svc.Close(logger)

	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	httpCfg, err := config.LoadHTTP()
	if err != nil {
		return err
	}

	grpcLimiter := orders.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	server, healthServer := grpc.NewServer(
		grpc.NewOrderServer(svc.orchestrator),
		!serverCfg.Production(),
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(grpcLimiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(grpcLimiter, metrics, logger)),
	)
	if !serverCfg.Production() {
		logger.Info("gRPC reflection enabled", zap.String("env", serverCfg.Env))
	}

	httpLimiter := orders.NewRateLimiter(httpCfg.RateLimitInterval, httpCfg.RateLimitBurst).OnWait(metrics.AddRateLimitWait)
	httpSrv := &http.Server{
		Addr:              serverCfg.HTTPAddr,
		Handler:           newHTTPHandler(svc, metrics, httpLimiter, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	obsSrv := newObservabilityServer(config.LoadObservability(), metrics)

	lis, err := net.Listen("tcp", serverCfg.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		svc.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", serverCfg.GRPCAddr))
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", serverCfg.HTTPAddr))
		return serveHTTP(httpSrv)
	})
	g.Go(func() error {
		logger.Info("observability server listening", zap.String("addr", obsSrv.Addr))
		return serveHTTP(obsSrv)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		grpc.MarkNotServing(healthServer)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		server.GracefulStop()
		svc.orchestrator.Wait()
		metrics.MarkShutdown(metrics.Snapshot().InFlight)
		return errors.Join(err, obsSrv.Shutdown(shutdownCtx))
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpcpkg.ErrServerStopped) {
		return err
	}
	return nil
}

func newObservabilityServer(cfg config.ObservabilityConfig, metrics *observability.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func serveHTTP(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
