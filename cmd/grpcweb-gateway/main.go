// Command grpcweb-gateway runs the gRPC-Web to gRPC translating proxy: it
// dials an upstream gRPC server, discovers its routable methods via server
// reflection, and serves a gRPC-Web-text front-end that forwards unary and
// server-streaming calls through to it.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tacshi/grpcweb-gateway/internal/dispatch"
	"github.com/tacshi/grpcweb-gateway/internal/gwproxy"
	"github.com/tacshi/grpcweb-gateway/internal/reflectcache"
)

const reflectionBuildTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		grpcAddr    string
		hostAddr    string
		corsDomains string
		corsHeaders string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a gRPC-Web front-end for a gRPC upstream",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(grpcAddr, hostAddr, corsDomains, corsHeaders)
		},
	}

	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "http://[::1]:50052", "address of the upstream gRPC server")
	cmd.Flags().StringVar(&hostAddr, "host-addr", "[::1]:8080", "address the gRPC-Web front-end listens on")
	cmd.Flags().StringVar(&corsDomains, "allowed-cors-domains", "*", "value of the Access-Control-Allow-Origin header")
	cmd.Flags().StringVar(&corsHeaders, "allowed-cors-headers", "*", "value of the Access-Control-Allow-Headers header")

	return cmd
}

func run(grpcAddr, hostAddr, corsDomains, corsHeaders string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(stripScheme(grpcAddr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.Fatal("dial upstream", zap.String("addr", grpcAddr), zap.Error(err))
	}
	defer func() { _ = conn.Close() }()

	buildCtx, cancel := context.WithTimeout(ctx, reflectionBuildTimeout)
	defer cancel()

	cache, err := reflectcache.Build(buildCtx, conn)
	if err != nil {
		logger.Fatal("build reflection cache", zap.String("addr", grpcAddr), zap.Error(err))
	}

	srv := gwproxy.New(dispatch.New(conn), cache, logger, gwproxy.WithConfig(gwproxy.Config{
		AllowedCORSDomains: corsDomains,
		AllowedCORSHeaders: corsHeaders,
	}))

	httpSrv := &http.Server{
		Addr:    hostAddr,
		Handler: h2c.NewHandler(srv, &http2.Server{}),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", hostAddr), zap.String("upstream", grpcAddr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// stripScheme drops a leading "http://" or "https://" from addr, since
// grpc.NewClient expects a bare host:port (or a resolver-prefixed) target,
// while --grpc-addr's default is written as a URL.
func stripScheme(addr string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if len(addr) > len(scheme) && addr[:len(scheme)] == scheme {
			return addr[len(scheme):]
		}
	}
	return addr
}
