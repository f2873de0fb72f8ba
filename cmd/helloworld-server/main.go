// Command helloworld-server runs the example/helloworld Greeter service
// standalone, for exercising grpcweb-gateway end to end: point
// grpcweb-gateway's --grpc-addr at this process, then POST gRPC-Web-text
// frames at the gateway's --host-addr.
package main

import (
	"flag"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/tacshi/grpcweb-gateway/example/helloworld"
)

func main() {
	addr := flag.String("addr", "[::1]:50052", "address to listen on")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	lis, err := net.Listen("tcp", *addr)
	if err != nil {
		logger.Fatal("listen", zap.String("addr", *addr), zap.Error(err))
	}

	srv := grpc.NewServer()
	helloworld.Register(srv)

	logger.Info("helloworld server listening", zap.String("addr", *addr))
	if err := srv.Serve(lis); err != nil {
		logger.Fatal("serve", zap.Error(err))
	}
}
