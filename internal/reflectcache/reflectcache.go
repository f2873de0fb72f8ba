// Package reflectcache discovers upstream service/method signatures once at
// startup via gRPC server reflection, so the proxy can route a request to
// the right dispatcher call (unary vs. server-streaming) without compiled-in
// stubs for the upstream's protobuf types.
package reflectcache

import (
	"context"
	"strings"

	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	reflectionpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/grpc/status"

	"github.com/tacshi/grpcweb-gateway/internal/perr"
)

// reflectionServiceName is skipped when enumerating services: it describes
// the reflection mechanism itself, never a routable upstream method.
const reflectionServiceName = "grpc.reflection.v1alpha.ServerReflection"

// ConnectionType is the streaming shape of an RPC method.
type ConnectionType int

const (
	Unary ConnectionType = iota
	ClientStreaming
	ServerStreaming
	BidiStreaming
)

func (c ConnectionType) String() string {
	switch c {
	case Unary:
		return "unary"
	case ClientStreaming:
		return "client_streaming"
	case ServerStreaming:
		return "server_streaming"
	case BidiStreaming:
		return "bidi_streaming"
	default:
		return "unknown"
	}
}

// Classify is a pure function of a method descriptor's two streaming flags.
func Classify(clientStreaming, serverStreaming bool) ConnectionType {
	switch {
	case clientStreaming && serverStreaming:
		return BidiStreaming
	case clientStreaming:
		return ClientStreaming
	case serverStreaming:
		return ServerStreaming
	default:
		return Unary
	}
}

// ServiceMap is a service fully-qualified name to (method short name to
// ConnectionType) mapping, built once at startup and never mutated
// afterward.
type ServiceMap map[string]map[string]ConnectionType

// Cache is an immutable, read-only-after-Build view of an upstream's
// routable methods.
type Cache struct {
	services ServiceMap
}

// NewCache wraps a pre-built ServiceMap directly, bypassing the reflection
// round trip. Used by callers that already have a service map from another
// source (tests, a static config), rather than a live connection.
func NewCache(services ServiceMap) *Cache {
	return &Cache{services: services}
}

// Build enumerates every service and method hosted by conn via
// grpc.reflection.v1alpha.ServerReflection and classifies each method's
// ConnectionType. It performs one ListServices round trip, then resolves
// each listed service except reflectionServiceName through the reflection
// client's FileContainingSymbol lookup.
func Build(ctx context.Context, conn *grpc.ClientConn) (*Cache, error) {
	client := grpcreflect.NewClientV1Alpha(ctx, reflectionpb.NewServerReflectionClient(conn))
	defer client.Reset()

	svcNames, err := client.ListServices()
	if err != nil {
		return nil, classifyReflectionError(err)
	}

	services := make(ServiceMap, len(svcNames))
	for _, svcName := range svcNames {
		if svcName == reflectionServiceName {
			continue
		}

		sd, err := client.ResolveService(svcName)
		if err != nil {
			return nil, perr.Wrap(perr.New(perr.DescriptorDecode, err.Error()), "resolve service "+svcName)
		}

		methods := make(map[string]ConnectionType, len(sd.GetMethods()))
		for _, md := range sd.GetMethods() {
			if md.GetName() == "" {
				continue
			}
			methods[md.GetName()] = Classify(md.IsClientStreaming(), md.IsServerStreaming())
		}
		services[svcName] = methods
	}

	return &Cache{services: services}, nil
}

// classifyReflectionError maps a failure from the initial ListServices round
// trip to the proxy's error taxonomy: Unimplemented means the upstream
// doesn't speak the reflection protocol at all (NoServices); anything else
// is a Transport failure.
func classifyReflectionError(err error) error {
	if status.Code(err) == codes.Unimplemented {
		return perr.Wrap(perr.New(perr.NoServices, err.Error()), "upstream does not implement reflection")
	}
	return perr.Wrap(perr.New(perr.Transport, err.Error()), "list upstream services via reflection")
}

// GetQueryType implements the lookup contract: split path on "/", require
// at least three parts, then look up service and method in order, returning
// the first applicable error.
func (c *Cache) GetQueryType(path string) (ConnectionType, error) {
	parts := strings.Split(path, "/")
	if len(parts) < 3 {
		return 0, perr.New(perr.InvalidQuery, "path does not have a service and method segment")
	}

	svc, method := parts[1], parts[2]

	methods, ok := c.services[svc]
	if !ok {
		return 0, perr.New(perr.UnknownService, "unknown service "+svc)
	}

	ct, ok := methods[method]
	if !ok {
		return 0, perr.New(perr.UnknownMethod, "unknown method "+method+" on service "+svc)
	}

	return ct, nil
}

// Services returns a read-only copy of the cache's ServiceMap, safe to share
// across request handlers without locking since the cache itself never
// changes after Build.
func (c *Cache) Services() ServiceMap {
	clone := make(ServiceMap, len(c.services))
	for svc, methods := range c.services {
		mClone := make(map[string]ConnectionType, len(methods))
		for m, ct := range methods {
			mClone[m] = ct
		}
		clone[svc] = mClone
	}
	return clone
}
