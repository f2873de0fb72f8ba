package helloworld_test

import (
	"context"
	"io"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tacshi/grpcweb-gateway/example/helloworld"
	"github.com/tacshi/grpcweb-gateway/internal/dispatch"
	"github.com/tacshi/grpcweb-gateway/internal/reflectcache"
)

const bufSize = 1 << 20

func TestGreeter_ReflectableAndDispatchable(t *testing.T) {
	lis := bufconn.Listen(bufSize)
	srv := grpc.NewServer()
	helloworld.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient(
		"passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()

	cache, err := reflectcache.Build(ctx, conn)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ct, err := cache.GetQueryType("/helloworld.Greeter/SayHello")
	if err != nil {
		t.Fatalf("GetQueryType(SayHello): %v", err)
	}
	if ct != reflectcache.Unary {
		t.Fatalf("SayHello classified as %v, want Unary", ct)
	}

	ct, err = cache.GetQueryType("/helloworld.Greeter/SayHelloStream")
	if err != nil {
		t.Fatalf("GetQueryType(SayHelloStream): %v", err)
	}
	if ct != reflectcache.ServerStreaming {
		t.Fatalf("SayHelloStream classified as %v, want ServerStreaming", ct)
	}

	d := dispatch.New(conn)

	// helloworld's wire messages are single-field strings (tag 1, wire type
	// 2: length-delimited), so the request/response bytes can be built/read
	// by hand without a compiled HelloRequest/HelloReply type.
	req := encodeSingleStringField("Tonic")

	out, _, err := d.Unary(ctx, "/helloworld.Greeter/SayHello", req, nil)
	if err != nil {
		t.Fatalf("Unary: %v", err)
	}
	if got := decodeSingleStringField(t, out); got != "Hello, Tonic!" {
		t.Fatalf("reply = %q, want %q", got, "Hello, Tonic!")
	}

	stream, _, err := d.ServerStreaming(ctx, "/helloworld.Greeter/SayHelloStream", req, nil)
	if err != nil {
		t.Fatalf("ServerStreaming: %v", err)
	}

	var got []string
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		got = append(got, decodeSingleStringField(t, msg))
	}
	if len(got) != 3 {
		t.Fatalf("got %d streamed replies, want 3", len(got))
	}
}

// encodeSingleStringField builds the protobuf wire bytes for a message with
// one string field at tag 1 — exactly HelloRequest{name: s}'s encoding.
func encodeSingleStringField(s string) []byte {
	out := []byte{0x0a} // tag 1, wire type 2 (length-delimited)
	out = append(out, encodeVarint(uint64(len(s)))...)
	return append(out, s...)
}

func decodeSingleStringField(t *testing.T, b []byte) string {
	t.Helper()
	if len(b) < 2 || b[0] != 0x0a {
		t.Fatalf("unexpected wire bytes: %v", b)
	}
	n := int(b[1])
	if len(b) != 2+n {
		t.Fatalf("length mismatch: %v", b)
	}
	return string(b[2:])
}

func encodeVarint(v uint64) []byte {
	var out []byte
	for v >= 0x80 {
		out = append(out, byte(v)|0x80)
		v >>= 7
	}
	return append(out, byte(v))
}
