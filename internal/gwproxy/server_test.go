package gwproxy_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tacshi/grpcweb-gateway/internal/dispatch"
	"github.com/tacshi/grpcweb-gateway/internal/frame"
	"github.com/tacshi/grpcweb-gateway/internal/gwproxy"
	"github.com/tacshi/grpcweb-gateway/internal/reflectcache"
)

type echoCodec struct{}

func (echoCodec) Marshal(v interface{}) ([]byte, error) {
	b := v.(*[]byte)
	return *b, nil
}

func (echoCodec) Unmarshal(data []byte, v interface{}) error {
	b := v.(*[]byte)
	*b = append([]byte(nil), data...)
	return nil
}

func (echoCodec) Name() string { return "proxy" }

const bufSize = 1 << 20

func newTestServer(t *testing.T) *gwproxy.Server {
	t.Helper()

	lis := bufconn.Listen(bufSize)
	grpcSrv := grpc.NewServer(
		grpc.ForceServerCodec(echoCodec{}),
		grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
			method, _ := grpc.MethodFromServerStream(stream)
			var in []byte
			if err := stream.RecvMsg(&in); err != nil {
				return err
			}

			switch method {
			case "/helloworld.Greeter/SayHello":
				return stream.SendMsg(&in)
			case "/helloworld.Greeter/SayHelloStream":
				for i := 0; i < 2; i++ {
					msg := append([]byte(nil), in...)
					msg = append(msg, byte(i))
					if err := stream.SendMsg(&msg); err != nil {
						return err
					}
				}
				return nil
			case "/helloworld.Greeter/Fails":
				return status.Error(codes.InvalidArgument, "nope")
			case "/helloworld.Greeter/Unavailable":
				return status.Error(codes.Unavailable, "down")
			default:
				return status.Error(codes.Unimplemented, "no such method")
			}
		}),
	)
	go func() { _ = grpcSrv.Serve(lis) }()
	t.Cleanup(grpcSrv.Stop)

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

	cache := reflectcache.NewCache(reflectcache.ServiceMap{
		"helloworld.Greeter": {
			"SayHello":       reflectcache.Unary,
			"SayHelloStream": reflectcache.ServerStreaming,
			"Fails":          reflectcache.Unary,
			"Unavailable":    reflectcache.Unary,
		},
	})

	return gwproxy.New(dispatch.New(conn), cache, zap.NewNop())
}

func TestServeHTTP_Options(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/anything", nil)
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("body = %q, want empty", body)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") == "" {
		t.Fatal("missing CORS header on OPTIONS response")
	}
}

func TestServeHTTP_WrongContentType(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/helloworld.Greeter/SayHello", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServeHTTP_Unary(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	reqFrame, err := frame.EncodeFrame(frame.FlagData, []byte("ping"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	body := base64.StdEncoding.EncodeToString(reqFrame)

	resp, err := ts.Client().Post(ts.URL+"/helloworld.Greeter/SayHello", "application/grpc-web-text", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	payload, trailerFrame := decodeUnaryResponse(t, raw)
	if string(payload) != "ping" {
		t.Fatalf("payload = %q, want %q", payload, "ping")
	}
	if !strings.Contains(string(trailerFrame), "grpc-status:0") {
		t.Fatalf("trailer = %q, want grpc-status:0", trailerFrame)
	}
}

func TestServeHTTP_UnaryUpstreamError(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	reqFrame, _ := frame.EncodeFrame(frame.FlagData, []byte("x"))
	body := base64.StdEncoding.EncodeToString(reqFrame)

	resp, err := ts.Client().Post(ts.URL+"/helloworld.Greeter/Fails", "application/grpc-web-text", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	// An upstream-status failure is still an HTTP 200: the error rides home
	// in the trailer frame, never as an HTTP error.
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	_, trailerFrame := decodeUnaryResponse(t, raw)
	want := fmt.Sprintf("grpc-status:%d", codes.InvalidArgument)
	if !strings.Contains(string(trailerFrame), want) {
		t.Fatalf("trailer = %q, want to contain %q", trailerFrame, want)
	}
}

func TestServeHTTP_UnaryTransportFailureIsGatewayError(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	reqFrame, _ := frame.EncodeFrame(frame.FlagData, []byte("x"))
	body := base64.StdEncoding.EncodeToString(reqFrame)

	resp, err := ts.Client().Post(ts.URL+"/helloworld.Greeter/Unavailable", "application/grpc-web-text", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	// codes.Unavailable never reached an application status: it must come
	// back as a gateway error (502), not a 200 with a trailer.
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestServeHTTP_UnknownMethod(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	reqFrame, _ := frame.EncodeFrame(frame.FlagData, []byte("x"))
	body := base64.StdEncoding.EncodeToString(reqFrame)

	resp, err := ts.Client().Post(ts.URL+"/helloworld.Greeter/NoSuchMethod", "application/grpc-web-text", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// decodeUnaryResponse splits a gRPC-Web-text unary response body into its
// two independently-padded base64 segments and returns the decoded data
// payload and the raw (framed) trailer bytes.
func decodeUnaryResponse(t *testing.T, raw []byte) (payload, trailerFrame []byte) {
	t.Helper()

	// Binary-search-free: decode progressively longer prefixes until one
	// decodes cleanly as base64 AND the frame length matches the
	// remaining bytes, since std padding lands on 4-byte boundaries.
	for i := 4; i <= len(raw); i += 4 {
		seg, err := base64.StdEncoding.DecodeString(string(raw[:i]))
		if err != nil {
			continue
		}
		if len(seg) < frame.HeaderLen {
			continue
		}
		dataLen := int(seg[1])<<24 | int(seg[2])<<16 | int(seg[3])<<8 | int(seg[4])
		if len(seg) != frame.HeaderLen+dataLen {
			continue
		}

		rest, err := base64.StdEncoding.DecodeString(string(raw[i:]))
		if err != nil {
			continue
		}
		return seg[frame.HeaderLen:], rest
	}

	t.Fatalf("could not split response body into two base64 segments: %q", raw)
	return nil, nil
}
