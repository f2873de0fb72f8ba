// Package dispatch issues unary and server-streaming gRPC calls to
// arbitrary "/service/method" paths using an identity codec, so the proxy
// never needs compiled protobuf stubs for the upstream it's forwarding to.
package dispatch

import (
	"context"
	"fmt"
	"io"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tacshi/grpcweb-gateway/internal/perr"
	"github.com/tacshi/grpcweb-gateway/internal/reflectcache"
)

// UpstreamError is returned when an established call to the upstream
// completes with a non-OK gRPC status that classifyUpstreamErr attributes to
// the upstream application rather than the transport. Unlike the rest of the taxonomy it
// carries the original code and message so the HTTP front-end can copy them
// verbatim into a trailer frame instead of translating them to an HTTP
// error, per the proxy's error propagation policy.
type UpstreamError struct {
	Code    codes.Code
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %s: %s", e.Code, e.Message)
}

// ProxyKind implements perr.Kinder.
func (e *UpstreamError) ProxyKind() perr.Kind { return perr.UpstreamStatus }

// rawCodec is an identity codec: Marshal and Unmarshal are byte copies, so
// the dispatcher never parses the messages it forwards. Grounded on the
// ForceCodec(bytesCodec{}) pattern used by transparent gRPC proxies built
// on top of grpc-go's generic stream API.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	*b = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return "proxy" }

// Dispatcher wraps one connected HTTP/2 channel to the upstream, shared
// across all request tasks. Connection pooling is delegated to conn itself.
type Dispatcher struct {
	conn *grpc.ClientConn
}

// New wraps conn for generic dispatch.
func New(conn *grpc.ClientConn) *Dispatcher {
	return &Dispatcher{conn: conn}
}

// CheckSupported rejects the two streaming shapes this core cannot
// translate, before the upstream is ever contacted.
func CheckSupported(ct reflectcache.ConnectionType) error {
	switch ct {
	case reflectcache.ClientStreaming, reflectcache.BidiStreaming:
		return perr.New(perr.Unsupported, "client-streaming and bidi-streaming translation is not supported")
	default:
		return nil
	}
}

// Unary issues a single-request, single-response call to path, returning
// the raw response bytes and the upstream's trailing metadata. A non-OK
// status is classified by classifyUpstreamErr: an application status comes
// back as a *UpstreamError (perr.UpstreamStatus), a transport-class failure
// as a perr.Transport error.
func (d *Dispatcher) Unary(ctx context.Context, path string, payload []byte, md metadata.MD) ([]byte, metadata.MD, error) {
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	var (
		out     []byte
		trailer metadata.MD
	)

	in := payload
	err := d.conn.Invoke(ctx, path, &in, &out, grpc.ForceCodec(rawCodec{}), grpc.Trailer(&trailer))
	if err != nil {
		return nil, trailer, classifyUpstreamErr(ctx, err)
	}

	return out, trailer, nil
}

// ServerStream lets a caller pull response messages one at a time, in the
// order the upstream produced them, mirroring grpc.ClientStream's own
// ordering guarantee. closed guards Trailer, which grpc-go only finishes
// populating once the stream has terminated.
type ServerStream struct {
	cs     grpc.ClientStream
	ctx    context.Context
	closed atomic.Bool
}

// Recv returns the next response message, or io.EOF when the upstream has
// finished. Any other error is classified by classifyUpstreamErr: a genuine
// application status comes back as a *UpstreamError, a transport-class
// failure as a perr.Transport error.
func (s *ServerStream) Recv() ([]byte, error) {
	var out []byte
	if err := s.cs.RecvMsg(&out); err != nil {
		s.closed.Store(true)
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, classifyUpstreamErr(s.ctx, err)
	}
	return out, nil
}

// Trailer returns the upstream's trailing metadata. It must only be called
// after Recv has returned io.EOF or a non-nil error.
func (s *ServerStream) Trailer() metadata.MD {
	if !s.closed.Load() {
		panic("dispatch: Trailer called before the stream terminated")
	}
	return s.cs.Trailer()
}

// ServerStreaming issues a single-request, many-response call to path. The
// returned metadata.MD is the upstream's *leading* metadata, known as soon
// as the stream opens; trailing metadata is only available from the
// returned ServerStream's Trailer method once the stream has closed.
func (d *Dispatcher) ServerStreaming(
	ctx context.Context,
	path string,
	payload []byte,
	md metadata.MD,
) (*ServerStream, metadata.MD, error) {
	if len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	desc := &grpc.StreamDesc{
		StreamName:    path,
		ServerStreams: true,
	}

	cs, err := d.conn.NewStream(ctx, desc, path, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return nil, nil, perr.Wrap(perr.New(perr.Transport, err.Error()), "open server-streaming call to "+path)
	}

	in := payload
	if err := cs.SendMsg(&in); err != nil {
		return nil, nil, perr.Wrap(perr.New(perr.Transport, err.Error()), "send request message to "+path)
	}
	if err := cs.CloseSend(); err != nil {
		return nil, nil, perr.Wrap(perr.New(perr.Transport, err.Error()), "close send side of "+path)
	}

	header, err := cs.Header()
	if err != nil {
		// Headers are best-effort; a failure to fetch them isn't fatal to
		// the stream itself.
		header = nil
	}

	return &ServerStream{cs: cs, ctx: ctx}, header, nil
}

// classifyUpstreamErr wraps a non-nil error from an established call. Most
// codes are genuine application statuses the upstream chose and come back
// as an *UpstreamError, preserving the original code/message so the HTTP
// front-end can pack it into a trailer frame verbatim. Codes grpc-go uses to
// report a transport failure or the caller's own cancellation/deadline
// rather than something the upstream application decided, are classified as
// perr.Transport instead, so they surface as a gateway error (502) rather
// than being mistaken for an upstream-chosen status.
func classifyUpstreamErr(ctx context.Context, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return perr.Wrap(perr.New(perr.Transport, err.Error()), "non-status error from established call")
	}

	if isTransportFailure(ctx, st.Code()) {
		return perr.Wrap(perr.New(perr.Transport, st.Message()), "upstream call failed at the transport")
	}

	return &UpstreamError{Code: st.Code(), Message: st.Message()}
}

// isTransportFailure reports whether code reflects the call never reaching
// (or never finishing talking to) the upstream application, rather than an
// application-level status it returned. Unavailable is grpc-go's code for a
// dropped/unreachable connection; Canceled and DeadlineExceeded are only
// transport-class when they trace back to ctx itself ending, since the
// upstream can also choose to return either of those codes deliberately.
func isTransportFailure(ctx context.Context, code codes.Code) bool {
	switch code {
	case codes.Unavailable:
		return true
	case codes.Canceled, codes.DeadlineExceeded:
		return ctx.Err() != nil
	default:
		return false
	}
}
