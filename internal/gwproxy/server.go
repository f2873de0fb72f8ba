// Package gwproxy is the HTTP front-end: it accepts gRPC-Web-text requests,
// handles CORS preflight, decodes/classifies/dispatches each request, and
// adapts the dispatcher's response back into a gRPC-Web body.
//
// Per request the state machine is:
//
//	Receiving -> Decoded -> Classified -> Dispatched -> (Responding | Streaming) -> Terminated
//
// Terminated is always reached; for server-streaming, the Dispatched ->
// Streaming transition emits the HTTP response head immediately and then
// trickles the body as upstream messages arrive.
package gwproxy

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"

	"github.com/tacshi/grpcweb-gateway/internal/dispatch"
	"github.com/tacshi/grpcweb-gateway/internal/frame"
	"github.com/tacshi/grpcweb-gateway/internal/perr"
	"github.com/tacshi/grpcweb-gateway/internal/reflectcache"
	"github.com/tacshi/grpcweb-gateway/internal/trailer"
)

const (
	contentTypeGRPCWebText      = "application/grpc-web-text"
	contentTypeGRPCWebTextProto = "application/grpc-web-text+proto"
)

// Server is the gRPC-Web HTTP front-end. It holds no per-request state:
// the reflection cache is read-only after Build and the dispatcher's
// upstream channel is shared across every request task.
type Server struct {
	dispatcher *dispatch.Dispatcher
	cache      *reflectcache.Cache
	logger     *zap.Logger
	cfg        Config
}

// New builds a Server dispatching through d, routing via cache, and
// configured by opts.
func New(d *dispatch.Dispatcher, cache *reflectcache.Cache, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		dispatcher: d,
		cache:      cache,
		logger:     logger,
		cfg:        Config{AllowedCORSDomains: "*", AllowedCORSHeaders: "*"},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.applyCORSHeaders(w)

	switch {
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPost && isGRPCWebTextRequest(r):
		s.handlePost(w, r)
	default:
		s.writeError(w, r, perr.New(perr.InvalidRequest, "unsupported method/content-type combination"))
	}
}

func isGRPCWebTextRequest(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), contentTypeGRPCWebText)
}

func (s *Server) applyCORSHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", s.cfg.AllowedCORSDomains)
	h.Set("Access-Control-Allow-Headers", s.cfg.AllowedCORSHeaders)
	h.Add("Access-Control-Expose-Headers", "grpc-status, grpc-message")
}

// handlePost implements the Receiving -> ... -> Terminated pipeline for a
// single gRPC-Web POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "" {
		s.writeError(w, r, perr.New(perr.InvalidRequest, "missing request path"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, r, perr.Wrap(perr.New(perr.InvalidRequest, err.Error()), "read request body"))
		return
	}

	payload, err := frame.DecodeWebRequest(body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ct, err := s.cache.GetQueryType(path)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := dispatch.CheckSupported(ct); err != nil {
		s.writeError(w, r, err)
		return
	}

	md, timeout, hasTimeout := outgoingMetadata(r.Header)

	ctx := r.Context()
	if hasTimeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	switch ct {
	case reflectcache.Unary:
		s.handleUnary(ctx, w, r, path, payload, md)
	case reflectcache.ServerStreaming:
		s.handleServerStreaming(ctx, w, r, path, payload, md)
	default:
		// Unreachable: CheckSupported already rejected the other two shapes.
		s.writeError(w, r, perr.New(perr.Unsupported, "unexpected connection type"))
	}
}

func (s *Server) handleUnary(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, payload []byte, md metadata.MD) {
	respPayload, trailerMD, err := s.dispatcher.Unary(ctx, path, payload, md)

	// Only a *dispatch.UpstreamError reflects a status the upstream
	// application itself chose; anything else (a dropped connection, the
	// proxy's own cancellation/deadline) never reached an established
	// application status and is reported as an HTTP error instead of being
	// folded into a trailer as if it were one.
	if err != nil {
		if _, ok := err.(*dispatch.UpstreamError); !ok {
			s.writeError(w, r, err)
			return
		}
	}

	code, msg := codeAndMessage(err)

	tmd := trailer.FromGRPCMD(trailerMD)
	tmd = appendStatus(tmd, code, msg)

	trailerFrame, err := trailer.Pack(tmd)
	if err != nil {
		s.writeError(w, r, perr.Wrap(perr.New(perr.Overflow, err.Error()), "pack trailer"))
		return
	}

	body, err := frame.EncodeWebResponse(respPayload, trailerFrame)
	if err != nil {
		s.writeError(w, r, perr.Wrap(perr.New(perr.Overflow, err.Error()), "encode response frame"))
		return
	}

	w.Header().Set("Content-Type", contentTypeGRPCWebTextProto)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleServerStreaming(ctx context.Context, w http.ResponseWriter, r *http.Request, path string, payload []byte, md metadata.MD) {
	stream, headerMD, err := s.dispatcher.ServerStreaming(ctx, path, payload, md)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for _, p := range trailer.FromGRPCMD(headerMD) {
		w.Header().Add(p.Name, p.Value)
	}
	w.Header().Set("Content-Type", contentTypeGRPCWebTextProto)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := frame.NewEncoder(w)

	var streamErr error
	for {
		if r.Context().Err() != nil {
			// Client disconnected mid-stream: stop emitting and don't touch
			// Trailer, which is only safe to read once Recv has terminated.
			return
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		if err := enc.WriteData(msg); err != nil {
			s.logger.Error("write streamed frame", zap.String("path", path), zap.Error(err))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	code, msg := codeAndMessage(streamErr)
	tmd := trailer.FromGRPCMD(stream.Trailer())
	tmd = appendStatus(tmd, code, msg)

	trailerFrame, err := trailer.Pack(tmd)
	if err != nil {
		s.logger.Error("pack trailer", zap.String("path", path), zap.Error(err))
		return
	}
	if err := enc.WriteTrailerFrame(trailerFrame); err != nil {
		s.logger.Error("write trailer frame", zap.String("path", path), zap.Error(err))
		return
	}
	if flusher != nil {
		flusher.Flush()
	}
}

// writeError maps err to its HTTP status per the propagation policy and
// logs it; the error's text is never echoed into the response body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := perr.HTTPStatus(err)
	s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	w.WriteHeader(status)
}

// codeAndMessage extracts the terminal gRPC status for a dispatcher result:
// nil error -> OK; *dispatch.UpstreamError -> its code/message. Anything
// else only reaches here from the server-streaming path, where the HTTP
// response head (status 200) is already committed by the time a
// transport-class failure can occur mid-stream, so it is reported as the
// closest matching gRPC status in the trailer instead of an HTTP error.
func codeAndMessage(err error) (codes.Code, string) {
	if err == nil {
		return codes.OK, ""
	}
	if ue, ok := err.(*dispatch.UpstreamError); ok {
		return ue.Code, ue.Message
	}
	if perr.Is(err, perr.Transport) {
		return codes.Unavailable, err.Error()
	}
	return codes.Unknown, err.Error()
}

// appendStatus appends the standard grpc-status (and, if non-empty,
// grpc-message) pair. grpc-go strips these from the metadata.MD it exposes
// via Trailer(), so the proxy adds them back itself based on the call's
// outcome.
func appendStatus(md trailer.Metadata, code codes.Code, msg string) trailer.Metadata {
	md = md.Set("grpc-status", strconv.Itoa(int(code)))
	if msg != "" {
		md = md.Set("grpc-message", msg)
	}
	return md
}
