// Package perr defines the proxy's error taxonomy and the mapping from a
// Kind to the HTTP status it should surface as, per the propagation policy
// in the proxy's error handling design.
package perr

import (
	"net/http"

	"github.com/pkg/errors"
)

// Kind is one of the proxy's error categories. It is never wrapped away:
// call sites that need to distinguish failures use errors.Is against the
// sentinel for the Kind they care about.
type Kind int

const (
	// Transport covers upstream dial/connect/stream failures.
	Transport Kind = iota
	// Base64Decode covers malformed base64 in a gRPC-Web-text body.
	Base64Decode
	// DescriptorDecode covers a malformed reflection file descriptor.
	DescriptorDecode
	// NoResponse covers a reflection stream that closed before replying.
	NoResponse
	// NoServices covers a server that doesn't implement reflection.
	NoServices
	// InvalidRequest covers a malformed HTTP request (method, content-type,
	// missing path, short frame header).
	InvalidRequest
	// InvalidQuery covers a request path that doesn't split into
	// ["", service, method].
	InvalidQuery
	// UnknownService covers a path whose service was never observed.
	UnknownService
	// UnknownMethod covers a path whose method was never observed.
	UnknownMethod
	// Unsupported covers client-streaming and bidi-streaming requests.
	Unsupported
	// Overflow covers a frame length field that would exceed uint32.
	Overflow
	// UpstreamStatus covers a non-OK gRPC status the upstream application
	// returned (transport-class codes are classified as Transport instead);
	// it is never turned into an HTTP error, only a trailer.
	UpstreamStatus
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Base64Decode:
		return "base64_decode"
	case DescriptorDecode:
		return "descriptor_decode"
	case NoResponse:
		return "no_response"
	case NoServices:
		return "no_services"
	case InvalidRequest:
		return "invalid_request"
	case InvalidQuery:
		return "invalid_query"
	case UnknownService:
		return "unknown_service"
	case UnknownMethod:
		return "unknown_method"
	case Unsupported:
		return "unsupported"
	case Overflow:
		return "overflow"
	case UpstreamStatus:
		return "upstream_status"
	default:
		return "unknown"
	}
}

// kindError is a sentinel carrying its Kind so errors.Is can match it even
// after being wrapped by errors.Wrap.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }

// Is makes errors.Is(err, New(SomeKind)) match any error of the same Kind,
// regardless of message, so call sites can build ad hoc sentinels inline.
func (e *kindError) Is(target error) bool {
	t, ok := target.(*kindError)
	return ok && t.kind == e.kind
}

// New builds a bare sentinel for Kind k with the given message.
func New(k Kind, msg string) error {
	return &kindError{kind: k, msg: msg}
}

// Wrap annotates err with msg while preserving its Kind for errors.Is and
// KindOf.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Kinder is implemented by error types (outside this package) that carry
// their own Kind, such as dispatch.UpstreamError which also needs to carry
// the upstream's gRPC status code.
type Kinder interface {
	ProxyKind() Kind
}

// KindOf walks err's cause chain for a *kindError or a Kinder and returns
// its Kind. ok is false if no Kind was ever attached, i.e. the error is
// foreign (a raw network or codec error that wasn't classified).
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if ke, ok := err.(*kindError); ok {
			return ke.kind, true
		}
		if kr, ok := err.(Kinder); ok {
			return kr.ProxyKind(), true
		}
		cause := errors.Unwrap(err)
		if cause == nil {
			return 0, false
		}
		err = cause
	}
	return 0, false
}

// Is reports whether err's Kind (if any) equals k.
func Is(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}

// httpStatus maps each Kind to the HTTP status the front-end should respond
// with for a per-request failure of that Kind. UpstreamStatus is
// deliberately absent: it is never translated into an HTTP error, only
// carried back as a trailer frame.
var httpStatus = map[Kind]int{
	InvalidRequest:   http.StatusBadRequest,
	InvalidQuery:     http.StatusBadRequest,
	Unsupported:      http.StatusBadRequest,
	Base64Decode:     http.StatusBadRequest,
	UnknownService:   http.StatusNotFound,
	UnknownMethod:    http.StatusNotFound,
	Transport:        http.StatusBadGateway,
	NoResponse:       http.StatusBadGateway,
	Overflow:         http.StatusInternalServerError,
	DescriptorDecode: http.StatusInternalServerError,
	NoServices:       http.StatusInternalServerError,
}

// HTTPStatus returns the HTTP status for err per the propagation policy,
// defaulting to 500 for unclassified errors.
func HTTPStatus(err error) int {
	k, ok := KindOf(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status, ok := httpStatus[k]; ok {
		return status
	}
	return http.StatusInternalServerError
}
