// Package trailer serializes gRPC trailing metadata as the payload of a
// gRPC-Web trailer frame: one "name:value\r\n" line per pair, prefixed by
// the frame's own 5-byte header.
package trailer

import (
	"bytes"
	"sort"

	"google.golang.org/grpc/metadata"

	"github.com/tacshi/grpcweb-gateway/internal/frame"
)

// Pair is a single (header name, header value) entry. Order and duplicates
// are significant.
type Pair struct {
	Name  string
	Value string
}

// Metadata is an ordered collection of header pairs.
type Metadata []Pair

// FromGRPCMD converts a gRPC metadata.MD into an ordered Metadata. metadata.MD
// is itself an unordered map of name to value-list, so this orders by key so
// that output is deterministic; values within one key keep gRPC's order.
func FromGRPCMD(md metadata.MD) Metadata {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out Metadata
	for _, k := range keys {
		for _, v := range md[k] {
			out = append(out, Pair{Name: k, Value: v})
		}
	}
	return out
}

// Set returns md with (name, value) appended, using the built-in append (so
// md's backing array is reused when it has spare capacity), a small convenience
// for building trailers (e.g. grpc-status/grpc-message) without going
// through metadata.MD.
func (md Metadata) Set(name, value string) Metadata {
	return append(md, Pair{Name: name, Value: value})
}

// Pack serializes md as the payload of a trailer frame: each representable
// pair becomes "name:value\r\n" UTF-8 bytes, prefixed by the 5-byte trailer
// header [0x80, len_be32]. Pairs whose name or value aren't printable ASCII
// are silently skipped — this never fails. Header names are expected to
// already be lower-cased by the transport; this layer does not canonicalize.
func Pack(md Metadata) ([]byte, error) {
	var body bytes.Buffer
	for _, p := range md {
		if !isPrintableASCII(p.Name) || !isPrintableASCII(p.Value) {
			continue
		}
		body.WriteString(p.Name)
		body.WriteByte(':')
		body.WriteString(p.Value)
		body.WriteString("\r\n")
	}

	return frame.EncodeFrame(frame.FlagTrailer, body.Bytes())
}

func isPrintableASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}
