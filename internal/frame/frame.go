// Package frame implements the gRPC-Web wire framing: the 5-byte
// length-prefixed data/trailer frame header and the base64 armor that lets
// the frame stream survive a text-mode XHR body.
//
// Every gRPC message on the wire is [flags:1][length:4 big-endian][payload].
// flags bit 0x80 distinguishes a trailer frame from a data frame (0x00).
package frame

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"io"
	"math"

	"github.com/tacshi/grpcweb-gateway/internal/perr"
)

const (
	// HeaderLen is the size in bytes of a frame header.
	HeaderLen = 5

	// FlagData marks a frame as carrying a gRPC message.
	FlagData byte = 0x00
	// FlagTrailer marks a frame as carrying serialized trailing metadata.
	FlagTrailer byte = 0x80
)

// EncodeFrame builds a single frame header+payload for the given flag.
// It fails with perr.Overflow if payload would overflow the 32-bit length
// field; this cannot happen in practice but is not allowed to panic.
func EncodeFrame(flag byte, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, perr.New(perr.Overflow, "frame payload exceeds uint32 length field")
	}

	out := make([]byte, HeaderLen+len(payload))
	out[0] = flag
	binary.BigEndian.PutUint32(out[1:HeaderLen], uint32(len(payload)))
	copy(out[HeaderLen:], payload)
	return out, nil
}

// DecodeWebRequest interprets body as base64, decodes it, and strips the
// leading 5-byte frame header, returning the payload bytes. A gRPC-Web
// request body carries exactly one data frame; the header's flags byte is
// not validated here (any value is accepted — the upstream will reject
// semantic errors on its own).
func DecodeWebRequest(body []byte) ([]byte, error) {
	raw, err := base64Decode(body)
	if err != nil {
		return nil, perr.Wrap(perr.New(perr.Base64Decode, err.Error()), "decode grpc-web-text body")
	}

	if len(raw) < HeaderLen {
		return nil, perr.New(perr.InvalidRequest, "request body shorter than frame header")
	}

	return raw[HeaderLen:], nil
}

// EncodeWebResponse builds a gRPC-Web response body for a single data frame
// followed by a single trailer frame. trailer must already be a complete
// frame (header + payload) as produced by the trailer packer. The two
// base64 segments are each independently padded and concatenated without a
// separator.
func EncodeWebResponse(payload, trailer []byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	if err := enc.WriteData(payload); err != nil {
		return nil, err
	}
	if err := enc.WriteTrailerFrame(trailer); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encoder writes a stream of gRPC-Web frames to w, base64-encoding each
// frame independently so a client that decodes the body segment-by-segment
// (rather than as one concatenated blob) stays in sync. Each WriteData call
// corresponds to one upstream message; WriteTrailerFrame is called exactly
// once, at the end.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder that writes base64 gRPC-Web frames to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteData base64-encodes a data frame around payload and writes it.
func (e *Encoder) WriteData(payload []byte) error {
	f, err := EncodeFrame(FlagData, payload)
	if err != nil {
		return err
	}
	return e.writeSegment(f)
}

// WriteTrailerFrame base64-encodes an already-framed trailer (as produced
// by the trailer packer) and writes it.
func (e *Encoder) WriteTrailerFrame(trailerFrame []byte) error {
	return e.writeSegment(trailerFrame)
}

func (e *Encoder) writeSegment(frame []byte) error {
	enc := base64.NewEncoder(base64.StdEncoding, e.w)
	if _, err := enc.Write(frame); err != nil {
		return perr.Wrap(err, "write base64 frame segment")
	}
	return enc.Close()
}

func base64Decode(body []byte) ([]byte, error) {
	// RawStdEncoding.DecodedLen is always >= StdEncoding.DecodedLen for the
	// same input length, so sizing with it up front keeps the unpadded
	// fallback below from indexing past the end of out.
	out := make([]byte, base64.RawStdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(out, body)
	if err != nil {
		// Some gRPC-Web clients omit padding; retry with the unpadded
		// flavor before giving up.
		n, err = base64.RawStdEncoding.Decode(out, body)
		if err != nil {
			return nil, err
		}
	}
	return out[:n], nil
}
