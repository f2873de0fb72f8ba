package gwproxy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"
)

// hopByHopHeaders are never forwarded to the upstream as gRPC metadata:
// they're either consumed by this layer (content-type, grpc-timeout) or are
// plain HTTP plumbing the upstream has no use for.
var hopByHopHeaders = map[string]struct{}{
	"content-type":    {},
	"content-length":  {},
	"accept":          {},
	"accept-encoding": {},
	"origin":          {},
	"connection":      {},
	"x-grpc-web":      {},
	"te":              {},
	"host":            {},
	"grpc-timeout":    {},
}

// outgoingMetadata converts an incoming HTTP request's headers into gRPC
// metadata to forward upstream, and extracts the gRPC-Web deadline
// convention ("grpc-timeout") separately, since it's consumed as a context
// deadline rather than forwarded as a header.
func outgoingMetadata(header map[string][]string) (metadata.MD, time.Duration, bool) {
	md := metadata.MD{}
	var (
		timeout    time.Duration
		hasTimeout bool
	)

	for k, vv := range header {
		lk := strings.ToLower(k)
		if lk == "grpc-timeout" && len(vv) > 0 {
			if d, err := parseGRPCTimeout(vv[0]); err == nil {
				timeout = d
				hasTimeout = true
			}
			continue
		}
		if _, skip := hopByHopHeaders[lk]; skip {
			continue
		}
		md[lk] = append(md[lk], vv...)
	}

	return md, timeout, hasTimeout
}

// parseGRPCTimeout parses the gRPC wire timeout convention: an ASCII
// decimal followed by a single unit character (H, M, S, m, u, n).
func parseGRPCTimeout(v string) (time.Duration, error) {
	if len(v) < 2 {
		return 0, fmt.Errorf("grpc-timeout value too short: %q", v)
	}

	unit := v[len(v)-1]
	n, err := strconv.ParseInt(v[:len(v)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid grpc-timeout value %q: %w", v, err)
	}

	switch unit {
	case 'H':
		return time.Duration(n) * time.Hour, nil
	case 'M':
		return time.Duration(n) * time.Minute, nil
	case 'S':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Millisecond, nil
	case 'u':
		return time.Duration(n) * time.Microsecond, nil
	case 'n':
		return time.Duration(n) * time.Nanosecond, nil
	default:
		return 0, fmt.Errorf("unknown grpc-timeout unit %q", string(unit))
	}
}
