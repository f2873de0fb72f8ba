package gwproxy

// Config carries the two CORS values the proxy is configured with at
// startup (--allowed-cors-domains, --allowed-cors-headers). Both are used
// verbatim as header values, never parsed or validated.
type Config struct {
	AllowedCORSDomains string
	AllowedCORSHeaders string
}

// Option configures a Server at construction time using the functional-option
// pattern.
type Option func(*Server)

// WithConfig sets the CORS configuration.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}
