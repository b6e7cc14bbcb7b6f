package httpcloud

import (
	"time"

	"github.com/c0deZ3R0/go-persistent-stack/logging"
)

// Limits bounds a JSON body as it travels and after gzip decoding.
type Limits struct {
	Raw          int64
	Decompressed int64
}

var defaultLimits = Limits{Raw: 10 << 20, Decompressed: 20 << 20}

// gzipMin is the smallest body worth compressing.
const gzipMin = 1 << 10

// ServerOptions configures a Server.
type ServerOptions struct {
	Body Limits

	// Gzip compresses responses of at least GzipMin bytes for clients that
	// send Accept-Encoding: gzip.
	Gzip    bool
	GzipMin int64

	// Heartbeat is the period of keep-alive comments on /events.
	Heartbeat time.Duration
	Logger    *logging.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	Body Limits
	// Gzip compresses large request bodies and advertises gzip for responses.
	Gzip bool
	// Timeout applies to every request except the /events stream.
	Timeout time.Duration
	Logger  *logging.Logger
}

type ServerOption func(*ServerOptions)

type ClientOption func(*ClientOptions)

// WithRequestLimits bounds request bodies accepted by the server.
func WithRequestLimits(l Limits) ServerOption {
	return func(o *ServerOptions) { o.Body = l }
}

func WithMaxDecompressedSize(n int64) ServerOption {
	return func(o *ServerOptions) { o.Body.Decompressed = n }
}

// WithCompression toggles gzip responses; minSize, when given, replaces the
// threshold.
func WithCompression(enabled bool, minSize ...int64) ServerOption {
	return func(o *ServerOptions) {
		o.Gzip = enabled
		if len(minSize) > 0 {
			o.GzipMin = minSize[0]
		}
	}
}

func WithHeartbeat(d time.Duration) ServerOption {
	return func(o *ServerOptions) { o.Heartbeat = d }
}

func WithServerLogger(l *logging.Logger) ServerOption {
	return func(o *ServerOptions) { o.Logger = l }
}

func WithResponseLimits(l Limits) ClientOption {
	return func(o *ClientOptions) { o.Body = l }
}

func WithClientCompression(enabled bool) ClientOption {
	return func(o *ClientOptions) { o.Gzip = enabled }
}

func WithClientTimeout(d time.Duration) ClientOption {
	return func(o *ClientOptions) { o.Timeout = d }
}

func WithClientLogger(l *logging.Logger) ClientOption {
	return func(o *ClientOptions) { o.Logger = l }
}

func newServerOptions(opts []ServerOption) *ServerOptions {
	o := &ServerOptions{Body: defaultLimits, Gzip: true, GzipMin: gzipMin, Heartbeat: 15 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent(component)
	}
	return o
}

func newClientOptions(opts []ClientOption) *ClientOptions {
	o := &ClientOptions{Body: defaultLimits, Gzip: true, Timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(o)
	}
	if o.Logger == nil {
		o.Logger = logging.WithComponent(component)
	}
	return o
}
