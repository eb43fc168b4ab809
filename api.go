// Package burrowmq provides the public API for embedding a burrow-mq AMQP
// broker into a Go application. The engine speaks AMQP 0-8, 0-9 and
// 0-9-1.
package burrowmq

import (
	"context"

	"github.com/vbohinc/burrow-mq/config"
	"github.com/vbohinc/burrow-mq/internal"
	"github.com/vbohinc/burrow-mq/logger"
	"github.com/vbohinc/burrow-mq/storage"
)

// Server represents a burrow-mq server instance.
// It wraps the internal server implementation to provide a clean public API.
type Server struct {
	srv internal.Server
}

// ServerOption is a function that configures a Server during initialization.
// Use the provided With* functions to create ServerOptions.
type ServerOption func(*serverOptions)

// serverOptions holds the configuration that will be passed to the internal server
type serverOptions struct {
	internalOpts []internal.ServerOption
}

// Start begins listening for AMQP connections on the specified address.
// The address should be in the format "host:port", e.g., ":5672" or "localhost:5672".
// This method is blocking and will run until the server is shut down via
// the Shutdown method; it is normally run in its own goroutine.
func (s *Server) Start(addr string) error {
	return s.srv.Start(addr)
}

// Shutdown gracefully stops the server. It latches the port's admission
// gate, stops accepting new connections, and asks every active client to
// close with a connection.close frame. The provided context bounds how
// long the drain may take.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Logger returns the server's configured logger instance, which conforms to the
// logger.Logger interface.
func (s *Server) Logger() logger.Logger {
	return s.srv.Logger()
}

// IsReady returns true when the server has started and is ready to accept connections.
func (s *Server) IsReady() bool {
	return s.srv.IsReady()
}

// NewServer creates a new burrow-mq server with the provided options.
func NewServer(opts ...ServerOption) *Server {
	options := &serverOptions{}

	for _, opt := range opts {
		opt(options)
	}

	internalServer := internal.NewServer(options.internalOpts...)

	return &Server{
		srv: internalServer,
	}
}

// WithLogger sets a custom logger that implements the logger.Logger interface.
// If not used, a default logger that writes to stdout will be used.
func WithLogger(l logger.Logger) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithLoggingConfig(config.LoggingConfig{CustomLogger: l}))
	}
}

// WithAuth enables SASL authentication (PLAIN and CRAM-MD5) with the
// provided username-to-password credentials.
func WithAuth(credentials map[string]string) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithAuth(credentials))
	}
}

// WithVHosts configures the server with a set of predefined virtual hosts,
// including their exchanges, queues, and bindings. This is intended for
// initial server setup; runtime management should be done via the AMQP protocol.
func WithVHosts(vhosts []config.VHostConfig) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithVHosts(vhosts))
	}
}

// WithBrokerConfig sets the broker-wide tunables: channel cap, heartbeat
// delay, network buffer size, and the compression and routing behaviours
// advertised to clients.
func WithBrokerConfig(cfg config.BrokerConfig) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithBrokerConfig(cfg))
	}
}

// WithPortConfig sets the per-port limits: connection bounds and warning
// hysteresis, max message size, and compression threshold.
func WithPortConfig(cfg config.PortConfig) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithPortConfig(cfg))
	}
}

// WithStorage configures the persistence storage provider for the server
// based on the provided StorageConfig.
func WithStorage(cfg config.StorageConfig) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorage(cfg))
	}
}

// WithInMemoryStorage is a convenience option that configures in-memory storage,
// which is volatile and will be lost on server shutdown.
func WithInMemoryStorage() ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorage(config.StorageConfig{
			Type: config.StorageTypeMemory,
		}))
	}
}

// WithBuntDBStorage is a convenience option that configures persistent storage
// using BuntDB at the specified file path.
func WithBuntDBStorage(path string) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorage(config.StorageConfig{
			Type: config.StorageTypeBuntDB,
			BuntDB: &config.BuntDBConfig{
				Path: path,
			},
		}))
	}
}

// WithNoStorage is a convenience option that explicitly disables persistence.
// This is the default behavior if no storage option is provided.
func WithNoStorage() ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorage(config.StorageConfig{
			Type: config.StorageTypeNone,
		}))
	}
}

// WithStorageProvider allows for the injection of a custom storage implementation
// that conforms to the storage.StorageProvider interface.
func WithStorageProvider(provider storage.StorageProvider) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithStorageProvider(provider))
	}
}

// WithHeartbeatInterval configures the suggested heartbeat interval in seconds.
// The default is 60 seconds if not specified. The client and server will negotiate
// the actual heartbeat interval during connection establishment.
func WithHeartbeatInterval(interval uint16) ServerOption {
	return func(opts *serverOptions) {
		opts.internalOpts = append(opts.internalOpts, internal.WithHeartbeatInterval(interval))
	}
}
