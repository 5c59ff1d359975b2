package mcpauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/toolbridge/mcp-auth/authserver"
	"github.com/toolbridge/mcp-auth/consumer"
	"github.com/toolbridge/mcp-auth/instrumentation"
	"github.com/toolbridge/mcp-auth/kv"
	"github.com/toolbridge/mcp-auth/security"
)

// BrokerConfig wires the full broker together: the authorization
// server, an optional third-party consumer, and the ambient concerns.
type BrokerConfig struct {
	// Server configures the authorization server. Required.
	Server authserver.Config

	// Namespaces partitions the store between components.
	Namespaces authserver.Namespaces

	// Middleware configures request authentication.
	Middleware Config

	// Consumer, when non-nil, enables session binding to a third-party
	// provider.
	Consumer *consumer.Consumer

	// APIClient optionally probes the third-party API during session
	// binding to catch upstream revocations.
	APIClient authserver.APIClient

	// UserResolver identifies the consenting user at the authorization
	// endpoint.
	UserResolver UserResolver

	// EnableAuditLogging turns on the security audit log.
	EnableAuditLogging bool

	// Instrumentation, when non-nil, attaches metrics to every
	// component.
	Instrumentation *instrumentation.Instrumentation

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// Broker is the top-level facade: one object that owns the
// authorization server, the consumer binding, the HTTP endpoints, and
// the authentication middleware.
type Broker struct {
	server     *authserver.Server
	consumer   *consumer.Consumer
	handler    *Handler
	middleware *Middleware
	auditor    *security.Auditor
	logger     *slog.Logger
}

// NewBroker builds a fully wired broker on top of the given store.
func NewBroker(ctx context.Context, store kv.Store, config BrokerConfig) (*Broker, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if config.Instrumentation != nil {
		store = instrumentation.WrapStore(store, config.Instrumentation.Metrics())
	}

	srv, err := authserver.New(ctx, store, config.Namespaces, config.Server, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorization server: %w", err)
	}

	auditor := security.NewAuditor(logger, config.EnableAuditLogging)
	srv.SetAuditor(auditor)
	if config.Consumer != nil {
		config.Consumer.SetAuditor(auditor)
	}
	if config.Instrumentation != nil {
		srv.SetMetrics(config.Instrumentation.Metrics())
		if config.Consumer != nil {
			config.Consumer.SetMetrics(config.Instrumentation.Metrics())
		}
	}

	mwConfig := config.Middleware
	mwConfig.Logger = logger
	var broker authserver.CredentialBroker
	if config.Consumer != nil {
		broker = config.Consumer
	}
	middleware := NewMiddleware(srv, broker, config.APIClient, mwConfig)
	middleware.SetAuditor(auditor)

	handlerConfig := mwConfig
	handler := NewHandler(srv, config.Consumer, config.UserResolver, handlerConfig)
	handler.SetAuditor(auditor)
	if config.Instrumentation != nil {
		middleware.SetMetrics(config.Instrumentation.Metrics())
		handler.SetMetrics(config.Instrumentation.Metrics())
	}

	return &Broker{
		server:     srv,
		consumer:   config.Consumer,
		handler:    handler,
		middleware: middleware,
		auditor:    auditor,
		logger:     logger,
	}, nil
}

// Server returns the authorization server.
func (b *Broker) Server() *authserver.Server { return b.server }

// Consumer returns the third-party consumer, or nil when session
// binding is not configured.
func (b *Broker) Consumer() *consumer.Consumer { return b.consumer }

// Handler returns the HTTP endpoint handler.
func (b *Broker) Handler() *Handler { return b.handler }

// Middleware returns the authentication middleware.
func (b *Broker) Middleware() *Middleware { return b.middleware }

// RegisterRoutes attaches the OAuth endpoints to the mux.
func (b *Broker) RegisterRoutes(mux *http.ServeMux) {
	b.handler.RegisterRoutes(mux)
}

// Protect wraps an application handler with request authentication.
func (b *Broker) Protect(next http.Handler) http.Handler {
	return b.middleware.Wrap(next)
}

// Close releases background resources.
func (b *Broker) Close() {
	b.handler.Close()
}
