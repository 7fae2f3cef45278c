// Package client turns advertised service URIs into callable feeds and users
// handles, choosing the transport from the URI path suffix.
package client

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/federation"
	"fedfeeds/pkg/transport/rest"
	"fedfeeds/pkg/transport/rpc"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Transport identifies how a service URI is reached
type Transport string

const (
	TransportREST Transport = "rest"
	TransportGRPC Transport = "grpc"
)

// TransportOf picks the transport of a service URI by its path suffix
func TransportOf(uri string) (Transport, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid service uri %q: %w", uri, err)
	}
	path := strings.TrimSuffix(u.Path, "/")
	switch {
	case strings.HasSuffix(path, rest.PathSuffix):
		return TransportREST, nil
	case strings.HasSuffix(path, rpc.PathSuffix):
		return TransportGRPC, nil
	}
	return "", fmt.Errorf("service uri %q: unknown transport suffix", uri)
}

// Factory builds remote handles sharing one HTTP client, one gRPC
// connection pool and one retry policy.
type Factory struct {
	http   *http.Client
	retry  *federation.ResilientClient
	logger *zap.Logger

	mu   sync.Mutex
	pool *federation.ConnectionPool
}

var _ federation.ClientFactory = (*Factory)(nil)

// NewFactory creates a factory. retry may be nil for the default policy.
func NewFactory(retry *federation.ResilientClient, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = federation.NewResilientClient(logger, nil)
	}
	return &Factory{
		http:   &http.Client{Timeout: rest.DefaultRequestTimeout},
		retry:  retry,
		logger: logger.Named("client"),
	}
}

func (f *Factory) connectionPool() *federation.ConnectionPool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pool == nil {
		f.pool = federation.NewConnectionPool(f.logger,
			grpc.WithKeepaliveParams(rpc.ClientKeepalive))
	}
	return f.pool
}

// Feeds returns a feeds handle for uri
func (f *Factory) Feeds(uri string) (api.Feeds, error) {
	transport, err := TransportOf(uri)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Creating feeds client", zap.String("uri", uri), zap.String("transport", string(transport)))

	if transport == TransportGRPC {
		return rpc.NewFeedsClient(uri, f.connectionPool(), f.retry)
	}
	return rest.NewFeedsClient(uri, f.http, f.retry), nil
}

// Users returns a users handle for uri
func (f *Factory) Users(uri string) (api.Users, error) {
	transport, err := TransportOf(uri)
	if err != nil {
		return nil, err
	}
	f.logger.Debug("Creating users client", zap.String("uri", uri), zap.String("transport", string(transport)))

	if transport == TransportGRPC {
		return rpc.NewUsersClient(uri, f.connectionPool(), f.retry)
	}
	return rest.NewUsersClient(uri, f.http, f.retry), nil
}

// Close releases pooled gRPC connections. A later gRPC handle gets a fresh
// pool.
func (f *Factory) Close() error {
	f.mu.Lock()
	pool := f.pool
	f.pool = nil
	f.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Close()
}
