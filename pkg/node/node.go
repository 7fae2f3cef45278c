// Package node assembles one fedfeeds server process: discovery, the address
// resolver, the hosted feeds and users services and their transport.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/client"
	"fedfeeds/pkg/config"
	"fedfeeds/pkg/discovery"
	"fedfeeds/pkg/federation"
	"fedfeeds/pkg/feeds"
	"fedfeeds/pkg/transport/rest"
	"fedfeeds/pkg/transport/rpc"
	"fedfeeds/pkg/users"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// ShutdownTimeout bounds Run's graceful shutdown
const ShutdownTimeout = 10 * time.Second

type Node struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	metrics   *federation.Metrics
	discovery *discovery.Discovery
	factory   *client.Factory
	resolver  *federation.Resolver

	feeds *feeds.Service
	users *users.Service

	listener      net.Listener
	uri           string
	httpServer    *http.Server
	rpcServer     *rpc.Server
	metricsServer *http.Server

	serving    *errgroup.Group
	servingCtx context.Context
	ready      atomic.Bool
}

// New builds a node for cfg. Nothing listens until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("domain", cfg.Domain))

	registry := prometheus.NewRegistry()
	metrics := federation.NewMetrics(registry)

	retry := federation.NewResilientClient(logger, metrics)
	retry.ConfigureRetry(cfg.Retry.MaxAttempts, cfg.Retry.Delay.Std(), cfg.Retry.Jitter)

	disc := discovery.New(discovery.Config{
		Group:          cfg.Discovery.Group,
		Interface:      cfg.Discovery.Interface,
		AnnouncePeriod: cfg.Discovery.AnnouncePeriod.Std(),
		RetryPeriod:    cfg.Discovery.RetryPeriod.Std(),
		TTL:            cfg.Discovery.TTL,
	}, logger, metrics)
	for _, p := range cfg.Peers {
		disc.Record(federation.ServiceDomain(p.Service, p.Domain), p.URI)
	}

	factory := client.NewFactory(retry, logger)
	resolver := federation.NewResolver(disc, factory, logger)

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		registry:  registry,
		metrics:   metrics,
		discovery: disc,
		factory:   factory,
		resolver:  resolver,
	}

	if n.hosts(federation.ServiceUsers) {
		n.users = users.NewService(cfg.Domain, resolver, logger)
		resolver.RegisterLocalUsers(cfg.Domain, n.users)
	}
	if n.hosts(federation.ServiceFeeds) {
		svc, err := feeds.NewService(feeds.Config{
			Domain:             cfg.Domain,
			ServerID:           cfg.ServerID,
			Workers:            cfg.Propagation.Workers,
			QueueSize:          cfg.Propagation.QueueSize,
			PropagationTimeout: cfg.Propagation.Timeout.Std(),
		}, nil, resolver, logger, metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create feeds service: %w", err)
		}
		n.feeds = svc
		resolver.RegisterLocalFeeds(cfg.Domain, n.feeds)
	}

	return n, nil
}

func (n *Node) hosts(service string) bool {
	switch n.cfg.Mode {
	case config.ModeServe:
		return true
	case config.ModeFeeds:
		return service == federation.ServiceFeeds
	case config.ModeUsers:
		return service == federation.ServiceUsers
	}
	return false
}

// services returns the hosted services as interfaces, nil when not hosted
func (n *Node) services() (api.Feeds, api.Users) {
	var (
		f api.Feeds
		u api.Users
	)
	if n.feeds != nil {
		f = n.feeds
	}
	if n.users != nil {
		u = n.users
	}
	return f, u
}

// Start binds the listener, begins serving and announces the hosted
// services. It returns once the node accepts requests.
func (n *Node) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", n.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", n.cfg.Listen, err)
	}
	n.listener = listener

	hostPort, err := n.advertiseAddr(listener.Addr())
	if err != nil {
		listener.Close()
		return err
	}

	n.serving, n.servingCtx = errgroup.WithContext(context.Background())
	health := federation.NewHealthEndpoint(n.metrics, n.Ready, n.logger)
	feedsAPI, usersAPI := n.services()

	switch n.cfg.Transport {
	case config.TransportGRPC:
		n.uri = rpc.URI(hostPort)
		n.rpcServer = rpc.NewServer(feedsAPI, usersAPI, n.logger)
		n.serving.Go(func() error {
			if err := n.rpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	default:
		n.uri = rest.URI(hostPort)
		restServer := rest.NewServer(feedsAPI, usersAPI, n.logger)
		mux := http.NewServeMux()
		restServer.Register(mux, rest.PathSuffix)
		if n.cfg.MetricsAddr == "" {
			health.RegisterHandlers(mux)
		}
		n.httpServer = &http.Server{
			Handler:           restServer.Wrap(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}
		n.serving.Go(func() error {
			n.logger.Info("REST server listening", zap.String("address", listener.Addr().String()))
			if err := n.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("rest server: %w", err)
			}
			return nil
		})
	}

	if n.cfg.MetricsAddr != "" {
		if err := n.startMetrics(health); err != nil {
			n.Stop(ctx)
			return err
		}
	}

	if err := n.announce(ctx); err != nil {
		n.Stop(ctx)
		return err
	}

	n.ready.Store(true)
	n.logger.Info("Node started",
		zap.String("mode", string(n.cfg.Mode)),
		zap.String("uri", n.uri),
		zap.Int("server_id", n.cfg.ServerID))
	return nil
}

func (n *Node) startMetrics(health *federation.HealthEndpoint) error {
	lis, err := net.Listen("tcp", n.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address %s: %w", n.cfg.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	health.RegisterHandlers(mux)
	n.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	n.serving.Go(func() error {
		if err := n.metricsServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	return nil
}

// announce publishes the hosted services. With static discovery they are
// only recorded locally.
func (n *Node) announce(ctx context.Context) error {
	var hosted []string
	if n.feeds != nil {
		hosted = append(hosted, federation.ServiceFeeds)
	}
	if n.users != nil {
		hosted = append(hosted, federation.ServiceUsers)
	}

	if n.cfg.Discovery.Static {
		for _, service := range hosted {
			n.discovery.Record(federation.ServiceDomain(service, n.cfg.Domain), n.uri)
		}
		return nil
	}

	if err := n.discovery.Start(ctx); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	for _, service := range hosted {
		n.discovery.Announce(n.cfg.Domain, service, n.uri)
	}
	return nil
}

// advertiseAddr picks the host:port peers should dial
func (n *Node) advertiseAddr(addr net.Addr) (string, error) {
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return "", fmt.Errorf("invalid listen address %s: %w", addr, err)
	}

	host := n.cfg.AdvertiseHost
	if host == "" {
		if tcp, ok := addr.(*net.TCPAddr); ok && !tcp.IP.IsUnspecified() {
			host = tcp.IP.String()
		} else if host, err = os.Hostname(); err != nil {
			return "", fmt.Errorf("failed to determine advertise host: %w", err)
		}
	}
	return net.JoinHostPort(host, port), nil
}

// Run starts the node and serves until ctx ends or a server fails
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case <-n.servingCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	stopErr := n.Stop(shutdownCtx)

	if err := n.serving.Wait(); err != nil {
		return err
	}
	return stopErr
}

// Stop stops announcing, drains in-flight requests and pending
// propagations and releases peer connections.
func (n *Node) Stop(ctx context.Context) error {
	n.ready.Store(false)

	var errs []error
	if err := n.discovery.Close(); err != nil {
		errs = append(errs, fmt.Errorf("discovery: %w", err))
	}

	if n.httpServer != nil {
		if err := n.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("rest server: %w", err))
		}
	}
	if n.rpcServer != nil {
		n.rpcServer.Stop(ctx)
	}
	if n.metricsServer != nil {
		if err := n.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}

	if n.feeds != nil {
		if err := n.feeds.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("propagation queue: %w", err))
		}
	}
	if err := n.factory.Close(); err != nil {
		errs = append(errs, fmt.Errorf("peer connections: %w", err))
	}

	n.logger.Info("Node stopped")
	return errors.Join(errs...)
}

// Ready reports whether the node is serving
func (n *Node) Ready() bool {
	return n.ready.Load()
}

// URI returns the advertised service URI, empty before Start
func (n *Node) URI() string {
	return n.uri
}

// Addr returns the bound listener address, nil before Start
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Discovery exposes the node's registry, for seeding peers
func (n *Node) Discovery() *discovery.Discovery {
	return n.discovery
}

// Metrics returns the node's metrics
func (n *Node) Metrics() *federation.Metrics {
	return n.metrics
}

// Registry returns the Prometheus registry the node's metrics live in
func (n *Node) Registry() *prometheus.Registry {
	return n.registry
}
