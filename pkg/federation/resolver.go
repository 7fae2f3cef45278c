package federation

import (
	"context"
	"sync"

	"fedfeeds/pkg/api"

	"go.uber.org/zap"
)

// Service kinds announced over discovery
const (
	ServiceFeeds = "feeds"
	ServiceUsers = "users"
)

// ServiceDomain returns the discovery key of a service: kind.domain
func ServiceDomain(kind, domain string) string {
	return kind + "." + domain
}

// URIFinder looks up announced service URIs, blocking until at least
// minReplies are known or ctx ends.
type URIFinder interface {
	KnownURIsOf(ctx context.Context, serviceDomain string, minReplies int) ([]string, error)
}

// ClientFactory turns an advertised URI into a callable handle
type ClientFactory interface {
	Feeds(uri string) (api.Feeds, error)
	Users(uri string) (api.Users, error)
}

// Resolver maps a domain and service kind to a live handle. It trusts the
// finder's blocking contract and adds no timeout of its own; callers bound
// the wait through ctx.
type Resolver struct {
	finder  URIFinder
	factory ClientFactory
	logger  *zap.Logger

	mu         sync.RWMutex
	localFeeds map[string]api.Feeds
	localUsers map[string]api.Users
	feeds      map[string]api.Feeds // uri -> client
	users      map[string]api.Users // uri -> client
}

// NewResolver creates a resolver
func NewResolver(finder URIFinder, factory ClientFactory, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Resolver{
		finder:     finder,
		factory:    factory,
		logger:     logger,
		localFeeds: make(map[string]api.Feeds),
		localUsers: make(map[string]api.Users),
		feeds:      make(map[string]api.Feeds),
		users:      make(map[string]api.Users),
	}
}

// RegisterLocalFeeds makes Feeds(domain) return svc without discovery
func (r *Resolver) RegisterLocalFeeds(domain string, svc api.Feeds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localFeeds[domain] = svc
}

// RegisterLocalUsers makes Users(domain) return svc without discovery
func (r *Resolver) RegisterLocalUsers(domain string, svc api.Users) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localUsers[domain] = svc
}

// Resolve returns the first known address of the kind service of domain
func (r *Resolver) Resolve(ctx context.Context, domain, kind string) (string, error) {
	key := ServiceDomain(kind, domain)
	uris, err := r.finder.KnownURIsOf(ctx, key, 1)
	if err != nil {
		return "", api.Errorf(api.Timeout, "discover %s: %v", key, err)
	}
	if len(uris) == 0 {
		return "", api.Errorf(api.InternalError, "discover %s: no uris", key)
	}
	return uris[0], nil
}

// Feeds returns a handle on the feeds service of domain
func (r *Resolver) Feeds(ctx context.Context, domain string) (api.Feeds, error) {
	r.mu.RLock()
	local, ok := r.localFeeds[domain]
	r.mu.RUnlock()
	if ok {
		return local, nil
	}

	uri, err := r.Resolve(ctx, domain, ServiceFeeds)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.feeds[uri]; ok {
		return client, nil
	}
	client, err := r.factory.Feeds(uri)
	if err != nil {
		return nil, api.Errorf(api.InternalError, "feeds client for %s: %v", uri, err)
	}
	r.feeds[uri] = client
	r.logger.Debug("Resolved feeds service", zap.String("domain", domain), zap.String("uri", uri))
	return client, nil
}

// Users returns a handle on the users service of domain
func (r *Resolver) Users(ctx context.Context, domain string) (api.Users, error) {
	r.mu.RLock()
	local, ok := r.localUsers[domain]
	r.mu.RUnlock()
	if ok {
		return local, nil
	}

	uri, err := r.Resolve(ctx, domain, ServiceUsers)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.users[uri]; ok {
		return client, nil
	}
	client, err := r.factory.Users(uri)
	if err != nil {
		return nil, api.Errorf(api.InternalError, "users client for %s: %v", uri, err)
	}
	r.users[uri] = client
	r.logger.Debug("Resolved users service", zap.String("domain", domain), zap.String("uri", uri))
	return client, nil
}
