package feeds

import (
	"context"
	"fmt"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/federation"

	"go.uber.org/zap"
)

// Peers hands out the feeds and users services of any domain, local or
// remote. *federation.Resolver is the production implementation.
type Peers interface {
	Feeds(ctx context.Context, domain string) (api.Feeds, error)
	Users(ctx context.Context, domain string) (api.Users, error)
}

// Config holds the engine's settings
type Config struct {
	Domain             string
	ServerID           int
	Workers            int
	QueueSize          int
	PropagationTimeout time.Duration
}

// Service is the federation engine of one domain. It owns the domain's feed
// state, forwards reads of remote users to their home domain and propagates
// posts and subscriptions to peer domains.
type Service struct {
	domain     string
	store      Store
	ids        *IDGenerator
	peers      Peers
	dispatcher *Dispatcher
	logger     *zap.Logger
	metrics    *federation.Metrics
}

var _ api.Feeds = (*Service)(nil)

// NewService creates the engine and starts its propagation workers. A nil
// store selects a MemoryStore.
func NewService(cfg Config, store Store, peers Peers, logger *zap.Logger, metrics *federation.Metrics) (*Service, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if peers == nil {
		return nil, fmt.Errorf("peers are required")
	}
	ids, err := NewIDGenerator(cfg.ServerID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = federation.NopMetrics()
	}
	logger = logger.Named("feeds").With(zap.String("domain", cfg.Domain))
	if store == nil {
		store = NewMemoryStore(logger.Named("store"))
	}

	return &Service{
		domain:     cfg.Domain,
		store:      store,
		ids:        ids,
		peers:      peers,
		dispatcher: NewDispatcher(cfg.Workers, cfg.QueueSize, cfg.PropagationTimeout, logger, metrics),
		logger:     logger,
		metrics:    metrics,
	}, nil
}

// Domain returns the domain this engine serves
func (s *Service) Domain() string {
	return s.domain
}

// Close drains pending propagations
func (s *Service) Close(ctx context.Context) error {
	return s.dispatcher.Close(ctx)
}

func parseUser(user string) (*federation.UserAddress, error) {
	addr, err := federation.ParseUserAddress(user)
	if err != nil {
		return nil, &api.Error{Code: api.BadRequest, Message: err.Error()}
	}
	return addr, nil
}

func (s *Service) localUser(user string) (*federation.UserAddress, error) {
	addr, err := parseUser(user)
	if err != nil {
		return nil, err
	}
	if !addr.IsLocal(s.domain) {
		return nil, api.Errorf(api.BadRequest, "user %s is not hosted on %s", user, s.domain)
	}
	return addr, nil
}

func (s *Service) verifyPassword(ctx context.Context, addr *federation.UserAddress, pwd string) error {
	users, err := s.peers.Users(ctx, addr.Domain)
	if err != nil {
		return api.AsError(err)
	}
	if err := users.VerifyPassword(ctx, addr.Name, pwd); err != nil {
		return api.AsError(err)
	}
	return nil
}

func (s *Service) checkUser(ctx context.Context, addr *federation.UserAddress) error {
	users, err := s.peers.Users(ctx, addr.Domain)
	if err != nil {
		return api.AsError(err)
	}
	if err := users.CheckUser(ctx, addr.Name); err != nil {
		return api.AsError(err)
	}
	return nil
}

func (s *Service) remoteFeeds(ctx context.Context, domain string) (api.Feeds, error) {
	feeds, err := s.peers.Feeds(ctx, domain)
	if err != nil {
		return nil, api.AsError(err)
	}
	return feeds, nil
}

// PostMessage files msg in user's feed and in the feeds of every follower.
// Same-domain followers see it before this returns; remote domains receive
// it asynchronously, at most once.
func (s *Service) PostMessage(ctx context.Context, user, pwd string, msg api.Message) (int64, error) {
	addr, err := s.localUser(user)
	if err != nil {
		return 0, err
	}
	if msg.Text == "" {
		return 0, api.Errorf(api.BadRequest, "message text is empty")
	}
	if err := s.verifyPassword(ctx, addr, pwd); err != nil {
		return 0, err
	}

	msg.ID = s.ids.Next()
	msg.CreationTime = s.store.MessageTime()
	msg.User = addr.String()
	msg.Domain = s.domain

	fanout := s.store.Post(msg.User, msg)
	s.metrics.PostsTotal.Inc()

	for domain, followers := range fanout {
		s.propagateMsg(domain, api.Propagation{Msg: msg, Subs: followers})
	}

	s.logger.Debug("Message posted",
		zap.String("user", msg.User),
		zap.Int64("id", msg.ID),
		zap.Int("remote_domains", len(fanout)))
	return msg.ID, nil
}

func (s *Service) propagateMsg(domain string, p api.Propagation) {
	ok := s.dispatcher.Submit("msg", domain, func(ctx context.Context) error {
		feeds, err := s.remoteFeeds(ctx, domain)
		if err != nil {
			return err
		}
		return feeds.PropagateMsg(ctx, p)
	})
	if ok {
		s.metrics.PropagationsDispatched.WithLabelValues("msg").Inc()
	}
}

// RemoveFromPersonalFeed deletes one message from user's feed on this server.
// Copies already filed under followers are left alone. Users of other
// domains are authenticated like local ones and have no feed here.
func (s *Service) RemoveFromPersonalFeed(ctx context.Context, user string, mid int64, pwd string) error {
	addr, err := parseUser(user)
	if err != nil {
		return err
	}
	if err := s.verifyPassword(ctx, addr, pwd); err != nil {
		return err
	}
	if !s.store.Remove(addr.String(), mid) {
		return api.Errorf(api.NotFound, "message %d not in feed of %s", mid, user)
	}
	return nil
}

func (s *Service) GetMessage(ctx context.Context, user string, mid int64) (*api.Message, error) {
	addr, err := parseUser(user)
	if err != nil {
		return nil, err
	}

	if !addr.IsLocal(s.domain) {
		feeds, err := s.remoteFeeds(ctx, addr.Domain)
		if err != nil {
			return nil, err
		}
		return feeds.GetMessage(ctx, user, mid)
	}

	msg, err := s.store.Message(addr.String(), mid)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessages returns user's messages created after time, in no particular
// order.
func (s *Service) GetMessages(ctx context.Context, user string, time int64) ([]api.Message, error) {
	addr, err := parseUser(user)
	if err != nil {
		return nil, err
	}

	if !addr.IsLocal(s.domain) {
		feeds, err := s.remoteFeeds(ctx, addr.Domain)
		if err != nil {
			return nil, err
		}
		return feeds.GetMessages(ctx, user, time)
	}

	if err := s.checkUser(ctx, addr); err != nil {
		return nil, err
	}
	return s.store.MessagesSince(addr.String(), time), nil
}

// SubUser makes user follow userSub. A cross-domain follow also registers
// user as a follower on userSub's server and fails with CONFLICT if that
// server cannot be told; the local subscription is kept in that case.
func (s *Service) SubUser(ctx context.Context, user, userSub, pwd string) error {
	addr, subAddr, err := s.subscriptionPair(ctx, user, userSub, pwd)
	if err != nil {
		return err
	}

	s.store.Subscribe(addr.String(), subAddr.String())
	if subAddr.Domain == s.domain {
		return nil
	}

	err = s.propagateEdge(ctx, "sub", subAddr.Domain, func(feeds api.Feeds) error {
		return feeds.PropagateSub(ctx, addr.String(), subAddr.String())
	})
	if err != nil {
		return api.Errorf(api.Conflict, "subscribe %s to %s: %v", user, userSub, err)
	}
	return nil
}

// UnsubscribeUser mirrors SubUser. Unsubscribing from someone not followed
// succeeds.
func (s *Service) UnsubscribeUser(ctx context.Context, user, userSub, pwd string) error {
	addr, subAddr, err := s.subscriptionPair(ctx, user, userSub, pwd)
	if err != nil {
		return err
	}

	s.store.Unsubscribe(addr.String(), subAddr.String())
	if subAddr.Domain == s.domain {
		return nil
	}

	err = s.propagateEdge(ctx, "unsub", subAddr.Domain, func(feeds api.Feeds) error {
		return feeds.PropagateUnsub(ctx, addr.String(), subAddr.String())
	})
	if err != nil {
		return api.Errorf(api.Conflict, "unsubscribe %s from %s: %v", user, userSub, err)
	}
	return nil
}

// subscriptionPair validates both ends of a follow edge: userSub must exist
// and user must be local with a matching password.
func (s *Service) subscriptionPair(ctx context.Context, user, userSub, pwd string) (*federation.UserAddress, *federation.UserAddress, error) {
	addr, err := s.localUser(user)
	if err != nil {
		return nil, nil, err
	}
	subAddr, err := parseUser(userSub)
	if err != nil {
		return nil, nil, err
	}
	if addr.Equal(subAddr) {
		return nil, nil, api.Errorf(api.BadRequest, "%s cannot follow itself", user)
	}

	if err := s.checkUser(ctx, subAddr); err != nil {
		return nil, nil, err
	}
	if err := s.verifyPassword(ctx, addr, pwd); err != nil {
		return nil, nil, err
	}
	return addr, subAddr, nil
}

func (s *Service) propagateEdge(ctx context.Context, kind, domain string, call func(api.Feeds) error) error {
	s.metrics.PropagationsDispatched.WithLabelValues(kind).Inc()

	feeds, err := s.remoteFeeds(ctx, domain)
	if err == nil {
		err = call(feeds)
	}
	if err != nil {
		s.metrics.PropagationFailures.WithLabelValues(kind).Inc()
		s.logger.Warn("Subscription propagation failed",
			zap.String("kind", kind),
			zap.String("target", domain),
			zap.Error(err))
	}
	return err
}

func (s *Service) ListSubs(ctx context.Context, user string) ([]string, error) {
	addr, err := parseUser(user)
	if err != nil {
		return nil, err
	}

	if !addr.IsLocal(s.domain) {
		feeds, err := s.remoteFeeds(ctx, addr.Domain)
		if err != nil {
			return nil, err
		}
		return feeds.ListSubs(ctx, user)
	}

	if err := s.checkUser(ctx, addr); err != nil {
		return nil, err
	}
	return s.store.Subscriptions(addr.String()), nil
}

// DeleteUserFeed drops everything this server holds about user. It checks
// nothing and succeeds when there is nothing to delete. Servers hosting
// users that user followed are told to forget it in the background;
// subscriptions held by remote followers of user are not retracted.
func (s *Service) DeleteUserFeed(ctx context.Context, user string) error {
	addr, err := parseUser(user)
	if err != nil {
		return err
	}

	orphans := s.store.DeleteUser(addr.String())
	s.metrics.FeedsDeleted.Inc()

	for domain, followed := range orphans.Subscriptions {
		domain, followed := domain, followed
		ok := s.dispatcher.Submit("unsub", domain, func(ctx context.Context) error {
			feeds, err := s.remoteFeeds(ctx, domain)
			if err != nil {
				return err
			}
			for _, userSub := range followed {
				if err := feeds.PropagateUnsub(ctx, addr.String(), userSub); err != nil {
					return err
				}
			}
			return nil
		})
		if ok {
			s.metrics.PropagationsDispatched.WithLabelValues("unsub").Inc()
		}
	}

	s.logger.Info("User feed deleted",
		zap.String("user", addr.String()),
		zap.Int("remote_subscriptions", len(orphans.Subscriptions)),
		zap.Int("remote_follower_domains", len(orphans.Followers)))
	return nil
}

// PropagateMsg files a message sent by a peer domain under the listed local
// recipients. Recipients hosted elsewhere are ignored.
func (s *Service) PropagateMsg(ctx context.Context, p api.Propagation) error {
	recipients := make([]string, 0, len(p.Subs))
	for _, sub := range p.Subs {
		if federation.DomainOf(sub) == s.domain {
			recipients = append(recipients, sub)
		} else {
			s.logger.Debug("Ignoring foreign recipient", zap.String("user", sub))
		}
	}

	n := s.store.Deliver(recipients, p.Msg)
	s.metrics.MessagesDelivered.Add(float64(n))
	return nil
}

// PropagateSub records that remote user now follows local userSub
func (s *Service) PropagateSub(ctx context.Context, user, userSub string) error {
	s.store.AddFollower(userSub, user)
	return nil
}

// PropagateUnsub records that remote user stopped following local userSub
func (s *Service) PropagateUnsub(ctx context.Context, user, userSub string) error {
	s.store.RemoveFollower(userSub, user)
	return nil
}
