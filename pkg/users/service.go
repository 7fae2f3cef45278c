// Package users implements the in-memory account service of one domain.
package users

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"fedfeeds/pkg/api"

	"go.uber.org/zap"
)

// NotifyTimeout bounds the feed cleanup call made when an account is deleted
const NotifyTimeout = 10 * time.Second

// FeedsLocator finds the feeds service of a domain
type FeedsLocator interface {
	Feeds(ctx context.Context, domain string) (api.Feeds, error)
}

// Service stores the accounts of a single domain keyed by bare name
type Service struct {
	domain string
	feeds  FeedsLocator
	logger *zap.Logger

	mu    sync.RWMutex
	users map[string]api.User
}

var _ api.Users = (*Service)(nil)

// NewService creates an empty account store for domain. feeds may be nil, in
// which case deletions are not announced to the feeds service.
func NewService(domain string, feeds FeedsLocator, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		domain: domain,
		feeds:  feeds,
		logger: logger.Named("users").With(zap.String("domain", domain)),
		users:  make(map[string]api.User),
	}
}

func (s *Service) CreateUser(ctx context.Context, user api.User) (string, error) {
	if user.Name == "" || user.Pwd == "" || user.DisplayName == "" || user.Domain == "" {
		return "", api.Errorf(api.BadRequest, "name, pwd, displayName and domain are required")
	}
	if strings.Contains(user.Name, "@") {
		return "", api.Errorf(api.BadRequest, "name %q must not contain @", user.Name)
	}
	if user.Domain != s.domain {
		return "", api.Errorf(api.BadRequest, "domain %s is not served here", user.Domain)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Name]; exists {
		return "", api.Errorf(api.Conflict, "user %s already exists", user.Name)
	}
	s.users[user.Name] = user

	s.logger.Info("User created", zap.String("user", user.Address()))
	return user.Address(), nil
}

// authenticate must be called with s.mu held
func (s *Service) authenticate(name, pwd string) (api.User, error) {
	if name == "" || pwd == "" {
		return api.User{}, api.Errorf(api.BadRequest, "name and pwd are required")
	}
	user, ok := s.users[name]
	if !ok {
		return api.User{}, api.Errorf(api.NotFound, "user %s not found", name)
	}
	if user.Pwd != pwd {
		return api.User{}, api.Errorf(api.Forbidden, "wrong password for %s", name)
	}
	return user, nil
}

func (s *Service) GetUser(ctx context.Context, name, pwd string) (*api.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, err := s.authenticate(name, pwd)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser changes the display name and password. Name and domain are
// immutable; empty fields keep their value.
func (s *Service) UpdateUser(ctx context.Context, name, pwd string, update api.User) (*api.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.authenticate(name, pwd)
	if err != nil {
		return nil, err
	}
	if update.Name != "" && update.Name != name {
		return nil, api.Errorf(api.BadRequest, "name cannot change")
	}
	if update.Domain != "" && update.Domain != s.domain {
		return nil, api.Errorf(api.BadRequest, "domain cannot change")
	}

	if update.DisplayName != "" {
		user.DisplayName = update.DisplayName
	}
	if update.Pwd != "" {
		user.Pwd = update.Pwd
	}
	s.users[name] = user
	return &user, nil
}

// DeleteUser removes the account, then asks the domain's feeds service to
// drop the user's feed. A failed notification is logged; the account stays
// deleted.
func (s *Service) DeleteUser(ctx context.Context, name, pwd string) (*api.User, error) {
	s.mu.Lock()
	user, err := s.authenticate(name, pwd)
	if err == nil {
		delete(s.users, name)
	}
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("User deleted", zap.String("user", user.Address()))
	s.notifyFeeds(ctx, user.Address())
	return &user, nil
}

func (s *Service) notifyFeeds(ctx context.Context, address string) {
	if s.feeds == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, NotifyTimeout)
	defer cancel()

	feeds, err := s.feeds.Feeds(ctx, s.domain)
	if err == nil {
		err = feeds.DeleteUserFeed(ctx, address)
	}
	if err != nil {
		s.logger.Warn("Failed to delete feed of removed user",
			zap.String("user", address),
			zap.Error(err))
	}
}

// SearchUsers returns accounts whose name contains pattern, ignoring case.
// An empty pattern matches everyone. Passwords are blanked.
func (s *Service) SearchUsers(ctx context.Context, pattern string) ([]api.User, error) {
	pattern = strings.ToUpper(pattern)

	s.mu.RLock()
	result := make([]api.User, 0)
	for _, user := range s.users {
		if strings.Contains(strings.ToUpper(user.Name), pattern) {
			user.Pwd = ""
			result = append(result, user)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Service) VerifyPassword(ctx context.Context, name, pwd string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := s.authenticate(name, pwd)
	return err
}

func (s *Service) CheckUser(ctx context.Context, name string) error {
	if name == "" {
		return api.Errorf(api.BadRequest, "name is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[name]; !ok {
		return api.Errorf(api.NotFound, "user %s not found", name)
	}
	return nil
}
