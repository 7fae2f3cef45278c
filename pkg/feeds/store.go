package feeds

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/federation"

	"go.uber.org/zap"
)

// RemoteFanout lists, per remote domain, the followers a new post must be
// propagated to.
type RemoteFanout map[string][]string

// Orphans are the cross-domain edges dropped when a user's feed is deleted,
// keyed by the remote domain holding the other end.
type Orphans struct {
	Subscriptions map[string][]string // users the deleted user followed
	Followers     map[string][]string // users that followed the deleted user
}

// Store holds feeds and subscription edges. Every method is atomic with
// respect to the others.
type Store interface {
	// Post files msg under author and every same-domain follower of author,
	// returning the cross-domain followers still to be reached.
	Post(author string, msg api.Message) RemoteFanout
	// Deliver files a copy of msg under each recipient and returns how many
	// copies were stored. A slot already holding a different message with
	// the same id is left untouched.
	Deliver(recipients []string, msg api.Message) int
	Remove(user string, id int64) bool
	Message(user string, id int64) (api.Message, error)
	MessagesSince(user string, since int64) []api.Message

	Subscribe(user, userSub string)
	Unsubscribe(user, userSub string)
	AddFollower(userSub, user string)
	RemoveFollower(userSub, user string)
	Subscriptions(user string) []string
	Followers(user string) []string

	DeleteUser(user string) Orphans

	// MessageTime returns a creation time in unix millis, strictly greater
	// than any it returned before.
	MessageTime() int64
}

type set map[string]struct{}

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// edges is a user -> set(peer) relation
type edges map[string]set

func (e edges) add(user, peer string) {
	if e[user] == nil {
		e[user] = make(set)
	}
	e[user][peer] = struct{}{}
}

func (e edges) remove(user, peer string) {
	if peers, ok := e[user]; ok {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(e, user)
		}
	}
}

// domainEdges is a user -> domain -> set(peer) relation
type domainEdges map[string]map[string]set

func (e domainEdges) add(user, domain, peer string) {
	byDomain := e[user]
	if byDomain == nil {
		byDomain = make(map[string]set)
		e[user] = byDomain
	}
	if byDomain[domain] == nil {
		byDomain[domain] = make(set)
	}
	byDomain[domain][peer] = struct{}{}
}

func (e domainEdges) remove(user, domain, peer string) {
	byDomain, ok := e[user]
	if !ok {
		return
	}
	if peers, ok := byDomain[domain]; ok {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(byDomain, domain)
		}
	}
	if len(byDomain) == 0 {
		delete(e, user)
	}
}

func (e domainEdges) snapshot(user string) map[string][]string {
	byDomain := e[user]
	if len(byDomain) == 0 {
		return nil
	}
	out := make(map[string][]string, len(byDomain))
	for domain, peers := range byDomain {
		out[domain] = peers.sorted()
	}
	return out
}

// MemoryStore keeps everything in maps guarded by one lock
type MemoryStore struct {
	mu     sync.RWMutex
	logger *zap.Logger

	feeds map[string]map[int64]api.Message

	subscriptions       edges       // user -> same-domain users it follows
	remoteSubscriptions domainEdges // user -> domain -> users it follows there
	followers           edges       // user -> same-domain followers
	remoteFollowers     domainEdges // user -> domain -> followers there

	lastTime atomic.Int64
}

// NewMemoryStore creates an empty store. logger may be nil.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:              logger,
		feeds:               make(map[string]map[int64]api.Message),
		subscriptions:       make(edges),
		remoteSubscriptions: make(domainEdges),
		followers:           make(edges),
		remoteFollowers:     make(domainEdges),
	}
}

// file stores msg under user. Refiling the same post is a no-op; a different
// post carrying an id already in the feed is refused and logged.
func (s *MemoryStore) file(user string, msg api.Message) bool {
	feed := s.feeds[user]
	if feed == nil {
		feed = make(map[int64]api.Message)
		s.feeds[user] = feed
	}
	if existing, ok := feed[msg.ID]; ok &&
		(existing.User != msg.User || existing.CreationTime != msg.CreationTime) {
		s.logger.Warn("Message id collision, keeping the stored message",
			zap.String("feed", user),
			zap.Int64("id", msg.ID),
			zap.String("stored_author", existing.User),
			zap.String("incoming_author", msg.User))
		return false
	}
	feed[msg.ID] = msg
	return true
}

func (s *MemoryStore) Post(author string, msg api.Message) RemoteFanout {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.file(author, msg)
	for follower := range s.followers[author] {
		s.file(follower, msg)
	}
	return RemoteFanout(s.remoteFollowers.snapshot(author))
}

func (s *MemoryStore) Deliver(recipients []string, msg api.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	filed := 0
	for _, user := range recipients {
		if s.file(user, msg) {
			filed++
		}
	}
	return filed
}

func (s *MemoryStore) Remove(user string, id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	feed, ok := s.feeds[user]
	if !ok {
		return false
	}
	if _, ok := feed[id]; !ok {
		return false
	}
	delete(feed, id)
	return true
}

func (s *MemoryStore) Message(user string, id int64) (api.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	feed, ok := s.feeds[user]
	if !ok {
		return api.Message{}, api.Errorf(api.NotFound, "no feed for %s", user)
	}
	msg, ok := feed[id]
	if !ok {
		return api.Message{}, api.Errorf(api.NotFound, "message %d not in feed of %s", id, user)
	}
	return msg, nil
}

func (s *MemoryStore) MessagesSince(user string, since int64) []api.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]api.Message, 0, len(s.feeds[user]))
	for _, msg := range s.feeds[user] {
		if msg.CreationTime > since {
			out = append(out, msg)
		}
	}
	return out
}

// Subscribe records that user follows userSub. A same-domain pair gets both
// directions; a cross-domain pair only the subscriber side, the other side
// living on userSub's server.
func (s *MemoryStore) Subscribe(user, userSub string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if federation.SameDomain(user, userSub) {
		s.subscriptions.add(user, userSub)
		s.followers.add(userSub, user)
		return
	}
	s.remoteSubscriptions.add(user, federation.DomainOf(userSub), userSub)
}

func (s *MemoryStore) Unsubscribe(user, userSub string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if federation.SameDomain(user, userSub) {
		s.subscriptions.remove(user, userSub)
		s.followers.remove(userSub, user)
		return
	}
	s.remoteSubscriptions.remove(user, federation.DomainOf(userSub), userSub)
}

// AddFollower records the follower side of a subscription made on user's
// server.
func (s *MemoryStore) AddFollower(userSub, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if federation.SameDomain(user, userSub) {
		s.followers.add(userSub, user)
		return
	}
	s.remoteFollowers.add(userSub, federation.DomainOf(user), user)
}

func (s *MemoryStore) RemoveFollower(userSub, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if federation.SameDomain(user, userSub) {
		s.followers.remove(userSub, user)
		return
	}
	s.remoteFollowers.remove(userSub, federation.DomainOf(user), user)
}

func union(local set, remote map[string]set) []string {
	all := make(set, len(local))
	for peer := range local {
		all[peer] = struct{}{}
	}
	for _, peers := range remote {
		for peer := range peers {
			all[peer] = struct{}{}
		}
	}
	return all.sorted()
}

func (s *MemoryStore) Subscriptions(user string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return union(s.subscriptions[user], s.remoteSubscriptions[user])
}

func (s *MemoryStore) Followers(user string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return union(s.followers[user], s.remoteFollowers[user])
}

// DeleteUser drops user's feed and every same-domain edge touching it in
// either direction. Cross-domain edges are dropped locally and returned.
func (s *MemoryStore) DeleteUser(user string) Orphans {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.feeds, user)

	for followed := range s.subscriptions[user] {
		s.followers.remove(followed, user)
	}
	delete(s.subscriptions, user)

	for follower := range s.followers[user] {
		s.subscriptions.remove(follower, user)
	}
	delete(s.followers, user)

	orphans := Orphans{
		Subscriptions: s.remoteSubscriptions.snapshot(user),
		Followers:     s.remoteFollowers.snapshot(user),
	}
	delete(s.remoteSubscriptions, user)
	delete(s.remoteFollowers, user)
	return orphans
}

func (s *MemoryStore) MessageTime() int64 {
	for {
		last := s.lastTime.Load()
		now := time.Now().UnixMilli()
		if now <= last {
			now = last + 1
		}
		if s.lastTime.CompareAndSwap(last, now) {
			return now
		}
	}
}
