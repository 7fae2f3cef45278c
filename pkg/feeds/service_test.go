package feeds

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/federation"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUsers is a minimal accounts service: name -> password
type fakeUsers struct {
	api.Users
	mu    sync.Mutex
	users map[string]string
}

func newFakeUsers(accounts map[string]string) *fakeUsers {
	return &fakeUsers{users: accounts}
}

func (u *fakeUsers) VerifyPassword(ctx context.Context, name, pwd string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	stored, ok := u.users[name]
	if !ok {
		return api.Errorf(api.NotFound, "no user %s", name)
	}
	if stored != pwd {
		return api.Errorf(api.Forbidden, "wrong password")
	}
	return nil
}

func (u *fakeUsers) CheckUser(ctx context.Context, name string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.users[name]; !ok {
		return api.Errorf(api.NotFound, "no user %s", name)
	}
	return nil
}

// network routes domains to in-process services, standing in for discovery
// plus transport.
type network struct {
	mu    sync.Mutex
	feeds map[string]api.Feeds
	users map[string]api.Users
	down  map[string]bool
}

func newNetwork() *network {
	return &network{
		feeds: make(map[string]api.Feeds),
		users: make(map[string]api.Users),
		down:  make(map[string]bool),
	}
}

func (n *network) Feeds(ctx context.Context, domain string) (api.Feeds, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.down[domain] {
		return nil, api.Errorf(api.Timeout, "%s unreachable", domain)
	}
	f, ok := n.feeds[domain]
	if !ok {
		return nil, api.Errorf(api.Timeout, "no feeds service for %s", domain)
	}
	return f, nil
}

func (n *network) Users(ctx context.Context, domain string) (api.Users, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	u, ok := n.users[domain]
	if !ok {
		return nil, api.Errorf(api.Timeout, "no users service for %s", domain)
	}
	return u, nil
}

func (n *network) setDown(domain string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[domain] = down
}

func (n *network) addDomain(t *testing.T, domain string, serverID int, accounts map[string]string) *Service {
	t.Helper()
	svc, err := NewService(Config{Domain: domain, ServerID: serverID, Workers: 2, PropagationTimeout: time.Second}, nil, n, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close(context.Background()) })

	n.mu.Lock()
	n.feeds[domain] = svc
	n.users[domain] = newFakeUsers(accounts)
	n.mu.Unlock()
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(Config{ServerID: 1}, nil, newNetwork(), nil, nil)
	assert.Error(t, err)

	_, err = NewService(Config{Domain: "d1", ServerID: IDStride}, nil, newNetwork(), nil, nil)
	assert.Error(t, err)

	_, err = NewService(Config{Domain: "d1"}, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestPostMessage_Validation(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw"})
	ctx := context.Background()

	tests := []struct {
		name string
		user string
		pwd  string
		text string
		code api.ErrorCode
	}{
		{"malformed user", "alice", "pw", "hi", api.BadRequest},
		{"remote user", "bob@d2", "pw", "hi", api.BadRequest},
		{"empty text", "alice@d1", "pw", "", api.BadRequest},
		{"wrong password", "alice@d1", "nope", "hi", api.Forbidden},
		{"unknown user", "zed@d1", "pw", "hi", api.NotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PostMessage(ctx, tt.user, tt.pwd, api.Message{Text: tt.text})
			assert.Equal(t, tt.code, api.CodeOf(err))
		})
	}
}

func TestPostMessage_StampsAndStores(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 5, map[string]string{"alice": "pw"})
	ctx := context.Background()

	id, err := svc.PostMessage(ctx, "alice@d1", "pw", api.Message{Text: "hello", User: "spoofed@d9"})
	require.NoError(t, err)
	assert.Equal(t, 5, ServerOf(id))

	got, err := svc.GetMessage(ctx, "alice@d1", id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "alice@d1", got.User)
	assert.Equal(t, "d1", got.Domain)
	assert.Equal(t, "hello", got.Text)
	assert.NotZero(t, got.CreationTime)
}

func TestPostMessage_UniqueIDs(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw"})
	ctx := context.Background()

	seen := make(map[int64]bool)
	for i := 0; i < 200; i++ {
		id, err := svc.PostMessage(ctx, "alice@d1", "pw", api.Message{Text: "x"})
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}
}

func TestPostVisibleToLocalFollowerImmediately(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw", "carol": "pw"})
	ctx := context.Background()

	require.NoError(t, svc.SubUser(ctx, "carol@d1", "alice@d1", "pw"))

	id, err := svc.PostMessage(ctx, "alice@d1", "pw", api.Message{Text: "m"})
	require.NoError(t, err)

	got, err := svc.GetMessage(ctx, "carol@d1", id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "m", got.Text)
}

func TestSubUser_SameDomainSymmetry(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"a": "pw", "b": "pw"})
	ctx := context.Background()

	require.NoError(t, svc.SubUser(ctx, "a@d1", "b@d1", "pw"))

	subs, err := svc.ListSubs(ctx, "a@d1")
	require.NoError(t, err)
	assert.Contains(t, subs, "b@d1")
	assert.Contains(t, svc.store.Followers("b@d1"), "a@d1")
}

func TestSubUser_Errors(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"a": "pw", "b": "pw"})
	ctx := context.Background()

	assert.Equal(t, api.NotFound, api.CodeOf(svc.SubUser(ctx, "a@d1", "ghost@d1", "pw")))
	assert.Equal(t, api.Forbidden, api.CodeOf(svc.SubUser(ctx, "a@d1", "b@d1", "bad")))
	assert.Equal(t, api.BadRequest, api.CodeOf(svc.SubUser(ctx, "a@d2", "b@d1", "pw")))
	assert.Equal(t, api.BadRequest, api.CodeOf(svc.SubUser(ctx, "a@d1", "a@d1", "pw")))
	assert.Equal(t, api.BadRequest, api.CodeOf(svc.SubUser(ctx, "a@d1", "b", "pw")))
}

func TestUnsubscribeUser_Idempotent(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"a": "pw", "b": "pw"})
	ctx := context.Background()

	require.NoError(t, svc.SubUser(ctx, "a@d1", "b@d1", "pw"))
	require.NoError(t, svc.UnsubscribeUser(ctx, "a@d1", "b@d1", "pw"))
	require.NoError(t, svc.UnsubscribeUser(ctx, "a@d1", "b@d1", "pw"))

	subs, err := svc.ListSubs(ctx, "a@d1")
	require.NoError(t, err)
	assert.NotContains(t, subs, "b@d1")
	assert.Empty(t, svc.store.Followers("b@d1"))
}

func TestRemoveFromPersonalFeed(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"a": "pw", "b": "pw"})
	ctx := context.Background()

	require.NoError(t, svc.SubUser(ctx, "b@d1", "a@d1", "pw"))
	id, err := svc.PostMessage(ctx, "a@d1", "pw", api.Message{Text: "oops"})
	require.NoError(t, err)

	assert.Equal(t, api.Forbidden, api.CodeOf(svc.RemoveFromPersonalFeed(ctx, "a@d1", id, "bad")))
	require.NoError(t, svc.RemoveFromPersonalFeed(ctx, "a@d1", id, "pw"))
	assert.Equal(t, api.NotFound, api.CodeOf(svc.RemoveFromPersonalFeed(ctx, "a@d1", id, "pw")))

	_, err = svc.GetMessage(ctx, "a@d1", id)
	assert.ErrorIs(t, err, api.ErrNotFound)

	// Follower's copy is untouched
	_, err = svc.GetMessage(ctx, "b@d1", id)
	assert.NoError(t, err)
}

func TestRemoveFromPersonalFeed_RemoteUser(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw"})
	n.addDomain(t, "d2", 2, map[string]string{"bob": "pw"})
	ctx := context.Background()

	assert.Equal(t, api.Forbidden, api.CodeOf(a.RemoveFromPersonalFeed(ctx, "bob@d2", 1026, "bad")))
	assert.Equal(t, api.NotFound, api.CodeOf(a.RemoveFromPersonalFeed(ctx, "bob@d2", 1026, "pw")))
	assert.Equal(t, api.BadRequest, api.CodeOf(a.RemoveFromPersonalFeed(ctx, "bob", 1026, "pw")))
}

func TestGetMessages(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"a": "pw"})
	ctx := context.Background()

	first, err := svc.PostMessage(ctx, "a@d1", "pw", api.Message{Text: "one"})
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, "a@d1", "pw", api.Message{Text: "two"})
	require.NoError(t, err)

	all, err := svc.GetMessages(ctx, "a@d1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	m, err := svc.GetMessage(ctx, "a@d1", first)
	require.NoError(t, err)
	later, err := svc.GetMessages(ctx, "a@d1", m.CreationTime)
	require.NoError(t, err)
	require.Len(t, later, 1)
	assert.Equal(t, "two", later[0].Text)

	_, err = svc.GetMessages(ctx, "ghost@d1", 0)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestDeleteUserFeed_CleansSameDomainEdges(t *testing.T) {
	n := newNetwork()
	svc := n.addDomain(t, "d1", 1, map[string]string{"a": "pw", "b": "pw", "c": "pw"})
	ctx := context.Background()

	require.NoError(t, svc.SubUser(ctx, "a@d1", "b@d1", "pw"))
	require.NoError(t, svc.SubUser(ctx, "c@d1", "a@d1", "pw"))
	_, err := svc.PostMessage(ctx, "a@d1", "pw", api.Message{Text: "bye"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteUserFeed(ctx, "a@d1"))
	require.NoError(t, svc.DeleteUserFeed(ctx, "a@d1"))

	assert.Empty(t, svc.store.MessagesSince("a@d1", 0))
	assert.NotContains(t, svc.store.Followers("b@d1"), "a@d1")
	assert.NotContains(t, svc.store.Subscriptions("c@d1"), "a@d1")
	assert.Empty(t, svc.store.Subscriptions("a@d1"))
	assert.Empty(t, svc.store.Followers("a@d1"))

	assert.Equal(t, api.BadRequest, api.CodeOf(svc.DeleteUserFeed(ctx, "not-an-address")))
}

func TestCrossDomainScenario(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw"})
	b := n.addDomain(t, "d2", 2, map[string]string{"bob": "pw", "dan": "pw"})
	ctx := context.Background()

	require.NoError(t, b.SubUser(ctx, "dan@d2", "bob@d2", "pw"))
	require.NoError(t, a.SubUser(ctx, "alice@d1", "bob@d2", "pw"))

	assert.Contains(t, b.store.Followers("bob@d2"), "alice@d1")
	subs, err := a.ListSubs(ctx, "alice@d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@d2"}, subs)

	id, err := b.PostMessage(ctx, "bob@d2", "pw", api.Message{Text: "hi"})
	require.NoError(t, err)

	// Same-domain follower sees it synchronously
	_, err = b.GetMessage(ctx, "dan@d2", id)
	require.NoError(t, err)

	// Remote follower eventually
	require.Eventually(t, func() bool {
		msgs, err := a.GetMessages(ctx, "alice@d1", 0)
		return err == nil && len(msgs) == 1 && msgs[0].Text == "hi" && msgs[0].ID == id
	}, 2*time.Second, 10*time.Millisecond)

	// Reads of remote users are forwarded to their home domain
	fwd, err := a.GetMessage(ctx, "bob@d2", id)
	require.NoError(t, err)
	assert.Equal(t, "hi", fwd.Text)
	remoteSubs, err := b.ListSubs(ctx, "alice@d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@d2"}, remoteSubs)

	require.NoError(t, a.UnsubscribeUser(ctx, "alice@d1", "bob@d2", "pw"))
	assert.NotContains(t, b.store.Followers("bob@d2"), "alice@d1")
}

func TestFollowerOfTwoDomainsKeepsBothPosts(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw", "carol": "pw"})
	b := n.addDomain(t, "d2", 2, map[string]string{"bob": "pw"})
	ctx := context.Background()

	require.NoError(t, a.SubUser(ctx, "alice@d1", "carol@d1", "pw"))
	require.NoError(t, a.SubUser(ctx, "alice@d1", "bob@d2", "pw"))

	carolID, err := a.PostMessage(ctx, "carol@d1", "pw", api.Message{Text: "from carol"})
	require.NoError(t, err)
	bobID, err := b.PostMessage(ctx, "bob@d2", "pw", api.Message{Text: "from bob"})
	require.NoError(t, err)
	assert.NotEqual(t, carolID, bobID)

	require.Eventually(t, func() bool {
		msgs, err := a.GetMessages(ctx, "alice@d1", 0)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFollowerKeepsLocalPostOnIDCollision(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 0, map[string]string{"alice": "pw", "carol": "pw"})
	b := n.addDomain(t, "d2", 0, map[string]string{"bob": "pw"})
	ctx := context.Background()

	require.NoError(t, a.SubUser(ctx, "alice@d1", "carol@d1", "pw"))
	require.NoError(t, a.SubUser(ctx, "alice@d1", "bob@d2", "pw"))

	carolID, err := a.PostMessage(ctx, "carol@d1", "pw", api.Message{Text: "from carol"})
	require.NoError(t, err)
	bobID, err := b.PostMessage(ctx, "bob@d2", "pw", api.Message{Text: "from bob"})
	require.NoError(t, err)
	require.Equal(t, carolID, bobID)

	require.NoError(t, b.Close(ctx))

	got, err := a.GetMessage(ctx, "alice@d1", carolID)
	require.NoError(t, err)
	assert.Equal(t, "carol@d1", got.User)
	assert.Equal(t, "from carol", got.Text)
}

func TestUnsubscribeUser_CrossDomainIdempotent(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw"})
	b := n.addDomain(t, "d2", 2, map[string]string{"bob": "pw"})
	ctx := context.Background()

	require.NoError(t, a.SubUser(ctx, "alice@d1", "bob@d2", "pw"))
	require.Contains(t, b.store.Followers("bob@d2"), "alice@d1")

	require.NoError(t, a.UnsubscribeUser(ctx, "alice@d1", "bob@d2", "pw"))
	require.NoError(t, a.UnsubscribeUser(ctx, "alice@d1", "bob@d2", "pw"))

	subs, err := a.ListSubs(ctx, "alice@d1")
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.NotContains(t, b.store.Followers("bob@d2"), "alice@d1")
}

func TestCrossDomainSubscribeFailureIsConflict(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw"})
	n.addDomain(t, "d2", 2, map[string]string{"bob": "pw"})
	ctx := context.Background()

	n.setDown("d2", true)
	err := a.SubUser(ctx, "alice@d1", "bob@d2", "pw")
	assert.ErrorIs(t, err, api.ErrConflict)

	// Local half-edge stays
	assert.Contains(t, a.store.Subscriptions("alice@d1"), "bob@d2")
	assert.Equal(t, float64(1), testutil.ToFloat64(a.metrics.PropagationFailures.WithLabelValues("sub")))
}

func TestPostSucceedsWhenPeerDown(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw"})
	b := n.addDomain(t, "d2", 2, map[string]string{"bob": "pw"})
	ctx := context.Background()

	require.NoError(t, a.SubUser(ctx, "alice@d1", "bob@d2", "pw"))
	n.setDown("d1", true)

	_, err := b.PostMessage(ctx, "bob@d2", "pw", api.Message{Text: "lost"})
	require.NoError(t, err)

	require.NoError(t, b.Close(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(b.metrics.PropagationFailures.WithLabelValues("msg")))
}

func TestDeleteUserFeed_UnwindsRemoteSubscriptions(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, map[string]string{"alice": "pw"})
	b := n.addDomain(t, "d2", 2, map[string]string{"bob": "pw"})
	ctx := context.Background()

	require.NoError(t, a.SubUser(ctx, "alice@d1", "bob@d2", "pw"))
	require.Contains(t, b.store.Followers("bob@d2"), "alice@d1")

	require.NoError(t, a.DeleteUserFeed(ctx, "alice@d1"))
	require.Eventually(t, func() bool {
		return len(b.store.Followers("bob@d2")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPropagateMsgIgnoresForeignRecipients(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, nil)
	ctx := context.Background()

	m := api.Message{ID: 2050, User: "bob@d2", Domain: "d2", CreationTime: 1, Text: "x"}
	require.NoError(t, a.PropagateMsg(ctx, api.Propagation{Msg: m, Subs: []string{"alice@d1", "eve@d3"}}))

	_, err := a.store.Message("alice@d1", 2050)
	assert.NoError(t, err)
	_, err = a.store.Message("eve@d3", 2050)
	assert.True(t, errors.Is(err, api.ErrNotFound))
}

func TestPeerResolutionFailureSurfaces(t *testing.T) {
	n := newNetwork()
	a := n.addDomain(t, "d1", 1, nil)

	_, err := a.GetMessages(context.Background(), "x@nowhere", 0)
	assert.ErrorIs(t, err, api.ErrTimeout)
}

var _ Peers = (*federation.Resolver)(nil)
