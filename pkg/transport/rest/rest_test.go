package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/federation"
	"fedfeeds/pkg/feeds"
	"fedfeeds/pkg/users"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// localPeers serves a single domain from in-process services
type localPeers struct {
	domain string
	feeds  api.Feeds
	users  api.Users
}

func (p *localPeers) Feeds(ctx context.Context, domain string) (api.Feeds, error) {
	if domain != p.domain || p.feeds == nil {
		return nil, api.Errorf(api.Timeout, "unknown domain %s", domain)
	}
	return p.feeds, nil
}

func (p *localPeers) Users(ctx context.Context, domain string) (api.Users, error) {
	if domain != p.domain {
		return nil, api.Errorf(api.Timeout, "unknown domain %s", domain)
	}
	return p.users, nil
}

func fastRetry() *federation.ResilientClient {
	rc := federation.NewResilientClient(nil, nil)
	rc.ConfigureRetry(3, time.Millisecond, 0)
	return rc
}

func startServer(t *testing.T) (*FeedsClient, *UsersClient) {
	t.Helper()

	peers := &localPeers{domain: "d1"}
	usersSvc := users.NewService("d1", peers, nil)
	peers.users = usersSvc
	feedsSvc, err := feeds.NewService(feeds.Config{Domain: "d1", ServerID: 1}, nil, peers, nil, nil)
	require.NoError(t, err)
	peers.feeds = feedsSvc

	ts := httptest.NewServer(NewServer(feedsSvc, usersSvc, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		feedsSvc.Close(context.Background())
	})

	uri := ts.URL + PathSuffix
	return NewFeedsClient(uri, ts.Client(), fastRetry()), NewUsersClient(uri, ts.Client(), fastRetry())
}

func TestStatusMapping(t *testing.T) {
	for code, status := range statusByCode {
		assert.Equal(t, status, StatusOf(code))
		assert.Equal(t, code, CodeOfStatus(status))
	}
	assert.Equal(t, http.StatusInternalServerError, StatusOf(api.ErrorCode(99)))
	assert.Equal(t, api.BadRequest, CodeOfStatus(http.StatusMethodNotAllowed))
}

func TestUsersRoundTrip(t *testing.T) {
	_, uc := startServer(t)
	ctx := context.Background()

	addr, err := uc.CreateUser(ctx, api.User{Name: "alice", Pwd: "pw", DisplayName: "Alice", Domain: "d1"})
	require.NoError(t, err)
	assert.Equal(t, "alice@d1", addr)

	_, err = uc.CreateUser(ctx, api.User{Name: "alice", Pwd: "pw", DisplayName: "Alice", Domain: "d1"})
	assert.ErrorIs(t, err, api.ErrConflict)

	u, err := uc.GetUser(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.DisplayName)

	_, err = uc.GetUser(ctx, "alice", "bad")
	assert.ErrorIs(t, err, api.ErrForbidden)

	u, err = uc.UpdateUser(ctx, "alice", "pw", api.User{DisplayName: "Al"})
	require.NoError(t, err)
	assert.Equal(t, "Al", u.DisplayName)

	found, err := uc.SearchUsers(ctx, "ALI")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Empty(t, found[0].Pwd)

	none, err := uc.SearchUsers(ctx, "zzz")
	require.NoError(t, err)
	assert.Empty(t, none)

	assert.NoError(t, uc.VerifyPassword(ctx, "alice", "pw"))
	assert.ErrorIs(t, uc.VerifyPassword(ctx, "alice", "x"), api.ErrForbidden)
	assert.NoError(t, uc.CheckUser(ctx, "alice"))
	assert.ErrorIs(t, uc.CheckUser(ctx, "bob"), api.ErrNotFound)

	deleted, err := uc.DeleteUser(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", deleted.Name)
	assert.ErrorIs(t, uc.CheckUser(ctx, "alice"), api.ErrNotFound)
}

func TestFeedsRoundTrip(t *testing.T) {
	fc, uc := startServer(t)
	ctx := context.Background()

	for _, name := range []string{"alice", "carol"} {
		_, err := uc.CreateUser(ctx, api.User{Name: name, Pwd: "pw", DisplayName: name, Domain: "d1"})
		require.NoError(t, err)
	}

	require.NoError(t, fc.SubUser(ctx, "carol@d1", "alice@d1", "pw"))
	subs, err := fc.ListSubs(ctx, "carol@d1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@d1"}, subs)

	id, err := fc.PostMessage(ctx, "alice@d1", "pw", api.Message{Text: "hello"})
	require.NoError(t, err)

	msg, err := fc.GetMessage(ctx, "carol@d1", id)
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "alice@d1", msg.User)

	msgs, err := fc.GetMessages(ctx, "alice@d1", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	_, err = fc.PostMessage(ctx, "alice@d1", "bad", api.Message{Text: "x"})
	assert.ErrorIs(t, err, api.ErrForbidden)
	_, err = fc.PostMessage(ctx, "alice@d2", "pw", api.Message{Text: "x"})
	assert.ErrorIs(t, err, api.ErrBadRequest)

	require.NoError(t, fc.RemoveFromPersonalFeed(ctx, "alice@d1", id, "pw"))
	assert.ErrorIs(t, fc.RemoveFromPersonalFeed(ctx, "alice@d1", id, "pw"), api.ErrNotFound)
	_, err = fc.GetMessage(ctx, "alice@d1", id)
	assert.ErrorIs(t, err, api.ErrNotFound)

	require.NoError(t, fc.UnsubscribeUser(ctx, "carol@d1", "alice@d1", "pw"))
	require.NoError(t, fc.UnsubscribeUser(ctx, "carol@d1", "alice@d1", "pw"))
	subs, err = fc.ListSubs(ctx, "carol@d1")
	require.NoError(t, err)
	assert.Empty(t, subs)

	require.NoError(t, fc.DeleteUserFeed(ctx, "carol@d1"))
	msgs, err = fc.GetMessages(ctx, "carol@d1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestFeedsPropagationEndpoints(t *testing.T) {
	fc, uc := startServer(t)
	ctx := context.Background()

	_, err := uc.CreateUser(ctx, api.User{Name: "alice", Pwd: "pw", DisplayName: "A", Domain: "d1"})
	require.NoError(t, err)

	m := api.Message{ID: 2050, User: "bob@d2", Domain: "d2", CreationTime: 5, Text: "from d2"}
	require.NoError(t, fc.PropagateMsg(ctx, api.Propagation{Msg: m, Subs: []string{"alice@d1"}}))

	got, err := fc.GetMessage(ctx, "alice@d1", 2050)
	require.NoError(t, err)
	assert.Equal(t, m, *got)

	require.NoError(t, fc.PropagateSub(ctx, "bob@d2", "alice@d1"))
	require.NoError(t, fc.PropagateUnsub(ctx, "bob@d2", "alice@d1"))
}

func TestInvalidMessageID(t *testing.T) {
	peers := &localPeers{domain: "d1"}
	svc, err := feeds.NewService(feeds.Config{Domain: "d1"}, nil, peers, nil, nil)
	require.NoError(t, err)
	defer svc.Close(context.Background())

	ts := httptest.NewServer(NewServer(svc, nil, nil).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/rest/feeds/alice@d1/notanumber")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

type panicFeeds struct {
	api.Feeds
}

func TestRecoveryTurnsPanicIntoInternalError(t *testing.T) {
	ts := httptest.NewServer(NewServer(panicFeeds{}, nil, nil).Handler())
	defer ts.Close()

	fc := NewFeedsClient(ts.URL+PathSuffix, ts.Client(), fastRetry())
	_, err := fc.GetMessage(context.Background(), "alice@d1", 1)
	assert.Equal(t, api.InternalError, api.CodeOf(err))
}

func TestClientRetriesTransportFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	uc := NewUsersClient(ts.URL+PathSuffix, ts.Client(), fastRetry())
	err := uc.CheckUser(context.Background(), "alice")

	assert.ErrorIs(t, err, api.ErrTimeout)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientDoesNotRetryServiceErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, api.Errorf(api.NotFound, "no such user"))
	}))
	defer ts.Close()

	uc := NewUsersClient(ts.URL+PathSuffix, ts.Client(), fastRetry())
	err := uc.CheckUser(context.Background(), "alice")

	assert.ErrorIs(t, err, api.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClientUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	uri := ts.URL + PathSuffix
	ts.Close()

	fc := NewFeedsClient(uri, nil, fastRetry())
	err := fc.PropagateSub(context.Background(), "a@d1", "b@d2")
	assert.ErrorIs(t, err, api.ErrTimeout)
}
