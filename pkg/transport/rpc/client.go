package rpc

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/federation"

	"google.golang.org/grpc"
)

// DefaultCallTimeout bounds a single gRPC attempt
const DefaultCallTimeout = 10 * time.Second

// Target extracts host:port from a grpc://host:port/grpc service URI
func Target(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid service uri %q: %w", uri, err)
	}
	if u.Scheme != "grpc" {
		return "", fmt.Errorf("service uri %q: unsupported scheme %q", uri, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("service uri %q: missing host", uri)
	}
	if !strings.HasSuffix(u.Path, PathSuffix) {
		return "", fmt.Errorf("service uri %q: path must end in %s", uri, PathSuffix)
	}
	return u.Host, nil
}

// conn issues unary calls to one peer through the shared pool under the
// retry policy.
type conn struct {
	target  string
	pool    *federation.ConnectionPool
	retry   *federation.ResilientClient
	timeout time.Duration
}

func newConn(uri string, pool *federation.ConnectionPool, retry *federation.ResilientClient) (*conn, error) {
	target, err := Target(uri)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	if retry == nil {
		retry = federation.NewResilientClient(nil, nil)
	}
	return &conn{target: target, pool: pool, retry: retry, timeout: DefaultCallTimeout}, nil
}

func (c *conn) invoke(ctx context.Context, service, method string, req, resp any) error {
	fullMethod := "/" + service + "/" + method

	return c.retry.CallWithRetry(ctx, c.target, method, func(ctx context.Context) error {
		cc, err := c.pool.GetConnection(c.target)
		if err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		err = cc.Invoke(attemptCtx, fullMethod, req, resp, grpc.CallContentSubtype(CodecName))
		if err == nil {
			c.pool.ReportSuccess(c.target)
			return nil
		}

		// An attempt that ran out of its own time is worth retrying
		if attemptCtx.Err() != nil && ctx.Err() == nil {
			c.pool.ReportFailure(c.target)
			return fmt.Errorf("%s on %s: attempt timed out: %w", method, c.target, attemptCtx.Err())
		}

		err = fromStatus(err)
		if federation.IsRetryable(err) {
			c.pool.ReportFailure(c.target)
		}
		return err
	})
}

// FeedsClient reaches a remote feeds service over gRPC
type FeedsClient struct {
	c *conn
}

var _ api.Feeds = (*FeedsClient)(nil)

// NewFeedsClient creates a client for a grpc://host:port/grpc service URI
func NewFeedsClient(uri string, pool *federation.ConnectionPool, retry *federation.ResilientClient) (*FeedsClient, error) {
	c, err := newConn(uri, pool, retry)
	if err != nil {
		return nil, err
	}
	return &FeedsClient{c: c}, nil
}

func (f *FeedsClient) call(ctx context.Context, method string, req, resp any) error {
	return f.c.invoke(ctx, FeedsServiceName, method, req, resp)
}

func (f *FeedsClient) PostMessage(ctx context.Context, user, pwd string, msg api.Message) (int64, error) {
	var resp IDResponse
	err := f.call(ctx, "PostMessage", &PostMessageRequest{User: user, Pwd: pwd, Msg: msg}, &resp)
	return resp.ID, err
}

func (f *FeedsClient) RemoveFromPersonalFeed(ctx context.Context, user string, mid int64, pwd string) error {
	return f.call(ctx, "RemoveFromPersonalFeed", &MessageRequest{User: user, Mid: mid, Pwd: pwd}, &Empty{})
}

func (f *FeedsClient) GetMessage(ctx context.Context, user string, mid int64) (*api.Message, error) {
	var msg api.Message
	if err := f.call(ctx, "GetMessage", &MessageRequest{User: user, Mid: mid}, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (f *FeedsClient) GetMessages(ctx context.Context, user string, time int64) ([]api.Message, error) {
	var resp MessagesResponse
	if err := f.call(ctx, "GetMessages", &MessagesRequest{User: user, Time: time}, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (f *FeedsClient) SubUser(ctx context.Context, user, userSub, pwd string) error {
	return f.call(ctx, "SubUser", &SubRequest{User: user, UserSub: userSub, Pwd: pwd}, &Empty{})
}

func (f *FeedsClient) UnsubscribeUser(ctx context.Context, user, userSub, pwd string) error {
	return f.call(ctx, "UnsubscribeUser", &SubRequest{User: user, UserSub: userSub, Pwd: pwd}, &Empty{})
}

func (f *FeedsClient) ListSubs(ctx context.Context, user string) ([]string, error) {
	var resp SubsResponse
	if err := f.call(ctx, "ListSubs", &UserRequest{User: user}, &resp); err != nil {
		return nil, err
	}
	return resp.Subs, nil
}

func (f *FeedsClient) DeleteUserFeed(ctx context.Context, user string) error {
	return f.call(ctx, "DeleteUserFeed", &UserRequest{User: user}, &Empty{})
}

func (f *FeedsClient) PropagateMsg(ctx context.Context, p api.Propagation) error {
	return f.call(ctx, "PropagateMsg", &p, &Empty{})
}

func (f *FeedsClient) PropagateSub(ctx context.Context, user, userSub string) error {
	return f.call(ctx, "PropagateSub", &SubRequest{User: user, UserSub: userSub}, &Empty{})
}

func (f *FeedsClient) PropagateUnsub(ctx context.Context, user, userSub string) error {
	return f.call(ctx, "PropagateUnsub", &SubRequest{User: user, UserSub: userSub}, &Empty{})
}

// UsersClient reaches a remote users service over gRPC
type UsersClient struct {
	c *conn
}

var _ api.Users = (*UsersClient)(nil)

// NewUsersClient creates a client for a grpc://host:port/grpc service URI
func NewUsersClient(uri string, pool *federation.ConnectionPool, retry *federation.ResilientClient) (*UsersClient, error) {
	c, err := newConn(uri, pool, retry)
	if err != nil {
		return nil, err
	}
	return &UsersClient{c: c}, nil
}

func (u *UsersClient) call(ctx context.Context, method string, req, resp any) error {
	return u.c.invoke(ctx, UsersServiceName, method, req, resp)
}

func (u *UsersClient) CreateUser(ctx context.Context, user api.User) (string, error) {
	var resp AddressResponse
	err := u.call(ctx, "CreateUser", &CreateUserRequest{User: user}, &resp)
	return resp.Address, err
}

func (u *UsersClient) GetUser(ctx context.Context, name, pwd string) (*api.User, error) {
	var resp UserResponse
	if err := u.call(ctx, "GetUser", &CredentialsRequest{Name: name, Pwd: pwd}, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func (u *UsersClient) UpdateUser(ctx context.Context, name, pwd string, update api.User) (*api.User, error) {
	var resp UserResponse
	if err := u.call(ctx, "UpdateUser", &UpdateUserRequest{Name: name, Pwd: pwd, User: update}, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func (u *UsersClient) DeleteUser(ctx context.Context, name, pwd string) (*api.User, error) {
	var resp UserResponse
	if err := u.call(ctx, "DeleteUser", &CredentialsRequest{Name: name, Pwd: pwd}, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

func (u *UsersClient) SearchUsers(ctx context.Context, pattern string) ([]api.User, error) {
	var resp UsersResponse
	if err := u.call(ctx, "SearchUsers", &SearchRequest{Pattern: pattern}, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func (u *UsersClient) VerifyPassword(ctx context.Context, name, pwd string) error {
	return u.call(ctx, "VerifyPassword", &CredentialsRequest{Name: name, Pwd: pwd}, &Empty{})
}

func (u *UsersClient) CheckUser(ctx context.Context, name string) error {
	return u.call(ctx, "CheckUser", &NameRequest{Name: name}, &Empty{})
}
