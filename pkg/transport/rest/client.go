package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/federation"
)

// DefaultRequestTimeout bounds a single HTTP attempt
const DefaultRequestTimeout = 10 * time.Second

// client issues JSON requests against one service URI under the retry
// policy.
type client struct {
	base  string
	http  *http.Client
	retry *federation.ResilientClient
}

func newClient(baseURI string, httpClient *http.Client, retry *federation.ResilientClient) *client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if retry == nil {
		retry = federation.NewResilientClient(nil, nil)
	}
	return &client{
		base:  strings.TrimSuffix(baseURI, "/"),
		http:  httpClient,
		retry: retry,
	}
}

func seg(s string) string {
	return url.PathEscape(s)
}

func (c *client) do(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return api.Errorf(api.InternalError, "encode %s request: %v", operation, err)
		}
	}

	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return c.retry.CallWithRetry(ctx, c.base, operation, func(ctx context.Context) error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return api.Errorf(api.InternalError, "build %s request: %v", operation, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return decodeError(resp)
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	})
}

// decodeError rebuilds the service error from a failed response. Gateway
// failures without a service body are returned as plain errors so the retry
// policy treats them as transport trouble.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var body errorBody
	if err := json.Unmarshal(data, &body); err == nil {
		if code, ok := codeByName(body.Code); ok {
			return &api.Error{Code: code, Message: body.Message}
		}
	}

	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusTooManyRequests:
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return &api.Error{Code: CodeOfStatus(resp.StatusCode), Message: strings.TrimSpace(string(data))}
}

// FeedsClient reaches a remote feeds service over REST
type FeedsClient struct {
	c *client
}

var _ api.Feeds = (*FeedsClient)(nil)

// NewFeedsClient creates a client for a service URI such as
// http://host:8080/rest. Nil arguments select defaults.
func NewFeedsClient(baseURI string, httpClient *http.Client, retry *federation.ResilientClient) *FeedsClient {
	return &FeedsClient{c: newClient(baseURI, httpClient, retry)}
}

func pwdQuery(pwd string) url.Values {
	return url.Values{"pwd": {pwd}}
}

func (f *FeedsClient) PostMessage(ctx context.Context, user, pwd string, msg api.Message) (int64, error) {
	var id int64
	err := f.c.do(ctx, "PostMessage", http.MethodPost, "/feeds/"+seg(user), pwdQuery(pwd), msg, &id)
	return id, err
}

func (f *FeedsClient) RemoveFromPersonalFeed(ctx context.Context, user string, mid int64, pwd string) error {
	path := "/feeds/" + seg(user) + "/" + strconv.FormatInt(mid, 10)
	return f.c.do(ctx, "RemoveFromPersonalFeed", http.MethodDelete, path, pwdQuery(pwd), nil, nil)
}

func (f *FeedsClient) GetMessage(ctx context.Context, user string, mid int64) (*api.Message, error) {
	var msg api.Message
	path := "/feeds/" + seg(user) + "/" + strconv.FormatInt(mid, 10)
	if err := f.c.do(ctx, "GetMessage", http.MethodGet, path, nil, nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (f *FeedsClient) GetMessages(ctx context.Context, user string, time int64) ([]api.Message, error) {
	var msgs []api.Message
	query := url.Values{"time": {strconv.FormatInt(time, 10)}}
	if err := f.c.do(ctx, "GetMessages", http.MethodGet, "/feeds/"+seg(user), query, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (f *FeedsClient) SubUser(ctx context.Context, user, userSub, pwd string) error {
	path := "/feeds/sub/" + seg(user) + "/" + seg(userSub)
	return f.c.do(ctx, "SubUser", http.MethodPost, path, pwdQuery(pwd), nil, nil)
}

func (f *FeedsClient) UnsubscribeUser(ctx context.Context, user, userSub, pwd string) error {
	path := "/feeds/sub/" + seg(user) + "/" + seg(userSub)
	return f.c.do(ctx, "UnsubscribeUser", http.MethodDelete, path, pwdQuery(pwd), nil, nil)
}

func (f *FeedsClient) ListSubs(ctx context.Context, user string) ([]string, error) {
	var subs []string
	if err := f.c.do(ctx, "ListSubs", http.MethodGet, "/feeds/sub/list/"+seg(user), nil, nil, &subs); err != nil {
		return nil, err
	}
	return subs, nil
}

func (f *FeedsClient) DeleteUserFeed(ctx context.Context, user string) error {
	return f.c.do(ctx, "DeleteUserFeed", http.MethodDelete, "/feeds/"+seg(user), nil, nil, nil)
}

func (f *FeedsClient) PropagateMsg(ctx context.Context, p api.Propagation) error {
	return f.c.do(ctx, "PropagateMsg", http.MethodPost, "/feeds/propagate/msg", nil, p, nil)
}

func (f *FeedsClient) PropagateSub(ctx context.Context, user, userSub string) error {
	path := "/feeds/propagate/sub/" + seg(user) + "/" + seg(userSub)
	return f.c.do(ctx, "PropagateSub", http.MethodPost, path, nil, nil, nil)
}

func (f *FeedsClient) PropagateUnsub(ctx context.Context, user, userSub string) error {
	path := "/feeds/propagate/sub/" + seg(user) + "/" + seg(userSub)
	return f.c.do(ctx, "PropagateUnsub", http.MethodDelete, path, nil, nil, nil)
}

// UsersClient reaches a remote users service over REST
type UsersClient struct {
	c *client
}

var _ api.Users = (*UsersClient)(nil)

// NewUsersClient creates a client for a service URI such as
// http://host:8080/rest. Nil arguments select defaults.
func NewUsersClient(baseURI string, httpClient *http.Client, retry *federation.ResilientClient) *UsersClient {
	return &UsersClient{c: newClient(baseURI, httpClient, retry)}
}

func (u *UsersClient) CreateUser(ctx context.Context, user api.User) (string, error) {
	var addr string
	err := u.c.do(ctx, "CreateUser", http.MethodPost, "/users", nil, user, &addr)
	return addr, err
}

func (u *UsersClient) GetUser(ctx context.Context, name, pwd string) (*api.User, error) {
	var user api.User
	if err := u.c.do(ctx, "GetUser", http.MethodGet, "/users/"+seg(name), pwdQuery(pwd), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (u *UsersClient) UpdateUser(ctx context.Context, name, pwd string, update api.User) (*api.User, error) {
	var user api.User
	if err := u.c.do(ctx, "UpdateUser", http.MethodPut, "/users/"+seg(name), pwdQuery(pwd), update, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (u *UsersClient) DeleteUser(ctx context.Context, name, pwd string) (*api.User, error) {
	var user api.User
	if err := u.c.do(ctx, "DeleteUser", http.MethodDelete, "/users/"+seg(name), pwdQuery(pwd), nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (u *UsersClient) SearchUsers(ctx context.Context, pattern string) ([]api.User, error) {
	var users []api.User
	if err := u.c.do(ctx, "SearchUsers", http.MethodGet, "/users", url.Values{"query": {pattern}}, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (u *UsersClient) VerifyPassword(ctx context.Context, name, pwd string) error {
	return u.c.do(ctx, "VerifyPassword", http.MethodGet, "/users/"+seg(name)+"/pwd", pwdQuery(pwd), nil, nil)
}

func (u *UsersClient) CheckUser(ctx context.Context, name string) error {
	return u.c.do(ctx, "CheckUser", http.MethodGet, "/users/"+seg(name)+"/check", nil, nil, nil)
}
