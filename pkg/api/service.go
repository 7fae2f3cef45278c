package api

import "context"

// Feeds is the operation surface of a domain's feeds service. The same
// interface is implemented by the local federation engine and by the remote
// clients that reach a peer domain.
type Feeds interface {
	PostMessage(ctx context.Context, user, pwd string, msg Message) (int64, error)
	RemoveFromPersonalFeed(ctx context.Context, user string, mid int64, pwd string) error
	GetMessage(ctx context.Context, user string, mid int64) (*Message, error)
	GetMessages(ctx context.Context, user string, time int64) ([]Message, error)
	SubUser(ctx context.Context, user, userSub, pwd string) error
	UnsubscribeUser(ctx context.Context, user, userSub, pwd string) error
	ListSubs(ctx context.Context, user string) ([]string, error)
	DeleteUserFeed(ctx context.Context, user string) error

	// Federation entry points, invoked by peer domains only.
	PropagateMsg(ctx context.Context, p Propagation) error
	PropagateSub(ctx context.Context, user, userSub string) error
	PropagateUnsub(ctx context.Context, user, userSub string) error
}

// Users is the account service of a single domain. Names are bare (without
// the @domain suffix).
type Users interface {
	CreateUser(ctx context.Context, user User) (string, error)
	GetUser(ctx context.Context, name, pwd string) (*User, error)
	UpdateUser(ctx context.Context, name, pwd string, user User) (*User, error)
	DeleteUser(ctx context.Context, name, pwd string) (*User, error)
	SearchUsers(ctx context.Context, pattern string) ([]User, error)
	VerifyPassword(ctx context.Context, name, pwd string) error
	CheckUser(ctx context.Context, name string) error
}
