// Package rpc exposes the feeds and users services over gRPC, with request
// and response envelopes encoded as CBOR, and provides the matching clients.
package rpc

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"fedfeeds/pkg/api"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

const (
	// PathSuffix terminates every advertised gRPC service URI
	PathSuffix = "/grpc"

	FeedsServiceName = "fedfeeds.Feeds"
	UsersServiceName = "fedfeeds.Users"
)

// Keepalive settings shared by servers and pooled clients. Clients ping idle
// connections; the server must accept pings at least that often or it
// closes the connection with too_many_pings.
var (
	ClientKeepalive = keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             3 * time.Second,
		PermitWithoutStream: true,
	}
	KeepaliveEnforcement = keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}
)

// URI returns the service URI to advertise for a listener on host:port
func URI(hostPort string) string {
	return fmt.Sprintf("grpc://%s%s", hostPort, PathSuffix)
}

// unary builds a method descriptor that decodes Req, runs call and maps the
// returned error onto a gRPC status.
func unary[Req any](service, method string, call func(ctx context.Context, srv any, req *Req) (any, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", method, err)
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(ctx, srv, req.(*Req))
				if err != nil {
					return nil, toStatus(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}, handler)
		},
	}
}

func feedsMethod[Req any](method string, call func(ctx context.Context, f api.Feeds, req *Req) (any, error)) grpc.MethodDesc {
	return unary(FeedsServiceName, method, func(ctx context.Context, srv any, req *Req) (any, error) {
		return call(ctx, srv.(api.Feeds), req)
	})
}

func usersMethod[Req any](method string, call func(ctx context.Context, u api.Users, req *Req) (any, error)) grpc.MethodDesc {
	return unary(UsersServiceName, method, func(ctx context.Context, srv any, req *Req) (any, error) {
		return call(ctx, srv.(api.Users), req)
	})
}

func empty(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// FeedsServiceDesc describes fedfeeds.Feeds
var FeedsServiceDesc = grpc.ServiceDesc{
	ServiceName: FeedsServiceName,
	HandlerType: (*api.Feeds)(nil),
	Methods: []grpc.MethodDesc{
		feedsMethod("PostMessage", func(ctx context.Context, f api.Feeds, req *PostMessageRequest) (any, error) {
			id, err := f.PostMessage(ctx, req.User, req.Pwd, req.Msg)
			if err != nil {
				return nil, err
			}
			return &IDResponse{ID: id}, nil
		}),
		feedsMethod("RemoveFromPersonalFeed", func(ctx context.Context, f api.Feeds, req *MessageRequest) (any, error) {
			return empty(f.RemoveFromPersonalFeed(ctx, req.User, req.Mid, req.Pwd))
		}),
		feedsMethod("GetMessage", func(ctx context.Context, f api.Feeds, req *MessageRequest) (any, error) {
			msg, err := f.GetMessage(ctx, req.User, req.Mid)
			if err != nil {
				return nil, err
			}
			return msg, nil
		}),
		feedsMethod("GetMessages", func(ctx context.Context, f api.Feeds, req *MessagesRequest) (any, error) {
			msgs, err := f.GetMessages(ctx, req.User, req.Time)
			if err != nil {
				return nil, err
			}
			return &MessagesResponse{Messages: msgs}, nil
		}),
		feedsMethod("SubUser", func(ctx context.Context, f api.Feeds, req *SubRequest) (any, error) {
			return empty(f.SubUser(ctx, req.User, req.UserSub, req.Pwd))
		}),
		feedsMethod("UnsubscribeUser", func(ctx context.Context, f api.Feeds, req *SubRequest) (any, error) {
			return empty(f.UnsubscribeUser(ctx, req.User, req.UserSub, req.Pwd))
		}),
		feedsMethod("ListSubs", func(ctx context.Context, f api.Feeds, req *UserRequest) (any, error) {
			subs, err := f.ListSubs(ctx, req.User)
			if err != nil {
				return nil, err
			}
			return &SubsResponse{Subs: subs}, nil
		}),
		feedsMethod("DeleteUserFeed", func(ctx context.Context, f api.Feeds, req *UserRequest) (any, error) {
			return empty(f.DeleteUserFeed(ctx, req.User))
		}),
		feedsMethod("PropagateMsg", func(ctx context.Context, f api.Feeds, req *api.Propagation) (any, error) {
			return empty(f.PropagateMsg(ctx, *req))
		}),
		feedsMethod("PropagateSub", func(ctx context.Context, f api.Feeds, req *SubRequest) (any, error) {
			return empty(f.PropagateSub(ctx, req.User, req.UserSub))
		}),
		feedsMethod("PropagateUnsub", func(ctx context.Context, f api.Feeds, req *SubRequest) (any, error) {
			return empty(f.PropagateUnsub(ctx, req.User, req.UserSub))
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fedfeeds/feeds",
}

// UsersServiceDesc describes fedfeeds.Users
var UsersServiceDesc = grpc.ServiceDesc{
	ServiceName: UsersServiceName,
	HandlerType: (*api.Users)(nil),
	Methods: []grpc.MethodDesc{
		usersMethod("CreateUser", func(ctx context.Context, u api.Users, req *CreateUserRequest) (any, error) {
			addr, err := u.CreateUser(ctx, req.User)
			if err != nil {
				return nil, err
			}
			return &AddressResponse{Address: addr}, nil
		}),
		usersMethod("GetUser", func(ctx context.Context, u api.Users, req *CredentialsRequest) (any, error) {
			return userResponse(u.GetUser(ctx, req.Name, req.Pwd))
		}),
		usersMethod("UpdateUser", func(ctx context.Context, u api.Users, req *UpdateUserRequest) (any, error) {
			return userResponse(u.UpdateUser(ctx, req.Name, req.Pwd, req.User))
		}),
		usersMethod("DeleteUser", func(ctx context.Context, u api.Users, req *CredentialsRequest) (any, error) {
			return userResponse(u.DeleteUser(ctx, req.Name, req.Pwd))
		}),
		usersMethod("SearchUsers", func(ctx context.Context, u api.Users, req *SearchRequest) (any, error) {
			users, err := u.SearchUsers(ctx, req.Pattern)
			if err != nil {
				return nil, err
			}
			return &UsersResponse{Users: users}, nil
		}),
		usersMethod("VerifyPassword", func(ctx context.Context, u api.Users, req *CredentialsRequest) (any, error) {
			return empty(u.VerifyPassword(ctx, req.Name, req.Pwd))
		}),
		usersMethod("CheckUser", func(ctx context.Context, u api.Users, req *NameRequest) (any, error) {
			return empty(u.CheckUser(ctx, req.Name))
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fedfeeds/users",
}

func userResponse(user *api.User, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return &UserResponse{User: *user}, nil
}

// Server hosts the gRPC front end of the local services
type Server struct {
	server *grpc.Server
	logger *zap.Logger
}

// NewServer registers feeds and users (either may be nil) on a new gRPC
// server with logging and panic recovery interceptors.
func NewServer(feeds api.Feeds, users api.Users, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("grpc")

	opts = append([]grpc.ServerOption{grpc.KeepaliveEnforcementPolicy(KeepaliveEnforcement)}, opts...)
	opts = append(opts, grpc.ChainUnaryInterceptor(
		loggingInterceptor(logger),
		recoveryInterceptor(logger),
	))
	server := grpc.NewServer(opts...)

	if feeds != nil {
		server.RegisterService(&FeedsServiceDesc, feeds)
	}
	if users != nil {
		server.RegisterService(&UsersServiceDesc, users)
	}

	return &Server{server: server, logger: logger}
}

// Serve accepts connections on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", zap.String("address", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Stop drains in-flight calls, forcing shutdown when ctx ends first
func (s *Server) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.server.Stop()
	}
}

func recoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Panic in handler",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = status.Errorf(codes.Internal, "%v", r)
			}
		}()
		return handler(ctx, req)
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("gRPC call",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)))
		return resp, err
	}
}
