package main

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"fedfeeds/pkg/api"
	"fedfeeds/pkg/client"
	"fedfeeds/pkg/config"
	"fedfeeds/pkg/discovery"
	"fedfeeds/pkg/federation"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	serviceURI string
	output     string
)

// session resolves domains for one CLI invocation: pinned servers from the
// client config first, multicast discovery otherwise.
type session struct {
	cfg      *config.ClientConfig
	logger   *zap.Logger
	factory  *client.Factory
	resolver *federation.Resolver
	timeout  time.Duration

	discoveryOnce sync.Once
	discovery     *discovery.Discovery
	discoveryErr  error
}

func newSession() (*session, error) {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		return nil, err
	}
	if output == "" {
		output = cfg.Defaults.OutputFormat
	}

	logger := zap.NewNop()
	if verbose {
		logger = setupLogger(true)
	}

	retry := federation.NewResilientClient(logger, nil)
	retry.ConfigureRetry(cfg.Defaults.RetryCount, 0, -1)

	s := &session{
		cfg:     cfg,
		logger:  logger,
		factory: client.NewFactory(retry, logger),
		timeout: cfg.RequestTimeout(),
	}
	s.resolver = federation.NewResolver(s, s.factory, logger)
	return s, nil
}

// KnownURIsOf implements federation.URIFinder
func (s *session) KnownURIsOf(ctx context.Context, serviceDomain string, minReplies int) ([]string, error) {
	if serviceURI != "" {
		return []string{serviceURI}, nil
	}
	for _, srv := range s.cfg.Servers {
		if federation.ServiceDomain(srv.Service, srv.Domain) == serviceDomain {
			return []string{srv.URI}, nil
		}
	}
	if !s.cfg.Defaults.AutoDiscovery {
		return nil, fmt.Errorf("no server configured for %s and auto discovery is off", serviceDomain)
	}

	d, err := s.listen(ctx)
	if err != nil {
		return nil, err
	}
	return d.KnownURIsOf(ctx, serviceDomain, minReplies)
}

func (s *session) listen(ctx context.Context) (*discovery.Discovery, error) {
	s.discoveryOnce.Do(func() {
		cfg := discovery.DefaultConfig()
		if s.cfg.Defaults.DiscoveryGroup != "" {
			cfg.Group = s.cfg.Defaults.DiscoveryGroup
		}
		cfg.RetryPeriod = 250 * time.Millisecond
		s.discovery = discovery.New(cfg, s.logger, nil)
		s.discoveryErr = s.discovery.Start(context.Background())
	})
	return s.discovery, s.discoveryErr
}

func (s *session) Close() {
	if s.discovery != nil {
		s.discovery.Close()
	}
	s.factory.Close()
}

func (s *session) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

func (s *session) feedsOf(ctx context.Context, user string) (api.Feeds, error) {
	addr, err := federation.ParseUserAddress(user)
	if err != nil {
		return nil, err
	}
	return s.resolver.Feeds(ctx, addr.Domain)
}

func (s *session) usersOf(ctx context.Context, user string) (api.Users, *federation.UserAddress, error) {
	addr, err := federation.ParseUserAddress(user)
	if err != nil {
		return nil, nil, err
	}
	users, err := s.resolver.Users(ctx, addr.Domain)
	return users, addr, err
}

// withSession runs fn with a session and a request-scoped context
func withSession(fn func(ctx context.Context, s *session) error) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := s.context()
	defer cancel()
	return fn(ctx, s)
}

func clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to fedfeeds servers",
		Long: `Client operations against the feeds and users services. Users are
addressed as name@domain; the domain's servers are found through the client
config or multicast discovery.`,
	}

	cmd.PersistentFlags().StringVar(&serviceURI, "uri", "", "service URI to use instead of discovery")
	cmd.PersistentFlags().StringVarP(&output, "output", "o", "", "output format: styled or json")

	cmd.AddCommand(
		userCmd(),
		postCmd(),
		feedCmd(),
		removeCmd(),
		subCmd(),
		unsubCmd(),
		subsCmd(),
		discoverCmd(),
	)

	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage user accounts",
	}

	var pwd, displayName string

	create := &cobra.Command{
		Use:   "create NAME@DOMAIN",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session) error {
				users, addr, err := s.usersOf(ctx, args[0])
				if err != nil {
					return err
				}
				address, err := users.CreateUser(ctx, api.User{
					Name:        addr.Name,
					Pwd:         pwd,
					DisplayName: displayName,
					Domain:      addr.Domain,
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("Created %s", address), map[string]string{"address": address})
			})
		},
	}
	create.Flags().StringVar(&displayName, "display-name", "", "display name")

	get := &cobra.Command{
		Use:   "get NAME@DOMAIN",
		Short: "Show an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session) error {
				users, addr, err := s.usersOf(ctx, args[0])
				if err != nil {
					return err
				}
				user, err := users.GetUser(ctx, addr.Name, pwd)
				if err != nil {
					return err
				}
				user.Pwd = ""
				return printUsers([]api.User{*user})
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete NAME@DOMAIN",
		Short: "Delete an account and its feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session) error {
				users, addr, err := s.usersOf(ctx, args[0])
				if err != nil {
					return err
				}
				if _, err := users.DeleteUser(ctx, addr.Name, pwd); err != nil {
					return err
				}
				return printResult(fmt.Sprintf("Deleted %s", addr), map[string]string{"deleted": addr.String()})
			})
		},
	}

	search := &cobra.Command{
		Use:   "search DOMAIN [PATTERN]",
		Short: "Search accounts of a domain",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 2 {
				pattern = args[1]
			}
			return withSession(func(ctx context.Context, s *session) error {
				users, err := s.resolver.Users(ctx, args[0])
				if err != nil {
					return err
				}
				found, err := users.SearchUsers(ctx, pattern)
				if err != nil {
					return err
				}
				return printUsers(found)
			})
		},
	}

	for _, c := range []*cobra.Command{create, get, del} {
		c.Flags().StringVarP(&pwd, "pwd", "p", "", "password")
		c.MarkFlagRequired("pwd")
	}

	cmd.AddCommand(create, get, del, search)
	return cmd
}

func postCmd() *cobra.Command {
	var pwd string

	cmd := &cobra.Command{
		Use:   "post NAME@DOMAIN TEXT",
		Short: "Post a message to your followers",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session) error {
				feeds, err := s.feedsOf(ctx, args[0])
				if err != nil {
					return err
				}
				mid, err := feeds.PostMessage(ctx, args[0], pwd, api.Message{Text: args[1]})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("Posted message %d", mid), map[string]int64{"id": mid})
			})
		},
	}

	cmd.Flags().StringVarP(&pwd, "pwd", "p", "", "password")
	cmd.MarkFlagRequired("pwd")
	return cmd
}

func feedCmd() *cobra.Command {
	var since int64

	cmd := &cobra.Command{
		Use:   "feed NAME@DOMAIN [MESSAGE_ID]",
		Short: "Show a user's feed or one message of it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session) error {
				feeds, err := s.feedsOf(ctx, args[0])
				if err != nil {
					return err
				}

				if len(args) == 2 {
					mid, err := strconv.ParseInt(args[1], 10, 64)
					if err != nil {
						return fmt.Errorf("invalid message id %q: %w", args[1], err)
					}
					msg, err := feeds.GetMessage(ctx, args[0], mid)
					if err != nil {
						return err
					}
					return printMessages(args[0], []api.Message{*msg})
				}

				msgs, err := feeds.GetMessages(ctx, args[0], since)
				if err != nil {
					return err
				}
				return printMessages(args[0], msgs)
			})
		},
	}

	cmd.Flags().Int64Var(&since, "since", 0, "only messages created after this unix time in milliseconds")
	return cmd
}

func removeCmd() *cobra.Command {
	var pwd string

	cmd := &cobra.Command{
		Use:   "rm NAME@DOMAIN MESSAGE_ID",
		Short: "Remove a message from your own feed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mid, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid message id %q: %w", args[1], err)
			}
			return withSession(func(ctx context.Context, s *session) error {
				feeds, err := s.feedsOf(ctx, args[0])
				if err != nil {
					return err
				}
				if err := feeds.RemoveFromPersonalFeed(ctx, args[0], mid, pwd); err != nil {
					return err
				}
				return printResult(fmt.Sprintf("Removed message %d", mid), map[string]int64{"removed": mid})
			})
		},
	}

	cmd.Flags().StringVarP(&pwd, "pwd", "p", "", "password")
	cmd.MarkFlagRequired("pwd")
	return cmd
}

func subCmd() *cobra.Command {
	return edgeCmd("sub", "Subscribe to another user's posts", func(ctx context.Context, f api.Feeds, user, userSub, pwd string) error {
		return f.SubUser(ctx, user, userSub, pwd)
	})
}

func unsubCmd() *cobra.Command {
	return edgeCmd("unsub", "Stop following a user", func(ctx context.Context, f api.Feeds, user, userSub, pwd string) error {
		return f.UnsubscribeUser(ctx, user, userSub, pwd)
	})
}

func edgeCmd(use, short string, call func(ctx context.Context, f api.Feeds, user, userSub, pwd string) error) *cobra.Command {
	var pwd string

	cmd := &cobra.Command{
		Use:   use + " NAME@DOMAIN OTHER@DOMAIN",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session) error {
				feeds, err := s.feedsOf(ctx, args[0])
				if err != nil {
					return err
				}
				if err := call(ctx, feeds, args[0], args[1], pwd); err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s %s -> %s", use, args[0], args[1]),
					map[string]string{"user": args[0], "userSub": args[1], "op": use})
			})
		},
	}

	cmd.Flags().StringVarP(&pwd, "pwd", "p", "", "password")
	cmd.MarkFlagRequired("pwd")
	return cmd
}

func subsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "subs NAME@DOMAIN",
		Short: "List the users someone follows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(func(ctx context.Context, s *session) error {
				feeds, err := s.feedsOf(ctx, args[0])
				if err != nil {
					return err
				}
				subs, err := feeds.ListSubs(ctx, args[0])
				if err != nil {
					return err
				}
				return printSubs(args[0], subs)
			})
		},
	}
}

func discoverCmd() *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Listen for service announcements and list them",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession()
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.listen(context.Background())
			if err != nil {
				return err
			}
			time.Sleep(wait)
			return printServices(d.Services())
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to listen")
	return cmd
}
