package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"fedfeeds/pkg/federation"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const (
	DefaultGroup          = "224.0.0.1:5000"
	DefaultAnnouncePeriod = 1 * time.Second
	DefaultRetryPeriod    = 5 * time.Second
	DefaultTTL            = 1
)

// ErrClosed is returned by lookups on a closed registry
var ErrClosed = errors.New("discovery closed")

// Config holds multicast discovery settings
type Config struct {
	Group          string        `json:"group" yaml:"group"`
	Interface      string        `json:"interface,omitempty" yaml:"interface,omitempty"`
	AnnouncePeriod time.Duration `json:"announce_period" yaml:"announce_period"`
	RetryPeriod    time.Duration `json:"retry_period" yaml:"retry_period"`
	TTL            int           `json:"ttl" yaml:"ttl"`
}

// DefaultConfig returns the pre-agreed group and periods
func DefaultConfig() Config {
	return Config{
		Group:          DefaultGroup,
		AnnouncePeriod: DefaultAnnouncePeriod,
		RetryPeriod:    DefaultRetryPeriod,
		TTL:            DefaultTTL,
	}
}

// Discovery announces local services and records the services other
// processes announce on the multicast group. Known URIs are never evicted.
type Discovery struct {
	cfg     Config
	logger  *zap.Logger
	metrics *federation.Metrics

	mu       sync.RWMutex
	services map[string][]string // serviceName.domain -> uris in first-seen order
	total    int
	changed  chan struct{}

	group    *net.UDPAddr
	ifi      *net.Interface
	listener *net.UDPConn

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a registry. Nothing touches the network until Start or Announce.
func New(cfg Config, logger *zap.Logger, metrics *federation.Metrics) *Discovery {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = federation.NopMetrics()
	}
	defaults := DefaultConfig()
	if cfg.Group == "" {
		cfg.Group = defaults.Group
	}
	if cfg.AnnouncePeriod <= 0 {
		cfg.AnnouncePeriod = defaults.AnnouncePeriod
	}
	if cfg.RetryPeriod <= 0 {
		cfg.RetryPeriod = defaults.RetryPeriod
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}

	return &Discovery{
		cfg:      cfg,
		logger:   logger.Named("discovery"),
		metrics:  metrics,
		services: make(map[string][]string),
		changed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *Discovery) resolveGroup() error {
	if d.group != nil {
		return nil
	}
	group, err := net.ResolveUDPAddr("udp4", d.cfg.Group)
	if err != nil {
		return fmt.Errorf("resolve multicast group %s: %w", d.cfg.Group, err)
	}
	if !group.IP.IsMulticast() {
		return fmt.Errorf("%s is not a multicast address", d.cfg.Group)
	}
	if d.cfg.Interface != "" {
		ifi, err := net.InterfaceByName(d.cfg.Interface)
		if err != nil {
			return fmt.Errorf("multicast interface %s: %w", d.cfg.Interface, err)
		}
		d.ifi = ifi
	}
	d.group = group
	return nil
}

// Start joins the multicast group and begins recording announcements.
// The listener stops when ctx ends or Close is called.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listener != nil {
		return nil
	}
	if err := d.resolveGroup(); err != nil {
		return err
	}

	conn, err := net.ListenMulticastUDP("udp4", d.ifi, d.group)
	if err != nil {
		return fmt.Errorf("join multicast group %s: %w", d.group, err)
	}
	if err := ipv4.NewPacketConn(conn).SetMulticastLoopback(true); err != nil {
		d.logger.Debug("Failed to enable multicast loopback", zap.Error(err))
	}
	d.listener = conn

	d.wg.Add(1)
	go d.listen(conn)
	go func() {
		select {
		case <-ctx.Done():
			d.Close()
		case <-d.done:
		}
	}()

	d.logger.Info("Discovery listening",
		zap.String("group", d.group.String()),
		zap.String("interface", d.cfg.Interface))
	return nil
}

func (d *Discovery) listen(conn *net.UDPConn) {
	defer d.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Warn("Discovery receive failed", zap.Error(err))
			continue
		}
		d.handlePacket(buf[:n], from)
	}
}

func (d *Discovery) handlePacket(data []byte, from net.Addr) {
	a, err := ParseAnnouncement(data)
	if err != nil {
		d.metrics.AnnouncementsMalformed.Inc()
		d.logger.Debug("Dropping malformed announcement",
			zap.Stringer("from", from),
			zap.Error(err))
		return
	}
	d.metrics.AnnouncementsReceived.Inc()
	d.Record(a.ServiceDomain(), a.URI)
}

// Announce advertises serviceURI as serviceName of domain every
// AnnouncePeriod until Close. Send failures are logged and retried on the
// next tick. The URI is also recorded locally right away.
func (d *Discovery) Announce(domain, serviceName, serviceURI string) {
	a := Announcement{Domain: domain, ServiceName: serviceName, URI: serviceURI}
	d.Record(a.ServiceDomain(), a.URI)

	d.wg.Add(1)
	go d.announce(a)
}

func (d *Discovery) announce(a Announcement) {
	defer d.wg.Done()

	payload := FormatAnnouncement(a)
	logger := d.logger.With(
		zap.String("service", a.ServiceDomain()),
		zap.String("uri", a.URI))
	logger.Info("Starting announcements", zap.Duration("period", d.cfg.AnnouncePeriod))

	var pc *ipv4.PacketConn
	defer func() {
		if pc != nil {
			pc.Close()
		}
	}()

	ticker := time.NewTicker(d.cfg.AnnouncePeriod)
	defer ticker.Stop()

	for {
		if pc == nil {
			var err error
			if pc, err = d.openSender(); err != nil {
				logger.Warn("Failed to open announcement socket", zap.Error(err))
			}
		}
		if pc != nil {
			if _, err := pc.WriteTo(payload, nil, d.group); err != nil {
				logger.Debug("Announcement send failed", zap.Error(err))
			} else {
				d.metrics.AnnouncementsSent.Inc()
			}
		}

		select {
		case <-ticker.C:
		case <-d.done:
			return
		}
	}
}

func (d *Discovery) openSender() (*ipv4.PacketConn, error) {
	d.mu.Lock()
	err := d.resolveGroup()
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return nil, err
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(d.cfg.TTL); err != nil {
		d.logger.Debug("Failed to set multicast TTL", zap.Error(err))
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		d.logger.Debug("Failed to enable multicast loopback", zap.Error(err))
	}
	if d.ifi != nil {
		if err := pc.SetMulticastInterface(d.ifi); err != nil {
			pc.Close()
			return nil, err
		}
	}
	return pc, nil
}

// Record adds uri to the URIs known for serviceDomain. It reports whether
// the URI was new.
func (d *Discovery) Record(serviceDomain, uri string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, known := range d.services[serviceDomain] {
		if known == uri {
			return false
		}
	}
	d.services[serviceDomain] = append(d.services[serviceDomain], uri)
	d.total++
	d.metrics.KnownServiceURIs.Set(float64(d.total))

	close(d.changed)
	d.changed = make(chan struct{})

	d.logger.Debug("Discovered service",
		zap.String("service", serviceDomain),
		zap.String("uri", uri))
	return true
}

func (d *Discovery) lookup(serviceDomain string) ([]string, <-chan struct{}) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	uris := make([]string, len(d.services[serviceDomain]))
	copy(uris, d.services[serviceDomain])
	return uris, d.changed
}

// KnownURIsOf blocks until at least minReplies distinct URIs are known for
// serviceDomain (serviceName.domain) and returns them in first-seen order.
// The first check is immediate; later checks run every RetryPeriod or as
// soon as a new URI is recorded. There is no deadline besides ctx.
func (d *Discovery) KnownURIsOf(ctx context.Context, serviceDomain string, minReplies int) ([]string, error) {
	ticker := time.NewTicker(d.cfg.RetryPeriod)
	defer ticker.Stop()

	for {
		uris, changed := d.lookup(serviceDomain)
		if len(uris) >= minReplies {
			return uris, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-d.done:
			return nil, ErrClosed
		case <-changed:
		case <-ticker.C:
		}
	}
}

// Services returns a snapshot of everything discovered so far
func (d *Discovery) Services() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string][]string, len(d.services))
	for key, uris := range d.services {
		out[key] = append([]string(nil), uris...)
	}
	return out
}

// Close stops announcers and the listener and leaves the group
func (d *Discovery) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)

		d.mu.Lock()
		if d.listener != nil {
			err = d.listener.Close()
		}
		d.mu.Unlock()

		d.wg.Wait()
		d.logger.Debug("Discovery stopped")
	})
	return err
}
