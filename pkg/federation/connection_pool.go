package federation

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// maxConsecutiveFailures is how many transport failures a pooled
// connection absorbs before it is discarded and redialed on next use.
const maxConsecutiveFailures = 3

// ConnectionPool caches gRPC connections to peer servers, keyed by target
// address (host:port).
type ConnectionPool struct {
	mu          sync.RWMutex
	connections map[string]*PooledConnection
	dialOpts    []grpc.DialOption
	logger      *zap.Logger

	idleTimeout         time.Duration
	maintenanceInterval time.Duration

	stopCleanup chan struct{}
	closeOnce   sync.Once
}

// PooledConnection wraps a gRPC connection with usage metadata
type PooledConnection struct {
	conn     *grpc.ClientConn
	target   string
	created  time.Time
	lastUsed time.Time
	useCount int64
	failures int
	mu       sync.Mutex
}

// NewConnectionPool creates a pool. dialOpts are appended to the insecure
// transport credentials every connection uses.
func NewConnectionPool(logger *zap.Logger, dialOpts ...grpc.DialOption) *ConnectionPool {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, dialOpts...)

	cp := &ConnectionPool{
		connections:         make(map[string]*PooledConnection),
		dialOpts:            opts,
		logger:              logger,
		idleTimeout:         5 * time.Minute,
		maintenanceInterval: 30 * time.Second,
		stopCleanup:         make(chan struct{}),
	}

	go cp.maintainConnections()

	return cp
}

// GetConnection returns a connection to target, dialing one if needed
func (cp *ConnectionPool) GetConnection(target string) (*grpc.ClientConn, error) {
	cp.mu.RLock()
	pooled, exists := cp.connections[target]
	cp.mu.RUnlock()

	if exists && pooled.isUsable() {
		pooled.recordUse()
		return pooled.conn, nil
	}

	return cp.createConnection(target)
}

// createConnection dials target and stores the connection
func (cp *ConnectionPool) createConnection(target string) (*grpc.ClientConn, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	// Check again after acquiring write lock
	if pooled, exists := cp.connections[target]; exists {
		if pooled.isUsable() {
			pooled.recordUse()
			return pooled.conn, nil
		}
		pooled.conn.Close()
		delete(cp.connections, target)
	}

	conn, err := grpc.Dial(target, cp.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	now := time.Now()
	cp.connections[target] = &PooledConnection{
		conn:     conn,
		target:   target,
		created:  now,
		lastUsed: now,
	}
	cp.logger.Debug("Established connection to peer", zap.String("target", target))

	return conn, nil
}

// ReportFailure records a transport failure on target. After repeated
// failures the connection is closed so the next call redials.
func (cp *ConnectionPool) ReportFailure(target string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	pooled, exists := cp.connections[target]
	if !exists {
		return
	}

	pooled.mu.Lock()
	pooled.failures++
	failures := pooled.failures
	pooled.mu.Unlock()

	if failures >= maxConsecutiveFailures {
		pooled.conn.Close()
		delete(cp.connections, target)
		cp.logger.Warn("Discarded failing connection",
			zap.String("target", target),
			zap.Int("failures", failures))
	}
}

// ReportSuccess clears the failure count of target
func (cp *ConnectionPool) ReportSuccess(target string) {
	cp.mu.RLock()
	pooled, exists := cp.connections[target]
	cp.mu.RUnlock()

	if exists {
		pooled.mu.Lock()
		pooled.failures = 0
		pooled.mu.Unlock()
	}
}

// Size returns the number of pooled connections
func (cp *ConnectionPool) Size() int {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return len(cp.connections)
}

// maintainConnections performs periodic maintenance
func (cp *ConnectionPool) maintainConnections() {
	ticker := time.NewTicker(cp.maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.performMaintenance(time.Now())
		case <-cp.stopCleanup:
			return
		}
	}
}

// performMaintenance closes idle and shut down connections
func (cp *ConnectionPool) performMaintenance(now time.Time) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	for target, pooled := range cp.connections {
		pooled.mu.Lock()
		idle := now.Sub(pooled.lastUsed)
		pooled.mu.Unlock()

		if idle > cp.idleTimeout || pooled.conn.GetState() == connectivity.Shutdown {
			pooled.conn.Close()
			delete(cp.connections, target)
			cp.logger.Debug("Removed idle connection", zap.String("target", target))
		}
	}
}

// Close closes all connections and stops maintenance
func (cp *ConnectionPool) Close() error {
	cp.closeOnce.Do(func() {
		close(cp.stopCleanup)
	})

	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, pooled := range cp.connections {
		pooled.conn.Close()
	}
	cp.connections = make(map[string]*PooledConnection)
	return nil
}

func (pc *PooledConnection) isUsable() bool {
	pc.mu.Lock()
	failures := pc.failures
	pc.mu.Unlock()

	if failures >= maxConsecutiveFailures {
		return false
	}
	return pc.conn.GetState() != connectivity.Shutdown
}

func (pc *PooledConnection) recordUse() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	pc.lastUsed = time.Now()
	pc.useCount++
}
