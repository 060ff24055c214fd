package datasource

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-analyst/pkg/logging"
	"github.com/ekaya-inc/ekaya-analyst/pkg/retry"
)

const (
	DefaultConnectionTTL   = 5 * time.Minute
	DefaultCleanupInterval = 1 * time.Minute
	DefaultMaxPools        = 100
	DefaultPoolMaxConns    = 10
	DefaultPoolMinConns    = 1
)

// ConnectionManagerConfig holds configuration for the connection manager.
type ConnectionManagerConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
	MaxPools        int
	PoolMaxConns    int32
	PoolMinConns    int32
}

// ConnectFunc opens a new pool for a data source.
type ConnectFunc func(ctx context.Context) (PoolConnector, error)

// ConnectionManager keeps one pool per (organization, data source) and closes pools
// that have been idle longer than the TTL.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*managedConnection // key: "{organizationId}:{datasourceId}"
	cfg         ConnectionManagerConfig
	stopped     bool
	stopChan    chan struct{}
	done        chan struct{}
	logger      *zap.Logger
}

type managedConnection struct {
	connector PoolConnector
	lastUsed  time.Time
	mu        sync.Mutex
}

// NewConnectionManager starts a manager and its cleanup goroutine, which runs until Close.
func NewConnectionManager(cfg ConnectionManagerConfig, logger *zap.Logger) *ConnectionManager {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConnectionTTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.MaxPools <= 0 {
		cfg.MaxPools = DefaultMaxPools
	}
	if cfg.PoolMaxConns <= 0 {
		cfg.PoolMaxConns = DefaultPoolMaxConns
	}
	if cfg.PoolMinConns <= 0 {
		cfg.PoolMinConns = DefaultPoolMinConns
	}

	m := &ConnectionManager{
		connections: make(map[string]*managedConnection),
		cfg:         cfg,
		stopChan:    make(chan struct{}),
		done:        make(chan struct{}),
		logger:      logger.Named("connections"),
	}

	go m.cleanupLoop()
	return m
}

// Config returns the effective configuration.
func (m *ConnectionManager) Config() ConnectionManagerConfig {
	return m.cfg
}

func poolKey(organizationID, datasourceID uuid.UUID) string {
	return organizationID.String() + ":" + datasourceID.String()
}

// GetOrCreate returns the pool for a data source, creating it with connect when absent
// or when the existing pool fails its health check.
func (m *ConnectionManager) GetOrCreate(ctx context.Context, organizationID, datasourceID uuid.UUID, connect ConnectFunc) (PoolConnector, error) {
	key := poolKey(organizationID, datasourceID)

	m.mu.RLock()
	managed, exists := m.connections[key]
	m.mu.RUnlock()

	if exists {
		managed.mu.Lock()
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := retry.Do(healthCtx, &retry.Config{MaxRetries: 1, InitialDelay: 50 * time.Millisecond, MaxDelay: 100 * time.Millisecond, Multiplier: 2}, func() error {
			return managed.connector.Ping(healthCtx)
		})
		cancel()

		if err == nil {
			managed.lastUsed = time.Now()
			managed.mu.Unlock()
			return managed.connector, nil
		}

		m.logger.Warn("Pool unhealthy, recreating",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)))
		managed.mu.Unlock()
		m.removeKey(key)
	}

	return m.create(ctx, key, connect)
}

func (m *ConnectionManager) create(ctx context.Context, key string, connect ConnectFunc) (PoolConnector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, fmt.Errorf("connection manager is closed")
	}

	// Another goroutine may have created it while we waited for the lock.
	if managed, exists := m.connections[key]; exists {
		managed.mu.Lock()
		defer managed.mu.Unlock()
		managed.lastUsed = time.Now()
		return managed.connector, nil
	}

	if len(m.connections) >= m.cfg.MaxPools {
		return nil, fmt.Errorf("maximum number of data source pools reached (%d)", m.cfg.MaxPools)
	}

	connector, err := connect(ctx)
	if err != nil {
		m.logger.Error("Failed to create pool",
			zap.String("key", key),
			zap.String("error", logging.SanitizeError(err)))
		return nil, err
	}

	m.connections[key] = &managedConnection{connector: connector, lastUsed: time.Now()}
	m.logger.Info("Created data source pool",
		zap.String("key", key),
		zap.String("type", connector.GetType()),
		zap.Int("total_pools", len(m.connections)))

	return connector, nil
}

// Remove closes and forgets the pool for a data source. It is a no-op when none exists.
func (m *ConnectionManager) Remove(organizationID, datasourceID uuid.UUID) {
	m.removeKey(poolKey(organizationID, datasourceID))
}

func (m *ConnectionManager) removeKey(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if managed, exists := m.connections[key]; exists {
		_ = managed.connector.Close()
		delete(m.connections, key)
		m.logger.Debug("Removed data source pool", zap.String("key", key))
	}
}

func (m *ConnectionManager) cleanupLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.performCleanup(time.Now())
		case <-m.stopChan:
			return
		}
	}
}

// performCleanup closes pools idle for longer than the TTL.
// Lock order is manager, then connection.
func (m *ConnectionManager) performCleanup(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return
	}

	var expired []string
	for key, managed := range m.connections {
		managed.mu.Lock()
		idle := now.Sub(managed.lastUsed)
		managed.mu.Unlock()
		if idle > m.cfg.TTL {
			expired = append(expired, key)
		}
	}

	for _, key := range expired {
		_ = m.connections[key].connector.Close()
		delete(m.connections, key)
	}

	if len(expired) > 0 {
		m.logger.Info("Cleaned up idle data source pools",
			zap.Int("count", len(expired)),
			zap.Int("remaining", len(m.connections)))
	}
}

// Close closes all pools and stops the cleanup goroutine. Safe to call more than once.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopChan)

	for _, managed := range m.connections {
		_ = managed.connector.Close()
	}
	m.connections = make(map[string]*managedConnection)
	m.mu.Unlock()

	<-m.done
	m.logger.Info("Connection manager closed")
	return nil
}

// ConnectionStats describes the manager's current pools.
type ConnectionStats struct {
	TotalPools             int            `json:"total_pools"`
	MaxPools               int            `json:"max_pools"`
	PoolsByOrganization    map[string]int `json:"pools_by_organization"`
	OldestIdleSeconds      int            `json:"oldest_idle_seconds"`
	ConnectionTTLInSeconds int            `json:"connection_ttl_seconds"`
}

// GetStats returns a snapshot of pool usage.
func (m *ConnectionManager) GetStats() ConnectionStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	stats := ConnectionStats{
		TotalPools:             len(m.connections),
		MaxPools:               m.cfg.MaxPools,
		PoolsByOrganization:    make(map[string]int),
		ConnectionTTLInSeconds: int(m.cfg.TTL.Seconds()),
	}

	for key, managed := range m.connections {
		org, _, _ := strings.Cut(key, ":")
		stats.PoolsByOrganization[org]++

		managed.mu.Lock()
		idle := int(now.Sub(managed.lastUsed).Seconds())
		managed.mu.Unlock()
		if idle > stats.OldestIdleSeconds {
			stats.OldestIdleSeconds = idle
		}
	}

	return stats
}
