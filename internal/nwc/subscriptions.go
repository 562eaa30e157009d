package nwc

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nwcd/nwcd/internal/relay"
)

// RelaySession is one live per-connection request subscription.
type RelaySession interface {
	Close() error
}

// RelayTransport opens request sessions on the relay. Satisfied by the
// relay package's Transport via a thin adapter.
type RelayTransport interface {
	OpenSession(ctx context.Context, serviceSecret, clientPubkey string, handle relay.Handler) (RelaySession, error)
}

// SubscriptionManager keeps exactly one relay session per active
// connection and tears sessions down when connections go away.
type SubscriptionManager struct {
	transport     RelayTransport
	registry      *Registry
	keys          *KeyStore
	dispatcher    *Dispatcher
	serviceSecret string
	metrics       *Metrics
	logger        *zap.Logger

	mu       sync.Mutex
	sessions map[string]RelaySession

	// Serializes subscribe/unsubscribe per connection so teardown always
	// completes before a replacement session goes live.
	connMuMu sync.Mutex
	connMu   map[string]*sync.Mutex
}

// NewSubscriptionManager wires the manager. serviceSecret is the
// service-side private key all sessions decrypt with.
func NewSubscriptionManager(transport RelayTransport, registry *Registry, keys *KeyStore, dispatcher *Dispatcher, serviceSecret string, logger *zap.Logger) *SubscriptionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionManager{
		transport:     transport,
		registry:      registry,
		keys:          keys,
		dispatcher:    dispatcher,
		serviceSecret: serviceSecret,
		metrics:       GetMetrics(),
		logger:        logger,
		sessions:      make(map[string]RelaySession),
		connMu:        make(map[string]*sync.Mutex),
	}
}

func (m *SubscriptionManager) connLock(connectionID string) *sync.Mutex {
	m.connMuMu.Lock()
	defer m.connMuMu.Unlock()
	lock, ok := m.connMu[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		m.connMu[connectionID] = lock
	}
	return lock
}

// Subscribe opens the request session for one connection. An existing
// session for the same connection is torn down first, so Subscribe is
// safe to call on reconfiguration.
func (m *SubscriptionManager) Subscribe(ctx context.Context, conn Connection) error {
	lock := m.connLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	m.closeSession(conn.ID)

	// The client secret is not used to decrypt; fetching it verifies the
	// stored key material still matches the connection record before a
	// session goes live.
	secret, err := m.keys.Get(conn.Pubkey)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", conn.ID, err)
	}
	derived, err := relay.GetPublicKey(secret)
	if err != nil {
		return fmt.Errorf("subscribe %s: derive pubkey: %w", conn.ID, err)
	}
	if derived != conn.Pubkey {
		return fmt.Errorf("subscribe %s: stored key does not match connection pubkey", conn.ID)
	}

	session, err := m.transport.OpenSession(ctx, m.serviceSecret, conn.Pubkey, m.dispatcher.HandlerFor(conn.ID))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", conn.ID, err)
	}

	m.mu.Lock()
	m.sessions[conn.ID] = session
	count := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SetActiveSubscriptions(int64(count))

	m.logger.Info("relay session opened",
		zap.String("connection_id", conn.ID),
		zap.String("connection_name", conn.Name),
	)
	return nil
}

// SubscribeAll opens sessions for every active connection. Failures are
// isolated per connection; the count of opened sessions is returned.
func (m *SubscriptionManager) SubscribeAll(ctx context.Context) int {
	opened := 0
	for _, conn := range m.registry.Active() {
		if err := m.Subscribe(ctx, conn); err != nil {
			m.logger.Error("failed to open relay session",
				zap.String("connection_id", conn.ID),
				zap.Error(err),
			)
			continue
		}
		opened++
	}
	return opened
}

// Unsubscribe closes the session for a connection. Unknown ids are a
// no-op.
func (m *SubscriptionManager) Unsubscribe(connectionID string) {
	lock := m.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	m.closeSession(connectionID)
}

func (m *SubscriptionManager) closeSession(connectionID string) {
	m.mu.Lock()
	session, ok := m.sessions[connectionID]
	if ok {
		delete(m.sessions, connectionID)
	}
	count := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return
	}
	m.metrics.SetActiveSubscriptions(int64(count))
	if err := session.Close(); err != nil {
		m.logger.Warn("failed to close relay session",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
	}
}

// UnsubscribeAll closes every session, used on shutdown.
func (m *SubscriptionManager) UnsubscribeAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]RelaySession)
	m.mu.Unlock()

	for id, session := range sessions {
		if err := session.Close(); err != nil {
			m.logger.Warn("failed to close relay session",
				zap.String("connection_id", id),
				zap.Error(err),
			)
		}
	}
	m.metrics.SetActiveSubscriptions(0)
}

// Active reports whether a session is open for the connection.
func (m *SubscriptionManager) Active(connectionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[connectionID]
	return ok
}
