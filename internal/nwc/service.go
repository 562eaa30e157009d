package nwc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nwcd/nwcd/internal/backend"
	"github.com/nwcd/nwcd/internal/relay"
	"github.com/nwcd/nwcd/internal/storage"
)

const defaultBudgetCheckInterval = 10 * time.Minute

type serviceKeyBlob struct {
	Secret string `json:"secret"`
}

// transportAdapter narrows *relay.Transport to the RelayTransport
// consumer interface.
type transportAdapter struct {
	transport *relay.Transport
}

func (a *transportAdapter) OpenSession(ctx context.Context, serviceSecret, clientPubkey string, handle relay.Handler) (RelaySession, error) {
	return a.transport.OpenSession(ctx, serviceSecret, clientPubkey, handle)
}

// Service ties the registry, key store, dispatcher and subscription
// manager into the wallet-facing NWC surface.
type Service struct {
	store      BlobStore
	registry   *Registry
	keys       *KeyStore
	dispatcher *Dispatcher
	subs       *SubscriptionManager
	transport  *relay.Transport
	activity   *storage.ActivityLog
	metrics    *Metrics
	logger     *zap.Logger

	serviceSecret string
	servicePubkey string

	budgetCheckInterval time.Duration

	waiterMu sync.Mutex
	waiters  map[string][]chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// ServiceOptions configures optional service behavior.
type ServiceOptions struct {
	// BudgetCheckInterval is how often due budget windows are reset in
	// the background. Zero means the default of ten minutes.
	BudgetCheckInterval time.Duration
}

// NewService assembles the full NWC service over a blob store, a relay
// transport and a wallet backend. The service keypair is loaded from the
// blob store, or generated and persisted on first run.
func NewService(store BlobStore, transport *relay.Transport, wallet backend.Wallet, activity *storage.ActivityLog, opts ServiceOptions, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	secret, pubkey, err := loadOrGenerateServiceKey(store)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry(store, logger)
	keys := NewKeyStore(store)

	var recorder activityRecorder
	if activity != nil {
		recorder = activity
	}
	dispatcher, err := NewDispatcher(registry, wallet, recorder, logger)
	if err != nil {
		return nil, err
	}

	subs := NewSubscriptionManager(&transportAdapter{transport: transport}, registry, keys, dispatcher, secret, logger)

	interval := opts.BudgetCheckInterval
	if interval <= 0 {
		interval = defaultBudgetCheckInterval
	}

	s := &Service{
		store:               store,
		registry:            registry,
		keys:                keys,
		dispatcher:          dispatcher,
		subs:                subs,
		transport:           transport,
		activity:            activity,
		metrics:             GetMetrics(),
		logger:              logger,
		serviceSecret:       secret,
		servicePubkey:       pubkey,
		budgetCheckInterval: interval,
		waiters:             make(map[string][]chan struct{}),
		stopCh:              make(chan struct{}),
	}
	dispatcher.OnFirstUse = s.notifyFirstUse
	return s, nil
}

func loadOrGenerateServiceKey(store BlobStore) (secret, pubkey string, err error) {
	raw, err := store.GetItem(storageKeyServiceKeys)
	if err != nil {
		return "", "", fmt.Errorf("load service key: %w", err)
	}
	if len(raw) > 0 {
		var blob serviceKeyBlob
		if err := json.Unmarshal(raw, &blob); err != nil {
			return "", "", fmt.Errorf("decode service key: %w", err)
		}
		pubkey, err := relay.GetPublicKey(blob.Secret)
		if err != nil {
			return "", "", fmt.Errorf("stored service key is unusable: %w", err)
		}
		return blob.Secret, pubkey, nil
	}

	secret, err = relay.GeneratePrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("generate service key: %w", err)
	}
	pubkey, err = relay.GetPublicKey(secret)
	if err != nil {
		return "", "", err
	}
	raw, err = json.Marshal(serviceKeyBlob{Secret: secret})
	if err != nil {
		return "", "", fmt.Errorf("encode service key: %w", err)
	}
	if err := store.SetItem(storageKeyServiceKeys, raw); err != nil {
		return "", "", fmt.Errorf("persist service key: %w", err)
	}
	return secret, pubkey, nil
}

// ServicePubkey returns the service identity clients encrypt to.
func (s *Service) ServicePubkey() string { return s.servicePubkey }

// Registry exposes the connection registry for the operator surface.
func (s *Service) Registry() *Registry { return s.registry }

// Init loads persisted state: the connection set, then a catch-up pass
// over budget windows that came due while the service was down.
func (s *Service) Init() error {
	if err := s.registry.LoadAll(); err != nil {
		// Registry continues with an empty set; operators see the error
		// but the service stays up for new connections.
		s.logger.Error("connection registry load failed", zap.Error(err))
	}

	reset, err := s.registry.ResetDueBudgets()
	if err != nil {
		return fmt.Errorf("reset due budgets: %w", err)
	}
	if reset > 0 {
		s.logger.Info("reset overdue budget windows", zap.Int("count", reset))
	}
	s.metrics.SetConnectionCount(int64(len(s.registry.List())))
	return nil
}

// Start publishes the service info event, opens sessions for every
// active connection, and launches background housekeeping.
func (s *Service) Start(ctx context.Context) error {
	if err := s.transport.PublishInfo(ctx, s.serviceSecret, AllMethods(), Notifications()); err != nil {
		return fmt.Errorf("publish info event: %w", err)
	}

	opened := s.subs.SubscribeAll(ctx)
	s.logger.Info("wallet connect service started",
		zap.String("service_pubkey", s.servicePubkey),
		zap.Int("sessions", opened),
	)

	s.wg.Add(1)
	go s.housekeepingLoop(ctx)
	return nil
}

// Stop tears down sessions and background work.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.subs.UnsubscribeAll()
	s.logger.Info("wallet connect service stopped")
}

func (s *Service) housekeepingLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.budgetCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			reset, err := s.registry.ResetDueBudgets()
			if err != nil {
				s.logger.Error("budget housekeeping failed", zap.Error(err))
				continue
			}
			if reset > 0 {
				s.logger.Info("reset due budget windows", zap.Int("count", reset))
				for i := 0; i < reset; i++ {
					s.metrics.RecordBudgetReset()
				}
			}
			s.metrics.SetConnectionCount(int64(len(s.registry.List())))
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// CreateConnection generates a client keypair, registers the connection
// and opens its relay session. The returned URI contains the client
// secret and is the only time it is exposed.
func (s *Service) CreateConnection(ctx context.Context, params CreateConnectionParams) (Connection, string, error) {
	clientSecret, err := relay.GeneratePrivateKey()
	if err != nil {
		return Connection{}, "", fmt.Errorf("generate connection key: %w", err)
	}
	clientPubkey, err := relay.GetPublicKey(clientSecret)
	if err != nil {
		return Connection{}, "", err
	}

	if err := s.keys.Put(clientPubkey, clientSecret); err != nil {
		return Connection{}, "", err
	}

	params.Pubkey = clientPubkey
	params.RelayURL = s.transport.RelayURL()
	conn, err := s.registry.Create(params)
	if err != nil {
		if delErr := s.keys.Delete(clientPubkey); delErr != nil {
			s.logger.Warn("failed to roll back orphaned connection key",
				zap.String("pubkey", clientPubkey),
				zap.Error(delErr),
			)
		}
		return Connection{}, "", err
	}

	if err := s.subs.Subscribe(ctx, conn); err != nil {
		s.logger.Error("connection created but session failed to open",
			zap.String("connection_id", conn.ID),
			zap.Error(err),
		)
	}

	s.metrics.SetConnectionCount(int64(len(s.registry.List())))
	uri := ConnectionURI(s.servicePubkey, conn.RelayURL, clientSecret)
	return conn, uri, nil
}

// UpdateConnection applies a field-level update and keeps the relay
// session in step with expiry changes.
func (s *Service) UpdateConnection(ctx context.Context, id string, params UpdateConnectionParams) error {
	if err := s.registry.Update(id, params); err != nil {
		return err
	}

	conn, ok := s.registry.Get(id)
	if !ok {
		return nil
	}
	if conn.IsExpired() {
		s.subs.Unsubscribe(id)
		return nil
	}
	if !s.subs.Active(id) {
		if err := s.subs.Subscribe(ctx, conn); err != nil {
			s.logger.Error("failed to reopen session after update",
				zap.String("connection_id", id),
				zap.Error(err),
			)
		}
	}
	return nil
}

// DeleteConnection removes a connection and every trace of it: session,
// registry record, client key, dispatcher state and activity history.
func (s *Service) DeleteConnection(id string) error {
	conn, ok := s.registry.Get(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id, ErrConnectionNotFound)
	}

	s.subs.Unsubscribe(id)
	s.dispatcher.Forget(id)

	if err := s.registry.Delete(id); err != nil {
		return err
	}
	if err := s.keys.Delete(conn.Pubkey); err != nil {
		s.logger.Warn("failed to delete connection key",
			zap.String("connection_id", id),
			zap.Error(err),
		)
	}
	if s.activity != nil {
		if err := s.activity.DeleteByConnection(id); err != nil {
			s.logger.Warn("failed to delete connection activity",
				zap.String("connection_id", id),
				zap.Error(err),
			)
		}
	}

	s.dropWaiters(id)
	s.metrics.SetConnectionCount(int64(len(s.registry.List())))
	return nil
}

// Activity returns the newest request history entries for a connection.
func (s *Service) Activity(connectionID string, limit int) ([]storage.ActivityEntry, error) {
	if s.activity == nil {
		return nil, nil
	}
	return s.activity.ListByConnection(connectionID, limit)
}

// AwaitFirstUse blocks until the connection handles its first request,
// the context ends, or the connection is deleted. Used by pairing UIs to
// confirm the client side came up.
func (s *Service) AwaitFirstUse(ctx context.Context, connectionID string) error {
	conn, ok := s.registry.Get(connectionID)
	if !ok {
		return fmt.Errorf("await first use %s: %w", connectionID, ErrConnectionNotFound)
	}
	if conn.LastUsed != nil {
		return nil
	}

	ch := make(chan struct{})
	s.waiterMu.Lock()
	s.waiters[connectionID] = append(s.waiters[connectionID], ch)
	s.waiterMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) notifyFirstUse(conn Connection) {
	s.logger.Info("connection used for the first time",
		zap.String("connection_id", conn.ID),
		zap.String("connection_name", conn.Name),
	)
	s.dropWaiters(conn.ID)
}

func (s *Service) dropWaiters(connectionID string) {
	s.waiterMu.Lock()
	chans := s.waiters[connectionID]
	delete(s.waiters, connectionID)
	s.waiterMu.Unlock()
	for _, ch := range chans {
		close(ch)
	}
}
