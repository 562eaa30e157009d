package nwc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nwcd/nwcd/internal/backend"
	"github.com/nwcd/nwcd/internal/relay"
	"github.com/nwcd/nwcd/internal/storage"
)

type activityRecorder interface {
	Record(entry storage.ActivityEntry) error
}

type handlerFunc func(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64)

// Dispatcher routes decrypted wallet requests to method handlers. It
// enforces permissions and the spending budget; the relay layer has
// already verified signatures and decrypted the payload.
type Dispatcher struct {
	registry *Registry
	wallet   backend.Wallet
	activity activityRecorder
	dedup    *eventDedupCache
	metrics  *Metrics
	logger   *zap.Logger

	handlers map[string]handlerFunc

	// OnFirstUse is invoked when a connection handles its first-ever
	// request. Set before any session is opened.
	OnFirstUse func(conn Connection)

	// spendMu serializes authorize-pay-commit per connection so two
	// concurrent payments cannot both pass the budget check.
	spendMuMu sync.Mutex
	spendMu   map[string]*sync.Mutex
}

// NewDispatcher wires the method table. activity may be nil when request
// history is disabled.
func NewDispatcher(registry *Registry, wallet backend.Wallet, activity activityRecorder, logger *zap.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dedup, err := newEventDedupCache(dedupCacheSizePerConnection)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		registry: registry,
		wallet:   wallet,
		activity: activity,
		dedup:    dedup,
		metrics:  GetMetrics(),
		logger:   logger,
		spendMu:  make(map[string]*sync.Mutex),
	}
	d.handlers = map[string]handlerFunc{
		MethodGetInfo:          d.handleGetInfo,
		MethodGetBalance:       d.handleGetBalance,
		MethodPayInvoice:       d.handlePayInvoice,
		MethodPayKeysend:       d.handlePayKeysend,
		MethodMakeInvoice:      d.handleMakeInvoice,
		MethodLookupInvoice:    d.handleLookupInvoice,
		MethodListTransactions: d.handleListTransactions,
		MethodSignMessage:      d.handleSignMessage,
	}
	return d, nil
}

// HandlerFor binds the dispatcher to one connection id, producing the
// callback a relay session needs.
func (d *Dispatcher) HandlerFor(connectionID string) relay.Handler {
	return func(ctx context.Context, req *relay.WalletRequest) *relay.WalletResponse {
		return d.Handle(ctx, connectionID, req)
	}
}

// Handle processes one wallet request end to end. A nil return means no
// response event is published (duplicate deliveries).
func (d *Dispatcher) Handle(ctx context.Context, connectionID string, req *relay.WalletRequest) *relay.WalletResponse {
	if d.dedup.seen(connectionID, req.EventID) {
		d.metrics.RecordDuplicateEvent()
		d.logger.Debug("dropped duplicate request event",
			zap.String("connection_id", connectionID),
			zap.String("event_id", req.EventID),
		)
		return nil
	}

	start := time.Now()
	resp, amountMsat := d.dispatch(ctx, connectionID, req)
	d.metrics.RecordHandlerDuration(req.Method, time.Since(start).Seconds())

	resultCode := ""
	if resp.Error != nil {
		resultCode = resp.Error.Code
	}
	d.metrics.RecordRequest(req.Method, requestResultLabel(resultCode))

	if d.activity != nil {
		err := d.activity.Record(storage.ActivityEntry{
			ConnectionID: connectionID,
			Method:       req.Method,
			ResultCode:   resultCode,
			AmountMsat:   amountMsat,
		})
		if err != nil {
			d.logger.Warn("failed to record activity",
				zap.String("connection_id", connectionID),
				zap.Error(err),
			)
		}
	}
	return resp
}

func (d *Dispatcher) dispatch(ctx context.Context, connectionID string, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	conn, ok := d.registry.Get(connectionID)
	if !ok {
		return errorResponse(req.Method, CodeUnauthorized, "unknown connection"), 0
	}

	firstUse, err := d.registry.MarkUsed(conn.ID)
	if err != nil {
		d.logger.Warn("failed to stamp connection use",
			zap.String("connection_id", conn.ID),
			zap.Error(err),
		)
	}
	if firstUse && d.OnFirstUse != nil {
		d.OnFirstUse(conn)
	}

	if !conn.HasPermission(req.Method) {
		return errorResponse(req.Method, CodeNotFound, "method not permitted for this connection"), 0
	}

	handler, ok := d.handlers[req.Method]
	if !ok {
		return errorResponse(req.Method, CodeNotFound, "unknown method"), 0
	}

	return handler(ctx, &conn, req)
}

// spendLock returns the per-connection mutex guarding the budget
// check-then-commit window.
func (d *Dispatcher) spendLock(connectionID string) *sync.Mutex {
	d.spendMuMu.Lock()
	defer d.spendMuMu.Unlock()
	mu, ok := d.spendMu[connectionID]
	if !ok {
		mu = &sync.Mutex{}
		d.spendMu[connectionID] = mu
	}
	return mu
}

// Forget drops per-connection dispatcher state after a connection is
// deleted.
func (d *Dispatcher) Forget(connectionID string) {
	d.dedup.forget(connectionID)
	d.spendMuMu.Lock()
	delete(d.spendMu, connectionID)
	d.spendMuMu.Unlock()
}

func errorResponse(method, code, message string) *relay.WalletResponse {
	return &relay.WalletResponse{
		ResultType: method,
		Error:      &relay.ErrorPayload{Code: code, Message: message},
	}
}

func resultResponse(method string, result interface{}) *relay.WalletResponse {
	return &relay.WalletResponse{ResultType: method, Result: result}
}

func requestResultLabel(code string) string {
	if code == "" {
		return "ok"
	}
	return code
}
