package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nwcd/nwcd/internal/backend"
	"github.com/nwcd/nwcd/internal/relay"
)

// fakeRelay is an in-process Nostr relay good enough for the service
// side of NIP-47: it accepts REQ/CLOSE/EVENT frames, acks every EVENT
// with OK, records published events, and lets tests inject client
// events into matching subscriptions.
type fakeRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*relayConn
	subs  map[string]*relaySub

	connected chan struct{}
	published chan *relay.Event
}

type relayConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

type relaySub struct {
	id     string
	filter relay.Filter
	conn   *relayConn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		t:         t,
		subs:      make(map[string]*relaySub),
		connected: make(chan struct{}, 16),
		published: make(chan *relay.Event, 64),
	}
	r.server = httptest.NewServer(http.HandlerFunc(r.handleUpgrade))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	conn := &relayConn{ws: ws}

	r.mu.Lock()
	r.conns = append(r.conns, conn)
	r.mu.Unlock()
	r.connected <- struct{}{}

	go r.serveConn(conn)
}

func (r *fakeRelay) serveConn(conn *relayConn) {
	defer func() {
		conn.ws.Close()
		r.mu.Lock()
		for id, sub := range r.subs {
			if sub.conn == conn {
				delete(r.subs, id)
			}
		}
		r.mu.Unlock()
	}()

	for {
		_, msg, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(msg, &frame); err != nil || len(frame) == 0 {
			continue
		}
		var typ string
		if err := json.Unmarshal(frame[0], &typ); err != nil {
			continue
		}

		switch typ {
		case "REQ":
			if len(frame) < 3 {
				continue
			}
			sub := &relaySub{conn: conn}
			if err := json.Unmarshal(frame[1], &sub.id); err != nil {
				continue
			}
			if err := json.Unmarshal(frame[2], &sub.filter); err != nil {
				continue
			}
			r.mu.Lock()
			r.subs[sub.id] = sub
			r.mu.Unlock()
			r.write(conn, "EOSE", sub.id)

		case "CLOSE":
			if len(frame) < 2 {
				continue
			}
			var id string
			if err := json.Unmarshal(frame[1], &id); err != nil {
				continue
			}
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()

		case "EVENT":
			if len(frame) < 2 {
				continue
			}
			var ev relay.Event
			if err := json.Unmarshal(frame[1], &ev); err != nil {
				continue
			}
			r.write(conn, "OK", ev.ID, true, "")
			r.published <- &ev
		}
	}
}

func (r *fakeRelay) write(conn *relayConn, parts ...interface{}) {
	data, err := json.Marshal(parts)
	if err != nil {
		r.t.Errorf("marshal relay frame: %v", err)
		return
	}
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	conn.ws.WriteMessage(websocket.TextMessage, data)
}

func matches(f relay.Filter, ev *relay.Event) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.Pubkey) {
		return false
	}
	if len(f.PTags) > 0 && !containsString(f.PTags, ev.TagValue("p")) {
		return false
	}
	if f.Since > 0 && ev.CreatedAt < f.Since {
		return false
	}
	return true
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func containsString(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// inject delivers an event to every live subscription whose filter
// matches, as a relay would for a remote client's publish.
func (r *fakeRelay) inject(ev *relay.Event) int {
	r.mu.Lock()
	var targets []*relaySub
	for _, sub := range r.subs {
		if matches(sub.filter, ev) {
			targets = append(targets, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range targets {
		r.write(sub.conn, "EVENT", sub.id, ev)
	}
	return len(targets)
}

// dropConnections closes every websocket, forcing clients into their
// reconnect path.
func (r *fakeRelay) dropConnections() {
	r.mu.Lock()
	conns := r.conns
	r.conns = nil
	r.mu.Unlock()
	for _, conn := range conns {
		conn.ws.Close()
	}
}

func (r *fakeRelay) waitConnected(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-r.connected:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for relay connection")
	}
}

// waitPublished blocks until the service publishes an event of the given
// kind.
func (r *fakeRelay) waitPublished(t *testing.T, kind int, timeout time.Duration) *relay.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-r.published:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for published event of kind %d", kind)
		}
	}
}

// waitSubscription blocks until a REQ filtered on the given author is
// live.
func (r *fakeRelay) waitSubscription(t *testing.T, author string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, sub := range r.subs {
			if containsString(sub.filter.Authors, author) {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for subscription on author %s", author)
}

// walletStub is the backend used by integration tests. Payments succeed
// unless the decoded invoice is unknown.
type walletStub struct {
	mu          sync.Mutex
	balanceSats int64
	payreqs     map[string]*backend.PayReq
	paid        []string
}

func newWalletStub() *walletStub {
	return &walletStub{
		balanceSats: 50_000,
		payreqs: map[string]*backend.PayReq{
			"inv600": {AmountSats: 600, PaymentHash: "h600"},
			"inv500": {AmountSats: 500, PaymentHash: "h500"},
		},
	}
}

func (w *walletStub) GetNodeInfo(ctx context.Context) (*backend.NodeInfo, error) {
	return &backend.NodeInfo{Alias: "stub", Network: "regtest"}, nil
}

func (w *walletStub) GetBalance(ctx context.Context) (*backend.Balance, error) {
	return &backend.Balance{Sats: w.balanceSats}, nil
}

func (w *walletStub) DecodePaymentRequest(ctx context.Context, invoice string) (*backend.PayReq, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	payreq, ok := w.payreqs[invoice]
	if !ok {
		return nil, fmt.Errorf("unknown invoice %q", invoice)
	}
	return payreq, nil
}

func (w *walletStub) PayInvoice(ctx context.Context, req backend.PayInvoiceRequest) (*backend.PaymentResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paid = append(w.paid, req.Invoice)
	return &backend.PaymentResult{Preimage: "aa55", FeeSats: 1}, nil
}

func (w *walletStub) PayKeysend(ctx context.Context, req backend.KeysendRequest) (*backend.PaymentResult, error) {
	return &backend.PaymentResult{Preimage: req.Preimage}, nil
}

func (w *walletStub) CreateInvoice(ctx context.Context, params backend.InvoiceParams) (*backend.Invoice, error) {
	return &backend.Invoice{
		PaymentRequest: "lnbcrt1stub",
		PaymentHash:    "hstub",
		AmountSats:     params.AmountSats,
		CreationDate:   time.Now().Unix(),
	}, nil
}

func (w *walletStub) LookupInvoice(ctx context.Context, paymentHash string) (*backend.Invoice, error) {
	return nil, fmt.Errorf("invoice %s not found", paymentHash)
}

func (w *walletStub) ListTransactions(ctx context.Context) ([]backend.Transaction, error) {
	return nil, nil
}

func (w *walletStub) SignMessage(ctx context.Context, message string) (string, error) {
	return "stubsig", nil
}
