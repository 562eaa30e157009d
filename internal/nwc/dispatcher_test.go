package nwc

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nwcd/nwcd/internal/backend"
	"github.com/nwcd/nwcd/internal/relay"
	"github.com/nwcd/nwcd/internal/storage"
)

type fakeWallet struct {
	balanceSats int64
	payreqs     map[string]*backend.PayReq
	payErr      error
	feeSats     int64
	payCalls    int
	lastPay     backend.PayInvoiceRequest
	invoices    map[string]*backend.Invoice
	txs         []backend.Transaction
	signature   string
}

func (w *fakeWallet) GetNodeInfo(ctx context.Context) (*backend.NodeInfo, error) {
	return &backend.NodeInfo{Alias: "test-node", Network: "regtest", Pubkey: "02abc"}, nil
}

func (w *fakeWallet) GetBalance(ctx context.Context) (*backend.Balance, error) {
	return &backend.Balance{Sats: w.balanceSats}, nil
}

func (w *fakeWallet) DecodePaymentRequest(ctx context.Context, invoice string) (*backend.PayReq, error) {
	payreq, ok := w.payreqs[invoice]
	if !ok {
		return nil, fmt.Errorf("cannot decode %q", invoice)
	}
	return payreq, nil
}

func (w *fakeWallet) PayInvoice(ctx context.Context, req backend.PayInvoiceRequest) (*backend.PaymentResult, error) {
	w.payCalls++
	w.lastPay = req
	if w.payErr != nil {
		return nil, w.payErr
	}
	return &backend.PaymentResult{Preimage: "00ff", PaymentHash: "aa11", FeeSats: w.feeSats}, nil
}

func (w *fakeWallet) PayKeysend(ctx context.Context, req backend.KeysendRequest) (*backend.PaymentResult, error) {
	w.payCalls++
	if w.payErr != nil {
		return nil, w.payErr
	}
	return &backend.PaymentResult{Preimage: req.Preimage, FeeSats: w.feeSats}, nil
}

func (w *fakeWallet) CreateInvoice(ctx context.Context, params backend.InvoiceParams) (*backend.Invoice, error) {
	return &backend.Invoice{
		PaymentRequest: "lnbcrt1fake",
		PaymentHash:    "bb22",
		Memo:           params.Memo,
		AmountSats:     params.AmountSats,
		CreationDate:   time.Now().Unix(),
		ExpirySeconds:  params.ExpirySeconds,
	}, nil
}

func (w *fakeWallet) LookupInvoice(ctx context.Context, paymentHash string) (*backend.Invoice, error) {
	inv, ok := w.invoices[paymentHash]
	if !ok {
		return nil, fmt.Errorf("invoice %s not found", paymentHash)
	}
	return inv, nil
}

func (w *fakeWallet) ListTransactions(ctx context.Context) ([]backend.Transaction, error) {
	return w.txs, nil
}

func (w *fakeWallet) SignMessage(ctx context.Context, message string) (string, error) {
	return w.signature, nil
}

type fakeActivity struct {
	mu      sync.Mutex
	entries []storage.ActivityEntry
}

func (a *fakeActivity) Record(entry storage.ActivityEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

var eventSeq int

func request(method, params string) *relay.WalletRequest {
	eventSeq++
	return &relay.WalletRequest{
		EventID: fmt.Sprintf("ev-%d", eventSeq),
		Method:  method,
		Params:  json.RawMessage(params),
	}
}

func newTestDispatcher(t *testing.T, wallet backend.Wallet, activity activityRecorder) (*Dispatcher, *Registry, Connection) {
	t.Helper()
	reg, _ := newTestRegistry(t)
	params := testParams("spender")
	params.Permissions = AllMethods()
	params.MaxAmountSats = 1000
	conn, err := reg.Create(params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := NewDispatcher(reg, wallet, activity, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d, reg, conn
}

func TestPayInvoiceWithinBudget(t *testing.T) {
	wallet := &fakeWallet{payreqs: map[string]*backend.PayReq{
		"inv600": {AmountSats: 600, PaymentHash: "h600"},
	}}
	d, reg, conn := newTestDispatcher(t, wallet, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv600"}`))
	if resp.Error != nil {
		t.Fatalf("pay_invoice failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(payInvoiceResult)
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	if result.Preimage != "00ff" {
		t.Errorf("preimage = %q", result.Preimage)
	}

	got, _ := reg.Get(conn.ID)
	if got.TotalSpendSats != 600 {
		t.Errorf("total spend = %d, want 600", got.TotalSpendSats)
	}
}

func TestPayInvoiceQuotaExceeded(t *testing.T) {
	wallet := &fakeWallet{payreqs: map[string]*backend.PayReq{
		"inv600": {AmountSats: 600},
		"inv500": {AmountSats: 500},
	}}
	d, reg, conn := newTestDispatcher(t, wallet, nil)

	if resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv600"}`)); resp.Error != nil {
		t.Fatalf("first payment failed: %+v", resp.Error)
	}

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv500"}`))
	if resp.Error == nil || resp.Error.Code != CodeQuotaExceeded {
		t.Fatalf("second payment: error = %+v, want QUOTA_EXCEEDED", resp.Error)
	}
	if wallet.payCalls != 1 {
		t.Errorf("backend called %d times, want 1 (rejected payment must not reach the node)", wallet.payCalls)
	}
	got, _ := reg.Get(conn.ID)
	if got.TotalSpendSats != 600 {
		t.Errorf("total spend = %d after rejection, want 600", got.TotalSpendSats)
	}
}

func TestRoutingFeesExcludedFromBudget(t *testing.T) {
	wallet := &fakeWallet{
		feeSats: 50,
		payreqs: map[string]*backend.PayReq{"inv1000": {AmountSats: 1000}},
	}
	d, reg, conn := newTestDispatcher(t, wallet, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv1000"}`))
	if resp.Error != nil {
		t.Fatalf("payment at exactly the budget should succeed: %+v", resp.Error)
	}

	got, _ := reg.Get(conn.ID)
	if got.TotalSpendSats != 1000 {
		t.Errorf("total spend = %d, want 1000 (fees do not count)", got.TotalSpendSats)
	}
}

func TestPaymentFailureMapping(t *testing.T) {
	wallet := &fakeWallet{
		payErr:  &backend.PaymentError{Reason: "no route to destination"},
		payreqs: map[string]*backend.PayReq{"inv100": {AmountSats: 100}},
	}
	d, reg, conn := newTestDispatcher(t, wallet, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv100"}`))
	if resp.Error == nil || resp.Error.Code != CodePaymentFailed {
		t.Fatalf("error = %+v, want PAYMENT_FAILED", resp.Error)
	}
	if resp.Error.Message != "no route to destination" {
		t.Errorf("message = %q, want the node's failure reason", resp.Error.Message)
	}
	got, _ := reg.Get(conn.ID)
	if got.TotalSpendSats != 0 {
		t.Errorf("failed payment must not count against the budget, spend = %d", got.TotalSpendSats)
	}
}

func TestExpiredInvoiceRejected(t *testing.T) {
	wallet := &fakeWallet{payreqs: map[string]*backend.PayReq{
		"old": {AmountSats: 100, Timestamp: time.Now().Add(-2 * time.Hour).Unix(), ExpirySeconds: 3600},
	}}
	d, _, conn := newTestDispatcher(t, wallet, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"old"}`))
	if resp.Error == nil || resp.Error.Code != CodeInvoiceExpired {
		t.Fatalf("error = %+v, want INVOICE_EXPIRED", resp.Error)
	}
	if wallet.payCalls != 0 {
		t.Errorf("expired invoice must not reach the node")
	}
}

func TestUndecodableInvoiceRejected(t *testing.T) {
	d, _, conn := newTestDispatcher(t, &fakeWallet{payreqs: map[string]*backend.PayReq{}}, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"garbage"}`))
	if resp.Error == nil || resp.Error.Code != CodeInvalidInvoice {
		t.Fatalf("error = %+v, want INVALID_INVOICE", resp.Error)
	}
}

func TestExpiredConnectionCannotSpend(t *testing.T) {
	wallet := &fakeWallet{payreqs: map[string]*backend.PayReq{"inv100": {AmountSats: 100}}}
	d, reg, conn := newTestDispatcher(t, wallet, nil)

	past := time.Now().Add(-time.Minute)
	if err := reg.Update(conn.ID, UpdateConnectionParams{ExpiresAt: &past}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv100"}`))
	if resp.Error == nil || resp.Error.Code != CodeUnauthorized {
		t.Fatalf("error = %+v, want UNAUTHORIZED", resp.Error)
	}
	if wallet.payCalls != 0 {
		t.Errorf("expired connection must not reach the node")
	}
}

func TestMethodNotPermitted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	params := testParams("readonly")
	params.Permissions = []string{MethodGetBalance}
	conn, err := reg.Create(params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := NewDispatcher(reg, &fakeWallet{}, nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"x"}`))
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("error = %+v, want NOT_FOUND for unpermitted method", resp.Error)
	}
}

func TestUnknownMethod(t *testing.T) {
	reg, _ := newTestRegistry(t)
	params := testParams("odd")
	params.Permissions = []string{"open_channel"}
	conn, err := reg.Create(params)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d, err := NewDispatcher(reg, &fakeWallet{}, nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	resp := d.Handle(context.Background(), conn.ID, request("open_channel", `{}`))
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("error = %+v, want NOT_FOUND for unknown method", resp.Error)
	}
}

func TestUnknownConnection(t *testing.T) {
	reg, _ := newTestRegistry(t)
	d, err := NewDispatcher(reg, &fakeWallet{}, nil, nil)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	resp := d.Handle(context.Background(), "missing", request(MethodGetBalance, `{}`))
	if resp.Error == nil || resp.Error.Code != CodeUnauthorized {
		t.Fatalf("error = %+v, want UNAUTHORIZED", resp.Error)
	}
}

func TestGetBalanceMillisats(t *testing.T) {
	d, _, conn := newTestDispatcher(t, &fakeWallet{balanceSats: 21000}, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodGetBalance, `{}`))
	if resp.Error != nil {
		t.Fatalf("get_balance failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(getBalanceResult)
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	if result.BalanceMsat != 21_000_000 {
		t.Errorf("balance = %d msat, want 21000000", result.BalanceMsat)
	}
}

func TestDuplicateEventDropped(t *testing.T) {
	d, _, conn := newTestDispatcher(t, &fakeWallet{balanceSats: 1}, nil)

	req := request(MethodGetBalance, `{}`)
	if resp := d.Handle(context.Background(), conn.ID, req); resp == nil {
		t.Fatalf("first delivery should produce a response")
	}
	if resp := d.Handle(context.Background(), conn.ID, req); resp != nil {
		t.Fatalf("duplicate delivery should be dropped, got %+v", resp)
	}
}

func TestActivityRecorded(t *testing.T) {
	activity := &fakeActivity{}
	wallet := &fakeWallet{payreqs: map[string]*backend.PayReq{"inv100": {AmountSats: 100}}}
	d, _, conn := newTestDispatcher(t, wallet, activity)

	d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv100"}`))
	d.Handle(context.Background(), conn.ID, request(MethodGetBalance, `{}`))

	if len(activity.entries) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(activity.entries))
	}
	pay := activity.entries[0]
	if pay.Method != MethodPayInvoice || pay.ResultCode != "" || pay.AmountMsat != 100_000 {
		t.Errorf("pay_invoice entry = %+v", pay)
	}
	if activity.entries[1].Method != MethodGetBalance {
		t.Errorf("second entry = %+v", activity.entries[1])
	}
}

func TestFirstUseCallbackFiresOnce(t *testing.T) {
	d, _, conn := newTestDispatcher(t, &fakeWallet{balanceSats: 1}, nil)

	fired := 0
	d.OnFirstUse = func(c Connection) {
		if c.ID != conn.ID {
			t.Errorf("callback for connection %s, want %s", c.ID, conn.ID)
		}
		fired++
	}

	d.Handle(context.Background(), conn.ID, request(MethodGetBalance, `{}`))
	d.Handle(context.Background(), conn.ID, request(MethodGetBalance, `{}`))
	if fired != 1 {
		t.Errorf("first-use callback fired %d times, want 1", fired)
	}
}

func TestSignMessage(t *testing.T) {
	d, _, conn := newTestDispatcher(t, &fakeWallet{signature: "sig123"}, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodSignMessage, `{"message":"hello"}`))
	if resp.Error != nil {
		t.Fatalf("sign_message failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(signMessageResult)
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	if result.Signature != "sig123" || result.Message != "hello" {
		t.Errorf("result = %+v", result)
	}
}

func TestListTransactionsFiltering(t *testing.T) {
	now := time.Now().Unix()
	wallet := &fakeWallet{txs: []backend.Transaction{
		{Type: backend.TransactionIncoming, Settled: true, AmountSats: 10, Timestamp: now - 100},
		{Type: backend.TransactionOutgoing, Settled: true, AmountSats: 20, Timestamp: now - 50},
		{Type: backend.TransactionIncoming, Settled: false, AmountSats: 30, Timestamp: now - 10},
	}}
	d, _, conn := newTestDispatcher(t, wallet, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodListTransactions, `{"type":"incoming"}`))
	if resp.Error != nil {
		t.Fatalf("list_transactions failed: %+v", resp.Error)
	}
	result, ok := resp.Result.(listTransactionsResult)
	if !ok {
		t.Fatalf("result type = %T", resp.Result)
	}
	// Unsettled entries are excluded unless unpaid is requested.
	if len(result.Transactions) != 1 {
		t.Fatalf("got %d transactions, want 1", len(result.Transactions))
	}
	if result.Transactions[0].AmountMsat != 10_000 {
		t.Errorf("amount = %d msat, want 10000", result.Transactions[0].AmountMsat)
	}
}

func TestLookupInvoice(t *testing.T) {
	hash := "aa" + strings.Repeat("00", 31)
	raw, _ := hex.DecodeString(hash)
	wallet := &fakeWallet{invoices: map[string]*backend.Invoice{
		hash: {PaymentHash: hash, AmountSats: 42, Settled: true, Preimage: "feed", SettleDate: 1700000000},
	}}
	d, _, conn := newTestDispatcher(t, wallet, nil)

	for name, param := range map[string]string{
		"hex":    hash,
		"base64": base64.StdEncoding.EncodeToString(raw),
	} {
		resp := d.Handle(context.Background(), conn.ID, request(MethodLookupInvoice, fmt.Sprintf(`{"payment_hash":%q}`, param)))
		if resp.Error != nil {
			t.Fatalf("%s lookup failed: %+v", name, resp.Error)
		}
		result, ok := resp.Result.(transactionPayload)
		if !ok {
			t.Fatalf("result type = %T", resp.Result)
		}
		if result.AmountMsat != 42_000 || result.Preimage != "feed" {
			t.Errorf("%s lookup result = %+v", name, result)
		}
	}

	resp := d.Handle(context.Background(), conn.ID, request(MethodLookupInvoice, `{"payment_hash":"dead"}`))
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("unknown hash: error = %+v, want NOT_FOUND", resp.Error)
	}
}

func TestPayZeroAmountInvoiceForwardsOverride(t *testing.T) {
	wallet := &fakeWallet{payreqs: map[string]*backend.PayReq{
		"inv0":   {AmountSats: 0, PaymentHash: "h0"},
		"inv600": {AmountSats: 600, PaymentHash: "h600"},
	}}
	d, reg, conn := newTestDispatcher(t, wallet, nil)

	resp := d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv0","amount":25000}`))
	if resp.Error != nil {
		t.Fatalf("zero-amount payment failed: %+v", resp.Error)
	}
	if wallet.lastPay.Invoice != "inv0" || wallet.lastPay.AmountSats != 25 {
		t.Fatalf("backend request = %+v, want amount override of 25 sats", wallet.lastPay)
	}
	got, _ := reg.Get(conn.ID)
	if got.TotalSpendSats != 25 {
		t.Errorf("total spend = %d, want 25", got.TotalSpendSats)
	}

	// Invoices that carry their own amount keep it authoritative.
	resp = d.Handle(context.Background(), conn.ID, request(MethodPayInvoice, `{"invoice":"inv600","amount":999000}`))
	if resp.Error != nil {
		t.Fatalf("amount-carrying payment failed: %+v", resp.Error)
	}
	if wallet.lastPay.AmountSats != 0 {
		t.Errorf("override forwarded for an amount-carrying invoice: %+v", wallet.lastPay)
	}
}

type blockingWallet struct {
	fakeWallet
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
}

func (w *blockingWallet) PayInvoice(ctx context.Context, req backend.PayInvoiceRequest) (*backend.PaymentResult, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	w.started <- struct{}{}
	<-w.release
	return &backend.PaymentResult{Preimage: "00ff", PaymentHash: "aa11"}, nil
}

func TestConcurrentPaymentsSerializedPerConnection(t *testing.T) {
	wallet := &blockingWallet{
		fakeWallet: fakeWallet{payreqs: map[string]*backend.PayReq{"inv600": {AmountSats: 600}}},
		started:    make(chan struct{}, 2),
		release:    make(chan struct{}),
	}
	d, reg, conn := newTestDispatcher(t, wallet, nil)

	reqA := request(MethodPayInvoice, `{"invoice":"inv600"}`)
	reqB := request(MethodPayInvoice, `{"invoice":"inv600"}`)

	results := make(chan *relay.WalletResponse, 2)
	go func() { results <- d.Handle(context.Background(), conn.ID, reqA) }()
	go func() { results <- d.Handle(context.Background(), conn.ID, reqB) }()

	// One payment is in flight; the second request must queue behind the
	// spend lock and see the committed total, not a stale one.
	<-wallet.started
	close(wallet.release)

	var paid, rejected int
	for i := 0; i < 2; i++ {
		resp := <-results
		switch {
		case resp.Error == nil:
			paid++
		case resp.Error.Code == CodeQuotaExceeded:
			rejected++
		default:
			t.Fatalf("unexpected error: %+v", resp.Error)
		}
	}
	if paid != 1 || rejected != 1 {
		t.Fatalf("got %d settled and %d rejected, want exactly one of each", paid, rejected)
	}

	wallet.mu.Lock()
	calls := wallet.calls
	wallet.mu.Unlock()
	if calls != 1 {
		t.Errorf("backend called %d times, want 1", calls)
	}
	got, _ := reg.Get(conn.ID)
	if got.TotalSpendSats != 600 {
		t.Errorf("total spend = %d, want 600", got.TotalSpendSats)
	}
}
