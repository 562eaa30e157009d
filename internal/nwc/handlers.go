package nwc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/nwcd/nwcd/internal/backend"
	"github.com/nwcd/nwcd/internal/relay"
)

// Wire payloads follow NIP-47: every amount crossing the relay is in
// millisatoshis, while the backend speaks whole sats.

type payInvoiceParams struct {
	Invoice    string `json:"invoice"`
	AmountMsat int64  `json:"amount,omitempty"` // override for zero-amount invoices
}

type payInvoiceResult struct {
	Preimage     string `json:"preimage"`
	FeesPaidMsat int64  `json:"fees_paid"`
}

type payKeysendParams struct {
	AmountMsat int64  `json:"amount"`
	Pubkey     string `json:"pubkey"`
	Preimage   string `json:"preimage,omitempty"`
	TLVRecords []struct {
		Type  uint64 `json:"type"`
		Value string `json:"value"`
	} `json:"tlv_records,omitempty"`
}

type makeInvoiceParams struct {
	AmountMsat      int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	ExpirySeconds   int64  `json:"expiry,omitempty"`
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash,omitempty"`
	Invoice     string `json:"invoice,omitempty"`
}

type listTransactionsParams struct {
	From   int64  `json:"from,omitempty"`
	Until  int64  `json:"until,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
	Unpaid bool   `json:"unpaid,omitempty"`
	Type   string `json:"type,omitempty"`
}

type signMessageParams struct {
	Message string `json:"message"`
}

type signMessageResult struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

type getInfoResult struct {
	Alias       string   `json:"alias"`
	Color       string   `json:"color"`
	Pubkey      string   `json:"pubkey"`
	Network     string   `json:"network"`
	BlockHeight uint32   `json:"block_height"`
	BlockHash   string   `json:"block_hash"`
	Methods     []string `json:"methods"`
}

type getBalanceResult struct {
	BalanceMsat int64 `json:"balance"`
}

type transactionPayload struct {
	Type            string `json:"type"`
	Invoice         string `json:"invoice,omitempty"`
	Description     string `json:"description,omitempty"`
	DescriptionHash string `json:"description_hash,omitempty"`
	Preimage        string `json:"preimage,omitempty"`
	PaymentHash     string `json:"payment_hash"`
	AmountMsat      int64  `json:"amount"`
	FeesPaidMsat    int64  `json:"fees_paid"`
	CreatedAt       int64  `json:"created_at,omitempty"`
	ExpiresAt       int64  `json:"expires_at,omitempty"`
	SettledAt       int64  `json:"settled_at,omitempty"`
}

type listTransactionsResult struct {
	Transactions []transactionPayload `json:"transactions"`
}

func decodeParams(req *relay.WalletRequest, out interface{}) error {
	if len(req.Params) == 0 {
		return nil
	}
	return json.Unmarshal(req.Params, out)
}

func (d *Dispatcher) handleGetInfo(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	info, err := d.wallet.GetNodeInfo(ctx)
	if err != nil {
		d.logger.Error("get node info", zap.Error(err))
		return errorResponse(req.Method, CodeInternalError, "failed to fetch node info"), 0
	}
	return resultResponse(req.Method, getInfoResult{
		Alias:       info.Alias,
		Color:       info.Color,
		Pubkey:      info.Pubkey,
		Network:     info.Network,
		BlockHeight: info.BlockHeight,
		BlockHash:   info.BlockHash,
		Methods:     conn.Permissions,
	}), 0
}

func (d *Dispatcher) handleGetBalance(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	balance, err := d.wallet.GetBalance(ctx)
	if err != nil {
		d.logger.Error("get balance", zap.Error(err))
		return errorResponse(req.Method, CodeInternalError, "failed to fetch balance"), 0
	}
	return resultResponse(req.Method, getBalanceResult{BalanceMsat: balance.Sats * 1000}), 0
}

func (d *Dispatcher) handlePayInvoice(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	var params payInvoiceParams
	if err := decodeParams(req, &params); err != nil || params.Invoice == "" {
		return errorResponse(req.Method, CodeInvalidInvoice, "missing or malformed invoice"), 0
	}

	payreq, err := d.wallet.DecodePaymentRequest(ctx, params.Invoice)
	if err != nil {
		return errorResponse(req.Method, CodeInvalidInvoice, "could not decode payment request"), 0
	}
	if payreq.IsExpired(time.Now().Unix()) {
		return errorResponse(req.Method, CodeInvoiceExpired, "payment request has expired"), 0
	}

	amountSats := payreq.AmountSats
	var overrideSats int64
	if amountSats == 0 {
		overrideSats = params.AmountMsat / 1000
		amountSats = overrideSats
	}
	if amountSats <= 0 {
		return errorResponse(req.Method, CodeInvalidInvoice, "payment request has no amount"), 0
	}

	result, errResp := d.guardedSpend(ctx, conn.ID, req.Method, amountSats, func(ctx context.Context) (*backend.PaymentResult, error) {
		return d.wallet.PayInvoice(ctx, backend.PayInvoiceRequest{
			Invoice:    params.Invoice,
			AmountSats: overrideSats,
		})
	})
	if errResp != nil {
		return errResp, amountSats * 1000
	}
	return resultResponse(req.Method, payInvoiceResult{
		Preimage:     result.Preimage,
		FeesPaidMsat: result.FeeSats * 1000,
	}), amountSats * 1000
}

func (d *Dispatcher) handlePayKeysend(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	var params payKeysendParams
	if err := decodeParams(req, &params); err != nil || params.Pubkey == "" {
		return errorResponse(req.Method, CodeInternalError, "missing destination pubkey"), 0
	}
	amountSats := params.AmountMsat / 1000
	if amountSats <= 0 {
		return errorResponse(req.Method, CodeInternalError, "keysend amount must be positive"), 0
	}

	preimage := params.Preimage
	if preimage == "" {
		var raw [32]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return errorResponse(req.Method, CodeInternalError, "failed to generate preimage"), 0
		}
		preimage = hex.EncodeToString(raw[:])
	}

	tlv := make(map[uint64][]byte, len(params.TLVRecords))
	for _, rec := range params.TLVRecords {
		value, err := hex.DecodeString(rec.Value)
		if err != nil {
			return errorResponse(req.Method, CodeInternalError, "malformed tlv record value"), 0
		}
		tlv[rec.Type] = value
	}

	result, errResp := d.guardedSpend(ctx, conn.ID, req.Method, amountSats, func(ctx context.Context) (*backend.PaymentResult, error) {
		return d.wallet.PayKeysend(ctx, backend.KeysendRequest{
			DestPubkey: params.Pubkey,
			AmountSats: amountSats,
			Preimage:   preimage,
			TLVRecords: tlv,
		})
	})
	if errResp != nil {
		return errResp, params.AmountMsat
	}
	return resultResponse(req.Method, payInvoiceResult{
		Preimage:     result.Preimage,
		FeesPaidMsat: result.FeeSats * 1000,
	}), params.AmountMsat
}

// guardedSpend runs the budget check, the payment, and the spend commit
// under the connection's spend lock. The commit records the invoice
// amount only; routing fees do not count against the budget.
func (d *Dispatcher) guardedSpend(ctx context.Context, connectionID, method string, amountSats int64, pay func(ctx context.Context) (*backend.PaymentResult, error)) (*backend.PaymentResult, *relay.WalletResponse) {
	mu := d.spendLock(connectionID)
	mu.Lock()
	defer mu.Unlock()

	reset, err := d.registry.CheckAndResetBudget(connectionID)
	if err != nil {
		d.logger.Error("budget reset check failed",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
		return nil, errorResponse(method, CodeInternalError, "budget state unavailable")
	}
	if reset {
		d.metrics.RecordBudgetReset()
	}

	conn, ok := d.registry.Get(connectionID)
	if !ok {
		return nil, errorResponse(method, CodeUnauthorized, "unknown connection")
	}
	if conn.IsExpired() {
		return nil, errorResponse(method, CodeUnauthorized, "connection has expired")
	}
	if !conn.CanSpend(amountSats) {
		d.metrics.RecordQuotaRejection()
		return nil, errorResponse(method, CodeQuotaExceeded, "payment exceeds the connection budget")
	}

	result, err := pay(ctx)
	if err != nil {
		var payErr *backend.PaymentError
		if errors.As(err, &payErr) {
			d.metrics.RecordPayment("failed")
			return nil, errorResponse(method, CodePaymentFailed, payErr.Reason)
		}
		d.logger.Error("payment backend error",
			zap.String("connection_id", connectionID),
			zap.Error(err),
		)
		d.metrics.RecordPayment("error")
		return nil, errorResponse(method, CodeInternalError, "payment backend unavailable")
	}
	d.metrics.RecordPayment("settled")

	if err := d.registry.AddSpending(connectionID, amountSats); err != nil {
		// The payment settled; the spend must be reflected even if the
		// snapshot write failed once. Log loudly rather than refund.
		d.logger.Error("failed to commit spend after settled payment",
			zap.String("connection_id", connectionID),
			zap.Int64("amount_sats", amountSats),
			zap.Error(err),
		)
	}
	return result, nil
}

func (d *Dispatcher) handleMakeInvoice(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	var params makeInvoiceParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(req.Method, CodeInternalError, "malformed make_invoice params"), 0
	}
	if params.AmountMsat <= 0 {
		return errorResponse(req.Method, CodeInternalError, "invoice amount must be positive"), 0
	}

	invoice, err := d.wallet.CreateInvoice(ctx, backend.InvoiceParams{
		AmountSats:    params.AmountMsat / 1000,
		Memo:          params.Description,
		ExpirySeconds: params.ExpirySeconds,
	})
	if err != nil {
		d.logger.Error("create invoice", zap.Error(err))
		return errorResponse(req.Method, CodeInternalError, "failed to create invoice"), 0
	}
	return resultResponse(req.Method, invoiceToPayload(invoice)), params.AmountMsat
}

func (d *Dispatcher) handleLookupInvoice(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	var params lookupInvoiceParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(req.Method, CodeInternalError, "malformed lookup_invoice params"), 0
	}

	hash := params.PaymentHash
	if hash == "" && params.Invoice != "" {
		payreq, err := d.wallet.DecodePaymentRequest(ctx, params.Invoice)
		if err != nil {
			return errorResponse(req.Method, CodeInvalidInvoice, "could not decode payment request"), 0
		}
		hash = payreq.PaymentHash
	}
	if hash == "" {
		return errorResponse(req.Method, CodeNotFound, "payment_hash or invoice is required"), 0
	}
	hash = normalizePaymentHash(hash)

	invoice, err := d.wallet.LookupInvoice(ctx, hash)
	if err != nil {
		return errorResponse(req.Method, CodeNotFound, "invoice not found"), 0
	}
	return resultResponse(req.Method, invoiceToPayload(invoice)), 0
}

func (d *Dispatcher) handleListTransactions(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	var params listTransactionsParams
	if err := decodeParams(req, &params); err != nil {
		return errorResponse(req.Method, CodeInternalError, "malformed list_transactions params"), 0
	}

	txs, err := d.wallet.ListTransactions(ctx)
	if err != nil {
		d.logger.Error("list transactions", zap.Error(err))
		return errorResponse(req.Method, CodeInternalError, "failed to list transactions"), 0
	}

	filtered := make([]transactionPayload, 0, len(txs))
	for _, tx := range txs {
		if !params.Unpaid && !tx.Settled {
			continue
		}
		if params.Type != "" && params.Type != string(tx.Type) {
			continue
		}
		if params.From > 0 && tx.Timestamp < params.From {
			continue
		}
		if params.Until > 0 && tx.Timestamp > params.Until {
			continue
		}
		payload := transactionPayload{
			Type:         string(tx.Type),
			Description:  tx.Description,
			PaymentHash:  tx.PaymentHash,
			AmountMsat:   tx.AmountSats * 1000,
			FeesPaidMsat: tx.FeeSats * 1000,
			CreatedAt:    tx.Timestamp,
		}
		if tx.Settled {
			payload.SettledAt = tx.Timestamp
		}
		filtered = append(filtered, payload)
	}

	if params.Offset > 0 {
		if params.Offset >= len(filtered) {
			filtered = filtered[:0]
		} else {
			filtered = filtered[params.Offset:]
		}
	}
	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[:params.Limit]
	}
	return resultResponse(req.Method, listTransactionsResult{Transactions: filtered}), 0
}

func (d *Dispatcher) handleSignMessage(ctx context.Context, conn *Connection, req *relay.WalletRequest) (*relay.WalletResponse, int64) {
	var params signMessageParams
	if err := decodeParams(req, &params); err != nil || params.Message == "" {
		return errorResponse(req.Method, CodeInternalError, "message is required"), 0
	}

	signature, err := d.wallet.SignMessage(ctx, params.Message)
	if err != nil {
		d.logger.Error("sign message", zap.Error(err))
		return errorResponse(req.Method, CodeInternalError, "failed to sign message"), 0
	}
	return resultResponse(req.Method, signMessageResult{
		Message:   params.Message,
		Signature: signature,
	}), 0
}

// normalizePaymentHash accepts clients that send the hash base64-encoded
// the way lnd's REST API renders it.
func normalizePaymentHash(hash string) string {
	if _, err := hex.DecodeString(hash); err == nil && len(hash) == 64 {
		return hash
	}
	if raw, err := base64.StdEncoding.DecodeString(hash); err == nil && len(raw) == 32 {
		return hex.EncodeToString(raw)
	}
	return hash
}

func invoiceToPayload(inv *backend.Invoice) transactionPayload {
	payload := transactionPayload{
		Type:            string(backend.TransactionIncoming),
		Invoice:         inv.PaymentRequest,
		Description:     inv.Memo,
		DescriptionHash: inv.DescriptionHash,
		PaymentHash:     inv.PaymentHash,
		AmountMsat:      inv.AmountSats * 1000,
		CreatedAt:       inv.CreationDate,
	}
	if inv.ExpirySeconds > 0 && inv.CreationDate > 0 {
		payload.ExpiresAt = inv.CreationDate + inv.ExpirySeconds
	}
	if inv.Settled {
		payload.Preimage = inv.Preimage
		payload.SettledAt = inv.SettleDate
	}
	return payload
}
