// Package backend defines the wallet capability interface the NWC service
// drives, plus an LND REST implementation. All amounts cross this boundary
// in whole satoshis; msat conversion is the dispatcher's concern.
package backend

import (
	"context"
	"fmt"
)

// NodeInfo describes the backing node's identity.
type NodeInfo struct {
	Alias       string
	Color       string
	Pubkey      string
	Network     string
	BlockHeight uint32
	BlockHash   string
}

// Balance is the spendable lightning balance in whole sats.
type Balance struct {
	Sats int64
}

// PayReq is a decoded bolt11 payment request.
type PayReq struct {
	Destination     string
	PaymentHash     string
	AmountSats      int64
	Description     string
	DescriptionHash string
	Timestamp       int64
	ExpirySeconds   int64
}

// IsExpired reports whether the invoice's validity window has passed.
func (p *PayReq) IsExpired(nowUnix int64) bool {
	if p.Timestamp == 0 || p.ExpirySeconds == 0 {
		return false
	}
	return nowUnix > p.Timestamp+p.ExpirySeconds
}

// PayInvoiceRequest parameterizes a bolt11 payment.
type PayInvoiceRequest struct {
	Invoice string
	// AmountSats supplies the amount for zero-amount payment requests.
	// Ignored for invoices that carry their own amount.
	AmountSats     int64
	TimeoutSeconds int
	FeeLimitSats   int64
}

// KeysendRequest parameterizes a spontaneous payment.
type KeysendRequest struct {
	DestPubkey string
	AmountSats int64
	Preimage   string
	TLVRecords map[uint64][]byte
}

// PaymentResult is a settled outgoing payment.
type PaymentResult struct {
	Preimage    string
	PaymentHash string
	FeeSats     int64
}

// InvoiceParams parameterizes invoice creation.
type InvoiceParams struct {
	AmountSats    int64
	Memo          string
	ExpirySeconds int64
}

// Invoice is an invoice as known to the node.
type Invoice struct {
	PaymentRequest  string
	PaymentHash     string
	Preimage        string
	Memo            string
	DescriptionHash string
	AmountSats      int64
	Settled         bool
	CreationDate    int64
	SettleDate      int64
	ExpirySeconds   int64
}

// TransactionType distinguishes fund direction.
type TransactionType string

const (
	TransactionIncoming TransactionType = "incoming"
	TransactionOutgoing TransactionType = "outgoing"
)

// Transaction is one wallet ledger entry.
type Transaction struct {
	Type        TransactionType
	Settled     bool
	AmountSats  int64
	FeeSats     int64
	PaymentHash string
	Description string
	Timestamp   int64
}

// PaymentError is returned when the node reports a payment-level failure
// (no route, insufficient balance) as opposed to a transport error.
type PaymentError struct {
	Reason string
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("payment failed: %s", e.Reason)
}

// Wallet is the capability surface the NWC dispatcher consumes. Every
// method blocks on node I/O and honors ctx cancellation.
type Wallet interface {
	GetNodeInfo(ctx context.Context) (*NodeInfo, error)
	GetBalance(ctx context.Context) (*Balance, error)
	DecodePaymentRequest(ctx context.Context, invoice string) (*PayReq, error)
	PayInvoice(ctx context.Context, req PayInvoiceRequest) (*PaymentResult, error)
	PayKeysend(ctx context.Context, req KeysendRequest) (*PaymentResult, error)
	CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error)
	LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error)
	ListTransactions(ctx context.Context) ([]Transaction, error)
	SignMessage(ctx context.Context, message string) (string, error)
}
