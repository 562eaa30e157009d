package nwc

import "errors"

// Registry and key-store errors, surfaced synchronously to the caller
// that initiated the mutation.
var (
	ErrEmptyName          = errors.New("connection name is empty")
	ErrDuplicateName      = errors.New("connection name already in use")
	ErrConnectionNotFound = errors.New("connection not found")
	ErrNoPermissions      = errors.New("connection needs at least one permission")
	ErrKeyNotFound        = errors.New("client key not found")
)

// NIP-47 error codes returned to remote callers.
const (
	CodeInternalError  = "INTERNAL_ERROR"
	CodeQuotaExceeded  = "QUOTA_EXCEEDED"
	CodeNotFound       = "NOT_FOUND"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodePaymentFailed  = "PAYMENT_FAILED"
	CodeInvoiceExpired = "INVOICE_EXPIRED"
	CodeInvalidInvoice = "INVALID_INVOICE"
)

// RPC methods a connection may be permitted to invoke.
const (
	MethodGetInfo          = "get_info"
	MethodGetBalance       = "get_balance"
	MethodPayInvoice       = "pay_invoice"
	MethodMakeInvoice      = "make_invoice"
	MethodLookupInvoice    = "lookup_invoice"
	MethodListTransactions = "list_transactions"
	MethodPayKeysend       = "pay_keysend"
	MethodSignMessage      = "sign_message"
)

// AllMethods returns the full-access permission set, the default for new
// connections.
func AllMethods() []string {
	return []string{
		MethodGetInfo,
		MethodGetBalance,
		MethodPayInvoice,
		MethodMakeInvoice,
		MethodLookupInvoice,
		MethodListTransactions,
		MethodPayKeysend,
		MethodSignMessage,
	}
}

// Notifications returns the notification types advertised in the wallet
// service info event.
func Notifications() []string {
	return []string{"payment_received", "payment_sent"}
}
