package backend

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// keysendPreimageTLV is the customary TLV record carrying the preimage on
// spontaneous payments.
const keysendPreimageTLV = 5482373484

// LNDConfig configures the REST client.
type LNDConfig struct {
	RestURL        string `json:"rest_url"`
	MacaroonHex    string `json:"macaroon_hex"`
	TLSSkipVerify  bool   `json:"tls_skip_verify"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// LNDClient implements Wallet against lnd's REST API.
type LNDClient struct {
	baseURL  string
	macaroon string
	client   *http.Client
	logger   *zap.Logger
}

// NewLNDClient builds a Wallet over lnd REST.
func NewLNDClient(cfg LNDConfig, logger *zap.Logger) *LNDClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 180 * time.Second
	}

	transport := &http.Transport{}
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &LNDClient{
		baseURL:  strings.TrimRight(cfg.RestURL, "/"),
		macaroon: cfg.MacaroonHex,
		client:   &http.Client{Timeout: timeout, Transport: transport},
		logger:   logger,
	}
}

func (l *LNDClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, l.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Grpc-Metadata-macaroon", l.macaroon)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var lndErr struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(raw, &lndErr)
		msg := lndErr.Message
		if msg == "" {
			msg = lndErr.Error
		}
		if msg == "" {
			msg = string(raw)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", method, path, err)
		}
	}
	return nil
}

// lnd's REST layer renders int64 protobuf fields as JSON strings.
func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func base64ToHex(s string) string {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}
	return hex.EncodeToString(raw)
}

func (l *LNDClient) GetNodeInfo(ctx context.Context) (*NodeInfo, error) {
	var resp struct {
		Alias          string `json:"alias"`
		Color          string `json:"color"`
		IdentityPubkey string `json:"identity_pubkey"`
		BlockHeight    uint32 `json:"block_height"`
		BlockHash      string `json:"block_hash"`
		Chains         []struct {
			Chain   string `json:"chain"`
			Network string `json:"network"`
		} `json:"chains"`
	}
	if err := l.call(ctx, http.MethodGet, "/v1/getinfo", nil, &resp); err != nil {
		return nil, err
	}

	network := "mainnet"
	if len(resp.Chains) > 0 && resp.Chains[0].Network != "" {
		network = resp.Chains[0].Network
	}
	return &NodeInfo{
		Alias:       resp.Alias,
		Color:       resp.Color,
		Pubkey:      resp.IdentityPubkey,
		Network:     network,
		BlockHeight: resp.BlockHeight,
		BlockHash:   resp.BlockHash,
	}, nil
}

func (l *LNDClient) GetBalance(ctx context.Context) (*Balance, error) {
	var resp struct {
		Balance string `json:"balance"`
	}
	if err := l.call(ctx, http.MethodGet, "/v1/balance/channels", nil, &resp); err != nil {
		return nil, err
	}
	return &Balance{Sats: parseInt(resp.Balance)}, nil
}

func (l *LNDClient) DecodePaymentRequest(ctx context.Context, invoice string) (*PayReq, error) {
	var resp struct {
		Destination     string `json:"destination"`
		PaymentHash     string `json:"payment_hash"`
		NumSatoshis     string `json:"num_satoshis"`
		Timestamp       string `json:"timestamp"`
		Expiry          string `json:"expiry"`
		Description     string `json:"description"`
		DescriptionHash string `json:"description_hash"`
	}
	if err := l.call(ctx, http.MethodGet, "/v1/payreq/"+invoice, nil, &resp); err != nil {
		return nil, err
	}
	return &PayReq{
		Destination:     resp.Destination,
		PaymentHash:     resp.PaymentHash,
		AmountSats:      parseInt(resp.NumSatoshis),
		Description:     resp.Description,
		DescriptionHash: resp.DescriptionHash,
		Timestamp:       parseInt(resp.Timestamp),
		ExpirySeconds:   parseInt(resp.Expiry),
	}, nil
}

type lndSendResponse struct {
	PaymentError    string `json:"payment_error"`
	PaymentPreimage string `json:"payment_preimage"`
	PaymentHash     string `json:"payment_hash"`
	PaymentRoute    struct {
		TotalFees string `json:"total_fees"`
	} `json:"payment_route"`
}

func (r *lndSendResponse) toResult() (*PaymentResult, error) {
	if r.PaymentError != "" {
		return nil, &PaymentError{Reason: r.PaymentError}
	}
	if r.PaymentPreimage == "" {
		return nil, &PaymentError{Reason: "no preimage returned"}
	}
	return &PaymentResult{
		Preimage:    base64ToHex(r.PaymentPreimage),
		PaymentHash: base64ToHex(r.PaymentHash),
		FeeSats:     parseInt(r.PaymentRoute.TotalFees),
	}, nil
}

func (l *LNDClient) PayInvoice(ctx context.Context, req PayInvoiceRequest) (*PaymentResult, error) {
	feeLimit := req.FeeLimitSats
	if feeLimit <= 0 {
		feeLimit = 1000
	}
	body := map[string]interface{}{
		"payment_request":    req.Invoice,
		"allow_self_payment": true,
		"fee_limit":          map[string]interface{}{"fixed": strconv.FormatInt(feeLimit, 10)},
	}
	// Zero-amount invoices need the amount supplied out of band.
	if req.AmountSats > 0 {
		body["amt"] = strconv.FormatInt(req.AmountSats, 10)
	}

	var resp lndSendResponse
	if err := l.call(ctx, http.MethodPost, "/v1/channels/transactions", body, &resp); err != nil {
		return nil, err
	}
	return resp.toResult()
}

func (l *LNDClient) PayKeysend(ctx context.Context, req KeysendRequest) (*PaymentResult, error) {
	preimageHex := req.Preimage
	if preimageHex == "" {
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, fmt.Errorf("generate preimage: %w", err)
		}
		preimageHex = hex.EncodeToString(raw)
	}
	preimage, err := hex.DecodeString(preimageHex)
	if err != nil || len(preimage) != 32 {
		return nil, fmt.Errorf("invalid keysend preimage")
	}
	hash := sha256.Sum256(preimage)

	dest, err := hex.DecodeString(req.DestPubkey)
	if err != nil {
		return nil, fmt.Errorf("invalid destination pubkey: %w", err)
	}

	records := map[uint64]string{
		keysendPreimageTLV: base64.StdEncoding.EncodeToString(preimage),
	}
	for typ, val := range req.TLVRecords {
		records[typ] = base64.StdEncoding.EncodeToString(val)
	}

	body := map[string]interface{}{
		"dest":                dest,
		"amt":                 strconv.FormatInt(req.AmountSats, 10),
		"payment_hash":        base64.StdEncoding.EncodeToString(hash[:]),
		"dest_custom_records": records,
	}

	var resp lndSendResponse
	if err := l.call(ctx, http.MethodPost, "/v1/channels/transactions", body, &resp); err != nil {
		return nil, err
	}
	return resp.toResult()
}

func (l *LNDClient) CreateInvoice(ctx context.Context, params InvoiceParams) (*Invoice, error) {
	expiry := params.ExpirySeconds
	if expiry <= 0 {
		expiry = 3600
	}
	body := map[string]interface{}{
		"value":  strconv.FormatInt(params.AmountSats, 10),
		"memo":   params.Memo,
		"expiry": strconv.FormatInt(expiry, 10),
	}

	var resp struct {
		RHash          string `json:"r_hash"`
		PaymentRequest string `json:"payment_request"`
	}
	if err := l.call(ctx, http.MethodPost, "/v1/invoices", body, &resp); err != nil {
		return nil, err
	}

	return &Invoice{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    base64ToHex(resp.RHash),
		Memo:           params.Memo,
		AmountSats:     params.AmountSats,
		CreationDate:   time.Now().Unix(),
		ExpirySeconds:  expiry,
	}, nil
}

func (l *LNDClient) LookupInvoice(ctx context.Context, paymentHash string) (*Invoice, error) {
	var resp struct {
		Memo            string `json:"memo"`
		RPreimage       string `json:"r_preimage"`
		RHash           string `json:"r_hash"`
		Value           string `json:"value"`
		Settled         bool   `json:"settled"`
		CreationDate    string `json:"creation_date"`
		SettleDate      string `json:"settle_date"`
		PaymentRequest  string `json:"payment_request"`
		DescriptionHash string `json:"description_hash"`
		Expiry          string `json:"expiry"`
	}
	if err := l.call(ctx, http.MethodGet, "/v1/invoice/"+paymentHash, nil, &resp); err != nil {
		return nil, err
	}
	return &Invoice{
		PaymentRequest:  resp.PaymentRequest,
		PaymentHash:     base64ToHex(resp.RHash),
		Preimage:        base64ToHex(resp.RPreimage),
		Memo:            resp.Memo,
		DescriptionHash: resp.DescriptionHash,
		AmountSats:      parseInt(resp.Value),
		Settled:         resp.Settled,
		CreationDate:    parseInt(resp.CreationDate),
		SettleDate:      parseInt(resp.SettleDate),
		ExpirySeconds:   parseInt(resp.Expiry),
	}, nil
}

func (l *LNDClient) ListTransactions(ctx context.Context) ([]Transaction, error) {
	var resp struct {
		Transactions []struct {
			TxHash           string `json:"tx_hash"`
			Amount           string `json:"amount"`
			NumConfirmations int32  `json:"num_confirmations"`
			TimeStamp        string `json:"time_stamp"`
			TotalFees        string `json:"total_fees"`
			Label            string `json:"label"`
		} `json:"transactions"`
	}
	if err := l.call(ctx, http.MethodGet, "/v1/transactions", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]Transaction, 0, len(resp.Transactions))
	for _, tx := range resp.Transactions {
		amount := parseInt(tx.Amount)
		typ := TransactionIncoming
		if amount < 0 {
			typ = TransactionOutgoing
			amount = -amount
		}
		out = append(out, Transaction{
			Type:        typ,
			Settled:     tx.NumConfirmations > 0,
			AmountSats:  amount,
			FeeSats:     parseInt(tx.TotalFees),
			PaymentHash: tx.TxHash,
			Description: tx.Label,
			Timestamp:   parseInt(tx.TimeStamp),
		})
	}
	return out, nil
}

func (l *LNDClient) SignMessage(ctx context.Context, message string) (string, error) {
	body := map[string]interface{}{
		"msg": base64.StdEncoding.EncodeToString([]byte(message)),
	}
	var resp struct {
		Signature string `json:"signature"`
	}
	if err := l.call(ctx, http.MethodPost, "/v1/signmessage", body, &resp); err != nil {
		return "", err
	}
	return resp.Signature, nil
}
