package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WalletRequest is one decrypted NIP-47 request received on a session.
type WalletRequest struct {
	EventID      string
	ClientPubkey string
	Method       string
	Params       json.RawMessage
}

// ErrorPayload is the NIP-47 error object.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WalletResponse is the NIP-47 response body. Exactly one of Result and
// Error is set.
type WalletResponse struct {
	ResultType string        `json:"result_type"`
	Error      *ErrorPayload `json:"error,omitempty"`
	Result     interface{}   `json:"result,omitempty"`
}

type requestBody struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Handler processes one wallet request and returns the response to publish.
type Handler func(ctx context.Context, req *WalletRequest) *WalletResponse

// Session is one live per-connection request subscription.
type Session struct {
	sub *Subscription
}

// Close tears the subscription down. Idempotent.
func (s *Session) Close() error {
	s.sub.Close()
	return nil
}

// Transport speaks NIP-47 over a relay client: it subscribes to request
// events for one connection keypair, decrypts them, hands them to a
// Handler, and publishes the encrypted response.
type Transport struct {
	client *Client
	logger *zap.Logger
}

// NewTransport wraps a relay client.
func NewTransport(client *Client, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{client: client, logger: logger}
}

// RelayURL returns the URL of the underlying relay connection.
func (t *Transport) RelayURL() string { return t.client.URL() }

// OpenSession subscribes to wallet requests authored by clientPubkey and
// addressed to the service key, dispatching each through handle.
func (t *Transport) OpenSession(ctx context.Context, serviceSecret, clientPubkey string, handle Handler) (*Session, error) {
	servicePubkey, err := GetPublicKey(serviceSecret)
	if err != nil {
		return nil, fmt.Errorf("derive service pubkey: %w", err)
	}

	filter := Filter{
		Kinds:   []int{KindWalletRequest},
		Authors: []string{clientPubkey},
		PTags:   []string{servicePubkey},
		Since:   time.Now().Unix(),
	}

	sub, err := t.client.Subscribe(filter, func(ev *Event) {
		t.serveRequest(ctx, serviceSecret, clientPubkey, ev, handle)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe connection %s: %w", clientPubkey, err)
	}

	return &Session{sub: sub}, nil
}

func (t *Transport) serveRequest(ctx context.Context, serviceSecret, clientPubkey string, ev *Event, handle Handler) {
	req, err := ParseRequest(serviceSecret, ev)
	if err != nil {
		t.logger.Warn("undecodable wallet request",
			zap.String("event_id", ev.ID),
			zap.String("client_pubkey", clientPubkey),
			zap.Error(err),
		)
		return
	}

	resp := handle(ctx, req)
	if resp == nil {
		return
	}

	respEv, err := NewResponseEvent(serviceSecret, clientPubkey, ev.ID, resp)
	if err != nil {
		t.logger.Error("build wallet response", zap.Error(err))
		return
	}
	if err := t.client.Publish(ctx, respEv); err != nil {
		t.logger.Error("publish wallet response",
			zap.String("request_id", ev.ID),
			zap.Error(err),
		)
	}
}

// PublishInfo publishes the replaceable wallet-service info event listing
// the supported methods and notification types.
func (t *Transport) PublishInfo(ctx context.Context, serviceSecret string, methods, notifications []string) error {
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindWalletInfo,
		Tags:      []Tag{{"notifications", strings.Join(notifications, " ")}},
		Content:   strings.Join(methods, " "),
	}
	if err := ev.Sign(serviceSecret); err != nil {
		return fmt.Errorf("sign info event: %w", err)
	}
	if err := t.client.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish info event: %w", err)
	}
	return nil
}

// ParseRequest decrypts and decodes a request event authored by the
// connection whose pubkey is ev.Pubkey.
func ParseRequest(serviceSecret string, ev *Event) (*WalletRequest, error) {
	plain, err := DecryptNIP04(serviceSecret, ev.Pubkey, ev.Content)
	if err != nil {
		return nil, fmt.Errorf("decrypt request: %w", err)
	}
	var body requestBody
	if err := json.Unmarshal([]byte(plain), &body); err != nil {
		return nil, fmt.Errorf("decode request body: %w", err)
	}
	if body.Method == "" {
		return nil, fmt.Errorf("request has no method")
	}
	return &WalletRequest{
		EventID:      ev.ID,
		ClientPubkey: ev.Pubkey,
		Method:       body.Method,
		Params:       body.Params,
	}, nil
}

// NewRequestEvent builds a signed client-side request event. The wallet
// service itself never sends these; remote clients do. Kept here so tests
// exercise the exact wire format.
func NewRequestEvent(clientSecret, servicePubkey, method string, params interface{}) (*Event, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	body, err := json.Marshal(requestBody{Method: method, Params: rawParams})
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	content, err := EncryptNIP04(clientSecret, servicePubkey, string(body))
	if err != nil {
		return nil, fmt.Errorf("encrypt request: %w", err)
	}
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindWalletRequest,
		Tags:      []Tag{{"p", servicePubkey}},
		Content:   content,
	}
	if err := ev.Sign(clientSecret); err != nil {
		return nil, err
	}
	return ev, nil
}

// NewResponseEvent builds the signed, encrypted response to a request event.
func NewResponseEvent(serviceSecret, clientPubkey, requestEventID string, resp *WalletResponse) (*Event, error) {
	body, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal response: %w", err)
	}
	content, err := EncryptNIP04(serviceSecret, clientPubkey, string(body))
	if err != nil {
		return nil, fmt.Errorf("encrypt response: %w", err)
	}
	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindWalletResponse,
		Tags:      []Tag{{"p", clientPubkey}, {"e", requestEventID}},
		Content:   content,
	}
	if err := ev.Sign(serviceSecret); err != nil {
		return nil, err
	}
	return ev, nil
}

// DecodeResponse decrypts a response event from the client's point of view.
func DecodeResponse(clientSecret, servicePubkey string, ev *Event) (*WalletResponse, error) {
	plain, err := DecryptNIP04(clientSecret, servicePubkey, ev.Content)
	if err != nil {
		return nil, fmt.Errorf("decrypt response: %w", err)
	}
	var resp WalletResponse
	if err := json.Unmarshal([]byte(plain), &resp); err != nil {
		return nil, fmt.Errorf("decode response body: %w", err)
	}
	return &resp, nil
}
