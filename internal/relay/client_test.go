package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// slowOKRelay accepts the websocket upgrade only after delay, then
// acknowledges every EVENT frame with OK.
func slowOKRelay(t *testing.T, delay time.Duration) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame []json.RawMessage
			if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 2 {
				continue
			}
			var typ string
			if err := json.Unmarshal(frame[0], &typ); err != nil || typ != "EVENT" {
				continue
			}
			var ev Event
			if err := json.Unmarshal(frame[1], &ev); err != nil {
				continue
			}
			ack, _ := json.Marshal([]interface{}{"OK", ev.ID, true, ""})
			if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestPublishWaitsOutPendingDial(t *testing.T) {
	url := slowOKRelay(t, 300*time.Millisecond)
	sk, _ := testKeypair(t)

	ev := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      KindWalletInfo,
		Content:   "pay_invoice get_balance",
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	client := NewClient(url, nil)
	client.Connect(context.Background())
	defer client.Close()

	// The publish lands while the handshake is still in flight; it must
	// wait for the dial instead of failing fast.
	if err := client.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish during dial failed: %v", err)
	}
}

func TestPublishTimesOutWhenRelayUnreachable(t *testing.T) {
	sk, _ := testKeypair(t)
	ev := &Event{CreatedAt: time.Now().Unix(), Kind: KindWalletInfo}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	client := NewClient("ws://127.0.0.1:1", nil)
	client.Connect(context.Background())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := client.Publish(ctx, ev); err == nil {
		t.Fatal("expected publish to fail while the relay is unreachable")
	}
}
