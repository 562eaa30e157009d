package relay

import (
	"strings"
	"testing"
)

func TestGenerateKeys(t *testing.T) {
	sk, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate private key failed: %v", err)
	}
	if len(sk) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sk))
	}

	pk, err := GetPublicKey(sk)
	if err != nil {
		t.Fatalf("derive public key failed: %v", err)
	}
	if len(pk) != 64 {
		t.Fatalf("expected 64 hex chars for pubkey, got %d", len(pk))
	}

	sk2, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate second key failed: %v", err)
	}
	if sk == sk2 {
		t.Fatal("two generated keys are identical")
	}
}

func TestGetPublicKeyRejectsBadInput(t *testing.T) {
	if _, err := GetPublicKey("not-hex"); err == nil {
		t.Fatal("expected error for non-hex secret")
	}
	if _, err := GetPublicKey("abcd"); err == nil {
		t.Fatal("expected error for short secret")
	}
}

func TestEventSignAndVerify(t *testing.T) {
	sk, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}

	ev := &Event{
		CreatedAt: 1700000000,
		Kind:      KindWalletRequest,
		Tags:      []Tag{{"p", strings.Repeat("ab", 32)}},
		Content:   "hello",
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if ev.ID == "" || ev.Sig == "" || ev.Pubkey == "" {
		t.Fatal("sign left fields empty")
	}
	if err := ev.Verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}
}

func TestEventVerifyDetectsTampering(t *testing.T) {
	sk, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}

	ev := &Event{
		CreatedAt: 1700000000,
		Kind:      KindWalletRequest,
		Content:   "original",
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign failed: %v", err)
	}

	ev.Content = "tampered"
	if err := ev.Verify(); err == nil {
		t.Fatal("expected verify to fail after content change")
	}
}

func TestEventIDStableUnderHTMLCharacters(t *testing.T) {
	sk, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key failed: %v", err)
	}

	// The canonical serialization must not HTML-escape <, > or &.
	ev := &Event{
		CreatedAt: 1700000000,
		Kind:      1,
		Content:   `a < b && c > d`,
	}
	if err := ev.Sign(sk); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := ev.Verify(); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	raw, err := ev.serialize()
	if err != nil {
		t.Fatalf("serialize failed: %v", err)
	}
	if strings.Contains(string(raw), `<`) || strings.Contains(string(raw), `&`) {
		t.Fatal("serialization HTML-escaped content")
	}
	if !strings.Contains(string(raw), `a < b && c > d`) {
		t.Fatal("serialization must carry the raw content verbatim")
	}
}

func TestTagValue(t *testing.T) {
	ev := &Event{Tags: []Tag{{"e", "evt-1"}, {"p", "pub-1"}, {"p", "pub-2"}}}

	if got := ev.TagValue("p"); got != "pub-1" {
		t.Fatalf("expected first p tag, got %q", got)
	}
	if got := ev.TagValue("missing"); got != "" {
		t.Fatalf("expected empty for missing tag, got %q", got)
	}
}
