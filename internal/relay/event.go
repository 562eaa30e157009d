package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Nostr event kinds used by the wallet service (NIP-47).
const (
	KindWalletInfo     = 13194
	KindWalletRequest  = 23194
	KindWalletResponse = 23195
)

// Tag is a single event tag, e.g. ["p", "<pubkey>"].
type Tag []string

// Event is a NIP-01 event.
type Event struct {
	ID        string `json:"id"`
	Pubkey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// TagValue returns the second element of the first tag with the given name.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// serialize produces the canonical NIP-01 form used for the event id:
// [0, pubkey, created_at, kind, tags, content] with HTML escaping disabled.
func (e *Event) serialize() ([]byte, error) {
	arr := []interface{}{0, e.Pubkey, e.CreatedAt, e.Kind, e.Tags, e.Content}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(arr); err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ComputeID returns the sha256 of the canonical serialization as hex.
func (e *Event) ComputeID() (string, error) {
	raw, err := e.serialize()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Sign fills Pubkey, ID and Sig from the given secret key.
func (e *Event) Sign(secretHex string) error {
	sk, err := parseSecretKey(secretHex)
	if err != nil {
		return err
	}
	e.Pubkey = hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey()))
	if e.Tags == nil {
		e.Tags = []Tag{}
	}

	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	e.ID = id

	digest, err := hex.DecodeString(id)
	if err != nil {
		return fmt.Errorf("decode event id: %w", err)
	}
	sig, err := schnorr.Sign(sk, digest)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the event id and the Schnorr signature against Pubkey.
func (e *Event) Verify() error {
	id, err := e.ComputeID()
	if err != nil {
		return err
	}
	if id != e.ID {
		return fmt.Errorf("event id mismatch")
	}

	pk, err := parseXOnlyPubkey(e.Pubkey)
	if err != nil {
		return err
	}
	sigRaw, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	digest, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("decode event id: %w", err)
	}
	if !sig.Verify(digest, pk) {
		return fmt.Errorf("invalid event signature")
	}
	return nil
}

// Filter is a NIP-01 subscription filter. Only the fields the wallet
// service needs are modeled.
type Filter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
}
