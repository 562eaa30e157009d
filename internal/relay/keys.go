package relay

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// GeneratePrivateKey returns a fresh secp256k1 secret key as 64 hex chars.
func GeneratePrivateKey() (string, error) {
	sk, err := btcec.NewPrivateKey()
	if err != nil {
		return "", fmt.Errorf("generate private key: %w", err)
	}
	return hex.EncodeToString(sk.Serialize()), nil
}

// GetPublicKey derives the x-only public key (64 hex chars) for a secret key.
func GetPublicKey(secretHex string) (string, error) {
	sk, err := parseSecretKey(secretHex)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(schnorr.SerializePubKey(sk.PubKey())), nil
}

func parseSecretKey(secretHex string) (*btcec.PrivateKey, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}
	sk, _ := btcec.PrivKeyFromBytes(raw)
	return sk, nil
}

func parseXOnlyPubkey(pubkeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode pubkey: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("pubkey must be 32 bytes, got %d", len(raw))
	}
	pk, err := schnorr.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse pubkey: %w", err)
	}
	return pk, nil
}
