package relay

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// sharedSecret computes the NIP-04 conversation key: the x coordinate of
// the ECDH point between our secret key and the peer's x-only pubkey.
func sharedSecret(secretHex, peerPubkeyHex string) ([]byte, error) {
	sk, err := parseSecretKey(secretHex)
	if err != nil {
		return nil, err
	}
	pk, err := parseXOnlyPubkey(peerPubkeyHex)
	if err != nil {
		return nil, err
	}
	// GenerateSharedSecret returns only the x coordinate (RFC 5903).
	return btcec.GenerateSharedSecret(sk, pk), nil
}

// EncryptNIP04 encrypts plaintext for the peer using AES-256-CBC with a
// random IV, producing the NIP-04 "<ciphertext>?iv=<iv>" base64 format.
func EncryptNIP04(secretHex, peerPubkeyHex, plaintext string) (string, error) {
	key, err := sharedSecret(secretHex, peerPubkeyHex)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	return base64.StdEncoding.EncodeToString(out) + "?iv=" +
		base64.StdEncoding.EncodeToString(iv), nil
}

// DecryptNIP04 reverses EncryptNIP04.
func DecryptNIP04(secretHex, peerPubkeyHex, content string) (string, error) {
	ctB64, ivB64, ok := strings.Cut(content, "?iv=")
	if !ok {
		return "", fmt.Errorf("malformed nip04 payload: missing iv")
	}
	ct, err := base64.StdEncoding.DecodeString(ctB64)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(ivB64)
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return "", fmt.Errorf("bad iv length %d", len(iv))
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("bad ciphertext length %d", len(ct))
	}

	key, err := sharedSecret(secretHex, peerPubkeyHex)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}

	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	unpadded, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > blockSize || pad > len(data) {
		return nil, fmt.Errorf("bad padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("bad padding")
		}
	}
	return data[:len(data)-pad], nil
}
