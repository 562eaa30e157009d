package nwc

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Storage keys in the blob store. Connection metadata and private keys
// live under separate keys so listing or exporting connections can never
// drag a secret along.
const (
	storageKeyConnections = "nwc-connections"
	storageKeyClientKeys  = "nwc-client-keys"
	storageKeyServiceKeys = "nwc-service-keys"
)

// BlobStore is the external key-value collaborator. Values are whole
// serialized blobs, read and written in full.
type BlobStore interface {
	GetItem(key string) ([]byte, error)
	SetItem(key string, value []byte) error
	DeleteItem(key string) error
}

// KeyStore maps a connection's public key to its private key, persisted
// separately from connection metadata. Keys leave the store only into
// the signing/decryption path.
type KeyStore struct {
	store BlobStore
	mu    sync.Mutex
}

// NewKeyStore creates a key store over the blob store.
func NewKeyStore(store BlobStore) *KeyStore {
	return &KeyStore{store: store}
}

func (k *KeyStore) load() (map[string]string, error) {
	raw, err := k.store.GetItem(storageKeyClientKeys)
	if err != nil {
		return nil, fmt.Errorf("load client keys: %w", err)
	}
	keys := make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, fmt.Errorf("decode client keys: %w", err)
		}
	}
	return keys, nil
}

func (k *KeyStore) save(keys map[string]string) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode client keys: %w", err)
	}
	if err := k.store.SetItem(storageKeyClientKeys, raw); err != nil {
		return fmt.Errorf("save client keys: %w", err)
	}
	return nil
}

// Put stores the private key for pubkey.
func (k *KeyStore) Put(pubkey, secret string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.load()
	if err != nil {
		return err
	}
	keys[pubkey] = secret
	return k.save(keys)
}

// Get returns the private key for pubkey, or ErrKeyNotFound.
func (k *KeyStore) Get(pubkey string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.load()
	if err != nil {
		return "", err
	}
	secret, ok := keys[pubkey]
	if !ok {
		return "", fmt.Errorf("pubkey %s: %w", pubkey, ErrKeyNotFound)
	}
	return secret, nil
}

// Delete removes the private key for pubkey. Removing an absent key is
// not an error.
func (k *KeyStore) Delete(pubkey string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys, err := k.load()
	if err != nil {
		return err
	}
	if _, ok := keys[pubkey]; !ok {
		return nil
	}
	delete(keys, pubkey)
	return k.save(keys)
}
