package nwc

import (
	"fmt"
	"net/url"
	"strings"
)

// ConnectionURI builds the nostr+walletconnect:// URI a client wallet
// pastes to pair. The secret is the client's private key; it is shown
// once at creation and never stored alongside the connection record.
func ConnectionURI(servicePubkey, relayURL, clientSecret string) string {
	q := url.Values{}
	q.Set("relay", relayURL)
	q.Set("secret", clientSecret)
	return fmt.Sprintf("nostr+walletconnect://%s?%s", servicePubkey, q.Encode())
}

// ParseConnectionURI extracts the service pubkey, relay URL and client
// secret from a pairing URI.
func ParseConnectionURI(uri string) (servicePubkey, relayURL, secret string, err error) {
	const scheme = "nostr+walletconnect://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", "", fmt.Errorf("not a wallet connect URI")
	}
	rest := strings.TrimPrefix(uri, scheme)
	pubkey, query, _ := strings.Cut(rest, "?")
	if len(pubkey) != 64 {
		return "", "", "", fmt.Errorf("malformed service pubkey in URI")
	}
	vals, err := url.ParseQuery(query)
	if err != nil {
		return "", "", "", fmt.Errorf("parse URI query: %w", err)
	}
	relayURL = vals.Get("relay")
	secret = vals.Get("secret")
	if relayURL == "" || secret == "" {
		return "", "", "", fmt.Errorf("URI missing relay or secret")
	}
	return pubkey, relayURL, secret, nil
}
