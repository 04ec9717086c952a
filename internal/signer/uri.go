package signer

import (
	"fmt"
	"net/url"

	"github.com/glowstream/engine/internal/constants"
)

// connectURI builds the nostrconnect:// URI a signer scans or pastes
// to find us: our ephemeral client pubkey as host, the rendezvous
// relay, the handshake secret, and optional app identity.
func connectURI(clientPub, relay, secret, appName, appURL string) string {
	q := url.Values{}
	q.Set("relay", relay)
	q.Set("secret", secret)
	if appName != "" {
		q.Set("name", appName)
	}
	if appURL != "" {
		q.Set("url", appURL)
	}
	return fmt.Sprintf("%s://%s?%s", constants.ConnectURIScheme, clientPub, q.Encode())
}
