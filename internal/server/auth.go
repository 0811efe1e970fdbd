package server

import (
	"crypto/tls"
	"fmt"
)

// peerCommonName extracts the verified client certificate's subject CN,
// replacing the teacher's HMAC shared-secret scheme
// (internal/relay/auth.go) with cert-trust authorization: the TLS
// handshake itself is the only authorization check, per spec.md's
// explicit non-goal of "no authorization beyond certificate trust".
func peerCommonName(state tls.ConnectionState) (string, error) {
	if len(state.PeerCertificates) == 0 {
		return "", fmt.Errorf("no verified client certificate presented")
	}
	cn := state.PeerCertificates[0].Subject.CommonName
	if cn == "" {
		return "", fmt.Errorf("client certificate has an empty common name")
	}
	return cn, nil
}
