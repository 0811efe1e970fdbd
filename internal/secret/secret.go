// Package secret resolves the secret-source URIs referenced by server and
// client configuration (cert/key/ca_cert, shared API tokens) into raw
// bytes. Only the file:// and base64:// schemes are implemented here;
// OS keychain and password-manager CLI integration are explicitly out of
// scope per spec.md section 1 and return an unsupported-scheme error.
package secret

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// Resolve returns the bytes referenced by uri. A bare path with no scheme
// is treated as file://.
func Resolve(uri string) ([]byte, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return readFile(uri)
	}
	switch scheme {
	case "file":
		return readFile(rest)
	case "base64":
		data, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return nil, fmt.Errorf("secret_unavailable: decoding base64:// secret: %w", err)
		}
		return data, nil
	case "keychain", "passmgr":
		return nil, fmt.Errorf("secret_unavailable: %s:// secret sources are out of scope for this build", scheme)
	default:
		return nil, fmt.Errorf("secret_unavailable: unsupported secret scheme %q", scheme)
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secret_unavailable: reading %s: %w", path, err)
	}
	return data, nil
}
