// Package registry implements the server-side mapping from a public
// identifier (HTTP subdomain or TCP port) to a tunnel handle, generalizing
// the teacher's relay.Pool (a mutex-guarded slice used for round-robin
// load balancing across identical backends) into a uniqueness-enforcing
// map plus a free TCP port pool.
package registry

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

const (
	subdomainMinLen = 10
	subdomainMaxLen = 24
	subdomainAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	subdomainLetters   = "abcdefghijklmnopqrstuvwxyz"
	maxGenerationAttempts = 8
)

var subdomainPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,62}$`)

// Entry is what the registry stores per public identifier: enough to
// satisfy lookups and, for TCP tunnels, to own the public listener socket
// (tracked by the caller via Port and released through Unregister).
type Entry struct {
	PublicID string
	Kind     string // "http" or "tcp"
	Port     uint16 // set for kind == "tcp"
	Tunnel   any    // the mux.Session / server-side tunnel handle; typed as any to avoid an import cycle with internal/server
}

// Registry is the server's uniqueness-enforcing map from public identifier
// to tunnel handle (invariant I1), plus a free TCP port pool.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	portLow  uint16
	portHigh uint16
	usedPorts map[uint16]bool
	log      *slog.Logger
}

// New creates an empty registry with a TCP port pool of [portLow, portHigh]
// inclusive.
func New(portLow, portHigh uint16, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:   make(map[string]*Entry),
		portLow:   portLow,
		portHigh:  portHigh,
		usedPorts: make(map[uint16]bool),
		log:       logger,
	}
}

// ValidateSubdomain reports whether s is a syntactically valid requested
// subdomain per spec section 4.3: lowercase, starting with a letter,
// matching [a-z][a-z0-9-]{0,62}.
func ValidateSubdomain(s string) bool {
	return subdomainPattern.MatchString(s)
}

// RegisterHTTP reserves a subdomain (the requested one, or a freshly
// generated one when requested is empty) and associates it with tunnel.
// Registration is two-phase: the caller should call Unregister if a
// subsequent external side effect (DNS upsert) fails.
func (r *Registry) RegisterHTTP(requested string, tunnel any) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if requested != "" {
		if !ValidateSubdomain(requested) {
			return nil, fmt.Errorf("%w: %q", ErrSubdomainInvalid, requested)
		}
		if _, taken := r.entries[requested]; taken {
			return nil, fmt.Errorf("%w: %q", ErrSubdomainTaken, requested)
		}
		e := &Entry{PublicID: requested, Kind: "http", Tunnel: tunnel}
		r.entries[requested] = e
		return e, nil
	}

	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		candidate, err := generateSubdomain()
		if err != nil {
			return nil, fmt.Errorf("%w: generating subdomain: %v", ErrInternal, err)
		}
		if _, taken := r.entries[candidate]; taken {
			continue
		}
		e := &Entry{PublicID: candidate, Kind: "http", Tunnel: tunnel}
		r.entries[candidate] = e
		return e, nil
	}
	return nil, fmt.Errorf("%w: could not generate a free subdomain after %d attempts", ErrInternal, maxGenerationAttempts)
}

// RegisterTCP allocates a free port from the configured pool and
// associates it with tunnel.
func (r *Registry) RegisterTCP(tunnel any) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p := int(r.portLow); p <= int(r.portHigh); p++ {
		port := uint16(p)
		if r.usedPorts[port] {
			continue
		}
		r.usedPorts[port] = true
		id := fmt.Sprintf("%d", port)
		e := &Entry{PublicID: id, Kind: "tcp", Port: port, Tunnel: tunnel}
		r.entries[id] = e
		return e, nil
		// note: the loop above is bounded by [portLow, portHigh], so a
		// fully exhausted pool falls through to the error below.
	}
	return nil, ErrNoTCPPortsAvailable
}

// Lookup returns the entry for a public identifier, if any.
func (r *Registry) Lookup(publicID string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[publicID]
	return e, ok
}

// Unregister removes the entry for publicID, idempotently (L2), returning
// its TCP port to the pool if it had one.
func (r *Registry) Unregister(publicID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[publicID]
	if !ok {
		return
	}
	delete(r.entries, publicID)
	if e.Kind == "tcp" {
		delete(r.usedPorts, e.Port)
	}
	r.log.Info("registry entry removed", "public_id", publicID, "kind", e.Kind)
}

// Size returns the number of active entries, for the metrics sink.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// generateSubdomain produces a collision-resistant, lowercase subdomain
// label of 10-24 characters starting with a letter (some resolvers
// mishandle all-digit leading labels).
func generateSubdomain() (string, error) {
	length := subdomainMinLen
	if span := subdomainMaxLen - subdomainMinLen; span > 0 {
		n, err := randomIndex(span + 1)
		if err != nil {
			return "", err
		}
		length += n
	}

	buf := make([]byte, length)
	firstIdx, err := randomIndex(len(subdomainLetters))
	if err != nil {
		return "", err
	}
	buf[0] = subdomainLetters[firstIdx]
	for i := 1; i < length; i++ {
		idx, err := randomIndex(len(subdomainAlphabet))
		if err != nil {
			return "", err
		}
		buf[i] = subdomainAlphabet[idx]
	}
	return string(buf), nil
}

func randomIndex(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	b := make([]byte, 1)
	for {
		if _, err := rand.Read(b); err != nil {
			return 0, err
		}
		// rejection sampling to avoid modulo bias for small n.
		if int(b[0]) < (256/n)*n {
			return int(b[0]) % n, nil
		}
	}
}
