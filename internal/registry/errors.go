package registry

import "errors"

var (
	ErrSubdomainTaken        = errors.New("subdomain_taken")
	ErrSubdomainInvalid      = errors.New("subdomain_invalid")
	ErrNoTCPPortsAvailable   = errors.New("no_tcp_ports_available")
	ErrInternal              = errors.New("internal")
)
