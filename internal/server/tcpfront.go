package server

import (
	"fmt"
	"net"

	"github.com/siphontunnel/siphon/internal/protocol"
	"github.com/siphontunnel/siphon/internal/registry"
)

// startTCPDataPlane binds a dedicated listener for a newly registered TCP
// tunnel on its assigned port, new relative to the teacher (which only
// ever tunnelled HTTP).
func (s *Server) startTCPDataPlane(entry *registry.Entry) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Listen.BindHost, entry.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding tcp tunnel listener on %s: %w", addr, err)
	}
	s.tcpMu.Lock()
	s.tcpListeners[entry.PublicID] = ln
	s.tcpMu.Unlock()

	s.log.Info("tcp data plane listening", "tunnel_id", entry.PublicID, "addr", addr)
	go s.acceptTCPLoop(entry, ln)
	return nil
}

func (s *Server) acceptTCPLoop(entry *registry.Entry, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handleTCPConn(entry, conn)
	}
}

func (s *Server) handleTCPConn(entry *registry.Entry, conn net.Conn) {
	defer conn.Close()

	session, ok := lookupSession(entry)
	if !ok {
		return
	}
	stream, err := session.OpenStream(&protocol.StreamOpenPreface{
		Kind:             protocol.KindTCP,
		ClientRemoteAddr: conn.RemoteAddr().String(),
	})
	if err != nil {
		return
	}
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	pumpBidirectional(conn, conn, stream, s.metrics)
}

// stopTCPDataPlane closes and forgets the TCP listener for a tunnel that
// is being unregistered, part of P5 (no dangling state).
func (s *Server) stopTCPDataPlane(publicID string) {
	s.tcpMu.Lock()
	ln, ok := s.tcpListeners[publicID]
	delete(s.tcpListeners, publicID)
	s.tcpMu.Unlock()
	if ok {
		ln.Close()
	}
}
