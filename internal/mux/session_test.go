package mux

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/siphontunnel/siphon/internal/protocol"
)

// _paired_sessions wires a server-side and client-side Session together
// over an in-memory net.Pipe, as if the mTLS handshake had just completed.
func _paired_sessions(t *testing.T, cfg Config) (server, client *Session) {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	serverCodec := protocol.NewCodec(serverConn)
	clientCodec := protocol.NewCodec(clientConn)
	serverCodec.SetMaxFrameSize(protocol.DefaultMaxFrameSize)
	clientCodec.SetMaxFrameSize(protocol.DefaultMaxFrameSize)

	serverCfg := cfg
	serverCfg.IsServer = true
	clientCfg := cfg
	clientCfg.IsServer = false

	server = New(serverCodec, "server", serverCfg, nil)
	client = New(clientCodec, "client", clientCfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.Run(ctx)
	go client.Run(ctx)

	return server, client
}

func Test_open_stream_assigns_monotonic_ids(t *testing.T) {
	server, client := _paired_sessions(t, Config{})
	defer server.Close(nil)
	defer client.Close(nil)

	var gotIDs []uint32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			st, err := client.Accept()
			if err != nil {
				t.Errorf("accept failed: %v", err)
				return
			}
			gotIDs = append(gotIDs, st.ID())
		}
	}()

	for i := 0; i < 3; i++ {
		if _, err := server.OpenStream(&protocol.StreamOpenPreface{Kind: protocol.KindTCP}); err != nil {
			t.Fatalf("open stream failed: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accepts")
	}

	for i := 1; i < len(gotIDs); i++ {
		if gotIDs[i] <= gotIDs[i-1] {
			t.Errorf("stream ids not strictly increasing: %v", gotIDs)
		}
	}
}

func Test_client_cannot_open_streams(t *testing.T) {
	_, client := _paired_sessions(t, Config{})
	defer client.Close(nil)

	_, err := client.OpenStream(&protocol.StreamOpenPreface{Kind: protocol.KindHTTP})
	if err != ErrNotServerSide {
		t.Fatalf("expected ErrNotServerSide, got %v", err)
	}
}

func Test_byte_fidelity_across_stream(t *testing.T) {
	server, client := _paired_sessions(t, Config{})
	defer server.Close(nil)
	defer client.Close(nil)

	payload := make([]byte, 3*protocol.DefaultMaxFrameSize+777)
	for i := range payload {
		payload[i] = byte(i)
	}

	serverStream, err := server.OpenStream(&protocol.StreamOpenPreface{Kind: protocol.KindTCP})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	recvCh := make(chan []byte, 1)
	go func() {
		clientStream, err := client.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		got, err := io.ReadAll(clientStream)
		if err != nil {
			t.Errorf("read: %v", err)
			return
		}
		recvCh <- got
	}()

	go func() {
		serverStream.Write(payload)
		serverStream.CloseWrite()
	}()

	select {
	case got := <-recvCh:
		if len(got) != len(payload) {
			t.Fatalf("length mismatch: got %d, want %d", len(got), len(payload))
		}
		for i := range got {
			if got[i] != payload[i] {
				t.Fatalf("byte mismatch at %d: got %d want %d", i, got[i], payload[i])
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func Test_half_close_independence(t *testing.T) {
	server, client := _paired_sessions(t, Config{})
	defer server.Close(nil)
	defer client.Close(nil)

	serverStream, err := server.OpenStream(&protocol.StreamOpenPreface{Kind: protocol.KindTCP})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	clientStreamCh := make(chan *Stream, 1)
	go func() {
		st, _ := client.Accept()
		clientStreamCh <- st
	}()
	clientStream := <-clientStreamCh

	// server closes its write side; client should still be able to send
	// data the other way and have it arrive.
	serverStream.CloseWrite()
	time.Sleep(50 * time.Millisecond)

	if _, err := clientStream.Write([]byte("still alive")); err != nil {
		t.Fatalf("write after peer half-close failed: %v", err)
	}

	buf := make([]byte, 32)
	serverStream2 := serverStream
	n, err := serverStream2.Read(buf)
	if err != nil {
		t.Fatalf("read after own half-close failed: %v", err)
	}
	if string(buf[:n]) != "still alive" {
		t.Fatalf("got %q", buf[:n])
	}
}

func Test_stream_reset_unblocks_peer(t *testing.T) {
	server, client := _paired_sessions(t, Config{})
	defer server.Close(nil)
	defer client.Close(nil)

	serverStream, err := server.OpenStream(&protocol.StreamOpenPreface{Kind: protocol.KindHTTP})
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	clientStreamCh := make(chan *Stream, 1)
	go func() {
		st, _ := client.Accept()
		clientStreamCh <- st
	}()
	clientStream := <-clientStreamCh

	serverStream.Reset(protocol.ResetLocalUnreachable)

	buf := make([]byte, 16)
	done := make(chan error, 1)
	go func() {
		_, err := clientStream.Read(buf)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after peer reset")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reset to propagate")
	}
}

func Test_resource_exhausted_beyond_max_in_flight(t *testing.T) {
	server, client := _paired_sessions(t, Config{MaxInFlight: 1})
	defer server.Close(nil)
	defer client.Close(nil)

	if _, err := server.OpenStream(&protocol.StreamOpenPreface{Kind: protocol.KindTCP}); err != nil {
		t.Fatalf("open stream 1: %v", err)
	}
	if _, err := client.Accept(); err != nil {
		t.Fatalf("accept 1: %v", err)
	}

	st2, err := server.OpenStream(&protocol.StreamOpenPreface{Kind: protocol.KindTCP})
	if err != nil {
		t.Fatalf("open stream 2: %v", err)
	}

	buf := make([]byte, 16)
	done := make(chan error, 1)
	go func() {
		_, err := st2.Read(buf)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected stream to be reset as resource_exhausted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for resource_exhausted reset")
	}
}
