package client

import (
	"context"
	"net"
	"testing"
	"time"
)

func Test_check_health_succeeds_when_backend_listening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting fake backend: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	v := NewVerifier(ln.Addr().String(), time.Second)
	if err := v.CheckHealth(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func Test_check_health_fails_when_backend_absent(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("allocating unused port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	v := NewVerifier(addr, 200*time.Millisecond)
	if err := v.CheckHealth(context.Background()); err == nil {
		t.Fatal("expected error dialling an address nothing is listening on")
	}
}

func Test_start_periodic_check_stops_cleanly(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting fake backend: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	v := NewVerifier(ln.Addr().String(), time.Second)
	stop := StartPeriodicCheck(v, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()
}
