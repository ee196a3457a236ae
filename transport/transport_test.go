package transport

import (
	"context"
	"testing"
	"time"
)

func TestListenDialRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer conn.Close()
		server := NewConn(conn)
		msg, err := server.ReadFrame()
		if err != nil {
			accepted <- err
			return
		}
		if err := server.WriteFrame(msg); err != nil {
			accepted <- err
			return
		}
		accepted <- nil
	}()

	dialer := NewDialer(2*time.Second, 0)
	raw, err := dialer.Dial(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer raw.Close()

	client := NewConn(raw)
	if err := client.WriteFrame([]byte("ping")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	reply, err := client.ReadFrame()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(reply) != "ping" {
		t.Fatalf("expected echoed ping, got %q", reply)
	}
	if err := <-accepted; err != nil {
		t.Fatalf("server goroutine: %v", err)
	}
}

func TestPoolReusesReleasedConnection(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
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

	dialer := NewDialer(2*time.Second, 0)
	pool := NewPool(dialer, 4, time.Hour)
	defer pool.Close()

	ctx := context.Background()
	c1, err := pool.Acquire(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire 1: %v", err)
	}
	pool.Release(c1)
	if pool.Idle() != 1 {
		t.Fatalf("expected 1 idle connection, got %d", pool.Idle())
	}

	c2, err := pool.Acquire(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("acquire 2: %v", err)
	}
	if c2 != c1 {
		t.Fatalf("expected reuse of the released connection")
	}
	if pool.Idle() != 0 {
		t.Fatalf("expected 0 idle connections after reacquire, got %d", pool.Idle())
	}
}

func TestAcquireWithoutDialerFails(t *testing.T) {
	pool := NewPool(nil, 4, 0)
	defer pool.Close()
	if _, err := pool.Acquire(context.Background(), "127.0.0.1:1"); err != ErrDialerNotConfigured {
		t.Fatalf("expected ErrDialerNotConfigured, got %v", err)
	}
}
