//go:build linux

package engine

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"portfwd/internal/plugin"
)

func startUDPEchoServer(t *testing.T, addr string) *net.UDPConn {
	t.Helper()
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("resolve %s: %v", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		t.Fatalf("listen udp %s: %v", addr, err)
	}
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], from)
		}
	}()
	return conn
}

func runUDPEngine(t *testing.T, e *UDPEngine) *atomic.Bool {
	t.Helper()
	cancel := &atomic.Bool{}
	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Run(cancel)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	t.Cleanup(func() {
		cancel.Store(true)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("udp engine did not shut down within timeout")
		}
		if err := <-errCh; err != nil {
			t.Errorf("engine.Run returned error: %v", err)
		}
	})
	return cancel
}

func TestUDPEngineEchoRoundTrip(t *testing.T) {
	echo := startUDPEchoServer(t, "127.0.0.1:19401")
	defer echo.Close()

	mux, err := plugin.New([]plugin.PatternRemote{{Pattern: ".*", Remote: "127.0.0.1:19401"}}, nil)
	if err != nil {
		t.Fatalf("plugin.New: %v", err)
	}
	e := NewUDPEngine(Config{Local: "127.0.0.1:19402", Plugin: mux, MaxConnections: -1})
	runUDPEngine(t, e)

	clientAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:19402")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, clientAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("hello over udp")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("got %q, want %q", buf[:n], msg)
	}
}

func TestUDPEngineIdleEviction(t *testing.T) {
	echo := startUDPEchoServer(t, "127.0.0.1:19411")
	defer echo.Close()

	mux, err := plugin.New([]plugin.PatternRemote{{Pattern: ".*", Remote: "127.0.0.1:19411"}}, nil)
	if err != nil {
		t.Fatalf("plugin.New: %v", err)
	}
	e := NewUDPEngine(Config{Local: "127.0.0.1:19412", Plugin: mux, MaxConnections: -1})
	e.idleTimeout = 100 * time.Millisecond
	runUDPEngine(t, e)

	clientAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:19412")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, clientAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read first reply: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.byAddr) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected the idle session to be evicted, %d sessions remain", len(e.byAddr))
}

// TestUDPEngineAccessControlDenies exercises spec.md §4.4/§8's allow_nets
// requirement for UDP: a datagram from a source IP outside every listed
// CIDR is dropped silently, without creating a session.
func TestUDPEngineAccessControlDenies(t *testing.T) {
	echo := startUDPEchoServer(t, "127.0.0.1:19431")
	defer echo.Close()

	mux, err := plugin.New([]plugin.PatternRemote{{Pattern: ".*", Remote: "127.0.0.1:19431"}}, []string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("plugin.New: %v", err)
	}
	e := NewUDPEngine(Config{Local: "127.0.0.1:19432", Plugin: mux, MaxConnections: -1})
	runUDPEngine(t, e)

	clientAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:19432")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, clientAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("denied")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := conn.Read(buf); err == nil {
		t.Fatalf("expected a denied client to receive no reply, got %d bytes", n)
	}
	if len(e.byAddr) != 0 {
		t.Fatalf("expected no session to be created for a denied source, got %d", len(e.byAddr))
	}
}

func TestUDPEngineMaxConnections(t *testing.T) {
	echo := startUDPEchoServer(t, "127.0.0.1:19421")
	defer echo.Close()

	mux, err := plugin.New([]plugin.PatternRemote{{Pattern: ".*", Remote: "127.0.0.1:19421"}}, nil)
	if err != nil {
		t.Fatalf("plugin.New: %v", err)
	}
	e := NewUDPEngine(Config{Local: "127.0.0.1:19422", Plugin: mux, MaxConnections: 1})
	runUDPEngine(t, e)

	target, err := net.ResolveUDPAddr("udp", "127.0.0.1:19422")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	first, err := net.DialUDP("udp", nil, target)
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()
	if _, err := first.Write([]byte("a")); err != nil {
		t.Fatalf("write first: %v", err)
	}
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	if _, err := first.Read(buf); err != nil {
		t.Fatalf("read first: %v", err)
	}

	second, err := net.DialUDP("udp", nil, target)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	if _, err := second.Write([]byte("b")); err != nil {
		t.Fatalf("write second: %v", err)
	}
	second.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the session over the limit to receive no reply")
	}
}
