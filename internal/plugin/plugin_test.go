package plugin

import (
	"net"
	"testing"
)

func mustMultiplexer(t *testing.T, rules []PatternRemote) *RegexMultiplexer {
	t.Helper()
	m, err := New(rules, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestOnlySingleTarget(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{{Pattern: ".*", Remote: "127.0.0.1:2233"}})
	target := m.OnlySingleTarget()
	if target == nil {
		t.Fatal("expected a single target for a sole catch-all rule")
	}
	if target.Port != 2233 {
		t.Fatalf("unexpected port %d", target.Port)
	}
}

func TestOnlySingleTargetNilWithMultipleRules(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{
		{Pattern: "[ssh]", Remote: "127.0.0.1:22"},
		{Pattern: ".*", Remote: "127.0.0.1:80"},
	})
	if m.OnlySingleTarget() != nil {
		t.Fatal("expected no single target when more than one rule is configured")
	}
}

func TestDecideTargetSSH(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{
		{Pattern: "[ssh]", Remote: "127.0.0.1:22"},
		{Pattern: ".*", Remote: "127.0.0.1:80"},
	})
	target := m.DecideTarget([]byte("SSH-2.0-OpenSSH_9.0\r\n"))
	if target == nil || target.Port != 22 {
		t.Fatalf("expected ssh rule to match, got %v", target)
	}
}

func TestDecideTargetHTTP(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{
		{Pattern: "[http]", Remote: "127.0.0.1:8080"},
		{Pattern: ".*", Remote: "127.0.0.1:80"},
	})
	target := m.DecideTarget([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if target == nil || target.Port != 8080 {
		t.Fatalf("expected http rule to match, got %v", target)
	}
}

func TestDecideTargetHTTPHost(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{
		{Pattern: "[http:example.com]", Remote: "127.0.0.1:9090"},
		{Pattern: ".*", Remote: "127.0.0.1:80"},
	})
	match := m.DecideTarget([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	if match == nil || match.Port != 9090 {
		t.Fatalf("expected http:host rule to match, got %v", match)
	}
	noMatch := m.DecideTarget([]byte("GET / HTTP/1.1\r\nHost: other.com\r\n\r\n"))
	if noMatch == nil || noMatch.Port != 80 {
		t.Fatalf("expected fallback rule for a different host, got %v", noMatch)
	}
}

func TestDecideTargetHTTPSSNI(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{
		{Pattern: "[https:example.com]", Remote: "127.0.0.1:9443"},
		{Pattern: ".*", Remote: "127.0.0.1:443"},
	})
	hello := append([]byte{0x16, 0x03, 0x01, 0x00, 0x10}, []byte("...example.com..")...)
	target := m.DecideTarget(hello)
	if target == nil || target.Port != 9443 {
		t.Fatalf("expected https:host rule to match SNI, got %v", target)
	}
}

func TestDecideTargetSocks5AndRDP(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{
		{Pattern: "[socks5]", Remote: "127.0.0.1:1080"},
		{Pattern: "[rdp]", Remote: "127.0.0.1:3389"},
		{Pattern: ".*", Remote: "127.0.0.1:23"},
	})
	if target := m.DecideTarget([]byte{0x05, 0x01, 0x00}); target == nil || target.Port != 1080 {
		t.Fatalf("expected socks5 rule to match, got %v", target)
	}
	rdp := []byte{0x03, 0x00, 0x00, 0x0b, 0x06, 0xe0, 0x00, 0x00, 0x00, 0x00, 0x00}
	if target := m.DecideTarget(rdp); target == nil || target.Port != 3389 {
		t.Fatalf("expected rdp rule to match, got %v", target)
	}
}

func TestDecideTargetFallbackRegexHexDual(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{{Pattern: "^deadbeef", Remote: "127.0.0.1:1234"}})
	target := m.DecideTarget([]byte{0xde, 0xad, 0xbe, 0xef})
	if target == nil {
		t.Fatal("expected hex-encoded form to match a raw-byte payload")
	}
}

func TestDecideTargetNoMatch(t *testing.T) {
	m := mustMultiplexer(t, []PatternRemote{{Pattern: "[ssh]", Remote: "127.0.0.1:22"}})
	if target := m.DecideTarget([]byte("not ssh at all")); target != nil {
		t.Fatalf("expected no match, got %v", target)
	}
}

func TestIPAllowed(t *testing.T) {
	m, err := New([]PatternRemote{{Pattern: ".*", Remote: "127.0.0.1:1"}}, []string{"127.0.0.0/8"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !m.IPAllowed(net.ParseIP("127.0.0.1")) {
		t.Fatal("expected loopback to be allowed")
	}
	if m.IPAllowed(net.ParseIP("8.8.8.8")) {
		t.Fatal("expected non-matching address to be denied")
	}
}
