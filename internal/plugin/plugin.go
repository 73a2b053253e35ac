// Package plugin implements content-aware routing: deciding, from a
// connection's first bytes, which upstream target a flow should be
// forwarded to.
package plugin

import (
	"encoding/hex"
	"fmt"
	"net"
	"regexp"
	"strings"
	"unicode/utf8"

	"portfwd/internal/matcher"
	"portfwd/internal/rawsock"
)

// Target is a resolved upstream endpoint.
type Target struct {
	IP   net.IP
	Port int
}

func (t Target) String() string {
	return net.JoinHostPort(t.IP.String(), fmt.Sprint(t.Port))
}

// ConnectionPlugin decides, per flow, whether a source is allowed and
// which upstream a flow should be routed to. One plugin is shared by a
// forwarder's TCP and UDP engines, which call it from their own
// goroutines, so implementations must be safe for concurrent use.
// RegexMultiplexer is immutable after New and satisfies this.
type ConnectionPlugin interface {
	// IPAllowed reports whether a source IP may open a flow at all.
	IPAllowed(ip net.IP) bool
	// OnlySingleTarget returns the one upstream target to use without
	// inspecting any payload, or nil if routing depends on content.
	OnlySingleTarget() *Target
	// DecideTarget inspects a flow's first payload bytes and returns the
	// upstream to route to, or nil if no rule matches (the flow should
	// be dropped).
	DecideTarget(buf []byte) *Target
	// Transform gives the plugin a chance to rewrite a payload chunk
	// before it is relayed. The default implementation is the identity
	// function; this repo performs no protocol rewriting.
	Transform(buf []byte) []byte
}

// PatternRemote pairs a routing pattern with the upstream it should send
// matching flows to.
type PatternRemote struct {
	Pattern string
	Remote  string
}

type rule struct {
	pattern string
	match   func([]byte) bool
	target  Target
}

// RegexMultiplexer is the stock ConnectionPlugin: an ordered list of
// pattern rules tried in configuration order, plus a CIDR allow-list.
type RegexMultiplexer struct {
	rules   []rule
	single  *Target
	allowed *matcher.AddressMatcher
}

// New builds a RegexMultiplexer from the configured remoteMap entries and
// allow-list. Each remote is resolved once, eagerly, at construction time
// (the "first resolution wins" rule also used for listen addresses).
func New(rulesCfg []PatternRemote, allowNets []string) (*RegexMultiplexer, error) {
	if len(rulesCfg) == 0 {
		return nil, fmt.Errorf("no routing rules configured")
	}
	m := &RegexMultiplexer{allowed: matcher.New(allowNets)}
	for _, pr := range rulesCfg {
		ip, port, err := rawsock.ResolveTCP(pr.Remote)
		if err != nil {
			return nil, fmt.Errorf("resolve remote %q: %w", pr.Remote, err)
		}
		matchFn, err := compilePattern(pr.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pr.Pattern, err)
		}
		m.rules = append(m.rules, rule{
			pattern: pr.Pattern,
			match:   matchFn,
			target:  Target{IP: ip, Port: port},
		})
	}
	if len(rulesCfg) == 1 && rulesCfg[0].Pattern == ".*" {
		t := m.rules[0].target
		m.single = &t
	}
	return m, nil
}

// compilePattern translates one remoteMap pattern into a byte-predicate.
// The named forms ([ssh], [http], [http:<host>], [https:<host>],
// [socks5], [rdp]) get purpose-built matchers; anything else is compiled
// as a regular expression and tried against both the raw payload and its
// lowercase hex encoding, so binary protocols can still be matched by a
// printable pattern.
func compilePattern(pattern string) (func([]byte) bool, error) {
	switch {
	case pattern == "[ssh]":
		re := regexp.MustCompile(`^SSH-2\.0-.+`)
		return re.Match, nil

	case pattern == "[http]":
		re := regexp.MustCompile(`^(GET|POST|PUT|DELETE|OPTIONS|HEAD|CONNECT|TRACE) `)
		return re.Match, nil

	case strings.HasPrefix(pattern, "[http:") && strings.HasSuffix(pattern, "]"):
		host := pattern[len("[http:") : len(pattern)-1]
		re := regexp.MustCompile(`^(GET|POST|PUT|DELETE|OPTIONS|HEAD|CONNECT|TRACE) `)
		needle := []byte(host)
		return func(buf []byte) bool {
			return re.Match(buf) && containsKMP(buf, needle)
		}, nil

	case strings.HasPrefix(pattern, "[https:") && strings.HasSuffix(pattern, "]"):
		host := pattern[len("[https:") : len(pattern)-1]
		needle := []byte(host)
		return func(buf []byte) bool {
			return isTLSClientHelloPrefix(buf) && containsKMP(buf, needle)
		}, nil

	case pattern == "[socks5]":
		return isSocks5Greeting, nil

	case pattern == "[rdp]":
		return isRDPConnectionRequest, nil

	default:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		return func(buf []byte) bool {
			if re.MatchString(strings.ToValidUTF8(string(buf), string(utf8.RuneError))) {
				return true
			}
			hexBuf := make([]byte, hex.EncodedLen(len(buf)))
			hex.Encode(hexBuf, buf)
			return re.Match(hexBuf)
		}, nil
	}
}

func (m *RegexMultiplexer) IPAllowed(ip net.IP) bool {
	return m.allowed.Allowed(ip)
}

func (m *RegexMultiplexer) OnlySingleTarget() *Target {
	return m.single
}

func (m *RegexMultiplexer) DecideTarget(buf []byte) *Target {
	for _, r := range m.rules {
		if r.match(buf) {
			t := r.target
			return &t
		}
	}
	return nil
}

// Transform is the identity function: this repo relays opaque bytes
// without protocol rewriting.
func (m *RegexMultiplexer) Transform(buf []byte) []byte {
	return buf
}
