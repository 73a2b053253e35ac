// Package matcher implements per-source CIDR access control.
package matcher

import "net"

// AddressMatcher decides whether a source IP is allowed to open a flow.
// An empty allow-list means allow everything, matching the permissive
// default a forwarder with no allow_nets configured should have.
type AddressMatcher struct {
	nets []*net.IPNet
}

// New builds an AddressMatcher from a list of CIDR strings. Entries that
// fail to parse are skipped rather than rejected, so one typo in a long
// allow-list does not take down an otherwise valid forwarder.
func New(cidrs []string) *AddressMatcher {
	m := &AddressMatcher{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		m.nets = append(m.nets, n)
	}
	return m
}

// Allowed reports whether ip may open a flow.
func (m *AddressMatcher) Allowed(ip net.IP) bool {
	if len(m.nets) == 0 {
		return true
	}
	for _, n := range m.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
