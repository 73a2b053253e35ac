package engine

// token identifies one UDP session. Engines are single-threaded, so a
// plain counter is enough; no atomics needed. TCP flows derive their
// peer directly through side.peer instead of a registered token, since
// both halves of a flow already live behind one *tcpFlow.
type token uint64

type tokenAllocator struct {
	next uint64
}

// single allocates one token for a UDP session.
func (a *tokenAllocator) single() token {
	t := token(a.next)
	a.next++
	return t
}
