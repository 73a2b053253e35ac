//go:build linux

package engine

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"portfwd/internal/flog"
	"portfwd/internal/plugin"
	"portfwd/internal/poller"
	"portfwd/internal/rawsock"
)

// DefaultUDPIdleTimeout is how long a UDP session may sit without
// activity before it is evicted.
const DefaultUDPIdleTimeout = 180 * time.Second

type udpSession struct {
	id            token
	clientAddr    unix.Sockaddr
	clientKey     string
	family        int
	upstreamFD    int
	decidedTarget unix.Sockaddr
	pending       [][]byte // queued datagrams awaiting send to upstream
	lastActiveUs  int64
	removed       bool
}

type writebackEntry struct {
	clientAddr unix.Sockaddr
	data       []byte
}

// UDPEngine is the UdpForwardingEngine: one bound listener socket shared
// by every client, with a per-client ephemeral upstream socket and
// idle-based LRU eviction of sessions.
type UDPEngine struct {
	cfg         Config
	idleTimeout time.Duration
	listenFD    int
	poller      *poller.Poller
	tokens      tokenAllocator
	byAddr      map[string]*udpSession
	byID        map[token]*udpSession
	byUpFD      map[int]*udpSession
	writeback   []writebackEntry
	maxActiveUs int64
	lru         lruIndex
	buf         [readBufSize]byte
}

func NewUDPEngine(cfg Config) *UDPEngine {
	return &UDPEngine{
		cfg:         cfg,
		idleTimeout: DefaultUDPIdleTimeout,
		byAddr:      make(map[string]*udpSession),
		byID:        make(map[token]*udpSession),
		byUpFD:      make(map[int]*udpSession),
	}
}

func (e *UDPEngine) bump() int64 {
	now := time.Now().UnixMicro()
	if now <= e.maxActiveUs {
		now = e.maxActiveUs + 1
	}
	e.maxActiveUs = now
	return now
}

func (e *UDPEngine) bumpActivity(s *udpSession) {
	s.lastActiveUs = e.bump()
	e.lru.push(s.lastActiveUs, s.id)
}

func (e *UDPEngine) Run(cancel *atomic.Bool) error {
	fd, bound, err := rawsock.ListenUDP(e.cfg.Local)
	if err != nil {
		return fmt.Errorf("udp listen on %s: %w", e.cfg.Local, err)
	}
	e.listenFD = fd
	defer unix.Close(fd)

	p, err := poller.New(256)
	if err != nil {
		return fmt.Errorf("udp epoll create: %w", err)
	}
	e.poller = p
	defer p.Close()

	if err := p.Add(fd, true, false); err != nil {
		return fmt.Errorf("udp register listener: %w", err)
	}

	flog.Infof("udp forwarding engine listening on %s", bound)

	events := make([]poller.Event, 0, 256)
	for {
		e.evictIdle()

		events = events[:0]
		events, err = p.Wait(events, time.Second)
		if err != nil {
			if rawsock.IsInterrupted(err) {
				continue
			}
			return fmt.Errorf("udp epoll wait: %w", err)
		}
		for _, ev := range events {
			if ev.Fd == e.listenFD {
				if ev.Readable {
					e.handleListenerReadable()
				}
				if ev.Writable {
					e.handleListenerWritable()
				}
				continue
			}
			sess, ok := e.byUpFD[ev.Fd]
			if !ok {
				continue
			}
			if ev.Error {
				e.evictSession(sess)
				continue
			}
			if ev.Readable {
				e.handleUpstreamReadable(sess)
			}
			if sess.removed {
				continue
			}
			if ev.Writable {
				e.handleUpstreamWritable(sess)
			}
		}

		if cancel.Load() {
			return nil
		}
	}
}

func (e *UDPEngine) evictIdle() {
	now := e.bump()
	threshold := now - e.idleTimeout.Microseconds()
	e.lru.evictOlderThan(threshold,
		func(id token, us int64) bool {
			s, ok := e.byID[id]
			return ok && !s.removed && s.lastActiveUs == us
		},
		func(id token) {
			if s, ok := e.byID[id]; ok {
				flog.Infof("udp session %s idle, evicting", s.clientKey)
				e.evictSession(s)
			}
		},
	)
}

func (e *UDPEngine) handleListenerReadable() {
	for {
		n, from, err := unix.Recvfrom(e.listenFD, e.buf[:], 0)
		if err != nil {
			if !rawsock.IsTemporary(err) {
				flog.Errorf("udp recv on %s: %v", e.cfg.Local, err)
			}
			return
		}
		ip, port := rawsock.FromSockaddr(from)
		if !e.cfg.Plugin.IPAllowed(ip) {
			flog.Infof("udp datagram from %s refused: access denied", ip)
			continue
		}
		key := net.JoinHostPort(ip.String(), fmt.Sprint(port))

		sess, ok := e.byAddr[key]
		if !ok {
			if e.cfg.MaxConnections >= 0 && int64(len(e.byAddr)) >= e.cfg.MaxConnections {
				continue
			}
			ufd, err := rawsock.EphemeralUDP(rawsock.Family(ip))
			if err != nil {
				flog.Errorf("udp session for %s: allocate upstream socket: %v", key, err)
				continue
			}
			sess = &udpSession{
				id:         e.tokens.single(),
				clientAddr: from,
				clientKey:  key,
				family:     rawsock.Family(ip),
				upstreamFD: ufd,
			}
			e.byAddr[key] = sess
			e.byID[sess.id] = sess
			e.byUpFD[ufd] = sess
			e.poller.Add(ufd, true, false)
			e.bumpActivity(sess)
			flog.Infof("udp session opened for %s, %d active", key, len(e.byAddr))
		}

		data := append([]byte(nil), e.buf[:n]...)
		wasEmpty := len(sess.pending) == 0
		sess.pending = append(sess.pending, data)
		if wasEmpty {
			e.poller.SetWritable(sess.upstreamFD)
		}
	}
}

func (e *UDPEngine) handleListenerWritable() {
	for len(e.writeback) > 0 {
		item := e.writeback[0]
		if err := unix.Sendto(e.listenFD, item.data, 0, item.clientAddr); err != nil {
			if rawsock.IsTemporary(err) {
				return
			}
			// Drop this datagram and keep draining the rest of the queue.
			e.writeback = e.writeback[1:]
			continue
		}
		e.writeback = e.writeback[1:]
	}
	e.poller.ClearWritable(e.listenFD)
}

func (e *UDPEngine) handleUpstreamReadable(sess *udpSession) {
	progressed := false
	for {
		n, err := unix.Read(sess.upstreamFD, e.buf[:])
		if err != nil {
			if rawsock.IsTemporary(err) {
				break
			}
			e.evictSession(sess)
			return
		}
		data := append([]byte(nil), e.buf[:n]...)
		wasEmpty := len(e.writeback) == 0
		e.writeback = append(e.writeback, writebackEntry{clientAddr: sess.clientAddr, data: data})
		if wasEmpty {
			e.poller.SetWritable(e.listenFD)
		}
		progressed = true
	}
	if progressed {
		e.bumpActivity(sess)
	}
}

func (e *UDPEngine) handleUpstreamWritable(sess *udpSession) {
	for len(sess.pending) > 0 {
		buf := sess.pending[0]
		target := sess.decidedTarget
		if target == nil {
			t := e.cfg.Plugin.DecideTarget(buf)
			if t == nil {
				flog.Infof("udp session %s: no route matched, dropping", sess.clientKey)
				e.evictSession(sess)
				return
			}
			target = rawsock.Sockaddr(t.IP, t.Port)
			sess.decidedTarget = target
		}
		if err := unix.Sendto(sess.upstreamFD, buf, 0, target); err != nil {
			if rawsock.IsTemporary(err) {
				return
			}
			e.evictSession(sess)
			return
		}
		sess.pending = sess.pending[1:]
	}
	e.poller.ClearWritable(sess.upstreamFD)
}

// evictSession tears down one client session. Idempotent.
func (e *UDPEngine) evictSession(sess *udpSession) {
	if sess.removed {
		return
	}
	sess.removed = true
	e.poller.Remove(sess.upstreamFD)
	unix.Close(sess.upstreamFD)
	delete(e.byAddr, sess.clientKey)
	delete(e.byID, sess.id)
	delete(e.byUpFD, sess.upstreamFD)
}
