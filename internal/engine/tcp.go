//go:build linux

// Package engine implements the readiness-driven, single-threaded
// forwarding loops for TCP and UDP, ported from a mio/epoll event loop
// into direct use of golang.org/x/sys/unix epoll over non-blocking raw
// sockets (see internal/poller and internal/rawsock).
package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"portfwd/internal/flog"
	"portfwd/internal/plugin"
	"portfwd/internal/poller"
	"portfwd/internal/rawsock"
)

// Config configures a forwarding engine. CacheSize only matters for TCP;
// UDP ignores it. MaxConnections caps TCP flows and UDP sessions alike.
type Config struct {
	Local          string
	Plugin         plugin.ConnectionPlugin
	CacheSize      int
	MaxConnections int64 // -1 means unlimited
}

const readBufSize = 64 * 1024

// side is one half of a TCP flow: either the inbound (client) socket or
// the upstream socket dialed on its behalf. pending holds bytes read
// from the peer side and not yet fully written to this fd.
type side struct {
	fd              int
	peer            *side
	flow            *tcpFlow
	pending         [][]byte
	pendingBytes    int
	wantShutdown    bool
	alreadyShutdown bool
}

type tcpFlow struct {
	inbound  *side
	upstream *side
	peerAddr string
	removed  bool
}

// TCPEngine is the TcpForwardingEngine: one listener, one epoll instance,
// and a single goroutine driving both, per enabled forwarder.
type TCPEngine struct {
	cfg      Config
	listenFD int
	poller   *poller.Poller
	byFD     map[int]*side
	count    int
	buf      [readBufSize]byte
}

func NewTCPEngine(cfg Config) *TCPEngine {
	return &TCPEngine{cfg: cfg, byFD: make(map[int]*side)}
}

// Run binds the listener and drives the event loop until cancel is set.
func (e *TCPEngine) Run(cancel *atomic.Bool) error {
	fd, bound, err := rawsock.ListenTCP(e.cfg.Local)
	if err != nil {
		return fmt.Errorf("tcp listen on %s: %w", e.cfg.Local, err)
	}
	e.listenFD = fd
	defer unix.Close(fd)

	p, err := poller.New(256)
	if err != nil {
		return fmt.Errorf("tcp epoll create: %w", err)
	}
	e.poller = p
	defer p.Close()

	if err := p.Add(fd, true, false); err != nil {
		return fmt.Errorf("tcp register listener: %w", err)
	}

	flog.Infof("tcp forwarding engine listening on %s", bound)

	events := make([]poller.Event, 0, 256)
	for {
		events = events[:0]
		events, err = p.Wait(events, time.Second)
		if err != nil {
			if rawsock.IsInterrupted(err) {
				continue
			}
			return fmt.Errorf("tcp epoll wait: %w", err)
		}
		for _, ev := range events {
			if ev.Fd == e.listenFD {
				if ev.Readable {
					e.acceptLoop()
				}
				continue
			}
			s, ok := e.byFD[ev.Fd]
			if !ok {
				continue
			}
			if ev.Readable {
				e.handleReadable(s)
			}
			if s.flow.removed {
				continue
			}
			if ev.Writable {
				e.handleWritable(s)
			}
			if !s.flow.removed && ev.Error {
				e.removeFlow(s.flow)
			}
		}
		if cancel.Load() {
			return nil
		}
	}
}

func (e *TCPEngine) acceptLoop() {
	for {
		nfd, peerIP, peerPort, err := rawsock.Accept4(e.listenFD)
		if err != nil {
			if !rawsock.IsTemporary(err) {
				flog.Errorf("tcp accept on %s: %v", e.cfg.Local, err)
			}
			return
		}

		if e.cfg.MaxConnections >= 0 && int64(e.count) >= e.cfg.MaxConnections {
			unix.Close(nfd)
			continue
		}
		if !e.cfg.Plugin.IPAllowed(peerIP) {
			flog.Infof("tcp connection from %s refused: access denied", peerIP)
			unix.Shutdown(nfd, unix.SHUT_RDWR)
			unix.Close(nfd)
			continue
		}

		peerAddr := fmt.Sprintf("%s:%d", peerIP, peerPort)
		flow := &tcpFlow{peerAddr: peerAddr}
		in := &side{fd: nfd, flow: flow}
		flow.inbound = in

		if target := e.cfg.Plugin.OnlySingleTarget(); target != nil {
			ufd, err := rawsock.DialTCPNonblocking(target.IP, target.Port)
			if err != nil {
				flog.Infof("tcp connection from %s: upstream connect to %s failed: %v", peerAddr, target, err)
				unix.Close(nfd)
				continue
			}
			up := &side{fd: ufd, flow: flow}
			in.peer, up.peer = up, in
			flow.upstream = up
			e.byFD[nfd] = in
			e.byFD[ufd] = up
			e.poller.Add(nfd, true, false)
			e.poller.Add(ufd, true, false)
		} else {
			e.byFD[nfd] = in
			e.poller.Add(nfd, true, false)
		}

		e.count++
		flog.Infof("tcp accept from %s, %d active", peerAddr, e.count)
	}
}

// appendPending queues data to be written to s, registering writable
// interest on the transition from empty to non-empty, and applies
// backpressure to the reader feeding s once the queue crosses CacheSize.
func (e *TCPEngine) appendPending(s *side, data []byte, reader *side) {
	wasEmpty := len(s.pending) == 0
	s.pending = append(s.pending, data)
	s.pendingBytes += len(data)
	if wasEmpty {
		e.poller.SetWritable(s.fd)
	}
	if s.pendingBytes >= e.cfg.CacheSize {
		e.poller.ClearReadable(reader.fd)
	}
}

func (e *TCPEngine) handleReadable(s *side) {
	for {
		n, err := unix.Read(s.fd, e.buf[:])
		if err != nil {
			if rawsock.IsTemporary(err) {
				return
			}
			e.removeFlow(s.flow)
			return
		}
		if n == 0 {
			e.handleEOF(s)
			return
		}

		data := append([]byte(nil), e.buf[:n]...)
		peer := s.peer
		if peer == nil {
			target := e.cfg.Plugin.DecideTarget(data)
			if target == nil {
				flog.Infof("tcp connection from %s: no route matched, dropping", s.flow.peerAddr)
				e.removeFlow(s.flow)
				return
			}
			ufd, err := rawsock.DialTCPNonblocking(target.IP, target.Port)
			if err != nil {
				flog.Infof("tcp connection from %s: upstream connect to %s failed: %v", s.flow.peerAddr, target, err)
				e.removeFlow(s.flow)
				return
			}
			up := &side{fd: ufd, flow: s.flow}
			s.peer, up.peer = up, s
			s.flow.upstream = up
			e.byFD[ufd] = up
			e.poller.Add(ufd, true, false)
			peer = up
		}

		e.appendPending(peer, data, s)
		if s.flow.removed {
			return
		}
		if peer.pendingBytes >= e.cfg.CacheSize {
			return
		}
	}
}

func (e *TCPEngine) handleEOF(s *side) {
	peer := s.peer
	if peer == nil {
		e.removeFlow(s.flow)
		return
	}
	if len(peer.pending) > 0 {
		peer.wantShutdown = true
		return
	}
	rawsock.ShutdownWrite(peer.fd)
	if s.alreadyShutdown {
		e.removeFlow(s.flow)
		return
	}
	e.poller.ClearWritable(peer.fd)
	peer.alreadyShutdown = true
}

func (e *TCPEngine) handleWritable(s *side) {
	if len(s.pending) == 0 {
		return
	}
	wasAbove := s.pendingBytes >= e.cfg.CacheSize
	for len(s.pending) > 0 {
		buf := s.pending[0]
		n, err := unix.Write(s.fd, buf)
		if err != nil {
			if rawsock.IsTemporary(err) {
				break
			}
			e.removeFlow(s.flow)
			return
		}
		if n < len(buf) {
			s.pending[0] = buf[n:]
			s.pendingBytes -= n
			break
		}
		s.pending = s.pending[1:]
		s.pendingBytes -= n
	}
	if wasAbove && s.pendingBytes < e.cfg.CacheSize && s.peer != nil {
		e.poller.SetReadable(s.peer.fd)
	}
	if len(s.pending) == 0 {
		e.poller.ClearWritable(s.fd)
		if s.wantShutdown {
			rawsock.ShutdownWrite(s.fd)
			if s.peer != nil && s.peer.alreadyShutdown {
				e.removeFlow(s.flow)
				return
			}
			s.alreadyShutdown = true
		}
	}
}

// removeFlow tears down both halves of a flow. Idempotent.
func (e *TCPEngine) removeFlow(flow *tcpFlow) {
	if flow == nil || flow.removed {
		return
	}
	flow.removed = true
	if flow.inbound != nil {
		e.poller.Remove(flow.inbound.fd)
		delete(e.byFD, flow.inbound.fd)
		unix.Close(flow.inbound.fd)
	}
	if flow.upstream != nil {
		e.poller.Remove(flow.upstream.fd)
		delete(e.byFD, flow.upstream.fd)
		unix.Close(flow.upstream.fd)
	}
	e.count--
	flog.Infof("tcp connection from %s closed, %d active", flow.peerAddr, e.count)
}
