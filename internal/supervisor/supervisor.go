//go:build linux

// Package supervisor starts and stops the forwarding engines for a single
// configured forwarder, coordinating shutdown through one shared
// cancellation flag per the ForwarderSupervisor design.
package supervisor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"portfwd/internal/conf"
	"portfwd/internal/engine"
	"portfwd/internal/flog"
	"portfwd/internal/plugin"
)

// Runnable is anything a Supervisor can drive: TCPEngine and UDPEngine
// both satisfy it.
type Runnable interface {
	Run(cancel *atomic.Bool) error
}

// CloseFunc requests shutdown of every engine a Supervisor started and
// blocks until they have all returned.
type CloseFunc func()

// Start launches one goroutine per non-nil engine, sharing one cancel
// flag, and returns the close handler.
func Start(tcpEngine, udpEngine Runnable) CloseFunc {
	var cancel atomic.Bool
	var wg sync.WaitGroup

	launch := func(name string, r Runnable) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(&cancel); err != nil {
				flog.Errorf("%s engine stopped: %v", name, err)
			}
		}()
	}
	if tcpEngine != nil {
		launch("tcp", tcpEngine)
	}
	if udpEngine != nil {
		launch("udp", udpEngine)
	}

	return func() {
		cancel.Store(true)
		wg.Wait()
	}
}

// BuildAndStart constructs the routing plugin and engines for one
// forwarder config and starts them.
func BuildAndStart(fc conf.ForwardSessionConfig) (CloseFunc, error) {
	rules := make([]plugin.PatternRemote, len(fc.RemoteMap))
	for i, r := range fc.RemoteMap {
		rules[i] = plugin.PatternRemote{Pattern: r.Pattern, Remote: r.Remote}
	}
	p, err := plugin.New(rules, fc.AllowNets)
	if err != nil {
		return nil, fmt.Errorf("forwarder %s: %w", fc.Local, err)
	}

	maxConns := int64(-1)
	if fc.MaxConnections != nil {
		maxConns = *fc.MaxConnections
	}

	var tcpEng, udpEng Runnable
	if fc.EnableTCP == nil || *fc.EnableTCP {
		tcpEng = engine.NewTCPEngine(engine.Config{
			Local:          fc.Local,
			Plugin:         p,
			CacheSize:      fc.BufSize,
			MaxConnections: maxConns,
		})
	}
	if fc.EnableUDP == nil || *fc.EnableUDP {
		udpEng = engine.NewUDPEngine(engine.Config{
			Local:          fc.Local,
			Plugin:         p,
			MaxConnections: maxConns,
		})
	}

	return Start(tcpEng, udpEng), nil
}
