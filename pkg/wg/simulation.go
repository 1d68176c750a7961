package wg

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SimulationBackend records operations instead of touching the host. It
// backs the `simulation` client backend and the orchestrator tests.
type SimulationBackend struct {
	mu         sync.Mutex
	calls      []string
	up         map[string]string
	killSwitch string
	dns        []string
	routes     []string
	apps       []string
	stats      Stats
	failures   map[string]error
}

func NewSimulationBackend() *SimulationBackend {
	return &SimulationBackend{
		up:       make(map[string]string),
		failures: make(map[string]error),
		stats:    Stats{LatestHandshake: time.Now().Unix()},
	}
}

// FailOn makes the named operation return err until cleared with a nil err.
func (s *SimulationBackend) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *SimulationBackend) SetStats(st Stats) {
	s.mu.Lock()
	s.stats = st
	s.mu.Unlock()
}

// Calls returns the recorded operations as "op" or "op:arg".
func (s *SimulationBackend) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *SimulationBackend) Interfaces() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.up))
	for k, v := range s.up {
		out[k] = v
	}
	return out
}

func (s *SimulationBackend) KillSwitch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killSwitch
}

func (s *SimulationBackend) DNS() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dns...)
}

func (s *SimulationBackend) record(op string, arg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if arg != "" {
		s.calls = append(s.calls, op+":"+arg)
	} else {
		s.calls = append(s.calls, op)
	}
	return s.failures[op]
}

func (s *SimulationBackend) BringUp(_ context.Context, iface string, conf string) error {
	if err := s.record("up", iface); err != nil {
		return err
	}
	s.mu.Lock()
	s.up[iface] = conf
	s.mu.Unlock()
	return nil
}

func (s *SimulationBackend) TearDown(_ context.Context, iface string) error {
	s.mu.Lock()
	_, ok := s.up[iface]
	delete(s.up, iface)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.record("down", iface)
}

func (s *SimulationBackend) ApplyKillSwitch(_ context.Context, ruleset string) error {
	if err := s.record("killswitch", ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.killSwitch = ruleset
	s.mu.Unlock()
	return nil
}

func (s *SimulationBackend) RemoveKillSwitch(context.Context) error {
	if err := s.record("killswitch-off", ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.killSwitch = ""
	s.mu.Unlock()
	return nil
}

func (s *SimulationBackend) ApplyDNS(_ context.Context, iface string, servers []string) error {
	if err := s.record("dns", strings.Join(servers, ",")); err != nil {
		return err
	}
	s.mu.Lock()
	s.dns = append([]string(nil), servers...)
	s.mu.Unlock()
	return nil
}

func (s *SimulationBackend) RestoreDNS(context.Context) error {
	s.mu.Lock()
	had := s.dns != nil
	s.dns = nil
	s.mu.Unlock()
	if !had {
		return nil
	}
	return s.record("dns-restore", "")
}

func (s *SimulationBackend) AddBypassRoute(_ context.Context, ip string) error {
	if err := s.record("route", ip); err != nil {
		return err
	}
	s.mu.Lock()
	s.routes = append(s.routes, ip)
	s.mu.Unlock()
	return nil
}

func (s *SimulationBackend) ClearBypassRoutes(context.Context) error {
	s.mu.Lock()
	had := len(s.routes) > 0
	s.routes = nil
	s.mu.Unlock()
	if !had {
		return nil
	}
	return s.record("route-clear", "")
}

func (s *SimulationBackend) BypassApp(_ context.Context, path string) error {
	if err := s.record("app", path); err != nil {
		return err
	}
	s.mu.Lock()
	s.apps = append(s.apps, path)
	s.mu.Unlock()
	return nil
}

func (s *SimulationBackend) Stats(_ context.Context, iface string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures["stats"]; err != nil {
		return Stats{}, err
	}
	if _, ok := s.up[iface]; !ok {
		return Stats{}, nil
	}
	return s.stats, nil
}
