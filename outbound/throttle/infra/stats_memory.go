package infra

import (
	"context"
	"sync"

	"outbound-gateway/outbound/throttle/domain"
)

type Counters struct {
	OK     int64
	Failed int64
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes e desenvolvimento.
//
// Não faz expiração e não é indicada para produção.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	pressure int64
	byRoute  map[string]Counters
	byGate   map[string]Counters

	trackGates bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackGates(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackGates = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRoute: make(map[string]Counters),
		byGate:  make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Kind == domain.EventQueuePressure {
		s.pressure++
		return nil
	}

	route := ev.Method + " " + ev.Path

	if ev.Kind == domain.EventOK {
		s.total.OK++
		c := s.byRoute[route]
		c.OK++
		s.byRoute[route] = c
		if s.trackGates {
			g := s.byGate[ev.Gate]
			g.OK++
			s.byGate[ev.Gate] = g
		}
		return nil
	}

	s.total.Failed++
	c := s.byRoute[route]
	c.Failed++
	s.byRoute[route] = c
	if s.trackGates {
		g := s.byGate[ev.Gate]
		g.Failed++
		s.byGate[ev.Gate] = g
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// PressureCount é o número de cruzamentos do limiar de fila registrados.
func (s *MemoryStatsStore) PressureCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure
}

func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByGate() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byGate))
	for k, v := range s.byGate {
		out[k] = v
	}
	return out
}
