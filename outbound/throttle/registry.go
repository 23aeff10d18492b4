package throttle

import (
	"sync"
	"time"

	"outbound-gateway/outbound/throttle/application"
	"outbound-gateway/outbound/throttle/domain"
	"outbound-gateway/outbound/throttle/infra"

	"go.uber.org/zap"
)

// PacerFactory cria o pacer de um gate novo do registry.
type PacerFactory func(startsPerSecond float64) (domain.Pacer, error)

// Registry mantém um Gate por chave (ex.: um por host de provedor), criado
// sob demanda com a configuração padrão, com cache e limpeza periódica de
// gates ociosos.
//
// É o substituto explícito do singleton por provedor: cada canal limitado
// ganha seu próprio gate, e múltiplos registries podem coexistir (por API
// key, por tenant) sem estado global.
type Registry struct {
	defaults domain.Config
	newPacer PacerFactory
	stats    domain.StatsStore
	log      *zap.Logger

	mu      sync.Mutex
	entries map[string]*registryEntry

	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type registryEntry struct {
	gate     *application.Gate
	lastSeen time.Time
}

type RegistryOption func(*Registry)

func WithIdleTTL(d time.Duration) RegistryOption {
	return func(r *Registry) { r.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) RegistryOption {
	return func(r *Registry) { r.cleanupEvery = d }
}

// WithPacerFactory troca a estratégia de pacing dos gates novos
// (padrão: janela deslizante estrita).
func WithPacerFactory(f PacerFactory) RegistryOption {
	return func(r *Registry) {
		if f != nil {
			r.newPacer = f
		}
	}
}

func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

func WithRegistryStats(s domain.StatsStore) RegistryOption {
	return func(r *Registry) { r.stats = s }
}

func NewRegistry(defaults domain.Config, opts ...RegistryOption) (*Registry, error) {
	if defaults.MaxStartsPerSecond <= 0 {
		return nil, domain.ErrInvalidRate
	}
	r := &Registry{
		defaults: defaults,
		newPacer: func(rate float64) (domain.Pacer, error) {
			return infra.NewSlidingPacer(rate)
		},
		log:          zap.NewNop(),
		entries:      make(map[string]*registryEntry),
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Get retorna o gate da chave, criando na primeira vez.
func (r *Registry) Get(key string) (*application.Gate, error) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if ent, ok := r.entries[key]; ok {
		ent.lastSeen = now
		return ent.gate, nil
	}

	pacer, err := r.newPacer(r.defaults.MaxStartsPerSecond)
	if err != nil {
		return nil, err
	}
	gate, err := application.NewGate(key, pacer, r.defaults.QueueWarnThreshold,
		application.WithLogger(r.log),
		application.WithStats(r.stats),
	)
	if err != nil {
		return nil, err
	}
	r.entries[key] = &registryEntry{gate: gate, lastSeen: now}
	return gate, nil
}

// Defaults retorna a configuração aplicada a gates novos.
func (r *Registry) Defaults() domain.Config { return r.defaults }

// Len retorna quantos gates existem no momento (diagnóstico/testes).
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Cleanup fecha e remove gates ociosos (sem uso recente e com fila vazia).
func (r *Registry) Cleanup() {
	cutoff := time.Now().Add(-r.idleTTL)

	r.mu.Lock()
	var closing []*application.Gate
	for k, ent := range r.entries {
		// gate com fila não é ocioso, mesmo sem Get recente
		if ent.lastSeen.Before(cutoff) && ent.gate.QueueLen() == 0 {
			closing = append(closing, ent.gate)
			delete(r.entries, k)
		}
	}
	r.mu.Unlock()

	for _, g := range closing {
		g.Close()
		r.log.Debug("idle gate closed", zap.String("gate", g.Name()))
	}
}

// StartJanitor inicia uma goroutine que limpa gates ociosos periodicamente.
// Pare cancelando o contexto.
func (r *Registry) StartJanitor(ctx DoneContext) {
	if r.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(r.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				r.Cleanup()
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem exigir
// um contexto completo aqui. (Permite reuso em libs sem acoplar.)
type DoneContext interface {
	Done() <-chan struct{}
}
