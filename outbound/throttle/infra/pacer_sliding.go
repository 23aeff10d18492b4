package infra

import (
	"context"
	"sync"
	"time"

	"outbound-gateway/outbound/throttle/domain"

	"github.com/jonboulle/clockwork"
)

// janela de contagem do pacing (inícios por segundo).
const slidingWindow = time.Second

// SlidingPacer é um pacer de janela deslizante estrita: guarda os timestamps
// dos inícios recentes e só libera um novo início quando há menos de `rate`
// inícios na última janela.
//
// É a variante sem efeito de borda: em QUALQUER janela de 1s cabem no máximo
// `rate` inícios. O custo é guardar os timestamps individuais (no máximo
// floor(rate) deles). Compare com BucketPacer, que admite rajada na virada
// da janela.
//
// Para taxas fracionárias (< 1), a janela é esticada: rate=0.5 significa um
// início a cada 2s.
type SlidingPacer struct {
	clock clockwork.Clock

	mu     sync.Mutex
	rate   float64
	starts []time.Time

	// bump acorda um waiter quando a taxa muda, para re-checar com os
	// parâmetros novos em vez de dormir o timer antigo inteiro.
	bump chan struct{}
}

type SlidingOption func(*SlidingPacer)

// WithClock troca a fonte de tempo (fake clock nos testes).
func WithClock(c clockwork.Clock) SlidingOption {
	return func(p *SlidingPacer) { p.clock = c }
}

func NewSlidingPacer(startsPerSecond float64, opts ...SlidingOption) (*SlidingPacer, error) {
	if startsPerSecond <= 0 {
		return nil, domain.ErrInvalidRate
	}
	p := &SlidingPacer{
		clock: clockwork.NewRealClock(),
		rate:  startsPerSecond,
		bump:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// params deriva (capacidade, janela) da taxa atual.
// rate >= 1: floor(rate) inícios por 1s. rate < 1: 1 início por 1s/rate.
func (p *SlidingPacer) params() (int, time.Duration) {
	if p.rate >= 1 {
		return int(p.rate), slidingWindow
	}
	return 1, time.Duration(float64(slidingWindow) / p.rate)
}

// WaitStart implementa domain.Pacer.
func (p *SlidingPacer) WaitStart(ctx context.Context) error {
	for {
		// ctx já encerrado nunca ganha início, mesmo com janela livre
		// (mesmo contrato de rate.Limiter.Wait).
		if err := ctx.Err(); err != nil {
			return err
		}

		p.mu.Lock()
		capacity, window := p.params()
		now := p.clock.Now()

		// poda inícios que já saíram da janela
		cutoff := now.Add(-window)
		i := 0
		for i < len(p.starts) && !p.starts[i].After(cutoff) {
			i++
		}
		if i > 0 {
			p.starts = append(p.starts[:0], p.starts[i:]...)
		}

		if len(p.starts) < capacity {
			p.starts = append(p.starts, now)
			p.mu.Unlock()
			return nil
		}

		// espera o início contado mais antigo sair da janela.
		// len >= capacity aqui, então o índice é válido mesmo se SetRate
		// tiver reduzido a taxa no meio do caminho.
		wait := p.starts[len(p.starts)-capacity].Add(window).Sub(now)
		p.mu.Unlock()

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(wait):
		case <-p.bump:
		}
	}
}

// SetRate implementa domain.Pacer. Vale para decisões futuras; inícios já
// concedidos não são afetados.
func (p *SlidingPacer) SetRate(startsPerSecond float64) error {
	if startsPerSecond <= 0 {
		return domain.ErrInvalidRate
	}
	p.mu.Lock()
	p.rate = startsPerSecond
	p.mu.Unlock()
	select {
	case p.bump <- struct{}{}:
	default:
	}
	return nil
}

func (p *SlidingPacer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}
