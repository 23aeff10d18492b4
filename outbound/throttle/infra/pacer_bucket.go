package infra

import (
	"context"
	"math"
	"sync"

	"outbound-gateway/outbound/throttle/domain"

	"golang.org/x/time/rate"
)

// BucketPacer é um pacer token-bucket sobre golang.org/x/time/rate.
//
// Diferença de comportamento em relação ao SlidingPacer: o bucket admite uma
// rajada inicial de até `burst` inícios e, na virada de janela, até
// burst+rate inícios podem cair dentro de um mesmo intervalo de 1s. A
// garantia de throughput sustentado é a mesma; muda a distribuição de
// latência no pior caso.
//
// IMPORTANTE: com taxa bem baixa (ex: 0.02), um burst alto dá a impressão de
// que o pacer não está funcionando, porque os primeiros inícios passam
// direto. O padrão max(1, ceil(rate)) evita isso.
type BucketPacer struct {
	lim *rate.Limiter

	mu         sync.Mutex
	fixedBurst bool // burst explícito não é recalculado em SetRate
}

type BucketOption func(*BucketPacer)

// WithBurst fixa o tamanho da rajada inicial (padrão: max(1, ceil(rate))).
func WithBurst(n int) BucketOption {
	return func(p *BucketPacer) {
		p.lim.SetBurst(n)
		p.fixedBurst = true
	}
}

func NewBucketPacer(startsPerSecond float64, opts ...BucketOption) (*BucketPacer, error) {
	if startsPerSecond <= 0 {
		return nil, domain.ErrInvalidRate
	}
	p := &BucketPacer{
		lim: rate.NewLimiter(rate.Limit(startsPerSecond), defaultBurst(startsPerSecond)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func defaultBurst(startsPerSecond float64) int {
	b := int(math.Ceil(startsPerSecond))
	if b < 1 {
		b = 1
	}
	return b
}

// WaitStart implementa domain.Pacer.
func (p *BucketPacer) WaitStart(ctx context.Context) error {
	return p.lim.Wait(ctx)
}

// SetRate implementa domain.Pacer.
// Se o burst não foi fixado via WithBurst, ele acompanha a nova taxa.
func (p *BucketPacer) SetRate(startsPerSecond float64) error {
	if startsPerSecond <= 0 {
		return domain.ErrInvalidRate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lim.SetLimit(rate.Limit(startsPerSecond))
	if !p.fixedBurst {
		p.lim.SetBurst(defaultBurst(startsPerSecond))
	}
	return nil
}

func (p *BucketPacer) Rate() float64 { return float64(p.lim.Limit()) }

// Burst expõe a rajada atual (diagnóstico/testes).
func (p *BucketPacer) Burst() int { return p.lim.Burst() }
