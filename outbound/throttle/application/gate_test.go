package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"outbound-gateway/outbound/throttle/domain"
)

// stepPacer libera exatamente um início por token enviado pelo teste.
// Deixa o escalonamento determinístico sem depender de relógio.
type stepPacer struct {
	steps chan struct{}
	rate  float64
}

func newStepPacer() *stepPacer {
	return &stepPacer{steps: make(chan struct{}), rate: 1}
}

func (p *stepPacer) WaitStart(ctx context.Context) error {
	select {
	case <-p.steps:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *stepPacer) SetRate(f float64) error {
	if f <= 0 {
		return domain.ErrInvalidRate
	}
	p.rate = f
	return nil
}

func (p *stepPacer) Rate() float64 { return p.rate }

// openPacer libera todo início na hora.
type openPacer struct {
	mu   sync.Mutex
	rate float64
}

func newOpenPacer() *openPacer { return &openPacer{rate: 1000} }

func (p *openPacer) WaitStart(ctx context.Context) error { return nil }

func (p *openPacer) SetRate(f float64) error {
	if f <= 0 {
		return domain.ErrInvalidRate
	}
	p.mu.Lock()
	p.rate = f
	p.mu.Unlock()
	return nil
}

func (p *openPacer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// fakeStats conta eventos de pressão de fila.
type fakeStats struct {
	mu       sync.Mutex
	pressure int
}

func (s *fakeStats) Record(_ context.Context, ev domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Kind == domain.EventQueuePressure {
		s.pressure++
	}
	return nil
}

func (s *fakeStats) PressureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressure
}

// waitQueueLen espera a fila atingir o tamanho esperado (o enfileiramento
// acontece em goroutines).
func waitQueueLen(t *testing.T, g *Gate, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.QueueLen() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting queue length %d, got %d", want, g.QueueLen())
}

func TestGate_ExecuteReturnsOperationError(t *testing.T) {
	g, err := NewGate("t", newOpenPacer(), 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	boom := errors.New("boom")
	got := g.Execute(context.Background(), func(context.Context) error { return boom })
	if !errors.Is(got, boom) {
		t.Fatalf("expected operation error verbatim, got %v", got)
	}

	if err := g.Execute(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestGate_ExecuteNilOp(t *testing.T) {
	g, err := NewGate("t", newOpenPacer(), 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	if err := g.Execute(context.Background(), nil); !errors.Is(err, domain.ErrNilOp) {
		t.Fatalf("expected ErrNilOp, got %v", err)
	}
}

func TestNewGate_RejectsNilPacer(t *testing.T) {
	if _, err := NewGate("t", nil, 0); !errors.Is(err, domain.ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for nil pacer, got %v", err)
	}
}

func TestGate_FIFOStartOrder(t *testing.T) {
	pacer := newStepPacer()
	g, err := NewGate("t", pacer, 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	const n = 8
	started := make(chan int, n)
	var wg sync.WaitGroup

	// enfileira em ordem controlada: só dispara a submissão i+1 depois que
	// a i está de fato na fila (o pacer segura todos os inícios).
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Execute(context.Background(), func(context.Context) error {
				started <- i
				return nil
			})
		}()
		waitQueueLen(t, g, i+1)
	}

	for want := 0; want < n; want++ {
		pacer.steps <- struct{}{}
		select {
		case got := <-started:
			if got != want {
				t.Fatalf("expected task %d to start, got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting task %d to start", want)
		}
	}
	wg.Wait()
}

func TestGate_TaskFailureIsIsolated(t *testing.T) {
	g, err := NewGate("t", newOpenPacer(), 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	const n = 10
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = g.Execute(context.Background(), func(context.Context) error {
				if i%3 == 0 {
					return fmt.Errorf("task %d failed", i)
				}
				return nil
			})
		}()
	}
	wg.Wait()

	// 0,3,6,9 falham; as demais 6 terminam bem — uma falha nunca trava as seguintes.
	failures := 0
	for i, err := range errs {
		if i%3 == 0 {
			if err == nil {
				t.Fatalf("expected task %d to fail", i)
			}
			failures++
			continue
		}
		if err != nil {
			t.Fatalf("expected task %d to succeed, got %v", i, err)
		}
	}
	if failures != 4 {
		t.Fatalf("expected 4 failures, got %d", failures)
	}
}

func TestGate_QueueLenDrainsToZero(t *testing.T) {
	pacer := newStepPacer()
	g, err := NewGate("t", pacer, 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Execute(context.Background(), func(context.Context) error { return nil })
		}()
		waitQueueLen(t, g, i+1)
	}

	// cada liberação inicia exatamente uma tarefa; a fila decresce monotonicamente.
	for remaining := n - 1; remaining >= 0; remaining-- {
		pacer.steps <- struct{}{}
		waitQueueLen(t, g, remaining)
	}
	wg.Wait()

	if got := g.QueueLen(); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
}

func TestGate_WarnsOncePerCrossing(t *testing.T) {
	pacer := newStepPacer()
	stats := &fakeStats{}
	g, err := NewGate("t", pacer, 3, WithStats(stats))
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	submit := func(k int) {
		for i := 0; i < k; i++ {
			base := g.QueueLen()
			go func() {
				_ = g.Execute(context.Background(), func(context.Context) error { return nil })
			}()
			waitQueueLen(t, g, base+1)
		}
	}

	// sobe até o limiar: um único aviso, mesmo passando dele
	submit(4)
	if got := stats.PressureCount(); got != 1 {
		t.Fatalf("expected 1 pressure event after first crossing, got %d", got)
	}

	// esvazia (rearma) e cruza de novo: segundo aviso
	for i := 0; i < 4; i++ {
		pacer.steps <- struct{}{}
	}
	waitQueueLen(t, g, 0)

	submit(3)
	if got := stats.PressureCount(); got != 2 {
		t.Fatalf("expected 2 pressure events after second crossing, got %d", got)
	}

	for i := 0; i < 3; i++ {
		pacer.steps <- struct{}{}
	}
	waitQueueLen(t, g, 0)
}

func TestGate_SetMaxStartsPerSecond(t *testing.T) {
	g, err := NewGate("t", newOpenPacer(), 7)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	if err := g.SetMaxStartsPerSecond(0); !errors.Is(err, domain.ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for rate 0, got %v", err)
	}
	if err := g.SetMaxStartsPerSecond(-5); !errors.Is(err, domain.ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate for negative rate, got %v", err)
	}

	if err := g.SetMaxStartsPerSecond(20); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := g.Config()
	if cfg.MaxStartsPerSecond != 20 {
		t.Fatalf("expected rate 20, got %v", cfg.MaxStartsPerSecond)
	}
	if cfg.QueueWarnThreshold != 7 {
		t.Fatalf("expected warn threshold 7, got %d", cfg.QueueWarnThreshold)
	}
}

func TestGate_CloseFailsPendingAndRejectsNew(t *testing.T) {
	pacer := newStepPacer()
	g, err := NewGate("t", pacer, 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		base := g.QueueLen()
		go func() {
			results <- g.Execute(context.Background(), func(context.Context) error { return nil })
		}()
		waitQueueLen(t, g, base+1)
	}

	g.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, domain.ErrGateClosed) {
				t.Fatalf("expected ErrGateClosed for pending task, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting pending tasks to settle")
		}
	}

	if err := g.Execute(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, domain.ErrGateClosed) {
		t.Fatalf("expected ErrGateClosed after Close, got %v", err)
	}

	// idempotente
	g.Close()
}

func TestGate_CanceledCallerDoesNotCancelQueuedTask(t *testing.T) {
	pacer := newStepPacer()
	g, err := NewGate("t", pacer, 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	ran := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	result := make(chan error, 1)
	go func() {
		result <- g.Execute(ctx, func(context.Context) error {
			close(ran)
			return nil
		})
	}()
	waitQueueLen(t, g, 1)

	// o chamador desiste de esperar, mas a tarefa segue na fila
	cancel()
	select {
	case err := <-result:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting Execute to return after cancel")
	}

	pacer.steps <- struct{}{}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected queued task to still run after caller gave up")
	}
}

func TestDo_CallerGivesUpWhileQueued(t *testing.T) {
	pacer := newStepPacer()
	g, err := NewGate("t", pacer, 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	ran := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	type reply struct {
		val string
		err error
	}
	result := make(chan reply, 1)
	go func() {
		v, doErr := Do(ctx, g, func(context.Context) (string, error) {
			close(ran)
			return "tarde demais", nil
		})
		result <- reply{val: v, err: doErr}
	}()
	waitQueueLen(t, g, 1)

	// o chamador desiste com a operação ainda na fila: recebe ctx.Err() e
	// o zero do tipo, nunca um valor escrito pela execução tardia.
	cancel()
	select {
	case r := <-result:
		if !errors.Is(r.err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", r.err)
		}
		if r.val != "" {
			t.Fatalf("expected zero value for abandoned caller, got %q", r.val)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting Do to return after cancel")
	}

	// a execução tardia acontece mesmo assim, sem tocar no chamador
	pacer.steps <- struct{}{}
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected abandoned operation to still run")
	}
}

func TestDo_PreservesValue(t *testing.T) {
	g, err := NewGate("t", newOpenPacer(), 0)
	if err != nil {
		t.Fatalf("unexpected NewGate error: %v", err)
	}
	defer g.Close()

	got, err := Do(context.Background(), g, func(context.Context) (int, error) { return 42, nil })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}

	boom := errors.New("boom")
	_, err = Do(context.Background(), g, func(context.Context) (string, error) { return "", boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected operation error verbatim, got %v", err)
	}
}
