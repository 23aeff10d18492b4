package application

import (
	"context"
	"sync"
	"time"

	"outbound-gateway/outbound/throttle/domain"

	"go.uber.org/zap"
)

// task é uma operação aceita pelo gate esperando a vez de iniciar.
type task struct {
	ctx  context.Context
	op   domain.Op
	done chan error
}

// Gate serializa e ritma operações assíncronas para um canal limitado
// (ex.: a API de um provedor externo com teto de requisições por segundo).
//
// Contrato:
//   - Execute enfileira a operação no fim da fila e só retorna quando ELA
//     terminar (FIFO estrito entre todos os chamadores do mesmo gate).
//   - O escalonador limita a taxa de INÍCIOS, não a concorrência: operações
//     iniciadas na mesma janela podem estar em voo ao mesmo tempo.
//   - Falha de uma operação fica restrita a ela; a fila continua.
//
// O escalonador é uma única goroutine dedicada: a fila e o estado de aviso
// são mutados sob mutex, e o pacer decide quando liberar o próximo início.
type Gate struct {
	name  string
	pacer domain.Pacer
	stats domain.StatsStore
	log   *zap.Logger

	mu            sync.Mutex
	queue         []*task
	warnThreshold int
	warned        bool
	closed        bool

	wake chan struct{}

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

type GateOption func(*Gate)

// WithLogger define o logger do gate (padrão: nop).
func WithLogger(l *zap.Logger) GateOption {
	return func(g *Gate) {
		if l != nil {
			g.log = l
		}
	}
}

// WithStats define o destino best-effort dos eventos de pressão de fila.
func WithStats(s domain.StatsStore) GateOption {
	return func(g *Gate) { g.stats = s }
}

// NewGate cria um gate e inicia seu escalonador.
//
// `name` identifica o canal em logs/eventos (ex.: host do provedor).
// O pacer é injetado para manter este pacote desacoplado da infra; use o
// pacote throttle para o wiring padrão.
func NewGate(name string, pacer domain.Pacer, warnThreshold int, opts ...GateOption) (*Gate, error) {
	if pacer == nil || pacer.Rate() <= 0 {
		return nil, domain.ErrInvalidRate
	}
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gate{
		name:          name,
		pacer:         pacer,
		log:           zap.NewNop(),
		warnThreshold: warnThreshold,
		wake:          make(chan struct{}, 1),
		loopCtx:       ctx,
		loopCancel:    cancel,
		loopDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	go g.loop()
	return g, nil
}

// Execute enfileira a operação e bloqueia até ela terminar, devolvendo o
// erro da própria operação sem embrulho.
//
// Se o ctx do chamador encerrar antes de a operação iniciar, Execute retorna
// ctx.Err() mas a operação CONTINUA na fila e ainda vai executar — não há
// cancelamento de tarefa enfileirada. A operação recebe o mesmo ctx e pode
// desistir sozinha ao iniciar. (Escolha de escopo: cancelamento fica por
// conta do chamador, não do gate.)
func (g *Gate) Execute(ctx context.Context, op domain.Op) error {
	if op == nil {
		return domain.ErrNilOp
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t := &task{ctx: ctx, op: op, done: make(chan error, 1)}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return domain.ErrGateClosed
	}
	g.queue = append(g.queue, t)
	n := len(g.queue)
	warnNow := false
	if g.warnThreshold > 0 && n >= g.warnThreshold && !g.warned {
		// aviso por cruzamento: um warning quando a fila sobe até o limiar,
		// rearmado quando ela volta a ficar abaixo dele.
		g.warned = true
		warnNow = true
	}
	g.mu.Unlock()

	if warnNow {
		g.log.Warn("outbound queue above warning threshold",
			zap.String("gate", g.name),
			zap.Int("queue", n),
			zap.Int("threshold", g.warnThreshold),
		)
		if g.stats != nil {
			_ = g.stats.Record(ctx, domain.Event{
				Gate:     g.name,
				Kind:     domain.EventQueuePressure,
				QueueLen: n,
				At:       time.Now(),
			})
		}
	}

	select {
	case g.wake <- struct{}{}:
	default:
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executa uma operação que produz valor, preservando o tipo para o
// chamador. Açúcar sobre Execute + closure.
//
// O resultado viaja por canal próprio da chamada: se o chamador desistir
// (ctx encerrado com a operação ainda na fila), a execução tardia deposita
// o valor no canal em vez de escrever numa variável que o chamador já leu.
func Do[T any](ctx context.Context, g *Gate, op func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	res := make(chan result, 1)
	err := g.Execute(ctx, func(ctx context.Context) error {
		v, opErr := op(ctx)
		res <- result{val: v, err: opErr}
		return opErr
	})
	select {
	case r := <-res:
		return r.val, r.err
	default:
		// a operação não terminou antes de Execute retornar (desistência
		// por ctx ou gate fechado): devolve o zero do tipo.
		var zero T
		return zero, err
	}
}

// QueueLen retorna quantas operações foram aceitas mas ainda não iniciaram.
func (g *Gate) QueueLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// SetMaxStartsPerSecond atualiza o teto para decisões futuras de
// escalonamento. Não afeta operações já iniciadas.
func (g *Gate) SetMaxStartsPerSecond(startsPerSecond float64) error {
	return g.pacer.SetRate(startsPerSecond)
}

// Config retorna um snapshot da configuração atual (diagnóstico/testes).
func (g *Gate) Config() domain.Config {
	g.mu.Lock()
	threshold := g.warnThreshold
	g.mu.Unlock()
	return domain.Config{
		MaxStartsPerSecond: g.pacer.Rate(),
		QueueWarnThreshold: threshold,
	}
}

// Name identifica o gate em logs/eventos.
func (g *Gate) Name() string { return g.name }

// Close interrompe o gate: Execute passa a falhar com ErrGateClosed e
// operações ainda na fila são encerradas com o mesmo erro. Operações já
// iniciadas terminam normalmente. Idempotente.
func (g *Gate) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		<-g.loopDone
		return
	}
	g.closed = true
	g.mu.Unlock()

	g.loopCancel()
	<-g.loopDone
}

// loop é o escalonador: espera haver tarefa pendente, espera o pacer liberar
// o próximo início e só então tira a cabeça da fila e dispara a operação em
// goroutine própria.
//
// A ordem importa: a tarefa fica na fila (e conta em QueueLen) até o momento
// em que realmente inicia, e o pacer só é consultado quando há tarefa — um
// início liberado nunca é gasto com a fila vazia.
func (g *Gate) loop() {
	defer close(g.loopDone)
	for {
		if !g.waitPending() {
			return
		}
		if err := g.pacer.WaitStart(g.loopCtx); err != nil {
			// gate fechado no meio da espera: encerra o que restou na fila.
			g.drain()
			return
		}
		if t := g.pop(); t != nil {
			go g.run(t)
		}
	}
}

// waitPending bloqueia até a fila ter tarefa. Retorna false quando o gate
// fechou e não há mais nada a fazer.
func (g *Gate) waitPending() bool {
	for {
		g.mu.Lock()
		pending := len(g.queue) > 0
		closed := g.closed
		g.mu.Unlock()
		if pending {
			return true
		}
		if closed {
			return false
		}
		select {
		case <-g.wake:
		case <-g.loopCtx.Done():
			// closed já é true aqui; a volta do for re-checa a fila.
		}
	}
}

func (g *Gate) pop() *task {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.queue) == 0 {
		return nil
	}
	t := g.queue[0]
	g.queue[0] = nil
	g.queue = g.queue[1:]
	if g.warned && len(g.queue) < g.warnThreshold {
		g.warned = false
	}
	return t
}

func (g *Gate) drain() {
	g.mu.Lock()
	rest := g.queue
	g.queue = nil
	g.mu.Unlock()
	for _, t := range rest {
		t.done <- domain.ErrGateClosed
	}
}

func (g *Gate) run(t *task) {
	// o resultado (ou erro) da operação vai direto para o chamador;
	// nada aqui volta para o escalonador.
	t.done <- t.op(t.ctx)
}
