package domain

// Camada de domínio do gate de saída.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"context"
	"errors"
)

// Op é a unidade de trabalho entregue ao gate: uma função assíncrona sem
// argumentos além do contexto, capturando o que precisar por closure.
// O resultado da Op é repassado ao chamador sem embrulho nem retry.
type Op func(ctx context.Context) error

// Pacer decide QUANDO o próximo início de tarefa é permitido.
//
// Observação: a implementação pode ser sliding window, token-bucket, etc.
// A camada de infra pode usar libs como golang.org/x/time/rate.
type Pacer interface {
	// WaitStart bloqueia até que um início seja permitido e então o registra.
	// Retorna erro apenas se o ctx encerrar antes disso.
	WaitStart(ctx context.Context) error
	// SetRate atualiza o teto de inícios por segundo para decisões futuras.
	// Deve rejeitar valores não positivos com ErrInvalidRate.
	SetRate(startsPerSecond float64) error
	// Rate retorna o teto atual.
	Rate() float64
}

// Config é o snapshot de configuração de um gate, para diagnóstico/testes.
type Config struct {
	// MaxStartsPerSecond é o teto de inícios de tarefa por segundo.
	MaxStartsPerSecond float64
	// QueueWarnThreshold é o tamanho de fila a partir do qual um aviso é
	// emitido. Apenas observabilidade: não altera o escalonamento.
	QueueWarnThreshold int
}

var (
	// ErrInvalidRate indica um teto de inícios não positivo.
	// A política é falhar na chamada (e não clampar em silêncio), para que
	// a configuração errada apareça imediatamente.
	ErrInvalidRate = errors.New("rate must be positive")

	// ErrGateClosed indica Execute após Close, ou tarefa ainda na fila
	// quando o gate foi fechado.
	ErrGateClosed = errors.New("gate is closed")

	// ErrNilOp indica Execute com operação nula.
	ErrNilOp = errors.New("nil operation")
)
