package domain

import (
	"context"
	"time"
)

// EventKind classifica um evento observável do gate.
type EventKind string

const (
	// EventOK é uma tarefa que executou e terminou sem erro.
	EventOK EventKind = "ok"
	// EventFailed é uma tarefa que executou e retornou erro.
	EventFailed EventKind = "failed"
	// EventQueuePressure marca a fila cruzando o limiar de aviso.
	EventQueuePressure EventKind = "queue_pressure"
)

// Event representa um evento observável do pacing de saída.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas
// e ficam vazias em eventos que não nasceram de uma requisição.
//
// Observação: cuidado com cardinalidade (ex.: gravar Gate/Path sem controle
// pode explodir o número de chaves em uma base como Redis).
type Event struct {
	// Gate identifica o canal limitado (ex.: host do provedor).
	Gate string
	Kind EventKind

	Method string
	Path   string

	// QueueLen é o tamanho da fila no momento do evento.
	QueueLen int

	At time.Time
}

// StatsStore é a estratégia de persistência para eventos do gate.
//
// Implementações podem armazenar em Redis, memória, etc.
// Quem grava deve tratar erro como best-effort (nunca atrasar o pacing).
type StatsStore interface {
	Record(ctx context.Context, ev Event) error
}
