// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - SlidingPacer: janela deslizante estrita sobre timestamps de início
//   - BucketPacer: token bucket usando golang.org/x/time/rate
//   - ChanPool: semáforo simples para limite de chamadas em voo
package infra
