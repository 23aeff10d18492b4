// Package application contém os casos de uso (regras de aplicação) do pacing
// de saída: o Gate (fila FIFO + escalonador com teto de inícios por segundo)
// e o serviço de limite de chamadas em voo.
//
// Ele depende apenas do pacote domain e não conhece net/http.
package application
