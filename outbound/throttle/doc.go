// Package throttle fornece adapters HTTP (net/http) para ritmar chamadas de
// SAÍDA a backends com teto de requisições por segundo (ex.: APIs de
// provedores externos).
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (Gate: fila FIFO + escalonador; inflight) sem net/http
//   - infra: implementações concretas (pacers, semáforo, stats), detalhes de infraestrutura
//   - throttle (este pacote): RoundTrippers + wiring/extração de chave + registry de gates
//
// Fluxo no gateway:
//
//  1. Extrai a chave do destino (host da URL / header)
//  2. Pega (ou cria) o gate daquela chave no registry
//  3. Executa a requisição através do gate — ela espera a vez na fila FIFO
//     e só inicia quando o pacer libera
//  4. Opcionalmente registra o evento em stats e anota headers X-Gate-* na resposta
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o
// comportamento, como GATE_RATE, GATE_QUEUE_WARN, GATE_PACER e INFLIGHT_MAX.
package throttle
