package throttle

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"outbound-gateway/outbound/throttle/domain"
)

// KeyFunc extrai a chave de gate de uma requisição de SAÍDA.
type KeyFunc func(r *http.Request) string

type Options struct {
	// Gates é o registry de gates por chave. Obrigatório.
	Gates *Registry
	// Stats recebe um evento por requisição (best-effort). Opcional.
	Stats domain.StatsStore
	// KeyFn extrai a chave; se nula, usa DefaultKeyFunc(KeyHeader).
	KeyFn     KeyFunc
	KeyHeader string
	// AddGateHeaders anota X-Gate-Key/X-Gate-Rate/X-Gate-Queue na resposta.
	AddGateHeaders bool
}

// DefaultKeyFunc agrupa requisições por destino: header explícito (quando
// configurado) ou o host da URL. Um gate por host significa um canal
// limitado por provedor.
func DefaultKeyFunc(keyHeader string) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if r.URL != nil && r.URL.Host != "" {
			return r.URL.Host
		}
		if r.Host != "" {
			return r.Host
		}
		return "unknown"
	}
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// Transport embrulha um http.RoundTripper de forma que cada requisição passe
// pelo gate da sua chave: ela entra na fila FIFO e só é enviada quando o
// pacer libera. O erro da requisição é devolvido sem embrulho.
func Transport(opts Options) func(next http.RoundTripper) http.RoundTripper {
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader)
	}

	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			key := opts.KeyFn(r)

			gate, err := opts.Gates.Get(key)
			if err != nil {
				return nil, err
			}

			// a resposta viaja por canal: se o chamador desistir (ctx
			// encerrado com a requisição ainda na fila), o RoundTrip tardio
			// fecha o corpo em vez de escrever numa variável que o chamador
			// já abandonou.
			var (
				handoffMu sync.Mutex
				abandoned bool
			)
			respCh := make(chan *http.Response, 1)
			err = gate.Execute(r.Context(), func(_ context.Context) error {
				// a requisição já carrega o próprio contexto
				resp, rtErr := next.RoundTrip(r)
				if rtErr != nil {
					return rtErr
				}
				handoffMu.Lock()
				gone := abandoned
				if !gone {
					respCh <- resp
				}
				handoffMu.Unlock()
				if gone {
					// ninguém mais vai ler esta resposta
					_ = resp.Body.Close()
				}
				return nil
			})

			if opts.Stats != nil {
				kind := domain.EventOK
				if err != nil {
					kind = domain.EventFailed
				}
				_ = opts.Stats.Record(r.Context(), domain.Event{
					Gate:     key,
					Kind:     kind,
					Method:   r.Method,
					Path:     r.URL.Path,
					QueueLen: gate.QueueLen(),
					At:       time.Now(),
				})
			}

			if err != nil {
				handoffMu.Lock()
				abandoned = true
				handoffMu.Unlock()
				// a entrega pode ter acontecido junto com o encerramento
				// do ctx; não deixa o corpo pendurado.
				select {
				case late := <-respCh:
					_ = late.Body.Close()
				default:
				}
				return nil, err
			}

			resp := <-respCh
			if opts.AddGateHeaders && resp != nil {
				cfg := gate.Config()
				resp.Header.Set("X-Gate-Key", key)
				resp.Header.Set("X-Gate-Rate", formatFloat(cfg.MaxStartsPerSecond))
				resp.Header.Set("X-Gate-Queue", formatInt(gate.QueueLen()))
			}
			return resp, nil
		})
	}
}
