package throttle

import (
	"errors"
	"net/http"
	"time"

	"outbound-gateway/outbound/throttle/application"
	"outbound-gateway/outbound/throttle/infra"
)

// ErrInflightLimit indica que o limite de chamadas de saída em voo foi
// atingido e a aquisição de vaga expirou.
var ErrInflightLimit = errors.New("outbound inflight limit reached")

type InflightOptions struct {
	Max            int
	AcquireTimeout time.Duration
}

// InflightTransport limita quantas requisições de saída podem estar em voo
// ao mesmo tempo. Complementa o Transport do gate, que limita apenas a taxa
// de inícios.
func InflightTransport(opts InflightOptions) func(next http.RoundTripper) http.RoundTripper {
	if opts.Max <= 0 {
		return func(next http.RoundTripper) http.RoundTripper { return next }
	}

	svc := application.InflightService{
		Pool:           infra.NewChanPool(opts.Max),
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.RoundTripper) http.RoundTripper {
		if next == nil {
			next = http.DefaultTransport
		}
		return roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			release, ok := svc.Acquire(r.Context())
			if !ok {
				// cancelamento do chamador não é saturação
				if err := r.Context().Err(); err != nil {
					return nil, err
				}
				return nil, ErrInflightLimit
			}
			defer release()

			return next.RoundTrip(r)
		})
	}
}
