package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"outbound-gateway/outbound/throttle/application"
	"outbound-gateway/outbound/throttle/infra"

	"go.uber.org/zap"
)

// Exemplo: usando o gate direto na aplicação (sem proxy) para ritmar um
// burst de chamadas HTTP a um destino com limite de requisições por segundo.
func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	target := "http://localhost:8081/"
	if len(os.Args) > 1 {
		target = os.Args[1]
	}

	pacer, err := infra.NewSlidingPacer(5)
	if err != nil {
		logger.Fatal("pacer error", zap.Error(err))
	}
	gate, err := application.NewGate("example", pacer, 10, application.WithLogger(logger))
	if err != nil {
		logger.Fatal("gate error", zap.Error(err))
	}
	defer gate.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: 30 * time.Second}
	begin := time.Now()

	// 20 chamadas disparadas de uma vez; o gate entrega ~5 inícios/s.
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := application.Do(ctx, gate, func(ctx context.Context) (int, error) {
				req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
				if err != nil {
					return 0, err
				}
				resp, err := client.Do(req)
				if err != nil {
					return 0, err
				}
				_ = resp.Body.Close()
				return resp.StatusCode, nil
			})
			if err != nil {
				logger.Warn("request failed",
					zap.Int("i", i),
					zap.Duration("elapsed", time.Since(begin)),
					zap.Error(err),
				)
				return
			}
			logger.Info("request done",
				zap.Int("i", i),
				zap.Int("status", status),
				zap.Duration("elapsed", time.Since(begin)),
			)
		}(i)
	}
	wg.Wait()

	logger.Info("burst drained",
		zap.Duration("total", time.Since(begin)),
		zap.Int("queue", gate.QueueLen()),
	)
}
