package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"outbound-gateway/outbound/throttle"
	"outbound-gateway/outbound/throttle/domain"
	"outbound-gateway/outbound/throttle/infra"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// gateway de saída: clientes batem aqui e o proxy repassa para UPSTREAM_URL,
// mas o transporte de SAÍDA passa pelo gate — não importa quantos clientes
// cheguem ao mesmo tempo, o upstream nunca vê mais de GATE_RATE inícios por
// segundo. Excedente espera na fila FIFO (sem 429 para o cliente).
func main() {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	cfg, err := readConfig()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		logger.Fatal("invalid UPSTREAM_URL", zap.Error(err))
	}

	var statsStore domain.StatsStore
	if cfg.statsEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.statsRedisAddr,
			Password: cfg.statsRedisPassword,
			DB:       cfg.statsRedisDB,
		})
		defer func() { _ = rdb.Close() }()

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			logger.Fatal("redis stats ping error", zap.Error(err))
		}

		statsStore = infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(cfg.statsPrefix),
			infra.WithStatsTTL(cfg.statsTTL),
			infra.WithStatsBucket(cfg.statsBucket),
			infra.WithStatsTrackGates(cfg.statsTrackGates),
		)
	}

	regOpts := []throttle.RegistryOption{
		throttle.WithRegistryLogger(logger),
		throttle.WithRegistryStats(statsStore),
		throttle.WithIdleTTL(cfg.gateIdleTTL),
	}
	if cfg.gatePacer == "bucket" {
		regOpts = append(regOpts, throttle.WithPacerFactory(func(rate float64) (domain.Pacer, error) {
			if cfg.gateBurst > 0 {
				return infra.NewBucketPacer(rate, infra.WithBurst(cfg.gateBurst))
			}
			return infra.NewBucketPacer(rate)
		}))
	}

	gates, err := throttle.NewRegistry(domain.Config{
		MaxStartsPerSecond: cfg.gateRate,
		QueueWarnThreshold: cfg.gateQueueWarn,
	}, regOpts...)
	if err != nil {
		logger.Fatal("registry error", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	gates.StartJanitor(ctx)

	// cadeia de saída: gate (pacing) por fora, inflight por dentro.
	transport := http.RoundTripper(http.DefaultTransport)
	transport = throttle.InflightTransport(throttle.InflightOptions{
		Max:            cfg.inflightMax,
		AcquireTimeout: cfg.inflightTimeout,
	})(transport)
	transport = throttle.Transport(throttle.Options{
		Gates:          gates,
		Stats:          statsStore,
		KeyHeader:      cfg.gateKeyHeader,
		AddGateHeaders: cfg.addHeaders,
	})(transport)

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = transport
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		if errors.Is(err, throttle.ErrInflightLimit) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		logger.Warn("proxy error", zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           proxy,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// WriteTimeout folgado: requisições podem esperar a vez na fila do gate.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("outbound gateway listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("upstream", target.String()),
	)
	logger.Info("gate",
		zap.Float64("rate", cfg.gateRate),
		zap.Int("queueWarn", cfg.gateQueueWarn),
		zap.String("pacer", cfg.gatePacer),
		zap.Int("burst", cfg.gateBurst),
		zap.String("keyHeader", cfg.gateKeyHeader),
		zap.Duration("idleTTL", cfg.gateIdleTTL),
	)
	logger.Info("inflight",
		zap.Int("max", cfg.inflightMax),
		zap.Duration("acquireTimeout", cfg.inflightTimeout),
	)
	logger.Info("stats",
		zap.Bool("enabled", cfg.statsEnabled),
		zap.String("redisAddr", cfg.statsRedisAddr),
		zap.String("bucket", cfg.statsBucket),
		zap.Duration("ttl", cfg.statsTTL),
		zap.Bool("trackGates", cfg.statsTrackGates),
	)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}

func newLogger() *zap.Logger {
	if getenvBoolDefault("DEV_LOG", false) {
		l, err := zap.NewDevelopment()
		if err == nil {
			return l
		}
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

type config struct {
	listenAddr  string
	upstreamURL string

	gateRate      float64
	gateQueueWarn int
	gatePacer     string // "sliding" (padrão) ou "bucket"
	gateBurst     int    // só para o pacer bucket; 0 = automático
	gateKeyHeader string
	gateIdleTTL   time.Duration
	addHeaders    bool

	inflightMax     int
	inflightTimeout time.Duration

	statsEnabled       bool
	statsRedisAddr     string
	statsRedisPassword string
	statsRedisDB       int
	statsPrefix        string
	statsTTL           time.Duration
	statsBucket        string
	statsTrackGates    bool
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = os.Getenv("UPSTREAM_URL")

	cfg.gateRate = getenvFloatDefault("GATE_RATE", 10)
	// IMPORTANTE: o limiar de aviso é só observabilidade. Fila acima dele
	// continua sendo atendida; o warning existe para o operador perceber
	// sobrecarga sustentada antes de virar latência visível.
	cfg.gateQueueWarn = getenvIntDefault("GATE_QUEUE_WARN", 100)
	cfg.gatePacer = strings.ToLower(getenvDefault("GATE_PACER", "sliding"))
	cfg.gateBurst = getenvIntDefault("GATE_BURST", 0)
	cfg.gateKeyHeader = os.Getenv("GATE_KEY_HEADER")
	cfg.gateIdleTTL = getenvDurationDefault("GATE_IDLE_TTL", 15*time.Minute)
	cfg.addHeaders = getenvBoolDefault("ADD_GATE_HEADERS", false)

	cfg.inflightMax = getenvIntDefault("INFLIGHT_MAX", 100)
	cfg.inflightTimeout = getenvDurationDefault("INFLIGHT_TIMEOUT", 0)

	cfg.statsEnabled = getenvBoolDefault("STATS_ENABLED", false)
	cfg.statsRedisAddr = getenvDefault("STATS_REDIS_ADDR", "")
	cfg.statsRedisPassword = os.Getenv("STATS_REDIS_PASSWORD")
	cfg.statsRedisDB = getenvIntDefault("STATS_REDIS_DB", 0)
	cfg.statsPrefix = getenvDefault("STATS_PREFIX", "outbound:stats")
	cfg.statsTTL = getenvDurationDefault("STATS_TTL", 24*time.Hour)
	cfg.statsBucket = getenvDefault("STATS_BUCKET", "minute")
	cfg.statsTrackGates = getenvBoolDefault("STATS_TRACK_GATES", false)

	if cfg.upstreamURL == "" {
		return config{}, errors.New("UPSTREAM_URL is required")
	}
	if cfg.gateRate <= 0 {
		return config{}, errors.New("GATE_RATE must be > 0")
	}
	if cfg.gateQueueWarn < 0 {
		return config{}, errors.New("GATE_QUEUE_WARN must be >= 0")
	}
	if cfg.gatePacer != "sliding" && cfg.gatePacer != "bucket" {
		return config{}, errors.New("GATE_PACER must be \"sliding\" or \"bucket\"")
	}
	if cfg.gateBurst < 0 {
		return config{}, errors.New("GATE_BURST must be >= 0")
	}
	if cfg.inflightMax < 0 {
		return config{}, errors.New("INFLIGHT_MAX must be >= 0")
	}
	if cfg.statsEnabled && strings.TrimSpace(cfg.statsRedisAddr) == "" {
		return config{}, errors.New("STATS_REDIS_ADDR is required when STATS_ENABLED=true")
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
