package main

import (
	"context"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/creditgate/creditgate/internal/agent"
	"github.com/creditgate/creditgate/internal/auth"
	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/credits"
	"github.com/creditgate/creditgate/internal/httpserver"
	"github.com/creditgate/creditgate/internal/ledger"
	ledgermemory "github.com/creditgate/creditgate/internal/ledger/memory"
	ledgerpostgres "github.com/creditgate/creditgate/internal/ledger/postgres"
	ledgersqlite "github.com/creditgate/creditgate/internal/ledger/sqlite"
	"github.com/creditgate/creditgate/internal/logging"
	"github.com/creditgate/creditgate/internal/metrics"
	provideranthropic "github.com/creditgate/creditgate/internal/provider/anthropic"
	"github.com/creditgate/creditgate/internal/provider/loopback"
	provideropenai "github.com/creditgate/creditgate/internal/provider/openai"
	providerrouter "github.com/creditgate/creditgate/internal/provider/router"
	"github.com/creditgate/creditgate/internal/ratelimit"
)

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	if target := strings.TrimSpace(cfg.LogFile); target != "" {
		rot, err := logging.NewRotatingWriter(target, cfg.LogMaxBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[creditgated] ")

	ledgerStore, err := openLedger(cfg)
	if err != nil {
		log.Fatalf("open ledger: %v", err)
	}
	defer ledgerStore.Close()
	log.Printf("ledger driver=%s", cfg.LedgerDriver)

	pricing := credits.DefaultPricing()
	if cfg.PricingFile != "" {
		pricing, err = credits.LoadPricing(cfg.PricingFile)
		if err != nil {
			log.Fatalf("load pricing %s: %v", cfg.PricingFile, err)
		}
		log.Printf("pricing loaded from %s", cfg.PricingFile)
	}

	collector := metrics.NewCollector()

	creditManager := credits.NewManager(ledgerStore, credits.Config{
		Pricing: pricing,
		Logger:  log.New(log.Writer(), "[creditgated/credits] ", log.LstdFlags|log.Lmicroseconds),
		OnRetry: collector.SettlementRetries.Inc,
	})

	chatProvider := buildProvider(cfg)

	agentService := agent.New(creditManager, chatProvider, agent.Config{
		MaxStreamDuration: cfg.MaxStreamDuration,
		Logger:            log.New(log.Writer(), "[creditgated/agent] ", log.LstdFlags|log.Lmicroseconds),
		Metrics:           collector,
	})

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		authManager = auth.NewManager(cfg.AuthSecret)
	} else {
		log.Printf("authorization disabled: all requests bill to account %q", cfg.LocalUserID)
	}

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		rateLimiter = ratelimit.NewLimiter(ratelimit.Config{
			Store:             ratelimit.NewMemoryStoreWithCleanup(time.Minute),
			RequestsPerSecond: cfg.RateLimitRPS,
			BurstSize:         cfg.RateLimitBurst,
		})
		defer rateLimiter.Close()
		log.Printf("rate limiting enabled rps=%.1f burst=%.0f", rateLimiter.RefillRate(), rateLimiter.Capacity())
	}
	// The limiter keys on the server's auth scheme, so it closes over the
	// server variable assigned below.
	var httpSrv *httpserver.Server
	rateLimit := ratelimit.NewMiddleware(rateLimiter, cfg.RateLimitEnabled,
		func(r *http.Request) string { return httpSrv.UserIDFromRequest(r) },
		log.New(log.Writer(), "[creditgated/ratelimit] ", log.LstdFlags|log.Lmicroseconds))

	httpSrv = httpserver.New(httpserver.Options{
		Agent:          agentService,
		Credits:        creditManager,
		Ledger:         ledgerStore,
		Auth:           authManager,
		AuthDisabled:   cfg.AuthDisabled,
		LocalUserID:    cfg.LocalUserID,
		AdminToken:     cfg.AdminToken,
		InitialBalance: cfg.InitialBalance,
		Metrics:        collector,
		RateLimit:      rateLimit,
		Logger:         log.New(log.Writer(), "[creditgated/http] ", log.LstdFlags|log.Lmicroseconds),
		LogLevel:       cfg.LogLevel,
	})

	srv := &http.Server{
		Addr:        cfg.HTTPAddress,
		Handler:     httpSrv.Router(),
		ReadTimeout: 15 * time.Second,
		// Write timeout stays off so long-lived SSE streams survive;
		// stream lifetime is bounded by max_stream_duration instead.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("creditgate listening on %s env=%s", cfg.HTTPAddress, cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func openLedger(cfg config.ServiceConfig) (ledger.Store, error) {
	switch cfg.LedgerDriver {
	case "postgres":
		return ledgerpostgres.New(cfg.PostgresDSN,
			cfg.PostgresMaxOpen, cfg.PostgresMaxIdle,
			int(cfg.PostgresConnLifetime.Minutes()), int(cfg.PostgresConnIdleTime.Minutes()))
	case "memory":
		return ledgermemory.New(), nil
	default:
		return ledgersqlite.New(cfg.LedgerPath)
	}
}

// buildProvider assembles the model router: loopback always, OpenAI and
// Anthropic when keys are configured. Route rules referencing an absent
// provider are dropped with a log line.
func buildProvider(cfg config.ServiceConfig) *providerrouter.Router {
	r := providerrouter.New()
	_ = r.Register("loopback", loopback.New())

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		oa, err := provideropenai.New(provideropenai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			Organization:   cfg.OpenAIOrg,
			RequestTimeout: 60 * time.Second,
		})
		if err != nil {
			log.Printf("openai provider init failed: %v", err)
		} else if err := r.Register("openai", oa); err != nil {
			log.Printf("openai provider rejected: %v", err)
		}
	}

	if strings.TrimSpace(cfg.AnthropicAPIKey) != "" {
		aa, err := provideranthropic.New(provideranthropic.Config{
			APIKey:         cfg.AnthropicAPIKey,
			BaseURL:        cfg.AnthropicBaseURL,
			Version:        cfg.AnthropicVersion,
			RequestTimeout: 60 * time.Second,
		})
		if err != nil {
			log.Printf("anthropic provider init failed: %v", err)
		} else if err := r.Register("anthropic", aa); err != nil {
			log.Printf("anthropic provider rejected: %v", err)
		}
	}

	for _, rule := range cfg.ProviderRoutes {
		if err := r.AddRoute(rule.Pattern, rule.Target); err != nil {
			log.Printf("route rule %q=>%q rejected: %v", rule.Pattern, rule.Target, err)
		}
	}
	if err := r.SetFallback(cfg.FallbackProvider); err != nil {
		log.Printf("fallback %q rejected, using loopback: %v", cfg.FallbackProvider, err)
		_ = r.SetFallback("loopback")
	}
	log.Printf("providers registered: %v", r.Providers())
	return r
}
