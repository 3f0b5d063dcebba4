package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	otelinit "grantway/observability/otel"
	"grantway/services/grants-gateway/auth"
	"grantway/services/grants-gateway/bank"
	"grantway/services/grants-gateway/config"
	"grantway/services/grants-gateway/middleware"
	"grantway/services/grants-gateway/models"
	"grantway/services/grants-gateway/presets"
	"grantway/services/grants-gateway/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	var db *gorm.DB
	if cfg.DatabaseURL != "" {
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	} else {
		db, err = gorm.Open(sqlite.Open(cfg.SQLitePath), &gorm.Config{})
	}
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	if cfg.ContractPresets != "" {
		loaded, err := presets.Load(cfg.ContractPresets)
		if err != nil {
			log.Fatalf("presets error: %v", err)
		}
		created, err := presets.Seed(db, loaded)
		if err != nil {
			log.Fatalf("presets seed error: %v", err)
		}
		if created > 0 {
			log.Printf("seeded %d contract presets", created)
		}
	}

	var rail bank.Gateway
	if cfg.BankBaseURL != "" {
		rail = bank.NewClient(cfg.BankBaseURL, cfg.BankAPIKey, 0)
	} else {
		log.Printf("no bank base url configured, using in-memory payment stub")
		rail = bank.NewStubGateway()
	}

	verifier, err := auth.NewVerifier(auth.Options{
		Secret:    cfg.Auth.Secret,
		Issuer:    cfg.Auth.Issuer,
		Audience:  cfg.Auth.Audience,
		ClockSkew: cfg.Auth.ClockSkew,
	})
	if err != nil {
		log.Fatalf("auth error: %v", err)
	}

	if cfg.Telemetry.Enabled {
		shutdown, err := otelinit.Init(context.Background(), otelinit.Config{
			ServiceName: cfg.Observability.ServiceName,
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otelinit.ParseHeaders(cfg.Telemetry.Headers),
		})
		if err != nil {
			log.Fatalf("telemetry error: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				log.Printf("telemetry shutdown: %v", err)
			}
		}()
	}

	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName:   cfg.Observability.ServiceName,
		MetricsPrefix: cfg.Observability.MetricsPrefix,
		LogRequests:   cfg.Observability.LogRequests,
		Enabled:       cfg.Observability.Enabled,
	}, log.Default())
	limiter := middleware.NewRateLimiter(middleware.RateLimit{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	srv := server.New(server.Config{
		DB:            db,
		Bank:          rail,
		Verifier:      verifier,
		Observability: obs,
		RateLimiter:   limiter,
		Logger:        log.Default(),
		TreasuryCard:  cfg.TreasuryCard,
	})

	httpServer := &http.Server{
		Addr:         cfg.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	log.Printf("grants gateway listening on %s", cfg.Listen)
	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
