package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"attest/internal/ceremony"
	"attest/internal/directory"
	"attest/internal/jwt_token"
	"attest/internal/ledger"
	"attest/internal/ledger/exporter"
	"attest/internal/ledger/stream"
	"attest/internal/platform/config"
	"attest/internal/platform/httpserver"
	"attest/internal/platform/logger"
	"attest/internal/platform/metrics"
	"attest/internal/platform/postgres"
	"attest/internal/platform/redis"
	"attest/internal/reauth"
	"attest/internal/signature"
	"attest/internal/timestamp"
	httptransport "attest/internal/transport/http"
)

// main wires dependencies and owns the process lifecycle. Business rules live
// in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	m := metrics.New()

	// Trusted time. Without authorities the system clock is used, which is
	// acceptable only outside regulated deployments.
	var (
		clock   timestamp.Source
		trusted *timestamp.TrustedSource
	)
	if len(cfg.Clock.AuthorityURLs) > 0 {
		authorities := make([]timestamp.Authority, 0, len(cfg.Clock.AuthorityURLs))
		for _, raw := range cfg.Clock.AuthorityURLs {
			authorities = append(authorities, timestamp.NewHTTPAuthority(authorityName(raw), raw, nil))
		}
		src, err := timestamp.NewTrustedSource(authorities,
			timestamp.WithTolerance(cfg.Clock.DriftTolerance),
			timestamp.WithTimeout(cfg.Clock.FetchTimeout),
			timestamp.WithLogger(log),
		)
		if err != nil {
			return err
		}
		clock, trusted = src, src
	} else {
		log.Warn("no time authorities configured, using the system clock")
		clock = timestamp.SystemSource{}
	}

	// Stores. An empty DSN keeps everything in memory for development.
	var (
		ledgerStore   ledger.Store
		actorStore    directory.Store
		sigStore      signature.Store
		ceremonyStore ceremony.Store
	)
	if cfg.Postgres.DSN != "" {
		db, err := postgres.Connect(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}, log)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := postgres.Migrate(ctx, db, log); err != nil {
			return err
		}
		ledgerStore = ledger.NewPostgresStore(db)
		actorStore = directory.NewPostgresStore(db)
		sigStore = signature.NewPostgresStore(db)
		ceremonyStore = ceremony.NewPostgresStore(db)
	} else {
		log.Warn("no database configured, using in-memory stores")
		ledgerStore = ledger.NewMemoryStore()
		actorStore = directory.NewMemoryStore()
		sigStore = signature.NewMemoryStore()
		ceremonyStore = ceremony.NewMemoryStore()
	}

	ledgerOpts := []ledger.ServiceOption{ledger.WithMetrics(m)}
	if len(cfg.Kafka.Brokers) > 0 {
		pub, err := stream.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = pub.Close(closeCtx)
		}()
		ledgerOpts = append(ledgerOpts, ledger.WithStream(pub))
	}
	led := ledger.NewService(ledgerStore, clock, log, ledgerOpts...)

	dir := directory.NewService(actorStore, log)

	var challengeStore reauth.Store
	rdb, err := redis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		challengeStore = reauth.NewRedisStore(rdb.Client)
	} else {
		log.Warn("no redis configured, challenges are held in memory")
		challengeStore = reauth.NewMemoryStore()
	}
	challenges := reauth.NewService(challengeStore, led, dir, clock, log,
		reauth.WithMetrics(m), reauth.WithTTL(cfg.ChallengeTTL))

	var content signature.ContentSource
	if cfg.ContentServiceURL != "" {
		content = signature.NewHTTPContentSource(cfg.ContentServiceURL, nil)
	} else {
		log.Warn("no content service configured, using the in-memory source")
		content = signature.NewMemoryContentSource()
	}

	sigs := signature.NewService(sigStore, content, challenges, dir, led, clock, log,
		signature.WithMetrics(m))
	engine := ceremony.NewEngine(ceremonyStore, sigs, content, led, clock, log,
		ceremony.WithMetrics(m))

	sweeper := ceremony.NewSweeper(engine, cfg.SweepInterval, log)
	go sweeper.Run(ctx)

	tokens := jwttoken.NewJWTService(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)
	handler := httptransport.NewHandler(led, exporter.New(led), sigs, engine, dir, tokens, trusted, log)
	srv := httpserver.New(cfg.Addr, httptransport.NewRouter(handler))

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// authorityName derives a short label for an authority URL.
func authorityName(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}
