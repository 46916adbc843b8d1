// Package main is the entry point for the authcore server.
//
// main only reads configuration, builds the dependencies and starts the
// server. Everything else lives under internal/.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sakif/authcore/internal/auth"
	"github.com/sakif/authcore/internal/config"
	"github.com/sakif/authcore/internal/handler"
	"github.com/sakif/authcore/internal/identity"
	"github.com/sakif/authcore/internal/mail"
	"github.com/sakif/authcore/internal/middleware"
	"github.com/sakif/authcore/internal/repository"
	"github.com/sakif/authcore/internal/repository/memory"
	"github.com/sakif/authcore/internal/repository/mongo"
	"github.com/sakif/authcore/internal/repository/postgres"
	"github.com/sakif/authcore/internal/repository/redis"
	"github.com/sakif/authcore/internal/repository/sqlite"
	"github.com/sakif/authcore/internal/server"
	"github.com/sakif/authcore/internal/service"
	"github.com/sakif/authcore/internal/sweeper"
)

// store is what every credential store backend provides.
type store interface {
	repository.CredentialStore
	handler.Pinger
	io.Closer
}

func main() {
	// === 1. CONFIGURATION ===
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// === 2. LOGGING ===
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Resources are closed by the server on shutdown, or here if startup
	// fails half way.
	var closers []io.Closer
	started := false
	defer func() {
		if started {
			return
		}
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	// === 3. CODECS ===
	hasher, err := auth.NewTokenHasher([]byte(cfg.Session.HashKey))
	if err != nil {
		return err
	}
	codec, err := auth.NewTokenCodec([]byte(cfg.Session.Secret))
	if err != nil {
		return err
	}
	resetCodec, err := auth.NewResetCodec([]byte(cfg.ResetSecret()))
	if err != nil {
		return err
	}

	// === 4. STORAGE ===
	st, err := openStore(ctx, cfg.Store, hasher)
	if err != nil {
		return err
	}
	closers = append(closers, st)
	ready := map[string]handler.Pinger{"store": st}

	extras := map[string]sweeper.Sweepable{}
	var ledger repository.ResetLedger
	switch cfg.Ledger.Driver {
	case "redis":
		rl, err := redis.New(ctx, redis.Options{
			Addr:     cfg.Ledger.RedisAddr,
			Password: cfg.Ledger.RedisPassword,
			DB:       cfg.Ledger.RedisDB,
		})
		if err != nil {
			return err
		}
		closers = append(closers, rl)
		ready["ledger"] = rl
		ledger = rl
	default:
		ml := memory.NewLedger()
		extras["ledger"] = ml
		ledger = ml
		logger.Warn("reset ledger is in-process; run a single instance or set LEDGER_DRIVER=redis")
	}

	// === 5. MAIL ===
	var mailer mail.Sender
	switch cfg.Mail.Driver {
	case "amqp":
		s, err := mail.NewAMQPSender(cfg.Mail.AMQPURL, cfg.Mail.Queue, logger)
		if err != nil {
			return err
		}
		closers = append(closers, s)
		mailer = s
	default:
		mailer = mail.LogSender{Logger: logger}
		logger.Warn("mail is logged, not delivered; set MAILER_DRIVER=amqp in production")
	}

	// === 6. IDENTITY PROVIDER ===
	verifier, err := identity.NewFirebaseVerifier(cfg.Identity.ProjectID, identity.NewCertKeySource(cfg.Identity.CertsURL, nil))
	if err != nil {
		return err
	}
	account, err := identity.LoadServiceAccount(cfg.Identity.ServiceAccountFile)
	if err != nil {
		return err
	}
	admin, err := identity.NewAdminClient(identity.AdminConfig{
		ProjectID: cfg.Identity.ProjectID,
		Account:   *account,
		Endpoint:  cfg.Identity.AdminEndpoint,
	})
	if err != nil {
		return err
	}

	// === 7. SERVICES ===
	timeouts := service.Timeouts{Store: cfg.Timeouts.Store, Upstream: cfg.Timeouts.Upstream}
	sessions := service.NewSessionManager(verifier, codec, st, hasher, logger, timeouts)
	resets := service.NewResetManager(resetCodec, st, ledger, admin, mailer, logger, service.ResetConfig{
		AppBaseURL:            cfg.Reset.AppBaseURL,
		RevokeSessionsOnReset: cfg.Reset.RevokeSessions,
	}, timeouts)
	// Pending reset mails drain before the store and mailer close.
	closers = append([]io.Closer{resets}, closers...)

	limiter := middleware.NewRateLimiter(cfg.Reset.RatePerMinute, cfg.Reset.RateBurst)
	extras["ratelimit"] = limiter

	// === 8. SERVER ===
	srv, err := server.New(server.Config{
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.Deps{
		Sessions: sessions,
		Resets:   resets,
		Codec:    codec,
		Cookie:   handler.CookieConfig{Secure: cfg.Session.CookieSecure, Domain: cfg.Session.CookieDomain},
		Limiter:  limiter,
		Ready:    ready,
		Workers:  []server.Background{sweeper.New(st, extras, cfg.Server.SweepInterval, logger)},
		Closers:  closers,
	}, logger)
	if err != nil {
		return err
	}

	if !cfg.Session.CookieSecure {
		logger.Warn("COOKIE_SECURE is off; session cookies will travel over plain HTTP")
	}

	started = true
	cancel()
	// Start blocks until SIGINT or SIGTERM.
	return srv.Start()
}

func openStore(ctx context.Context, cfg config.StoreConfig, hasher *auth.TokenHasher) (store, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.New(ctx, postgres.Config{DSN: cfg.PostgresDSN}, hasher)
	case "mongo":
		return mongo.New(ctx, mongo.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, hasher)
	case "sqlite":
		// os.MkdirAll is `mkdir -p`: the data directory may not exist yet.
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
		return sqlite.New(cfg.SQLitePath, hasher)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
