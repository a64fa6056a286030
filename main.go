package main

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ticketera/auth/internal/auth"
	"github.com/ticketera/auth/internal/captcha"
	"github.com/ticketera/auth/internal/config"
	"github.com/ticketera/auth/internal/mail"
	"github.com/ticketera/auth/internal/oauth"
	"github.com/ticketera/auth/internal/store"
	"github.com/ticketera/auth/internal/telemetry"
	"github.com/ticketera/auth/internal/token"
)

const serviceName = "ticketera-auth"

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: cfg.LogLevel == slog.LevelDebug,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// accountStore is what run needs from a store backend beyond auth.Store.
type accountStore interface {
	auth.Store
	CheckHealth(ctx context.Context) error
	Cleanup(ctx context.Context, now time.Time) (int64, error)
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
// A non-nil sender replaces the configured mail transport (tests).
func run(ctx context.Context, cfg *config.Config, ready chan<- string, sender mail.Sender) error {
	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Redis is optional. Without it rate limiting is off and mail goes out inline.
	var (
		rdb *redis.Client
		rl  interface {
			auth.RateLimiter
			auth.HealthChecker
		} = store.NoopRateLimiter{}
	)
	if cfg.RedisURL != "" {
		rdb, err = store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to set up redis client: %w", err)
		}
		defer rdb.Close()
		rl = store.NewRedisRateLimiter(rdb)
	}

	// Worker goroutines stop when run() returns.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var background mail.Sender
	if sender == nil {
		sender, err = newSender(ctx, cfg)
		if err != nil {
			return err
		}
		if rdb != nil && cfg.EmailEnabled {
			q := mail.NewQueuedSender(sender, rdb, cfg.MailQueueMax)
			go q.StartWorker(workerCtx)
			sender, background = mailSenders(cfg.NotifyFailurePolicy, sender, q)
		}
	}

	notifier := mail.NewNotifier(sender, mail.NotifierConfig{
		VerifyURL:       cfg.VerifyURL,
		ResetURL:        cfg.ResetURL,
		VerificationTTL: cfg.VerificationTTL,
		ResetTTL:        cfg.PasswordResetTTL,
		Vars:            map[string]string{"appName": cfg.MailAppName},
		Background:      background,
	})

	codec, err := token.NewCodec(cfg.JWTKey, cfg.AccessTokenTTL)
	if err != nil {
		return fmt.Errorf("failed to set up token codec: %w", err)
	}

	svc := auth.NewService(st, notifier, codec, auth.ServiceConfig{
		RefreshTTL:   cfg.RefreshTokenTTL,
		ResetTTL:     cfg.PasswordResetTTL,
		NotifyPolicy: auth.NotifyPolicy(cfg.NotifyFailurePolicy),
	}, slog.Default())

	providers := map[string]oauth.Provider{}
	if cfg.GoogleEnabled() {
		google, err := oauth.NewGoogleProvider(ctx, oauth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
		})
		if err != nil {
			return fmt.Errorf("failed to set up google oauth: %w", err)
		}
		providers[google.Name()] = google
	}

	h := &auth.AuthHandler{
		Svc:    svc,
		Tokens: codec,
		RL:     rl,
		Policies: auth.Policies{
			Login: store.RateLimit{
				MaxAttempts: cfg.RateLoginMax,
				Window:      cfg.RateLoginWindow,
				LockoutTTL:  cfg.RateLoginLockout,
			},
			PasswordReset: store.RateLimit{
				MaxAttempts: cfg.RateResetMax,
				Window:      cfg.RateResetWindow,
				LockoutTTL:  cfg.RateResetLockout,
			},
		},
		Cookie:         auth.CookieConfig{Domain: cfg.CookieDomain, MaxAge: cfg.RefreshTokenTTL},
		OAuthProviders: providers,
		DB:             st,
		Cache:          rl,
	}
	if cfg.TurnstileSecret != "" {
		h.Captcha = captcha.NewTurnstileVerifier(cfg.TurnstileSecret)
	}

	// Expired refresh tokens and verifications are swept periodically;
	// request paths only clean up what they touch.
	go func() {
		ticker := time.NewTicker(cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n, err := st.Cleanup(workerCtx, time.Now())
				if err != nil {
					slog.Warn("expired token cleanup failed", "error", err)
				} else {
					slog.Info("expired token cleanup complete", "deleted", n)
				}
			case <-workerCtx.Done():
				return
			}
		}
	}()

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           otelhttp.NewHandler(buildRouter(h), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("auth service listening", "addr", ln.Addr().String(), "store", cfg.StoreDriver, "redis", rdb != nil)
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting connections, then waits for in-flight requests.
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped")
	return nil
}

// openStore connects the configured backend. Postgres gets the embedded
// migrations applied; SQLite migrates its own schema.
func openStore(ctx context.Context, cfg *config.Config) (accountStore, func(), error) {
	switch cfg.StoreDriver {
	case "sqlite":
		ss, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up sqlite store: %w", err)
		}
		return ss, ss.Close, nil
	default:
		ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up postgres store: %w", err)
		}
		migrationsFS, err := fs.Sub(migrationsDir, "migrations")
		if err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		if err := ps.Migrate(ctx, migrationsFS); err != nil {
			ps.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		return ps, ps.Close, nil
	}
}

// newSender picks the mail transport. Disabled email renders and drops every message.
func newSender(ctx context.Context, cfg *config.Config) (mail.Sender, error) {
	if !cfg.EmailEnabled {
		slog.Warn("email disabled; notifications will not be delivered")
		return mail.NopSender{}, nil
	}
	switch cfg.EmailTransport {
	case "ses":
		s, err := mail.NewSESSender(ctx, mail.SESConfig{
			Region:          cfg.AWSRegion,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			FromAddress:     cfg.EmailFrom,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to set up ses sender: %w", err)
		}
		return s, nil
	default:
		return mail.NewSMTPSender(mail.SMTPConfig{
			Host:        cfg.SMTPHost,
			Port:        cfg.SMTPPort,
			Username:    cfg.SMTPUsername,
			Password:    cfg.SMTPPassword,
			FromAddress: cfg.EmailFrom,
		}), nil
	}
}

// mailSenders splits outbound mail between the synchronous transport and the
// Redis queue. Under the fail policy critical mail stays synchronous so a
// delivery failure can still roll its operation back; under the log policy
// everything is queued.
func mailSenders(policy string, direct mail.Sender, q *mail.QueuedSender) (sender, background mail.Sender) {
	if q == nil {
		return direct, nil
	}
	if auth.NotifyPolicy(policy) == auth.NotifyLog {
		return q, nil
	}
	return direct, q
}

// buildRouter wires all routes and middleware.
// Called from run() and from smoke tests.
func buildRouter(h *auth.AuthHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", h.SignUp)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Post("/logout-all", h.LogoutAll)
		r.Get("/verify", h.VerifyUser)
		r.Put("/password/token", h.RequestPasswordReset)
		r.Put("/password", h.SetNewPassword)
	})

	r.Get("/oauth/{provider}", h.OAuthRedirect)
	r.Get("/oauth/{provider}/callback", h.OAuthCallback)

	// Bearer-authenticated routes
	r.Route("/user", func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Put("/roles", h.SetUserRole)
		r.Put("/details", h.UpdateUserDetails)
		r.Delete("/delete", h.DeleteUser)
	})

	return r
}
