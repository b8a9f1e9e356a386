package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	cfg "github.com/example/memberauth/internal/config"
	"github.com/example/memberauth/internal/auth"
	"github.com/example/memberauth/internal/logctx"
	"github.com/example/memberauth/internal/member"
	"github.com/example/memberauth/internal/metrics"
	"github.com/example/memberauth/internal/security"
	"github.com/example/memberauth/internal/store"
	"github.com/example/memberauth/internal/sweeper"
	"github.com/example/memberauth/internal/token"
)

// memberStore is a member directory that can also register members.
type memberStore interface {
	member.Directory
	member.Registry
}

type App struct {
	Auth      *auth.Service
	Members   memberStore
	Store     store.RefreshTokenStore
	Sweeper   *sweeper.Sweeper
	Responder *security.Responder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	filter       *security.Filter
	policy       *security.Policy
	loginLimiter *RateLimiter
	corsOrigins  []string
}

type appOptions struct {
	Codec       *token.Codec
	Members     memberStore
	Store       store.RefreshTokenStore
	Rotation    auth.RotationPolicy
	SweepAt     sweeper.TimeOfDay
	LoginRate   int
	CORSOrigins []string
	Logger      *slog.Logger
}

func newApp(o appOptions) (*App, error) {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	m := metrics.New()
	responder := security.NewResponder(m)

	verifier, err := member.NewBcryptVerifier(o.Members)
	if err != nil {
		return nil, err
	}
	svc, err := auth.New(auth.Deps{
		Codec:    o.Codec,
		Store:    o.Store,
		Verifier: verifier,
		Policy:   o.Rotation,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}
	policy, err := security.NewPolicy(security.DefaultRules(), responder)
	if err != nil {
		return nil, err
	}

	a := &App{
		Auth:      svc,
		Members:   o.Members,
		Store:     o.Store,
		Sweeper:   sweeper.New(o.Store, o.SweepAt, sweeper.WithMetrics(m), sweeper.WithLogger(o.Logger)),
		Responder: responder,
		Metrics:   m,
		Logger:    o.Logger,

		filter:      security.NewFilter(o.Codec, responder),
		policy:      policy,
		corsOrigins: o.CORSOrigins,
	}
	if o.LoginRate > 0 {
		a.loginLimiter = NewRateLimiter(o.LoginRate)
	}
	return a, nil
}

// Handler is the full HTTP stack: global middleware, authentication, access
// policy and routes. The policy wraps the router so unknown paths are guarded
// too.
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/auth", a.LoginRateLimit(a.HandleLogin)).Methods(http.MethodPost)
	r.HandleFunc("/auth", a.HandleReissue).Methods(http.MethodPut)
	r.HandleFunc("/auth", a.HandleLogout).Methods(http.MethodDelete)

	r.HandleFunc("/members", a.HandleSignup).Methods(http.MethodPost)
	r.HandleFunc("/members/me", a.HandleMe).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/refresh-tokens/expired", a.HandleCountExpired).Methods(http.MethodGet)
	admin.HandleFunc("/refresh-tokens/sweep", a.HandleSweep).Methods(http.MethodPost)
	admin.HandleFunc("/refresh-tokens/{id:[0-9]+}", a.HandleDeleteRefreshToken).Methods(http.MethodDelete)

	r.HandleFunc("/health", a.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", a.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", a.Metrics.Handler()).Methods(http.MethodGet)

	var h http.Handler = r
	h = a.policy.Middleware(h)
	h = a.filter.Middleware(h)
	h = a.CORS(h)
	h = a.Recover(h)
	h = a.Logging(h)
	h = SecurityHeaders(h)
	return h
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.From(r.Context()).Error("write json", "error", err)
	}
}

func newLogger(level string, out io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl}))
}

type closer func() error

// openStores builds the member directory and the refresh token store
// selected by the configuration.
func openStores(ctx context.Context, c *cfg.Config, logger *slog.Logger) (memberStore, store.RefreshTokenStore, []closer, error) {
	var (
		members memberStore
		tokens  store.RefreshTokenStore
		closers []closer
	)

	switch c.DBAdapter {
	case "sqlite":
		s, err := store.NewSQLiteStore(ctx, c.SQLiteFile)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sqlite init: %w", err)
		}
		members, tokens = s, s
		closers = append(closers, s.Close)
	case "postgres":
		logger.Info("applying database migrations")
		if err := store.ApplyMigrations(c.PostgresDriver, c.PostgresDSN); err != nil {
			logger.Error("migration error (continuing anyway)", "error", err)
		}
		s, err := store.NewPostgresStore(ctx, c.PostgresDriver, c.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres init: %w", err)
		}
		logger.Info("connected to PostgreSQL database", "driver", c.PostgresDriver)
		members, tokens = s, s
		closers = append(closers, s.Close)
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		dir := member.NewMemoryDirectory()
		members, tokens = dir, store.NewMemoryStore(dir)
	default:
		return nil, nil, nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
	}

	if c.RefreshStore == "redis" {
		rs, err := store.NewRedisStoreFromURL(ctx, c.RedisURL, members)
		if err != nil {
			for _, cl := range closers {
				_ = cl()
			}
			return nil, nil, nil, fmt.Errorf("redis init: %w", err)
		}
		logger.Info("refresh tokens stored in redis")
		tokens = rs
		closers = append(closers, rs.Close)
	}
	return members, tokens, closers, nil
}

// ensureAdmin creates the configured administrator when it does not exist.
func ensureAdmin(ctx context.Context, members memberStore, email, password string) error {
	if email == "" {
		return nil
	}
	_, err := members.FindByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, member.ErrMemberNotFound) {
		return err
	}
	hash, err := member.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = members.CreateMember(ctx, member.Member{
		Email:        email,
		DisplayName:  "Administrator",
		PasswordHash: hash,
		Roles:        member.NewRoleSet(member.RoleAdmin),
	})
	if errors.Is(err, member.ErrEmailTaken) {
		return nil
	}
	return err
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := newLogger(c.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	members, tokens, closers, err := openStores(ctx, c, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer func() {
		for _, cl := range closers {
			_ = cl()
		}
	}()

	if err := ensureAdmin(ctx, members, c.AdminEmail, c.AdminPassword); err != nil {
		log.Fatalf("admin bootstrap: %v", err)
	}

	codec, err := token.NewCodec(token.Config{
		Access:  token.KeyConfig{Secret: []byte(c.AccessTokenSecret), TTL: c.AccessTokenTTL},
		Refresh: token.KeyConfig{Secret: []byte(c.RefreshTokenSecret), TTL: c.RefreshTokenTTL},
		Issuer:  c.TokenIssuer,
	})
	if err != nil {
		log.Fatalf("token codec: %v", err)
	}
	rotation, err := auth.ParseRotationPolicy(c.RefreshRotation)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	sweepAt, err := sweeper.ParseTimeOfDay(c.SweepAt)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	app, err := newApp(appOptions{
		Codec:       codec,
		Members:     members,
		Store:       tokens,
		Rotation:    rotation,
		SweepAt:     sweepAt,
		LoginRate:   c.LoginRatePerMinute,
		CORSOrigins: c.CORSAllowedOrigins,
		Logger:      logger,
	})
	if err != nil {
		log.Fatalf("app init: %v", err)
	}

	if c.SweepEnabled {
		go app.Sweeper.Start(ctx)
	}

	srv := &http.Server{
		Handler:           app.Handler(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		logger.Info("starting server", "port", c.Port, "db", c.DBAdapter, "refresh_store", c.RefreshStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return
	}
	logger.Info("server exited properly")
}
