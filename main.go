package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gluk-w/hourboost/internal/accounts"
	"github.com/gluk-w/hourboost/internal/appcache"
	"github.com/gluk-w/hourboost/internal/auth"
	"github.com/gluk-w/hourboost/internal/commands"
	"github.com/gluk-w/hourboost/internal/config"
	"github.com/gluk-w/hourboost/internal/crypto"
	"github.com/gluk-w/hourboost/internal/database"
	"github.com/gluk-w/hourboost/internal/handlers"
	"github.com/gluk-w/hourboost/internal/logging"
	"github.com/gluk-w/hourboost/internal/metrics"
	"github.com/gluk-w/hourboost/internal/middleware"
	"github.com/gluk-w/hourboost/internal/notify"
	"github.com/gluk-w/hourboost/internal/platform"
	"github.com/gluk-w/hourboost/internal/platform/loopback"
	"github.com/gluk-w/hourboost/internal/session"
	"github.com/gluk-w/hourboost/internal/statusboard"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hourboost",
		Short:         "Keeps platform accounts logged in and accruing usage hours",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and the session pool",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context())
			},
		},
		newUserCmd("create-admin", "Create an admin user"),
		newUserCmd("reset-password", "Reset a user's password"),
	)
	return root
}

func newUserCmd(use, short string) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if username == "" || password == "" {
				return fmt.Errorf("usage: hourboost %s --username <user> --password <pass>", use)
			}
			if err := config.Load(); err != nil {
				return err
			}
			if err := database.Init(config.Cfg.DatabasePath); err != nil {
				return fmt.Errorf("database init: %w", err)
			}
			defer database.Close()

			hash, err := auth.HashPassword(password)
			if err != nil {
				return fmt.Errorf("hash password: %w", err)
			}

			switch use {
			case "create-admin":
				user := &database.User{Username: username, PasswordHash: hash, Role: "admin", TierID: 3}
				if err := database.CreateUser(user); err != nil {
					return fmt.Errorf("create admin: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Admin user '%s' created successfully.\n", username)
			case "reset-password":
				user, err := database.GetUserByUsername(username)
				if err != nil {
					return fmt.Errorf("user '%s' not found", username)
				}
				if err := database.UpdateUserPassword(user.ID, hash); err != nil {
					return fmt.Errorf("update password: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Password reset for '%s'. Note: existing sessions will expire within 1 hour.\n", username)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "Username")
	cmd.Flags().StringVar(&password, "password", "", "Password")
	return cmd
}

func platformFactory(cfg config.Settings, logger *zap.Logger) (platform.Factory, error) {
	switch cfg.PlatformDriver {
	case "loopback":
		lb := loopback.New(loopback.WithOpenRegistration(), loopback.WithLogger(logger))
		return lb.Factory(), nil
	default:
		return nil, fmt.Errorf("unknown platform driver %q", cfg.PlatformDriver)
	}
}

func serve(ctx context.Context) error {
	if err := config.Load(); err != nil {
		return err
	}
	cfg := config.Cfg

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Development: cfg.LogDev, FilePath: cfg.LogPath})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logging.Flush() }()
	handlers.Logger = logger

	if err := database.Init(cfg.DatabasePath); err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer database.Close()
	store := database.NewStore(database.DB)

	codec, err := crypto.LoadCodec(cfg.SecretKey, store)
	if err != nil {
		return fmt.Errorf("secret codec: %w", err)
	}
	factory, err := platformFactory(cfg, logger)
	if err != nil {
		return err
	}

	m := metrics.New()
	sinks := []notify.Sink{notify.LogSink{Logger: logger.Named("notify")}}
	if cfg.NotifyWebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.NotifyWebhookURL))
	}
	notifier := notify.NewDispatcher(cfg.NotifyQueueSize, logger.Named("notify"), m, sinks...)
	defer notifier.Close()

	pool := session.NewPool(session.Deps{
		Store:    store,
		Codec:    codec,
		Factory:  factory,
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
		Config:   session.ConfigFromSettings(cfg),
	})

	apps, err := appcache.New(appcache.Options{
		Dir:        cfg.AppCacheDir,
		DetailsURL: cfg.AppDetailsURL,
		ImageURL:   cfg.AppImageURL,
		Timeout:    cfg.ClientTimeout,
		Names:      store,
		Logger:     logger.Named("appcache"),
	})
	if err != nil {
		return fmt.Errorf("app cache: %w", err)
	}
	board, err := statusboard.Open(cfg.StatusFile)
	if err != nil {
		return fmt.Errorf("status board: %w", err)
	}

	svc := accounts.New(store, codec, accounts.Limits{
		MaxHandleLength:   cfg.MaxHandleLength,
		MaxPasswordLength: cfg.MaxPasswordLength,
	})
	sessionStore := auth.NewSessionStore()

	handlers.SessionStore = sessionStore
	handlers.Pool = pool
	handlers.Store = store
	handlers.Accounts = svc
	handlers.Commands = commands.NewDispatcher(svc, pool, logger.Named("commands"))
	handlers.AppCache = apps
	handlers.StatusBoard = board
	handlers.Events = handlers.NewEventHub(func(id uint) uint {
		if st, ok := pool.Status(id); ok {
			return st.OwnerID
		}
		if acct, err := store.GetAccount(context.Background(), id); err == nil {
			return acct.OwnerID
		}
		return 0
	})
	pool.OnStateChange(handlers.Events.Publish)
	handlers.EventOrigins = cfg.AllowedOrigins

	loginLimiter := middleware.NewIPRateLimiter(10, 5)

	jobs, err := startJobs(logger, sessionStore, loginLimiter, pool, m)
	if err != nil {
		return err
	}
	defer jobs.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", m.Handler())
	r.Handle("/app-cache/*", http.StripPrefix("/app-cache/", http.FileServer(http.Dir(apps.ImageDir()))))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(loginLimiter))
			r.Post("/auth/login", handlers.Login)
			r.Post("/auth/setup", handlers.SetupCreateAdmin)
		})
		r.Get("/auth/setup-required", handlers.SetupRequired)
		r.Get("/status", handlers.GetStatusPage)
		r.Get("/leaderboard", handlers.GetLeaderboard)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(sessionStore))

			r.Post("/auth/logout", handlers.Logout)
			r.Get("/auth/me", handlers.GetCurrentUser)

			r.Get("/accounts", handlers.ListAccounts)
			r.Post("/accounts", handlers.CreateAccount)
			r.Post("/accounts/restart", handlers.RestartAllAccounts)
			r.Get("/accounts/{id}", handlers.GetAccount)
			r.Delete("/accounts/{id}", handlers.DeleteAccount)
			r.Put("/accounts/{id}/config", handlers.UpdateAccountConfig)
			r.Post("/accounts/{id}/start", handlers.StartAccount)
			r.Post("/accounts/{id}/stop", handlers.StopAccount)
			r.Post("/accounts/{id}/restart", handlers.RestartAccount)
			r.Post("/accounts/{id}/guard", handlers.SubmitGuardCode)
			r.Get("/accounts/{id}/session", handlers.GetAccountSession)

			r.Get("/sessions", handlers.ListSessions)
			r.Get("/events", handlers.StreamEvents)
			r.Post("/commands", handlers.RunCommand)
			r.Get("/stats", handlers.GetStats)
			r.Get("/tiers", handlers.ListTiers)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAdmin)

				r.Get("/system", handlers.GetSystemStats)
				r.Get("/server-logs", handlers.GetServerLogs)
				r.Delete("/server-logs", handlers.ClearServerLogs)

				r.Get("/users", handlers.ListUsers)
				r.Post("/users", handlers.CreateUser)
				r.Delete("/users/{userId}", handlers.DeleteUser)
				r.Put("/users/{userId}/ban", handlers.BanUser)
				r.Put("/users/{userId}/tier", handlers.SetUserTier)

				r.Post("/incidents", handlers.CreateIncident)
				r.Post("/incidents/{incidentId}/updates", handlers.AddIncidentUpdate)
				r.Post("/incidents/{incidentId}/resolve", handlers.ResolveIncident)
				r.Delete("/incidents/{incidentId}", handlers.DeleteIncident)
			})
		})
	})

	if n, err := pool.Recover(ctx); err != nil {
		logger.Error("session recovery failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("session recovery scheduled", zap.Int("accounts", n))
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("session pool shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
	return nil
}
