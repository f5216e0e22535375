package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/riandyrn/otelchi"

	"github.com/neomorfeo/ticketgate/internal/adapter/fsm"
	handler "github.com/neomorfeo/ticketgate/internal/adapter/http"
	"github.com/neomorfeo/ticketgate/internal/adapter/jwtauth"
	"github.com/neomorfeo/ticketgate/internal/adapter/mikrotik"
	"github.com/neomorfeo/ticketgate/internal/adapter/otel"
	"github.com/neomorfeo/ticketgate/internal/adapter/payment"
	riveradapter "github.com/neomorfeo/ticketgate/internal/adapter/river"
	"github.com/neomorfeo/ticketgate/internal/adapter/sqlite"
	"github.com/neomorfeo/ticketgate/internal/app"
	"github.com/neomorfeo/ticketgate/internal/domain"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	port := envOrDefault("PORT", "8080")
	dbPath := envOrDefault("DATABASE_PATH", "ticketgate.db")
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "dev-secret"
		logger.Warn("JWT_SECRET not set, using an insecure development secret")
	}

	// --- Telemetry ---
	providers, err := otel.Setup(ctx, otel.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown", "error", err)
		}
	}()

	// --- Storage ---
	db, err := otel.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	store, err := sqlite.NewFromDB(db)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// --- Auth ---
	gate := jwtauth.New(jwtSecret, store)
	if err := bootstrapAdmin(ctx, store, logger); err != nil {
		return fmt.Errorf("admin bootstrap: %w", err)
	}
	if _, err := bootstrapAPIKey(ctx, store, gate, logger); err != nil {
		return fmt.Errorf("api key bootstrap: %w", err)
	}

	// --- External adapters ---
	var paymentOpts []payment.Option
	if base := os.Getenv("CONEKTA_BASE_URL"); base != "" {
		paymentOpts = append(paymentOpts, payment.WithBaseURL(base))
	}
	gateway := otel.TraceGateway(payment.New(paymentOpts...))
	provisioner := otel.TraceProvisioner(mikrotik.New())

	// --- Application ---
	svc := app.NewPurchaseService(app.Config{
		Transactions: store,
		Products:     store,
		Routers:      store,
		Tenants:      store,
		Ledger:       store,
		Gateway:      gateway,
		Provisioner:  provisioner,
		Validator:    fsm.New(),
		Logger:       logger,
	})

	// --- Job queue ---
	riverClient, err := riveradapter.Setup(ctx, db, svc)
	if err != nil {
		return fmt.Errorf("river: %w", err)
	}
	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("river start: %w", err)
	}
	svc.SetPublisher(riveradapter.NewPublisher(riverClient))

	// --- HTTP ---
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(otelchi.Middleware("ticketgate", otelchi.WithChiRoutes(router)))

	api := humachi.New(router, huma.DefaultConfig("ticketgate", "0.1.0"))
	handler.Register(api, svc, gate)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", port, "docs", "http://localhost:"+port+"/docs")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server: %w", err)
	case <-done:
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if err := riverClient.Stop(shutdownCtx); err != nil {
		logger.Error("river shutdown", "error", err)
	}

	logger.Info("stopped")
	return nil
}

// bootstrapAdmin creates the initial admin account from ADMIN_EMAIL and
// ADMIN_PASSWORD when the account does not exist yet. A no-op otherwise, so
// restarting with the same environment is safe.
func bootstrapAdmin(ctx context.Context, store *sqlite.Store, logger *slog.Logger) error {
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return nil
	}

	if _, err := store.AdminByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, domain.ErrAdminNotFound) {
		return err
	}

	hash, err := jwtauth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := store.CreateAdmin(ctx, domain.AdminUser{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleSuperAdmin,
		Active:       true,
	}); err != nil {
		return err
	}

	logger.Info("bootstrap admin created", "email", email)
	return nil
}

// bootstrapAPIKey mints a portal API key for the router named by
// BOOTSTRAP_TENANT_ID and BOOTSTRAP_ROUTER_ID. The plaintext token is printed
// exactly once, here; only its hash is stored. Skipped when the router
// already holds an active key, so restarts do not mint more.
func bootstrapAPIKey(ctx context.Context, store *sqlite.Store, gate *jwtauth.Gate, logger *slog.Logger) (string, error) {
	tenantID := os.Getenv("BOOTSTRAP_TENANT_ID")
	routerID := os.Getenv("BOOTSTRAP_ROUTER_ID")
	if tenantID == "" || routerID == "" {
		return "", nil
	}

	router, err := store.GetRouter(ctx, routerID)
	if err != nil {
		return "", fmt.Errorf("loading router %q: %w", routerID, err)
	}
	if router.TenantID != tenantID {
		return "", fmt.Errorf("router %q does not belong to tenant %q", routerID, tenantID)
	}

	exists, err := store.HasActiveAPIKey(ctx, routerID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", nil
	}

	token, rec, err := gate.IssueAPIKey(tenantID, routerID)
	if err != nil {
		return "", err
	}
	if err := store.CreateAPIKey(ctx, rec); err != nil {
		return "", err
	}

	logger.Info("bootstrap api key created", "router_id", routerID, "key_id", rec.KeyID)
	fmt.Fprintf(os.Stderr, "portal api key for router %s (store it now, it is not shown again): %s\n", routerID, token)
	return token, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
