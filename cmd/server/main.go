/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the budget ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the logrus logger
  3. Initialize SQLite store
  4. Pick the balance locker (Redis when configured, in-process otherwise)
  5. Wire notifiers (log, plus SMTP when configured)
  6. Create service, handler and router
  7. Start the reconciliation scheduler if RECONCILE_INTERVAL > 0
  8. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database and Redis connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/budget.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Multi-instance deployment sharing one lock namespace
  REDIS_ADDRESS=localhost:6379 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/budget-ledger/api"
	"github.com/warp/budget-ledger/budget"
	"github.com/warp/budget-ledger/config"
	"github.com/warp/budget-ledger/lock"
	"github.com/warp/budget-ledger/notify"
	"github.com/warp/budget-ledger/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	log, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *port, *dbPath, log); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

func run(cfg *config.Config, port int, dbPath string, log *logrus.Logger) error {
	// Initialize store
	store, err := sqlite.New(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	opts := []budget.Option{
		budget.WithLogger(log),
		budget.WithRecipients(budget.Recipients{Admin: cfg.AdminEmail, Officer: cfg.OfficerEmail}),
	}

	// Locker
	if cfg.RedisAddress != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := lock.Connect(ctx, cfg.RedisAddress, cfg.RedisPassword, cfg.RedisDB)
		cancel()
		if err != nil {
			return err
		}
		defer client.Close()
		opts = append(opts, budget.WithLocker(lock.NewRedis(client, cfg.Lock, log)))
		log.WithField("address", cfg.RedisAddress).Info("using redis balance locks")
	} else {
		opts = append(opts, budget.WithLocker(lock.NewLocal()))
	}

	// Notifiers
	notifiers := notify.Multi{notify.NewLog(log)}
	if cfg.SMTP.Configured() {
		mailer, err := notify.NewMailer(cfg.SMTP)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, mailer)
		log.WithField("host", cfg.SMTP.Host).Info("email notifications enabled")
	}
	opts = append(opts, budget.WithNotifier(notifiers))

	svc := budget.NewService(store, opts...)
	handler := api.NewHandler(svc, log)

	if cfg.ReconcileInterval > 0 {
		scheduler := api.NewReconciliationScheduler(svc, cfg.ReconcileInterval, cfg.ReconcileAutoFix, log)
		handler.SetScheduler(scheduler)
		scheduler.Start()
		defer scheduler.Stop()
	}

	router := api.NewRouter(handler, api.RouterOptions{CORSOrigins: cfg.CORSOrigins, Logger: log})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{"port": port, "db": dbPath}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errc:
		return err
	case <-quit:
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
