package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/diewo77/go-settle/internal/activity"
	"github.com/diewo77/go-settle/internal/config"
	"github.com/diewo77/go-settle/internal/db"
	"github.com/diewo77/go-settle/internal/events"
	"github.com/diewo77/go-settle/internal/gateway"
	"github.com/diewo77/go-settle/internal/handlers"
	"github.com/diewo77/go-settle/internal/hashid"
	"github.com/diewo77/go-settle/internal/notify"
	"github.com/diewo77/go-settle/internal/paymenthash"
	"github.com/diewo77/go-settle/internal/server"
	"github.com/diewo77/go-settle/internal/services"
	"github.com/diewo77/go-settle/internal/settlement"
	"github.com/diewo77/go-settle/internal/systemlog"
	"github.com/diewo77/go-settle/internal/tenant"
	"github.com/diewo77/go-settle/internal/tokens"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"
	"gorm.io/gorm"
)

// App owns the long-lived pieces of a running server.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	tenants *tenant.Manager
	bus     *events.Bus
	srv     *http.Server
}

// NewApp wires configuration into a ready-to-run server.
func NewApp(cfg *config.Config, log *slog.Logger) (*App, error) {
	databases := cfg.TenantDatabases()
	keys := make([]string, 0, len(databases))
	for k := range databases {
		keys = append(keys, k)
	}
	tenants := tenant.NewManager(func(key string) (*gorm.DB, error) {
		dbCfg, ok := databases[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", tenant.ErrUnknownTenant, key)
		}
		conn, err := db.Open(dbCfg, log)
		if err != nil {
			return nil, err
		}
		if cfg.App.Migrations {
			if err := db.Migrate(conn); err != nil {
				return nil, fmt.Errorf("migrate tenant %q: %w", key, err)
			}
			log.Info("migrations completed", "tenant", key)
		}
		return conn, nil
	}, config.DefaultTenant, keys, log)

	registry := gateway.NewRegistry(gateway.NewSandbox())
	if cfg.Payments.GatewaysFile != "" {
		catalog, err := gateway.LoadCatalog(cfg.Payments.GatewaysFile)
		if err != nil {
			return nil, err
		}
		if err := catalog.Apply(registry); err != nil {
			return nil, err
		}
	}

	bus := events.NewBus(events.Options{
		QueueSize: cfg.Queue.Size,
		Workers:   cfg.Queue.Workers,
		Retries:   cfg.Queue.Retries,
		Backoff:   cfg.Queue.Backoff,
	}, log)
	activity.NewListener(tenants, activity.NewLogToucher(log), log).Register(bus)
	systemlog.NewWriter(tenants, log).Register(bus)
	notify.NewNotifier(notify.NewLogMailer(log), language.English, log).Register(bus)

	invoices := services.NewInvoiceService(log)
	payments := services.NewPaymentService(log)
	hashes := paymenthash.NewService(cfg.Payments.HashSecret, cfg.Payments.HashTTL, invoices)
	workflow := settlement.New(settlement.Config{
		Registry:        registry,
		Hashes:          hashes,
		Tokens:          tokens.NewStore(),
		Invoices:        invoices,
		Clients:         services.NewClientService(),
		Payments:        payments,
		Events:          bus,
		Log:             log,
		PurchaseTimeout: cfg.Payments.PurchaseTimeout,
		PublishTimeout:  cfg.Payments.PublishTimeout,
	})

	if cfg.App.APIKey == "" {
		log.Warn("API_KEY not set, staff payment routes are closed")
	}

	ids, err := hashid.New(cfg.HashIDs.Salt, cfg.HashIDs.MinLength)
	if err != nil {
		return nil, err
	}

	handler := server.New(server.Deps{
		Tenants:  tenants,
		Payments: handlers.NewPaymentHandler(hashes, workflow, payments, ids, log),
		Auth:     handlers.NewAuthHandler(),
		Log:      log,
		APIKey:   cfg.App.APIKey,
	})

	return &App{
		cfg:     cfg,
		log:     log,
		tenants: tenants,
		bus:     bus,
		srv: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      handler,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		},
	}, nil
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then drains
// the job bus and closes tenant connections.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	workers, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	g.Go(func() error {
		return a.bus.Run(workers)
	})
	g.Go(func() error {
		a.log.Info("server starting", "port", a.cfg.Server.Port, "dev", a.cfg.App.Dev)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown signal received")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(sctx); err != nil {
			a.log.Error("error during shutdown", "err", err)
		}
		// Requests are done: let queued jobs finish before stopping workers.
		a.bus.Close()
		a.bus.Wait()
		cancelWorkers()
		return nil
	})

	err := g.Wait()
	if cerr := a.tenants.Close(); cerr != nil {
		a.log.Error("closing tenant connections", "err", cerr)
	}
	a.log.Info("server stopped gracefully")
	return err
}
