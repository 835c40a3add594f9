// Package main runs the presence indicator: it keeps a presence subscription
// alive, receives encrypted notifications over a push relay and mirrors the
// watched user's availability onto a light panel.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"presence-indicator/config"
	"presence-indicator/credential"
	"presence-indicator/display"
	"presence-indicator/envelope"
	"presence-indicator/graph"
	"presence-indicator/keystore"
	"presence-indicator/relay"
	"presence-indicator/renewal"
	"presence-indicator/router"
	"presence-indicator/server"
	"presence-indicator/storage"
	"presence-indicator/subscription"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()
	records := storage.NewRecords(backend, logger)

	keys, err := keystore.Load(keystore.Entry{ID: cfg.CertificateID, CertFile: cfg.CertFile, KeyFile: cfg.KeyFile})
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}
	logger.Info("Encryption keys loaded", "certificate_ids", keys.IDs())

	oauthCfg := credential.Config{TenantID: cfg.TenantID, ClientID: cfg.ClientID, Scopes: cfg.Scopes}.OAuth2Config()
	creds := credential.NewProvider(credential.Chain{
		credential.NewSilent(oauthCfg),
		credential.NewInteractive(oauthCfg, credential.WriterPrompt(os.Stderr), logger),
	}, records, logger)

	api := graph.New(graph.Config{
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Logger:     logger,
		BaseURL:    cfg.GraphBaseURL,
	})
	manager := subscription.New(subscription.Config{
		UserID:          cfg.UserID,
		NotificationURL: cfg.NotificationURL,
		LifecycleURL:    cfg.LifecycleURL,
		CertificateID:   cfg.CertificateID,
		Lifetime:        cfg.SubscriptionLifetime,
		MaxLifetime:     cfg.MaxLifetime,
		RenewWindow:     cfg.RenewWindow,
	}, api, records, creds, keys, logger)

	clientState, err := manager.ClientState(ctx)
	if err != nil {
		return fmt.Errorf("client state: %w", err)
	}
	if err := manager.EnsureActive(ctx); err != nil {
		return fmt.Errorf("initial subscription: %w", err)
	}

	rt := router.New(newDisplay(cfg, logger), logger)
	dispatcher := router.NewDispatcher(router.DispatcherConfig{
		DataEvent:    cfg.DataEvent,
		ControlEvent: cfg.ControlEvent,
		ClientState:  clientState,
	}, envelope.New(keys), manager, rt, logger)

	rl := relay.New(relay.Config{
		Logger:    logger,
		Key:       cfg.PusherKey,
		Cluster:   cfg.PusherCluster,
		Host:      cfg.PusherHost,
		Channel:   clientState,
		OnConnect: afterFirst(manager.EnsureActive),
	}, dispatcher)

	srv := server.New(&server.Config{
		Lifecycle: manager,
		Last:      rt,
		Relay:     rl,
		Logger:    logger,
		Addr:      cfg.Addr,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := rl.Run(ctx); err != nil {
			if relay.IsFatal(err) {
				logger.Error("Relay closed the connection permanently", "error", err)
			} else {
				logger.Error("Relay stopped", "error", err)
			}
			errc <- fmt.Errorf("relay: %w", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		renewal.New(manager, subscription.DefaultMargin, logger).Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := srv.Run(ctx); err != nil {
			errc <- fmt.Errorf("server: %w", err)
			cancel()
		}
	}()

	logger.Info("Presence indicator started",
		"user_id", cfg.UserID,
		"relay_url", rl.URL())

	<-ctx.Done()
	wg.Wait()
	close(errc)

	if cfg.DeleteOnExit {
		teardownCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		if err := manager.Teardown(teardownCtx); err != nil {
			logger.Warn("Failed to delete subscription on exit", "error", err)
		} else if err := records.Forget(teardownCtx); err != nil {
			logger.Warn("Failed to remove stored state on exit", "error", err)
		}
		done()
	}

	var errs []error
	for err := range errc {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// afterFirst skips the first call to fn. Startup already ensured the
// subscription before the relay's first connect.
func afterFirst(fn func(context.Context) error) func(context.Context) error {
	var seen atomic.Bool
	return func(ctx context.Context) error {
		if seen.CompareAndSwap(false, true) {
			return nil
		}
		return fn(ctx)
	}
}

// openBackend picks the state backend: SQLite, then a GCS bucket, then a
// local directory.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Backend, func(), error) {
	if cfg.StateDB != "" {
		db, err := storage.OpenSQLite(cfg.StateDB)
		if err != nil {
			return nil, nil, fmt.Errorf("open state database: %w", err)
		}
		logger.Info("Using SQLite state backend", "path", cfg.StateDB)
		return db, func() {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close state database", "error", err)
			}
		}, nil
	}

	if cfg.StateBucket != "" {
		var opts []option.ClientOption
		if cfg.GoogleCredentialsJSON != "" {
			opts = append(opts, option.WithCredentialsJSON([]byte(cfg.GoogleCredentialsJSON)))
		}
		client, err := gcs.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize storage client: %w", err)
		}
		store := storage.New(client, cfg.StateBucket, "", logger)
		logStoredKeys(ctx, store, logger)
		logger.Info("Using GCS state backend", "bucket", cfg.StateBucket)
		return store, func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}, nil
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("create state directory: %w", err)
	}
	store := storage.New(nil, "", cfg.StateDir, logger)
	logStoredKeys(ctx, store, logger)
	logger.Info("Using local state backend", "path", cfg.StateDir)
	return store, func() {}, nil
}

func logStoredKeys(ctx context.Context, store *storage.Store, logger *slog.Logger) {
	keys, err := store.List(ctx)
	if err != nil {
		logger.Warn("Failed to list stored state", "error", err)
		return
	}
	logger.Info("Stored state found", "keys", keys)
}

func newDisplay(cfg *config.Config, logger *slog.Logger) display.Driver {
	if cfg.NanoleafHost == "" {
		logger.Info("No NANOLEAF_HOST set, using mock display")
		return display.NewMock(logger)
	}
	return display.NewNanoleaf(cfg.NanoleafHost, cfg.NanoleafToken, logger)
}
