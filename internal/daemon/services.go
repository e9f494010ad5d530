package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/felixgeelhaar/picala/internal/authstate"
	"github.com/felixgeelhaar/picala/internal/config"
	"github.com/felixgeelhaar/picala/internal/deeplink"
	"github.com/felixgeelhaar/picala/internal/events"
	"github.com/felixgeelhaar/picala/internal/identity"
	"github.com/felixgeelhaar/picala/internal/identity/memory"
	"github.com/felixgeelhaar/picala/internal/identity/supabase"
	"github.com/felixgeelhaar/picala/internal/keepalive"
	"github.com/felixgeelhaar/picala/internal/metrics"
	"github.com/felixgeelhaar/picala/internal/storage/local"
	"github.com/felixgeelhaar/picala/internal/storage/sqlite"
	"github.com/felixgeelhaar/picala/internal/storage/vault"
	"github.com/felixgeelhaar/picala/internal/tokenstore"
)

// services holds the wired auth components of a daemon
type services struct {
	logger *slog.Logger

	db        *sqlite.DB
	store     *tokenstore.Store
	resilient *identity.ResilientBackend
	client    *identity.Client
	container *authstate.Container
	history   *deeplink.History
	inbox     *deeplink.Inbox
	links     *deeplink.Dispatcher
	keepalive *keepalive.Coordinator

	bus         *events.Connection
	publisher   *events.Publisher
	revocations *events.RevocationConsumer
	eventSub    *identity.Subscription

	wg sync.WaitGroup
}

// newServices builds every component from cfg. Nothing runs until start.
func newServices(cfg ServerConfig, collector *metrics.Collector, logger *slog.Logger) (*services, error) {
	c := cfg.Config
	svc := &services{logger: logger}

	store, err := svc.openStore(c.Storage, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	svc.store = store

	backend := cfg.Backend
	if backend == nil {
		backend, err = newBackend(c.Provider)
		if err != nil {
			svc.closeStore()
			return nil, err
		}
	}
	if c.Resilience.Enabled {
		rcfg := identity.DefaultResilientConfig()
		rcfg.MaxAttempts = c.Resilience.MaxAttempts
		rcfg.RatePerSecond = c.Resilience.RatePerSecond
		rcfg.FailureThreshold = c.Resilience.FailureThreshold
		rcfg.OpenTimeout = c.Resilience.OpenTimeout
		rcfg.Logger = logger
		svc.resilient = identity.NewResilientBackend(backend, rcfg)
		backend = svc.resilient
	}

	svc.client = identity.NewClient(identity.Config{
		Backend:                  backend,
		Store:                    store,
		EmailRedirectURL:         c.Provider.EmailRedirectURL,
		PasswordResetRedirectURL: c.Provider.PasswordResetRedirectURL,
		FlowType:                 identity.FlowType(c.Provider.FlowType),
		Logger:                   logger,
		Metrics:                  collector,
	})

	svc.container = authstate.New(svc.client,
		authstate.WithLogger(logger),
		authstate.WithMetrics(collector),
	)

	svc.history = deeplink.NewHistory(0, nil)
	svc.inbox = deeplink.NewInbox(cfg.InitialURL, 0)
	delay := c.DeepLinks.VerifiedRedirectDelay
	svc.links = deeplink.NewDispatcher(deeplink.Config{
		Auth:          svc.client,
		Navigator:     svc.history,
		RedirectDelay: &delay,
		Logger:        logger,
		Metrics:       collector,
	})

	svc.keepalive = keepalive.New(keepalive.Config{
		Refresher: svc.client,
		State:     svc.container,
		Margin:    c.Session.RefreshMargin,
		Interval:  c.Session.RefreshInterval,
		Logger:    logger,
		Metrics:   collector,
	})

	if c.Events.AMQPURL != "" {
		conn, err := events.Dial(c.Events.AMQPURL, logger)
		if err != nil {
			// The bus is optional; auth keeps working without it.
			logger.Warn("events bus unavailable", "error", err)
		} else {
			svc.bus = conn
			svc.publisher = events.NewPublisher(conn, events.PublisherConfig{
				Source:  eventSource(c.Events.Source),
				Logger:  logger,
				Metrics: collector,
			})
			svc.revocations = events.NewRevocationConsumer(conn, svc.client.HandleRemoteSignOut, logger)
		}
	}

	return svc, nil
}

// openStore layers the encrypted vault over the general store
func (svc *services) openStore(sc config.StorageConfig, dataDir string) (*tokenstore.Store, error) {
	opts := tokenstore.Options{Logger: svc.logger}
	if dataDir == "" {
		return tokenstore.New(opts), nil
	}

	switch sc.General {
	case config.StorageSQLite:
		db, err := sqlite.Open(filepath.Join(dataDir, "picala.db"))
		if err != nil {
			return nil, fmt.Errorf("open token database: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate token database: %w", err)
		}
		svc.db = db
		opts.General = sqlite.NewKVStore(db)
	case config.StorageFile:
		fs, err := local.NewStore(filepath.Join(dataDir, "store"))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		opts.General = fs
	}

	if sc.Secure {
		v, err := vault.Open(filepath.Join(dataDir, "secure"), filepath.Join(dataDir, "keys", "vault.key"))
		if err != nil {
			// Credentials fall back to the general store.
			svc.logger.Warn("secure store unavailable", "error", err)
		} else {
			opts.Secure = v
		}
	}

	return tokenstore.New(opts), nil
}

func newBackend(pc config.ProviderConfig) (identity.Backend, error) {
	switch pc.Kind {
	case config.ProviderMemory:
		return memory.New(memory.Config{}), nil
	case config.ProviderSupabase:
		b, err := supabase.New(supabase.Config{
			URL:     pc.URL,
			AnonKey: pc.AnonKey,
			Timeout: pc.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create supabase backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", pc.Kind)
	}
}

func eventSource(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		return "picalad"
	}
	return "picalad@" + host
}

// start rehydrates the session and launches the background loops
func (svc *services) start(ctx context.Context) {
	if svc.publisher != nil {
		svc.publisher.Start(ctx)
		svc.eventSub = svc.client.OnAuthStateChange(svc.publisher.Handle)
	}

	svc.container.Init(ctx)
	svc.keepalive.Start(ctx)

	if svc.revocations != nil {
		if err := svc.revocations.Start(ctx); err != nil {
			svc.logger.Warn("revocation consumer not started", "error", err)
		}
	}

	svc.wg.Add(1)
	go func() {
		defer svc.wg.Done()
		svc.links.Listen(ctx, svc.inbox)
	}()
}

// close stops the loops and releases storage. ctx must already be cancelled
// or about to be.
func (svc *services) close() {
	svc.inbox.Close()
	svc.wg.Wait()
	svc.keepalive.Stop()
	svc.container.Close()

	if svc.revocations != nil {
		svc.revocations.Stop()
	}
	svc.eventSub.Unsubscribe()
	if svc.publisher != nil {
		svc.publisher.Stop()
	}
	if svc.bus != nil {
		if err := svc.bus.Close(); err != nil {
			svc.logger.Warn("failed to close events bus", "error", err)
		}
	}
	if svc.resilient != nil {
		if err := svc.resilient.Close(); err != nil {
			svc.logger.Warn("failed to close resilient backend", "error", err)
		}
	}
	svc.closeStore()
}

func (svc *services) closeStore() {
	if svc.db != nil {
		if err := svc.db.Close(); err != nil {
			svc.logger.Warn("failed to close token database", "error", err)
		}
		svc.db = nil
	}
}
