// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/snapshot-harvester/internal/api"
	"github.com/JakeFAU/snapshot-harvester/internal/browser"
	"github.com/JakeFAU/snapshot-harvester/internal/clock/system"
	"github.com/JakeFAU/snapshot-harvester/internal/config"
	"github.com/JakeFAU/snapshot-harvester/internal/discovery"
	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/hash/sha256"
	"github.com/JakeFAU/snapshot-harvester/internal/id/uuid"
	"github.com/JakeFAU/snapshot-harvester/internal/index/httpindex"
	"github.com/JakeFAU/snapshot-harvester/internal/index/ledger"
	memindex "github.com/JakeFAU/snapshot-harvester/internal/index/memory"
	pubsubindex "github.com/JakeFAU/snapshot-harvester/internal/index/pubsub"
	"github.com/JakeFAU/snapshot-harvester/internal/metrics"
	"github.com/JakeFAU/snapshot-harvester/internal/pipeline"
	"github.com/JakeFAU/snapshot-harvester/internal/probe"
	"github.com/JakeFAU/snapshot-harvester/internal/progress"
	"github.com/JakeFAU/snapshot-harvester/internal/progress/sinks"
	"github.com/JakeFAU/snapshot-harvester/internal/session"
	"github.com/JakeFAU/snapshot-harvester/internal/storage/azure"
	"github.com/JakeFAU/snapshot-harvester/internal/storage/gcs"
	"github.com/JakeFAU/snapshot-harvester/internal/storage/local"
	"github.com/JakeFAU/snapshot-harvester/internal/storage/memory"
	"github.com/JakeFAU/snapshot-harvester/internal/storage/postgres"
	s3store "github.com/JakeFAU/snapshot-harvester/internal/storage/s3"
	"github.com/JakeFAU/snapshot-harvester/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// Option overrides an adapter, primarily for tests.
type Option func(*App)

// WithRemote replaces the configured remote object store.
func WithRemote(store harvest.ObjectStore) Option {
	return func(a *App) { a.remote = store }
}

// WithIndexer replaces the configured indexer.
func WithIndexer(idx harvest.Indexer) Option {
	return func(a *App) { a.indexer = idx }
}

// WithSessions replaces the browser-backed session manager.
func WithSessions(s pipeline.Sessions) Option {
	return func(a *App) { a.sessions = s }
}

// WithCapturer replaces the browser capturer.
func WithCapturer(c harvest.Capturer) Option {
	return func(a *App) { a.capturer = c }
}

// WithListings replaces the browser listing opener.
func WithListings(open pipeline.ListingOpener) Option {
	return func(a *App) { a.listings = open }
}

// WithRegisterer registers the progress collectors against reg instead of
// the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// App holds all the shared, long-lived services for the application.
// Local state (item list, spool, ledger, progress) is opened eagerly;
// browser, remote store and indexer are built on first use so that
// read-only commands never need cloud credentials.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    harvest.Clock
	resolver *discovery.Resolver
	items    *discovery.ItemList
	spool    *local.BlobStore
	ledger   *ledger.Bolt
	tracker  *progress.Tracker
	hub      *progress.Hub
	server   *api.Server
	db       *postgres.Store
	tracer   *sdktrace.TracerProvider

	registerer prometheus.Registerer

	mu       sync.Mutex
	browser  *browser.Browser
	sessions pipeline.Sessions
	capturer harvest.Capturer
	listings pipeline.ListingOpener
	remote   harvest.ObjectStore
	indexer  harvest.Indexer
	closers  []func() error

	closeOnce sync.Once
}

// New creates and initializes the App from cfg. It fails fast when any
// local dependency cannot be opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, clock: system.New()}
	for _, opt := range opts {
		opt(a)
	}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if cfg.Telemetry.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
	}

	resolver, err := discovery.NewResolver(cfg.Discovery.IDPattern, cfg.Discovery.AddressTemplate)
	if err != nil {
		return nil, fmt.Errorf("build item resolver: %w", err)
	}
	a.resolver = resolver
	a.items = discovery.NewItemList(cfg.Discovery.ItemListPath, resolver)

	a.spool, err = local.New(local.Config{BaseDir: cfg.Capture.SpoolDir})
	if err != nil {
		return nil, fmt.Errorf("open spool: %w", err)
	}
	a.ledger, err = ledger.OpenBolt(cfg.Index.LedgerPath, a.clock)
	if err != nil {
		return nil, fmt.Errorf("open index ledger: %w", err)
	}

	if cfg.Database.DSN != "" {
		logger.Info("connecting to postgres run store")
		a.db, err = postgres.New(ctx, postgres.Config{
			DSN:         cfg.Database.DSN,
			TablePrefix: cfg.Database.TablePrefix,
			MaxConns:    cfg.Database.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		if err := a.db.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure database schema: %w", err)
		}
	}

	if err := a.startProgress(); err != nil {
		return nil, err
	}

	logger.Info("application services initialized",
		zap.String("storage", cfg.Storage.Provider),
		zap.String("index", cfg.Index.Provider),
		zap.Bool("database", a.db != nil),
	)
	ok = true
	return a, nil
}

func (a *App) startProgress() error {
	a.tracker = progress.NewTracker()
	sinkList := []progress.Sink{sinks.NewLogSink(a.logger), a.tracker}
	if a.db != nil {
		sinkList = append(sinkList, sinks.NewStoreSink(a.db, a.logger))
	}
	if a.cfg.Metrics.Addr != "" {
		prom, err := sinks.NewPrometheusSink(a.registerer)
		if err != nil {
			return fmt.Errorf("init progress metrics: %w", err)
		}
		sinkList = append(sinkList, prom)
	}
	a.hub = progress.NewHub(progress.Config{Logger: a.logger}, sinkList...)

	if a.cfg.Metrics.Addr == "" {
		return nil
	}
	metrics.Init()
	a.server = api.NewServer(a.tracker, map[string]api.ReadinessCheck{
		"ledger": func(ctx context.Context) error {
			_, err := a.ledger.Count(ctx)
			return err
		},
		"spool": func(context.Context) error {
			_, err := os.Stat(a.cfg.Capture.SpoolDir)
			return err
		},
	}, a.logger)
	if err := a.server.Start(a.cfg.Metrics.Addr); err != nil {
		a.server = nil
		return fmt.Errorf("start ops server: %w", err)
	}
	return nil
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Tracker exposes the live run status.
func (a *App) Tracker() *progress.Tracker {
	return a.tracker
}

// ServerAddr returns the ops server address, or "" when it is disabled.
func (a *App) ServerAddr() string {
	if a.server == nil {
		return ""
	}
	return a.server.Addr()
}

// RunConfig translates the pipeline section of the configuration.
func (a *App) RunConfig() pipeline.RunConfig {
	p := a.cfg.Pipeline
	return pipeline.RunConfig{
		Discovery:              p.Discovery,
		Capture:                p.Capture,
		Store:                  p.Store,
		Index:                  p.Index,
		DryRun:                 p.DryRun,
		StartIndex:             p.StartIndex,
		MaxItems:               p.MaxItems,
		CaptureStage:           a.cfg.Stage(harvest.StageCapture),
		StoreStage:             a.cfg.Stage(harvest.StageStore),
		IndexStage:             a.cfg.Stage(harvest.StageIndex),
		MaxConsecutiveTimeouts: a.cfg.Scheduler.MaxConsecutiveTimeouts,
		MinArtifactBytes:       a.cfg.Capture.MinArtifactBytes,
	}
}

// Run builds the adapters the enabled stages need and runs the pipeline.
func (a *App) Run(ctx context.Context, rc pipeline.RunConfig) (harvest.RunSummary, error) {
	deps, err := a.deps(ctx, rc)
	if err != nil {
		return harvest.RunSummary{State: harvest.StateAborted}, err
	}
	orch, err := pipeline.New(deps)
	if err != nil {
		return harvest.RunSummary{State: harvest.StateAborted}, harvest.Wrap(harvest.KindInvalidInput, "build pipeline", err)
	}
	return orch.Run(ctx, rc)
}

// Stats reports persisted pipeline state without touching remote systems.
func (a *App) Stats(ctx context.Context) (pipeline.Stats, error) {
	return pipeline.CollectStats(ctx, a.items, a.spool, a.ledger)
}

func (a *App) deps(ctx context.Context, rc pipeline.RunConfig) (pipeline.Deps, error) {
	deps := pipeline.Deps{
		Scanner: discovery.NewScanner(discovery.Config{
			StaleLimit:    a.cfg.Discovery.StaleLimit,
			MaxIterations: a.cfg.Discovery.MaxIterations,
		}, a.logger),
		Items:       a.items,
		Spool:       a.spool,
		Ledger:      a.ledger,
		Emitter:     a.hub,
		IDs:         uuid.New(),
		Hasher:      sha256.New(),
		Clock:       a.clock,
		Tracer:      telemetry.Tracer(),
		Logger:      a.logger,
		Prefix:      a.cfg.Storage.Prefix,
		ContentType: a.cfg.Storage.ContentType,
		SourceURL:   a.resolver.AddressFor,
	}
	if a.db != nil {
		deps.Recorder = a.db
	}

	var err error
	if rc.Discovery || (rc.Capture && !rc.DryRun) {
		if deps.Sessions, err = a.sessionManager(); err != nil {
			return deps, err
		}
	}
	if rc.Discovery {
		if deps.Listings, err = a.listingOpener(); err != nil {
			return deps, err
		}
	}
	if rc.Capture {
		if deps.Capturer, err = a.captureAdapter(); err != nil {
			return deps, err
		}
	}
	if rc.Store || rc.Index {
		if deps.Remote, err = a.remoteStore(ctx, rc.Store && !rc.DryRun); err != nil {
			return deps, err
		}
	}
	if rc.Index {
		if deps.Indexer, err = a.indexAdapter(ctx); err != nil {
			return deps, err
		}
	}
	return deps, nil
}

func (a *App) chrome() (*browser.Browser, error) {
	if a.browser != nil {
		return a.browser, nil
	}
	b, err := browser.New(browser.Config{
		Headless:          a.cfg.Browser.Headless,
		MaxParallel:       a.cfg.Browser.MaxParallel,
		UserAgent:         a.cfg.Browser.UserAgent,
		NavigationTimeout: a.cfg.Browser.NavTimeout,
	}, a.logger)
	if err != nil {
		return nil, harvest.Wrap(harvest.KindInvalidInput, "init browser", err)
	}
	a.browser = b
	return b, nil
}

func (a *App) sessionManager() (pipeline.Sessions, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions != nil {
		return a.sessions, nil
	}
	b, err := a.chrome()
	if err != nil {
		return nil, err
	}
	auth, err := browser.NewAuthenticator(b, browser.AuthConfig{
		LoginURL:         a.cfg.Auth.LoginURL,
		ProbeURL:         a.cfg.Auth.ProbeURL,
		EmailSelector:    a.cfg.Auth.EmailSelector,
		PasswordSelector: a.cfg.Auth.PasswordSelector,
		SubmitSelector:   a.cfg.Auth.SubmitSelector,
		ModalSelector:    a.cfg.Auth.ModalSelector,
		SuccessMarkers:   a.cfg.Auth.SuccessMarkers,
		SigninMarkers:    a.cfg.Auth.SigninMarkers,
	}, a.clock, a.logger)
	if err != nil {
		return nil, harvest.Wrap(harvest.KindInvalidInput, "init authenticator", err)
	}

	var prober session.Prober = auth
	if a.cfg.Auth.Prober == config.ProberHTTP {
		prober, err = probe.New(probe.Config{
			URL:            a.cfg.Auth.ProbeURL,
			UserAgent:      a.cfg.Browser.UserAgent,
			SuccessMarkers: a.cfg.Auth.SuccessMarkers,
			SigninMarkers:  a.cfg.Auth.SigninMarkers,
		}, a.logger)
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init prober", err)
		}
	}

	store, err := session.NewFileStore(a.cfg.Auth.SessionPath)
	if err != nil {
		return nil, harvest.Wrap(harvest.KindInvalidInput, "init session store", err)
	}
	a.sessions = session.NewManager(
		session.Config{
			LoginAttempts: a.cfg.Auth.LoginAttempts,
			LoginBackoff:  a.cfg.Auth.LoginBackoff,
			LoginTimeout:  a.cfg.Auth.LoginTimeout,
		},
		session.Credentials{Email: a.cfg.Auth.Email, Password: a.cfg.Auth.Password},
		metrics.InstrumentAuthenticator(auth),
		metrics.InstrumentProber(prober),
		store, a.clock, a.logger,
	)
	return a.sessions, nil
}

func (a *App) listingOpener() (pipeline.ListingOpener, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listings != nil {
		return a.listings, nil
	}
	if a.cfg.Discovery.ListingURL == "" {
		return nil, harvest.Errorf(harvest.KindInvalidInput, "init discovery", "discovery.listing_url is required")
	}
	b, err := a.chrome()
	if err != nil {
		return nil, err
	}
	listingCfg := browser.ListingConfig{
		URL:               a.cfg.Discovery.ListingURL,
		ContainerSelector: a.cfg.Discovery.ContainerSelector,
		LinkSelector:      a.cfg.Discovery.LinkSelector,
		ScrollSteps:       a.cfg.Discovery.ScrollSteps,
	}
	a.listings = func(ctx context.Context, sess *harvest.Session) (discovery.Listing, func(), error) {
		l, err := b.OpenListing(ctx, sess, listingCfg, a.resolver)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}
	return a.listings, nil
}

func (a *App) captureAdapter() (harvest.Capturer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capturer != nil {
		return a.capturer, nil
	}
	if a.cfg.Discovery.AddressTemplate == "" {
		return nil, harvest.Errorf(harvest.KindInvalidInput, "init capture", "discovery.address_template is required")
	}
	b, err := a.chrome()
	if err != nil {
		return nil, err
	}
	c, err := browser.NewCapturer(b, browser.CaptureConfig{
		PageLoadDelay: a.cfg.Browser.PageLoadDelay,
		AssetTimeout:  a.cfg.Browser.AssetTimeout,
		SettleDelay:   a.cfg.Browser.SettleDelay,
		SigninMarkers: a.cfg.Auth.SigninMarkers,
	}, a.resolver, sha256.New(), a.clock, a.logger)
	if err != nil {
		return nil, harvest.Wrap(harvest.KindInvalidInput, "init capture", err)
	}
	a.capturer = c
	return c, nil
}

// remoteStore builds the configured object store. ensure creates missing
// containers and is only requested by runs that write.
func (a *App) remoteStore(ctx context.Context, ensure bool) (harvest.ObjectStore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.remote != nil {
		return a.remote, nil
	}
	sc := a.cfg.Storage
	a.logger.Info("initializing remote storage", zap.String("provider", sc.Provider))

	var store harvest.ObjectStore
	switch sc.Provider {
	case config.ProviderLocal:
		s, err := local.New(local.Config{BaseDir: sc.Local.BaseDir})
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init local storage", err)
		}
		store = s
	case config.ProviderMemory:
		store = memory.NewBlobStore()
	case config.ProviderGCS:
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init gcs client", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcs.New(client, gcs.Config{Bucket: sc.GCS.Bucket})
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init gcs storage", err)
		}
		store = s
	case config.ProviderAzblob:
		client, err := azure.NewClient(azure.Config{
			ConnectionString: sc.Azblob.ConnectionString,
			AccountName:      sc.Azblob.AccountName,
			AccountKey:       sc.Azblob.AccountKey,
			ServiceURL:       sc.Azblob.ServiceURL,
			Container:        sc.Azblob.Container,
		}, a.logger)
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init azblob client", err)
		}
		s, err := azure.New(client, sc.Azblob.Container)
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init azblob storage", err)
		}
		if ensure {
			if err := s.EnsureContainer(ctx); err != nil {
				return nil, fmt.Errorf("ensure azblob container: %w", err)
			}
		}
		store = s
	case config.ProviderS3:
		client, err := s3store.NewClient(ctx, s3store.Config{
			Bucket:          sc.S3.Bucket,
			Region:          sc.S3.Region,
			Endpoint:        sc.S3.Endpoint,
			UsePathStyle:    sc.S3.UsePathStyle,
			AccessKeyID:     sc.S3.AccessKeyID,
			SecretAccessKey: sc.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init s3 client", err)
		}
		s, err := s3store.New(client, sc.S3.Bucket)
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init s3 storage", err)
		}
		store = s
	default:
		return nil, harvest.Errorf(harvest.KindInvalidInput, "init storage", "unknown storage provider %q", sc.Provider)
	}
	a.remote = store
	return store, nil
}

func (a *App) indexAdapter(ctx context.Context) (harvest.Indexer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.indexer != nil {
		return a.indexer, nil
	}
	ic := a.cfg.Index
	a.logger.Info("initializing indexer", zap.String("provider", ic.Provider))

	switch ic.Provider {
	case config.IndexNoop:
		a.indexer = memindex.New()
	case config.IndexHTTP:
		idx, err := httpindex.New(httpindex.Config{
			Endpoint:  ic.HTTP.Endpoint,
			IndexType: ic.HTTP.IndexType,
			Timeout:   ic.HTTP.Timeout,
		}, nil, a.logger)
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init http indexer", err)
		}
		a.indexer = idx
	case config.IndexPubSub:
		client, err := pubsub.NewClient(ctx, ic.PubSub.ProjectID)
		if err != nil {
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init pubsub client", err)
		}
		idx, err := pubsubindex.New(client, ic.PubSub.TopicID, ic.HTTP.IndexType)
		if err != nil {
			_ = client.Close()
			return nil, harvest.Wrap(harvest.KindInvalidInput, "init pubsub indexer", err)
		}
		a.closers = append(a.closers, idx.Close, client.Close)
		a.indexer = idx
	default:
		return nil, harvest.Errorf(harvest.KindInvalidInput, "init index", "unknown index provider %q", ic.Provider)
	}
	return a.indexer, nil
}

// Close gracefully shuts down all services in the App container.
// It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Warn("error stopping ops server", zap.Error(err))
			}
		}
		if a.hub != nil {
			if err := a.hub.Close(ctx); err != nil {
				a.logger.Warn("error flushing progress", zap.Error(err))
			}
		}
		a.mu.Lock()
		if a.browser != nil {
			a.browser.Close()
		}
		for _, closeFn := range a.closers {
			if err := closeFn(); err != nil {
				a.logger.Warn("error closing client", zap.Error(err))
			}
		}
		a.mu.Unlock()
		if a.ledger != nil {
			if err := a.ledger.Close(); err != nil {
				a.logger.Warn("error closing index ledger", zap.Error(err))
			}
		}
		if a.db != nil {
			a.db.Close()
		}
		if a.tracer != nil {
			if err := a.tracer.Shutdown(ctx); err != nil {
				a.logger.Warn("error shutting down tracer", zap.Error(err))
			}
		}
		_ = a.logger.Sync()
	})
}
