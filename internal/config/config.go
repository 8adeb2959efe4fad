// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/snapshot-harvester/internal/harvest"
	"github.com/JakeFAU/snapshot-harvester/internal/scheduler"
)

// EnvPrefix namespaces environment overrides, e.g. HARVESTER_AUTH_EMAIL.
const EnvPrefix = "HARVESTER"

// Config captures every knob loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Stages    StagesConfig    `mapstructure:"stages"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Index     IndexConfig     `mapstructure:"index"`
	Database  DatabaseConfig  `mapstructure:"database"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig controls the ops HTTP server.
type MetricsConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `mapstructure:"addr"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// AuthConfig describes login and session handling.
type AuthConfig struct {
	LoginURL         string        `mapstructure:"login_url"`
	ProbeURL         string        `mapstructure:"probe_url"`
	Email            string        `mapstructure:"email"`
	Password         string        `mapstructure:"password"`
	SuccessMarkers   []string      `mapstructure:"success_markers"`
	SigninMarkers    []string      `mapstructure:"signin_markers"`
	SessionPath      string        `mapstructure:"session_path"`
	LoginAttempts    int           `mapstructure:"login_attempts"`
	LoginBackoff     time.Duration `mapstructure:"login_backoff"`
	LoginTimeout     time.Duration `mapstructure:"login_timeout"`
	Prober           string        `mapstructure:"prober"`
	EmailSelector    string        `mapstructure:"email_selector"`
	PasswordSelector string        `mapstructure:"password_selector"`
	SubmitSelector   string        `mapstructure:"submit_selector"`
	ModalSelector    string        `mapstructure:"modal_selector"`
}

// BrowserConfig configures headless Chrome.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	UserAgent     string        `mapstructure:"user_agent"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	MaxParallel   int           `mapstructure:"max_parallel"`
	PageLoadDelay time.Duration `mapstructure:"page_load_delay"`
	SettleDelay   time.Duration `mapstructure:"settle_delay"`
	AssetTimeout  time.Duration `mapstructure:"asset_timeout"`
}

// DiscoveryConfig describes the listing and the convergence scan.
type DiscoveryConfig struct {
	ListingURL        string `mapstructure:"listing_url"`
	ContainerSelector string `mapstructure:"container_selector"`
	LinkSelector      string `mapstructure:"link_selector"`
	IDPattern         string `mapstructure:"id_pattern"`
	AddressTemplate   string `mapstructure:"address_template"`
	StaleLimit        int    `mapstructure:"stale_limit"`
	MaxIterations     int    `mapstructure:"max_iterations"`
	ScrollSteps       []int  `mapstructure:"scroll_steps"`
	ItemListPath      string `mapstructure:"item_list_path"`
}

// PipelineConfig selects stages; CLI flags override it.
type PipelineConfig struct {
	Discovery  bool `mapstructure:"discovery"`
	Capture    bool `mapstructure:"capture"`
	Store      bool `mapstructure:"store"`
	Index      bool `mapstructure:"index"`
	DryRun     bool `mapstructure:"dry_run"`
	MaxItems   int  `mapstructure:"max_items"`
	StartIndex int  `mapstructure:"start_index"`
}

// SchedulerConfig holds the defaults shared by every stage.
type SchedulerConfig struct {
	Concurrency            int           `mapstructure:"concurrency"`
	BatchSize              int           `mapstructure:"batch_size"`
	MaxAttempts            int           `mapstructure:"max_attempts"`
	Timeout                time.Duration `mapstructure:"timeout"`
	InterItemDelay         time.Duration `mapstructure:"inter_item_delay"`
	InterBatchDelay        time.Duration `mapstructure:"inter_batch_delay"`
	BackoffBase            time.Duration `mapstructure:"backoff_base"`
	MaxConsecutiveTimeouts int           `mapstructure:"max_consecutive_timeouts"`
}

// StageOverride replaces scheduler defaults for one stage. Nil fields inherit.
type StageOverride struct {
	Concurrency     *int           `mapstructure:"concurrency"`
	BatchSize       *int           `mapstructure:"batch_size"`
	MaxAttempts     *int           `mapstructure:"max_attempts"`
	Timeout         *time.Duration `mapstructure:"timeout"`
	InterItemDelay  *time.Duration `mapstructure:"inter_item_delay"`
	InterBatchDelay *time.Duration `mapstructure:"inter_batch_delay"`
	BackoffBase     *time.Duration `mapstructure:"backoff_base"`
}

// StagesConfig groups per-stage overrides.
type StagesConfig struct {
	Capture StageOverride `mapstructure:"capture"`
	Store   StageOverride `mapstructure:"store"`
	Index   StageOverride `mapstructure:"index"`
}

// CaptureConfig controls artifact validation and the local spool.
type CaptureConfig struct {
	MinArtifactBytes int    `mapstructure:"min_artifact_bytes"`
	SpoolDir         string `mapstructure:"spool_dir"`
}

// StorageConfig selects and configures the remote object store.
type StorageConfig struct {
	Provider    string        `mapstructure:"provider"`
	Prefix      string        `mapstructure:"prefix"`
	ContentType string        `mapstructure:"content_type"`
	GCS         GCSConfig     `mapstructure:"gcs"`
	Azblob      AzblobConfig  `mapstructure:"azblob"`
	S3          S3Config      `mapstructure:"s3"`
	Local       LocalConfig   `mapstructure:"local"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// GCSConfig names the bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// AzblobConfig holds Azure Blob Storage credentials.
type AzblobConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	AccountName      string `mapstructure:"account_name"`
	AccountKey       string `mapstructure:"account_key"`
	ServiceURL       string `mapstructure:"service_url"`
	Container        string `mapstructure:"container"`
}

// S3Config holds S3 or S3-compatible settings.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// LocalConfig is the directory of the local provider.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// IndexConfig selects the indexer.
type IndexConfig struct {
	Provider   string            `mapstructure:"provider"`
	HTTP       IndexHTTPConfig   `mapstructure:"http"`
	PubSub     IndexPubSubConfig `mapstructure:"pubsub"`
	LedgerPath string            `mapstructure:"ledger_path"`
}

// IndexHTTPConfig configures the multipart index endpoint.
type IndexHTTPConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	IndexType string        `mapstructure:"index_type"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// IndexPubSubConfig names the notification topic.
type IndexPubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// DatabaseConfig controls the optional run store.
type DatabaseConfig struct {
	DSN         string `mapstructure:"dsn"`
	TablePrefix string `mapstructure:"table_prefix"`
	MaxConns    int32  `mapstructure:"max_conns"`
}

// Storage and index providers.
const (
	ProviderLocal  = "local"
	ProviderMemory = "memory"
	ProviderGCS    = "gcs"
	ProviderAzblob = "azblob"
	ProviderS3     = "s3"

	IndexHTTP   = "http"
	IndexPubSub = "pubsub"
	IndexNoop   = "noop"

	ProberHTTP    = "http"
	ProberBrowser = "browser"
)

// Load builds a Config from an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindStageEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "snapshot-harvester")

	v.SetDefault("auth.login_url", "https://www.stock-app.jp/sign-in")
	v.SetDefault("auth.probe_url", "https://www.stock-app.jp")
	v.SetDefault("auth.email", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.success_markers", []string{"dashboard", "teams"})
	v.SetDefault("auth.signin_markers", []string{"sign-in", "signin", "auth"})
	v.SetDefault("auth.session_path", "session/session.json")
	v.SetDefault("auth.login_attempts", 3)
	v.SetDefault("auth.login_backoff", "2s")
	v.SetDefault("auth.login_timeout", "30s")
	v.SetDefault("auth.prober", ProberHTTP)
	v.SetDefault("auth.email_selector", "#signInEmail")
	v.SetDefault("auth.password_selector", "#signInPassword")
	v.SetDefault("auth.submit_selector", "button.panel__formBtn")
	v.SetDefault("auth.modal_selector", "")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.nav_timeout", "90s")
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.page_load_delay", "4s")
	v.SetDefault("browser.settle_delay", "800ms")
	v.SetDefault("browser.asset_timeout", "30s")

	v.SetDefault("discovery.listing_url", "")
	v.SetDefault("discovery.container_selector", "#stockListContainer")
	v.SetDefault("discovery.link_selector", `a[href*="/stocks/"][href*="/edit"]`)
	v.SetDefault("discovery.id_pattern", `/stocks/(\d+)/edit`)
	v.SetDefault("discovery.address_template", "")
	v.SetDefault("discovery.stale_limit", 8)
	v.SetDefault("discovery.max_iterations", 1000)
	v.SetDefault("discovery.scroll_steps", []int{1500, 1200, 1000})
	v.SetDefault("discovery.item_list_path", "stock-urls.txt")

	v.SetDefault("pipeline.discovery", true)
	v.SetDefault("pipeline.capture", true)
	v.SetDefault("pipeline.store", false)
	v.SetDefault("pipeline.index", false)
	v.SetDefault("pipeline.dry_run", false)
	v.SetDefault("pipeline.max_items", 0)
	v.SetDefault("pipeline.start_index", 0)

	v.SetDefault("scheduler.concurrency", 2)
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.timeout", "90s")
	v.SetDefault("scheduler.inter_item_delay", "3s")
	v.SetDefault("scheduler.inter_batch_delay", "3s")
	v.SetDefault("scheduler.backoff_base", "2s")
	v.SetDefault("scheduler.max_consecutive_timeouts", 10)

	v.SetDefault("capture.min_artifact_bytes", 1000)
	v.SetDefault("capture.spool_dir", "stock-mhtml")

	v.SetDefault("storage.provider", ProviderLocal)
	v.SetDefault("storage.prefix", "stock-mhtml")
	v.SetDefault("storage.content_type", "multipart/related")
	v.SetDefault("storage.timeout", "60s")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.azblob.connection_string", "")
	v.SetDefault("storage.azblob.account_name", "")
	v.SetDefault("storage.azblob.account_key", "")
	v.SetDefault("storage.azblob.service_url", "")
	v.SetDefault("storage.azblob.container", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.use_path_style", false)
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.local.base_dir", "uploads")

	v.SetDefault("index.provider", IndexNoop)
	v.SetDefault("index.http.endpoint", "")
	v.SetDefault("index.http.index_type", "stock")
	v.SetDefault("index.http.timeout", "60s")
	v.SetDefault("index.pubsub.project_id", "")
	v.SetDefault("index.pubsub.topic_id", "")
	v.SetDefault("index.ledger_path", "state/index-ledger.db")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table_prefix", "harvest")
	v.SetDefault("database.max_conns", 4)
}

var stageKeys = []string{
	"concurrency", "batch_size", "max_attempts", "timeout",
	"inter_item_delay", "inter_batch_delay", "backoff_base",
}

// bindStageEnv makes per-stage overrides reachable from the environment
// without giving them defaults, so unset keys stay nil.
func bindStageEnv(v *viper.Viper) error {
	for _, stage := range []harvest.Stage{harvest.StageCapture, harvest.StageStore, harvest.StageIndex} {
		for _, key := range stageKeys {
			full := fmt.Sprintf("stages.%s.%s", stage, key)
			env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(full, ".", "_"))
			if err := v.BindEnv(full, env); err != nil {
				return fmt.Errorf("bind %s: %w", full, err)
			}
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Discovery.StaleLimit <= 0 || c.Discovery.MaxIterations <= 0 {
		errs = append(errs, errors.New("discovery.stale_limit and discovery.max_iterations must be > 0"))
	}
	if c.Discovery.ItemListPath == "" {
		errs = append(errs, errors.New("discovery.item_list_path is required"))
	}
	if c.Pipeline.MaxItems < 0 || c.Pipeline.StartIndex < 0 {
		errs = append(errs, errors.New("pipeline.max_items and pipeline.start_index must be >= 0"))
	}
	if c.Scheduler.MaxConsecutiveTimeouts <= 0 {
		errs = append(errs, errors.New("scheduler.max_consecutive_timeouts must be > 0"))
	}
	for _, stage := range []harvest.Stage{harvest.StageCapture, harvest.StageStore, harvest.StageIndex} {
		if err := c.Stage(stage).Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s stage: %w", stage, err))
		}
	}
	if c.Capture.MinArtifactBytes < 0 {
		errs = append(errs, errors.New("capture.min_artifact_bytes must be >= 0"))
	}
	if c.Capture.SpoolDir == "" {
		errs = append(errs, errors.New("capture.spool_dir is required"))
	}
	if c.Browser.MaxParallel < 0 {
		errs = append(errs, errors.New("browser.max_parallel must be >= 0"))
	}
	if c.Auth.LoginAttempts <= 0 {
		errs = append(errs, errors.New("auth.login_attempts must be > 0"))
	}
	switch c.Auth.Prober {
	case ProberHTTP, ProberBrowser:
	default:
		errs = append(errs, fmt.Errorf("auth.prober %q must be %q or %q", c.Auth.Prober, ProberHTTP, ProberBrowser))
	}
	errs = append(errs, c.validateStorage()...)
	errs = append(errs, c.validateIndex()...)
	return errors.Join(errs...)
}

func (c Config) validateStorage() []error {
	switch c.Storage.Provider {
	case ProviderLocal:
		if c.Storage.Local.BaseDir == "" {
			return []error{errors.New("storage.local.base_dir is required for the local provider")}
		}
	case ProviderMemory:
	case ProviderGCS:
		if c.Storage.GCS.Bucket == "" {
			return []error{errors.New("storage.gcs.bucket is required for the gcs provider")}
		}
	case ProviderAzblob:
		if c.Storage.Azblob.Container == "" {
			return []error{errors.New("storage.azblob.container is required for the azblob provider")}
		}
		if c.Storage.Azblob.ConnectionString == "" && c.Storage.Azblob.AccountName == "" {
			return []error{errors.New("storage.azblob needs a connection_string or an account_name")}
		}
	case ProviderS3:
		if c.Storage.S3.Bucket == "" {
			return []error{errors.New("storage.s3.bucket is required for the s3 provider")}
		}
	default:
		return []error{fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)}
	}
	return nil
}

func (c Config) validateIndex() []error {
	var errs []error
	switch c.Index.Provider {
	case IndexNoop:
	case IndexHTTP:
		if c.Index.HTTP.Endpoint == "" {
			errs = append(errs, errors.New("index.http.endpoint is required for the http indexer"))
		}
	case IndexPubSub:
		if c.Index.PubSub.ProjectID == "" || c.Index.PubSub.TopicID == "" {
			errs = append(errs, errors.New("index.pubsub.project_id and topic_id are required for the pubsub indexer"))
		}
	default:
		errs = append(errs, fmt.Errorf("index.provider %q is not supported", c.Index.Provider))
	}
	if c.Index.LedgerPath == "" {
		errs = append(errs, errors.New("index.ledger_path is required"))
	}
	return errs
}

// Stage merges the per-stage overrides onto the scheduler defaults.
func (c Config) Stage(stage harvest.Stage) scheduler.Config {
	out := scheduler.Config{
		BatchSize:       c.Scheduler.BatchSize,
		Concurrency:     c.Scheduler.Concurrency,
		InterBatchDelay: c.Scheduler.InterBatchDelay,
		InterItemDelay:  c.Scheduler.InterItemDelay,
		MaxAttempts:     c.Scheduler.MaxAttempts,
		Timeout:         c.Scheduler.Timeout,
		BackoffBase:     c.Scheduler.BackoffBase,
	}
	var o StageOverride
	switch stage {
	case harvest.StageCapture:
		o = c.Stages.Capture
	case harvest.StageStore:
		o = c.Stages.Store
	case harvest.StageIndex:
		o = c.Stages.Index
	default:
		return out
	}
	if o.Concurrency != nil {
		out.Concurrency = *o.Concurrency
	}
	if o.BatchSize != nil {
		out.BatchSize = *o.BatchSize
	}
	if o.MaxAttempts != nil {
		out.MaxAttempts = *o.MaxAttempts
	}
	if o.Timeout != nil {
		out.Timeout = *o.Timeout
	}
	if o.InterItemDelay != nil {
		out.InterItemDelay = *o.InterItemDelay
	}
	if o.InterBatchDelay != nil {
		out.InterBatchDelay = *o.InterBatchDelay
	}
	if o.BackoffBase != nil {
		out.BackoffBase = *o.BackoffBase
	}
	return out
}
