package config

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	FeatureFlags FeatureFlagsConfig
	HTTP         HTTPConfig
	Signing      SigningConfig
	RateLimit    RateLimitConfig
	Idempotency  IdempotencyConfig
	Intake       IntakeConfig
	Policy       PolicyConfig
	Queue        QueueConfig
	Intents      IntentsConfig
	Email        EmailConfig
	SMTP         SMTPConfig
	SES          SESConfig
	MailOutbox   MailOutboxConfig
	Preflight    PreflightConfig
	Campaign     CampaignConfig
	Schedules    SchedulesConfig
	Routing      RoutingConfig
	Retention    RetentionConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field invariants envconfig cannot express.
func (c *Config) Validate() error {
	if err := c.Signing.validate(); err != nil {
		return err
	}
	for scope, rule := range c.RateLimit.Scopes {
		if rule.Window <= 0 || rule.Max <= 0 {
			return fmt.Errorf("rate limit scope %q requires positive window and max", scope)
		}
	}
	for _, source := range c.Policy.Priority {
		if !enums.PolicySource(source).IsValid() {
			return fmt.Errorf("%s: unknown policy source %q", EnvPolicyPriority, source)
		}
	}
	if !c.Email.Transport.IsValid() {
		return fmt.Errorf("%s: invalid transport %q", EnvEmailTransport, c.Email.Transport)
	}
	if !c.Preflight.Mode.IsValid() {
		return fmt.Errorf("%s: invalid mode %q", EnvPreflightMode, c.Preflight.Mode)
	}
	if c.Preflight.Mode == enums.PreflightModeSend && strings.TrimSpace(c.Preflight.Recipient) == "" {
		return fmt.Errorf("%s is required when preflight mode is send", EnvPreflightRcpt)
	}
	for name := range c.Queue.Concurrency {
		if !enums.QueueName(name).IsValid() {
			return fmt.Errorf("%s: unknown queue %q", EnvQueueConcurrency, name)
		}
	}
	if c.Intake.DedupWindow < 0 {
		return fmt.Errorf("%s must not be negative", EnvDedupWindow)
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"LEADFLOW_APP_ENV" required:"true"`
	Port         string `envconfig:"LEADFLOW_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"LEADFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"LEADFLOW_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind     string `envconfig:"LEADFLOW_SERVICE_KIND" default:"api"`
	WorkerID string `envconfig:"LEADFLOW_WORKER_ID"`
}

type DBConfig struct {
	DSN    string `envconfig:"LEADFLOW_DB_DSN"`
	Driver string `envconfig:"LEADFLOW_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"LEADFLOW_DB_HOST"`
	LegacyPort     int    `envconfig:"LEADFLOW_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"LEADFLOW_DB_USER"`
	LegacyPassword string `envconfig:"LEADFLOW_DB_PASSWORD"`
	LegacyName     string `envconfig:"LEADFLOW_DB_NAME"`
	LegacySSLMode  string `envconfig:"LEADFLOW_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"LEADFLOW_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"LEADFLOW_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"LEADFLOW_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"LEADFLOW_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// IsSQLite reports whether the sqlite driver is selected.
func (db DBConfig) IsSQLite() bool {
	return strings.EqualFold(db.Driver, "sqlite")
}

type RedisConfig struct {
	URL          string        `envconfig:"LEADFLOW_REDIS_URL" required:"true"`
	Address      string        `envconfig:"LEADFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"LEADFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"LEADFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"LEADFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"LEADFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"LEADFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"LEADFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"LEADFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"LEADFLOW_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"LEADFLOW_AUTO_MIGRATE" default:"false"`
}

type HTTPConfig struct {
	CollectTimeout  time.Duration `envconfig:"LEADFLOW_HTTP_COLLECT_TIMEOUT" default:"10s"`
	SignTimeout     time.Duration `envconfig:"LEADFLOW_HTTP_SIGN_TIMEOUT" default:"5s"`
	ShutdownTimeout time.Duration `envconfig:"LEADFLOW_HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
	AllowedOrigins  []string      `envconfig:"LEADFLOW_HTTP_ALLOWED_ORIGINS" default:"*"`
}

type SigningConfig struct {
	Secret       string        `envconfig:"LEADFLOW_SIGNING_SECRET" required:"true"`
	MaxAge       time.Duration `envconfig:"LEADFLOW_SIGNING_MAX_AGE" default:"2h"`
	DropEmpty    bool          `envconfig:"LEADFLOW_SIGNING_DROP_EMPTY" default:"true"`
	IgnoreFields []string      `envconfig:"LEADFLOW_SIGNING_IGNORE_FIELDS"`
}

func (s SigningConfig) validate() error {
	if len(s.Secret) < 32 {
		return fmt.Errorf("%s must be at least 32 bytes", EnvSigningSecret)
	}
	if s.MaxAge <= 0 {
		return fmt.Errorf("%s must be positive", EnvSigningMaxAge)
	}
	for _, field := range s.IgnoreFields {
		if _, ok := structuralFields[strings.TrimSpace(field)]; ok {
			return fmt.Errorf("%s may not exclude %q from the signature", EnvSigningIgnoreFields, field)
		}
	}
	return nil
}

// RateLimitRule is one row of the scope table.
type RateLimitRule struct {
	Window        time.Duration
	Max           int
	IncludeFailed bool
}

// RateLimitTable decodes "scope:window/max/include_failed,..." entries.
type RateLimitTable map[string]RateLimitRule

const defaultRateLimits = "leads_ip:60s/30/true,leads_email:1h/5/false,leads_sign_ip:60s/60/true," +
	"messaging_ip:60s/20/true,messaging_email:1h/10/false,chat_send:60s/20/true,chat_stream:60s/10/true"

func (t *RateLimitTable) Decode(value string) error {
	table := RateLimitTable{}
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scope, spec, ok := strings.Cut(entry, ":")
		if !ok {
			return fmt.Errorf("rate limit entry %q: expected scope:window/max[/include_failed]", entry)
		}
		parts := strings.Split(spec, "/")
		if len(parts) < 2 || len(parts) > 3 {
			return fmt.Errorf("rate limit entry %q: expected window/max[/include_failed]", entry)
		}
		window, err := parseWindow(parts[0])
		if err != nil {
			return fmt.Errorf("rate limit entry %q: %w", entry, err)
		}
		maxPerWindow, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return fmt.Errorf("rate limit entry %q: invalid max: %w", entry, err)
		}
		includeFailed := true
		if len(parts) == 3 {
			includeFailed, err = strconv.ParseBool(strings.TrimSpace(parts[2]))
			if err != nil {
				return fmt.Errorf("rate limit entry %q: invalid include_failed: %w", entry, err)
			}
		}
		table[strings.TrimSpace(scope)] = RateLimitRule{Window: window, Max: maxPerWindow, IncludeFailed: includeFailed}
	}
	*t = table
	return nil
}

// parseWindow accepts durations ("60s", "1h") or bare seconds ("60").
func parseWindow(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q", raw)
	}
	return d, nil
}

type RateLimitConfig struct {
	Scopes RateLimitTable `envconfig:"LEADFLOW_RATE_LIMITS" default:"leads_ip:60s/30/true,leads_email:1h/5/false,leads_sign_ip:60s/60/true,messaging_ip:60s/20/true,messaging_email:1h/10/false,chat_send:60s/20/true,chat_stream:60s/10/true"`
}

// DefaultRateLimits returns the built-in scope table.
func DefaultRateLimits() RateLimitTable {
	var table RateLimitTable
	_ = table.Decode(defaultRateLimits)
	return table
}

type IdempotencyConfig struct {
	TTL            time.Duration `envconfig:"LEADFLOW_IDEMPOTENCY_TTL" default:"24h"`
	LockTTL        time.Duration `envconfig:"LEADFLOW_IDEMPOTENCY_LOCK_TTL" default:"30s"`
	WaitTimeout    time.Duration `envconfig:"LEADFLOW_IDEMPOTENCY_WAIT_TIMEOUT" default:"2s"`
	PollInterval   time.Duration `envconfig:"LEADFLOW_IDEMPOTENCY_POLL_INTERVAL" default:"50ms"`
	MaxRecordBytes int           `envconfig:"LEADFLOW_IDEMPOTENCY_MAX_RECORD_BYTES" default:"65536"`
}

type IntakeConfig struct {
	MaxBodyBytes  int64         `envconfig:"LEADFLOW_INTAKE_MAX_BODY_BYTES" default:"65536"`
	DedupWindow   time.Duration `envconfig:"LEADFLOW_INTAKE_DEDUP_WINDOW" default:"0s"`
	DefaultRegion string        `envconfig:"LEADFLOW_INTAKE_DEFAULT_REGION" default:"US"`
}

type PolicyConfig struct {
	YAMLPath         string        `envconfig:"LEADFLOW_POLICY_YAML_PATH"`
	Priority         []string      `envconfig:"LEADFLOW_POLICY_PRIORITY" default:"db,yaml,settings"`
	FormKinds        []string      `envconfig:"LEADFLOW_POLICY_FORM_KINDS" default:"contact,email_ebook,newsletter,demo_request"`
	DefaultRequired  []string      `envconfig:"LEADFLOW_POLICY_DEFAULT_REQUIRED" default:"email"`
	DefaultOptional  []string      `envconfig:"LEADFLOW_POLICY_DEFAULT_OPTIONAL" default:"name,phone,company,message"`
	RequireSignature bool          `envconfig:"LEADFLOW_POLICY_REQUIRE_SIGNATURE" default:"false"`
	RecheckInterval  time.Duration `envconfig:"LEADFLOW_POLICY_RECHECK_INTERVAL" default:"5s"`
}

type QueueConfig struct {
	Concurrency       map[string]int `envconfig:"LEADFLOW_QUEUE_CONCURRENCY" default:"default:2,leads:4,analytics:1,email:2"`
	MaxAttempts       int            `envconfig:"LEADFLOW_QUEUE_MAX_ATTEMPTS" default:"5"`
	BaseBackoff       time.Duration  `envconfig:"LEADFLOW_QUEUE_BASE_BACKOFF" default:"2s"`
	MaxBackoff        time.Duration  `envconfig:"LEADFLOW_QUEUE_MAX_BACKOFF" default:"5m"`
	Jitter            float64        `envconfig:"LEADFLOW_QUEUE_JITTER" default:"0.2"`
	SoftTimeLimit     time.Duration  `envconfig:"LEADFLOW_QUEUE_SOFT_TIME_LIMIT" default:"30s"`
	HardTimeLimit     time.Duration  `envconfig:"LEADFLOW_QUEUE_HARD_TIME_LIMIT" default:"60s"`
	MaxTasksPerWorker int            `envconfig:"LEADFLOW_QUEUE_MAX_TASKS_PER_WORKER" default:"500"`
	ReserveTimeout    time.Duration  `envconfig:"LEADFLOW_QUEUE_RESERVE_TIMEOUT" default:"5s"`
	DoneTTL           time.Duration  `envconfig:"LEADFLOW_QUEUE_DONE_TTL" default:"168h"`
}

type IntentsConfig struct {
	BatchSize      int `envconfig:"LEADFLOW_INTENTS_DISPATCH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"LEADFLOW_INTENTS_DISPATCH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"LEADFLOW_INTENTS_MAX_ATTEMPTS" default:"10"`
}

type EmailConfig struct {
	Transport    enums.EmailTransport `envconfig:"LEADFLOW_EMAIL_TRANSPORT" default:"log"`
	From         string               `envconfig:"LEADFLOW_EMAIL_FROM" default:"hello@leadflow.local"`
	TemplatesDir string               `envconfig:"LEADFLOW_EMAIL_TEMPLATES_DIR"`
	SendTimeout  time.Duration        `envconfig:"LEADFLOW_EMAIL_SEND_TIMEOUT" default:"15s"`
}

type SMTPConfig struct {
	Host        string        `envconfig:"LEADFLOW_SMTP_HOST" default:"localhost"`
	Port        int           `envconfig:"LEADFLOW_SMTP_PORT" default:"587"`
	Username    string        `envconfig:"LEADFLOW_SMTP_USERNAME"`
	Password    string        `envconfig:"LEADFLOW_SMTP_PASSWORD"`
	StartTLS    bool          `envconfig:"LEADFLOW_SMTP_STARTTLS" default:"true"`
	HeloName    string        `envconfig:"LEADFLOW_SMTP_HELO" default:"localhost"`
	DialTimeout time.Duration `envconfig:"LEADFLOW_SMTP_DIAL_TIMEOUT" default:"10s"`
}

// Address returns host:port.
func (s SMTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type SESConfig struct {
	Region           string `envconfig:"LEADFLOW_SES_REGION" default:"us-east-1"`
	AccessKeyID      string `envconfig:"LEADFLOW_SES_ACCESS_KEY_ID"`
	SecretAccessKey  string `envconfig:"LEADFLOW_SES_SECRET_ACCESS_KEY"`
	ConfigurationSet string `envconfig:"LEADFLOW_SES_CONFIGURATION_SET"`
}

type MailOutboxConfig struct {
	BatchSize   int           `envconfig:"LEADFLOW_OUTBOX_DRAIN_BATCH_SIZE" default:"50"`
	MaxAttempts int           `envconfig:"LEADFLOW_OUTBOX_MAX_ATTEMPTS" default:"5"`
	BaseBackoff time.Duration `envconfig:"LEADFLOW_OUTBOX_BASE_BACKOFF" default:"30s"`
	MaxBackoff  time.Duration `envconfig:"LEADFLOW_OUTBOX_MAX_BACKOFF" default:"1h"`
	Jitter      float64       `envconfig:"LEADFLOW_OUTBOX_JITTER" default:"0.2"`
	StaleAfter  time.Duration `envconfig:"LEADFLOW_OUTBOX_STALE_AFTER" default:"10m"`
	HighWater   int64         `envconfig:"LEADFLOW_OUTBOX_HIGH_WATER" default:"5000"`
}

type PreflightConfig struct {
	Mode            enums.PreflightMode `envconfig:"LEADFLOW_PREFLIGHT_MODE" default:"connect"`
	Strict          bool                `envconfig:"LEADFLOW_PREFLIGHT_STRICT" default:"false"`
	Recipient       string              `envconfig:"LEADFLOW_PREFLIGHT_RECIPIENT"`
	RecheckInterval time.Duration       `envconfig:"LEADFLOW_PREFLIGHT_RECHECK_INTERVAL" default:"0s"`
}

type CampaignConfig struct {
	PerCycleCap int `envconfig:"LEADFLOW_CAMPAIGN_PER_CYCLE_CAP" default:"400"`
	MaxPerCycle int `envconfig:"LEADFLOW_CAMPAIGN_MAX_PER_CYCLE" default:"10"`
}

type SchedulesConfig struct {
	OutboxDrain string        `envconfig:"LEADFLOW_SCHEDULE_OUTBOX_DRAIN" default:"@every 1m"`
	Campaigns   string        `envconfig:"LEADFLOW_SCHEDULE_CAMPAIGNS" default:"*/5 * * * *"`
	Purge       string        `envconfig:"LEADFLOW_SCHEDULE_PURGE" default:"@daily"`
	LockTTL     time.Duration `envconfig:"LEADFLOW_SCHEDULE_LOCK_TTL" default:"55s"`
}

type RoutingConfig struct {
	Owners       map[string]string `envconfig:"LEADFLOW_ROUTING_OWNERS"`
	DefaultOwner string            `envconfig:"LEADFLOW_ROUTING_DEFAULT_OWNER" default:"sales@leadflow.local"`
}

// OwnerFor returns the routing owner for a form kind.
func (r RoutingConfig) OwnerFor(formKind string) string {
	if owner, ok := r.Owners[formKind]; ok && owner != "" {
		return owner
	}
	return r.DefaultOwner
}

type RetentionConfig struct {
	IntentsAfter time.Duration `envconfig:"LEADFLOW_RETENTION_INTENTS_AFTER" default:"168h"`
	OutboxAfter  time.Duration `envconfig:"LEADFLOW_RETENTION_OUTBOX_AFTER" default:"720h"`
	DLQAfter     time.Duration `envconfig:"LEADFLOW_RETENTION_DLQ_AFTER" default:"720h"`
}

// PollInterval converts the dispatcher poll setting to a duration.
func (i IntentsConfig) PollInterval() time.Duration {
	if i.PollIntervalMS <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(i.PollIntervalMS) * time.Millisecond
}

// MaxAgeSeconds returns the signing max age rounded up to whole seconds.
func (s SigningConfig) MaxAgeSeconds() int64 {
	return int64(math.Ceil(s.MaxAge.Seconds()))
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" || db.IsSQLite() {
		if db.DSN == "" {
			db.DSN = "file:leadflow.db?cache=shared&_busy_timeout=5000"
		}
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
