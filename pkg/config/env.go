package config

const (
	EnvPrefix = "LEADFLOW"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "LEADFLOW_APP_ENV"
	EnvPort     = "LEADFLOW_APP_PORT"
	EnvLogLevel = "LEADFLOW_LOG_LEVEL"

	EnvDBDSN       = "LEADFLOW_DB_DSN"
	EnvDBDriver    = "LEADFLOW_DB_DRIVER"
	EnvDBHost      = "LEADFLOW_DB_HOST"
	EnvDBUser      = "LEADFLOW_DB_USER"
	EnvDBName      = "LEADFLOW_DB_NAME"
	EnvRedisURL    = "LEADFLOW_REDIS_URL"
	EnvUseSQLite   = "LEADFLOW_USE_SQLITE"
	EnvAutoMigrate = "LEADFLOW_AUTO_MIGRATE"

	EnvSigningSecret       = "LEADFLOW_SIGNING_SECRET"
	EnvSigningMaxAge       = "LEADFLOW_SIGNING_MAX_AGE"
	EnvSigningIgnoreFields = "LEADFLOW_SIGNING_IGNORE_FIELDS"

	EnvRateLimits       = "LEADFLOW_RATE_LIMITS"
	EnvIdempotencyTTL   = "LEADFLOW_IDEMPOTENCY_TTL"
	EnvDedupWindow      = "LEADFLOW_INTAKE_DEDUP_WINDOW"
	EnvPolicyYAMLPath   = "LEADFLOW_POLICY_YAML_PATH"
	EnvPolicyPriority   = "LEADFLOW_POLICY_PRIORITY"
	EnvEmailTransport   = "LEADFLOW_EMAIL_TRANSPORT"
	EnvPreflightMode    = "LEADFLOW_PREFLIGHT_MODE"
	EnvPreflightStrict  = "LEADFLOW_PREFLIGHT_STRICT"
	EnvPreflightRcpt    = "LEADFLOW_PREFLIGHT_RECIPIENT"
	EnvQueueConcurrency = "LEADFLOW_QUEUE_CONCURRENCY"
	EnvRoutingOwners    = "LEADFLOW_ROUTING_OWNERS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

// structuralFields can never be excluded from the signed payload.
var structuralFields = map[string]struct{}{
	"form_kind": {},
	"email":     {},
	"*":         {},
}
