package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Provider  ProviderConfig
	Scheduler SchedulerConfig
	Monitor   MonitorConfig
	Metrics   MetricsConfig
	Ingest    IngestConfig
}

type AppConfig struct {
	Env  string
	Port int
	// PublicBaseURL is the externally visible scheme://host of this API.
	// Provider callbacks and webhook signatures are built from it.
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	// KeyPrefix namespaces leases and event channels.
	KeyPrefix string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	WebhookSecret string
	// StreamURL is the voice agent's media stream endpoint (wss://...).
	StreamURL string
}

// Provider kinds.
const (
	ProviderAgent  = "agent"
	ProviderTwilio = "twilio"
)

type ProviderConfig struct {
	Kind           string
	AgentBaseURL   string
	AgentAPIKey    string
	WebhookSecret  string
	DefaultAgentID string
	// CallerIDs is the origin-number pool, "number[:weight]" entries separated by commas.
	CallerIDs []CallerID
	Timeout   time.Duration
}

type CallerID struct {
	Number string
	Weight int
}

type SchedulerConfig struct {
	IdleWait              time.Duration
	CapacityWait          time.Duration
	OfficeHoursPoll       time.Duration
	MonitorInterval       time.Duration
	MaxBatchSize          int
	FailureThreshold      int
	FailureBackoff        time.Duration
	MaxFailureRounds      int
	RecheckDelay          time.Duration
	RecheckWindow         time.Duration
	RetryDelay            time.Duration
	DefaultOrgConcurrency int
	LeaseTTL              time.Duration
	// ActivationCron is the schedule for activating due scheduled runs.
	ActivationCron string
}

type MonitorConfig struct {
	StaleAfter      time.Duration
	MaxCallDuration time.Duration
	MaxStuckResets  int
	SweepCron       string
}

type MetricsConfig struct {
	DebounceWindow time.Duration
}

type IngestConfig struct {
	MaxBirthAge        int
	ResolveConcurrency int
	MaxUploadBytes     int64
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.KeyPrefix = strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.WebhookSecret = os.Getenv("TWILIO_WEBHOOK_SECRET")
	c.Twilio.StreamURL = strings.TrimSpace(os.Getenv("TWILIO_STREAM_URL"))

	c.Provider.Kind = strings.ToLower(strings.TrimSpace(os.Getenv("PROVIDER_KIND")))
	c.Provider.AgentBaseURL = strings.TrimSpace(os.Getenv("AGENT_API_URL"))
	c.Provider.AgentAPIKey = os.Getenv("AGENT_API_KEY")
	c.Provider.WebhookSecret = os.Getenv("AGENT_WEBHOOK_SECRET")
	c.Provider.DefaultAgentID = strings.TrimSpace(os.Getenv("DEFAULT_AGENT_ID"))
	c.Provider.Timeout = mustDuration("PROVIDER_TIMEOUT")
	{
		ids, err := ParseCallerIDs(os.Getenv("CALLER_ID_POOL"))
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Provider.CallerIDs = ids
	}

	s := &c.Scheduler
	s.IdleWait = mustDuration("SCHEDULER_IDLE_WAIT")
	s.CapacityWait = mustDuration("SCHEDULER_CAPACITY_WAIT")
	s.OfficeHoursPoll = mustDuration("SCHEDULER_OFFICE_HOURS_POLL")
	s.MonitorInterval = mustDuration("SCHEDULER_MONITOR_INTERVAL")
	s.FailureBackoff = mustDuration("SCHEDULER_FAILURE_BACKOFF")
	s.RecheckDelay = mustDuration("SCHEDULER_RECHECK_DELAY")
	s.RecheckWindow = mustDuration("SCHEDULER_RECHECK_WINDOW")
	s.RetryDelay = mustDuration("SCHEDULER_RETRY_DELAY")
	s.LeaseTTL = mustDuration("SCHEDULER_LEASE_TTL")
	s.ActivationCron = strings.TrimSpace(os.Getenv("SCHEDULER_ACTIVATION_CRON"))
	for key, dst := range map[string]*int{
		"SCHEDULER_MAX_BATCH":          &s.MaxBatchSize,
		"SCHEDULER_FAILURE_THRESHOLD":  &s.FailureThreshold,
		"SCHEDULER_MAX_FAILURE_ROUNDS": &s.MaxFailureRounds,
		"DEFAULT_ORG_CONCURRENCY":      &s.DefaultOrgConcurrency,
		"MONITOR_MAX_STUCK_RESETS":     &c.Monitor.MaxStuckResets,
		"REDIS_DB":                     &c.Redis.DB,
		"INGEST_MAX_BIRTH_AGE":         &c.Ingest.MaxBirthAge,
		"INGEST_RESOLVE_CONCURRENCY":   &c.Ingest.ResolveConcurrency,
	} {
		n, err := optionalInt(key)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		*dst = n
	}

	c.Monitor.StaleAfter = mustDuration("MONITOR_STALE_AFTER")
	c.Monitor.MaxCallDuration = mustDuration("MONITOR_MAX_CALL_DURATION")
	c.Monitor.SweepCron = strings.TrimSpace(os.Getenv("MONITOR_SWEEP_CRON"))

	c.Metrics.DebounceWindow = mustDuration("METRICS_DEBOUNCE_WINDOW")

	{
		n, err := optionalInt("INGEST_MAX_UPLOAD_BYTES")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Ingest.MaxUploadBytes = int64(n)
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults for optional ones.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.Redis.DB))
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "dialer:"
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.validateProvider()...)

	if c.Scheduler.LeaseTTL <= 0 {
		c.Scheduler.LeaseTTL = 30 * time.Second
	}
	if c.Scheduler.ActivationCron == "" {
		c.Scheduler.ActivationCron = "@every 30s"
	}
	if c.Monitor.SweepCron == "" {
		c.Monitor.SweepCron = "@every 1m"
	}
	for key, spec := range map[string]string{
		"SCHEDULER_ACTIVATION_CRON": c.Scheduler.ActivationCron,
		"MONITOR_SWEEP_CRON":        c.Monitor.SweepCron,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s is not a valid cron spec %q: %v", key, spec, err))
		}
	}
	if c.Metrics.DebounceWindow <= 0 {
		c.Metrics.DebounceWindow = 500 * time.Millisecond
	}
	if c.Ingest.MaxUploadBytes <= 0 {
		c.Ingest.MaxUploadBytes = 32 << 20
	}
	if c.Ingest.MaxBirthAge < 0 {
		errs = append(errs, fmt.Errorf("INGEST_MAX_BIRTH_AGE must not be negative, got %d", c.Ingest.MaxBirthAge))
	}

	return joinErrors(errs)
}

func (c *Config) validateProvider() []error {
	var errs []error
	if c.Provider.Kind == "" {
		c.Provider.Kind = ProviderAgent
	}
	switch c.Provider.Kind {
	case ProviderAgent:
		if c.Provider.AgentBaseURL == "" {
			errs = append(errs, errors.New("AGENT_API_URL is required for the agent provider"))
		}
	case ProviderTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required for the twilio provider"))
		}
		if c.Twilio.StreamURL == "" {
			errs = append(errs, errors.New("TWILIO_STREAM_URL is required for the twilio provider"))
		}
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required for the twilio provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("PROVIDER_KIND must be one of agent, twilio, got %q", c.Provider.Kind))
	}
	if c.Provider.Timeout <= 0 {
		c.Provider.Timeout = 15 * time.Second
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ParseCallerIDs parses "num[:weight],num[:weight]". Weight defaults to 1.
func ParseCallerIDs(raw string) ([]CallerID, error) {
	var out []CallerID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		num, weight, hasWeight := strings.Cut(part, ":")
		id := CallerID{Number: strings.TrimSpace(num), Weight: 1}
		if hasWeight {
			w, err := strconv.Atoi(strings.TrimSpace(weight))
			if err != nil || w < 0 {
				return nil, fmt.Errorf("CALLER_ID_POOL entry %q has an invalid weight", part)
			}
			id.Weight = w
		}
		if id.Number == "" {
			return nil, fmt.Errorf("CALLER_ID_POOL entry %q has no number", part)
		}
		out = append(out, id)
	}
	return out, nil
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

// optionalInt returns 0 when key is unset; consumers apply their own defaults.
func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
