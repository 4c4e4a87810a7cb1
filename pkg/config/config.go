// Package config loads the export puller configuration from environment
// variables (prefix EXPORT_PULLER_), flags bound by the caller, and code
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "EXPORT_PULLER"

// overridePrefix starts the environment variables that fan a subtype out
// to explicit cursor indexes, e.g. ITERATOR_EVENT_AUDIT=idx_a,idx_b.
const overridePrefix = "ITERATOR_"

// Configuration keys.
const (
	KeyTenant                = "tenant"
	KeyDataType              = "data_type"
	KeySubtypes              = "subtypes"
	KeyMode                  = "mode"
	KeyStart                 = "start"
	KeyEnd                   = "end"
	KeyPrefix                = "cursor_prefix"
	KeyQueueSize             = "queue_size"
	KeyDefaultWait           = "default_wait"
	KeyMaintenanceWindow     = "maintenance_window"
	KeyBackpressureWait      = "backpressure_wait"
	KeyBackpressureThreshold = "backpressure_threshold"
	KeyBackpressureKey       = "backpressure_key"
	KeyPollInterval          = "cursor_poll_interval"
	KeyPullRetries           = "pull_retries"
	KeyConflictRetries       = "conflict_retries"
	KeyCompressHistorical    = "compress_historical"
	KeySnapshotStaleness     = "snapshot_staleness"
	KeyRedisAddr             = "redis_addr"
	KeyRedisDB               = "redis_db"
	KeyKafkaBrokers          = "kafka_brokers"
	KeyKafkaTopic            = "kafka_topic"
	KeyKafkaBatchSize        = "kafka_batch_size"
	KeyKafkaBalancer         = "kafka_balancer"
	KeyUserAgent             = "user_agent"
	KeyInstallationID        = "installation_id"
	KeyRequestTimeout        = "request_timeout"
	KeyMetricsAddr           = "metrics_addr"
	KeyLogLevel              = "log_level"
	KeyLogPretty             = "log_pretty"
)

// Config is the validated runtime configuration.
type Config struct {
	Tenant   string   `validate:"required"`
	DataType string   `validate:"oneof=alert event"`
	Subtypes []string `validate:"min=1,dive,required"`
	Mode     string   `validate:"oneof=maintenance historical"`

	// Start and End bound historical pulling.
	Start time.Time
	End   time.Time

	Puller  PullerConfig
	Redis   RedisConfig
	Kafka   KafkaConfig
	HTTP    HTTPConfig
	Log     LogConfig
	Metrics MetricsConfig

	// Overrides maps lowercase iterator_<type>_<subtype> keys to cursor indexes.
	Overrides map[string][]string
}

// PullerConfig tunes the pull engine.
type PullerConfig struct {
	Prefix                string        `validate:"required"`
	QueueSize             int           `validate:"min=1"`
	DefaultWait           time.Duration `validate:"gt=0"`
	MaintenanceWindow     time.Duration `validate:"gt=0"`
	BackpressureWait      time.Duration `validate:"gt=0"`
	BackpressureThreshold int64         `validate:"min=0"`
	BackpressureKey       string
	PollInterval          time.Duration `validate:"gt=0"`
	PullRetries           int           `validate:"min=1"`
	ConflictRetries       int           `validate:"min=1"`
	CompressHistorical    bool
	SnapshotStaleness     time.Duration `validate:"gt=0"`
}

// RedisConfig locates the tenant registry and shared state.
type RedisConfig struct {
	Addr string `validate:"required"`
	DB   int    `validate:"min=0,max=15"`
}

// KafkaConfig configures the sink. An empty broker list disables it.
type KafkaConfig struct {
	Brokers   []string `validate:"dive,hostname_port"`
	Topic     string   `validate:"required_with=Brokers"`
	BatchSize int      `validate:"min=1"`
	Balancer  string   `validate:"omitempty,oneof=hash roundrobin"`
}

// HTTPConfig configures the tenant API client.
type HTTPConfig struct {
	UserAgent      string        `validate:"required"`
	InstallationID string        `validate:"omitempty,uuid"`
	Timeout        time.Duration `validate:"gt=0"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `validate:"omitempty,oneof=debug info warn warning error"`
	Pretty bool
}

// MetricsConfig configures the Prometheus endpoint. Empty disables it.
type MetricsConfig struct {
	Addr string
}

// New returns a viper instance with defaults and environment binding.
// Callers may bind flags onto it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDataType, "event")
	v.SetDefault(KeyMode, "maintenance")
	v.SetDefault(KeyPrefix, "netskope_ce")
	v.SetDefault(KeyQueueSize, 10)
	v.SetDefault(KeyDefaultWait, 30*time.Second)
	v.SetDefault(KeyMaintenanceWindow, time.Hour)
	v.SetDefault(KeyBackpressureWait, 300*time.Second)
	v.SetDefault(KeyBackpressureThreshold, 0)
	v.SetDefault(KeyBackpressureKey, "")
	v.SetDefault(KeyPollInterval, 10*time.Second)
	v.SetDefault(KeyPullRetries, 3)
	v.SetDefault(KeyConflictRetries, 4)
	v.SetDefault(KeyCompressHistorical, false)
	v.SetDefault(KeySnapshotStaleness, 5*time.Second)
	v.SetDefault(KeyRedisAddr, "localhost:6379")
	v.SetDefault(KeyRedisDB, 0)
	v.SetDefault(KeyKafkaBatchSize, 10)
	v.SetDefault(KeyKafkaBalancer, "hash")
	v.SetDefault(KeyUserAgent, "netskope-ce")
	v.SetDefault(KeyRequestTimeout, 120*time.Second)
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogPretty, false)

	return v
}

// Load reads the process environment.
func Load(v *viper.Viper) (Config, error) {
	return LoadFrom(v, os.Environ())
}

// LoadFrom builds and validates a Config. environ supplies the
// ITERATOR_* overrides.
func LoadFrom(v *viper.Viper, environ []string) (Config, error) {
	cfg := Config{
		Tenant:   strings.TrimSpace(v.GetString(KeyTenant)),
		DataType: strings.ToLower(strings.TrimSpace(v.GetString(KeyDataType))),
		Subtypes: stringList(v.Get(KeySubtypes)),
		Mode:     strings.ToLower(strings.TrimSpace(v.GetString(KeyMode))),
		Puller: PullerConfig{
			Prefix:                strings.TrimSpace(v.GetString(KeyPrefix)),
			QueueSize:             v.GetInt(KeyQueueSize),
			DefaultWait:           v.GetDuration(KeyDefaultWait),
			MaintenanceWindow:     v.GetDuration(KeyMaintenanceWindow),
			BackpressureWait:      v.GetDuration(KeyBackpressureWait),
			BackpressureThreshold: v.GetInt64(KeyBackpressureThreshold),
			BackpressureKey:       strings.TrimSpace(v.GetString(KeyBackpressureKey)),
			PollInterval:          v.GetDuration(KeyPollInterval),
			PullRetries:           v.GetInt(KeyPullRetries),
			ConflictRetries:       v.GetInt(KeyConflictRetries),
			CompressHistorical:    v.GetBool(KeyCompressHistorical),
			SnapshotStaleness:     v.GetDuration(KeySnapshotStaleness),
		},
		Redis: RedisConfig{
			Addr: strings.TrimSpace(v.GetString(KeyRedisAddr)),
			DB:   v.GetInt(KeyRedisDB),
		},
		Kafka: KafkaConfig{
			Brokers:   stringList(v.Get(KeyKafkaBrokers)),
			Topic:     strings.TrimSpace(v.GetString(KeyKafkaTopic)),
			BatchSize: v.GetInt(KeyKafkaBatchSize),
			Balancer:  strings.ToLower(strings.TrimSpace(v.GetString(KeyKafkaBalancer))),
		},
		HTTP: HTTPConfig{
			UserAgent:      strings.TrimSpace(v.GetString(KeyUserAgent)),
			InstallationID: strings.TrimSpace(v.GetString(KeyInstallationID)),
			Timeout:        v.GetDuration(KeyRequestTimeout),
		},
		Log: LogConfig{
			Level:  strings.ToLower(strings.TrimSpace(v.GetString(KeyLogLevel))),
			Pretty: v.GetBool(KeyLogPretty),
		},
		Metrics: MetricsConfig{
			Addr: strings.TrimSpace(v.GetString(KeyMetricsAddr)),
		},
		Overrides: IteratorOverrides(environ),
	}

	var err error
	if cfg.Start, err = parseTime(v.GetString(KeyStart)); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", KeyStart, err)
	}
	if cfg.End, err = parseTime(v.GetString(KeyEnd)); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", KeyEnd, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, e := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", e.Namespace(), e.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Mode == "historical" {
		if c.Start.IsZero() || c.End.IsZero() {
			return fmt.Errorf("invalid configuration: historical pulling requires %s and %s", KeyStart, KeyEnd)
		}
		if !c.Start.Before(c.End) {
			return fmt.Errorf("invalid configuration: %s must be before %s", KeyStart, KeyEnd)
		}
	}
	if c.Puller.BackpressureThreshold > 0 && c.Puller.BackpressureKey == "" {
		return fmt.Errorf("invalid configuration: %s requires %s", KeyBackpressureThreshold, KeyBackpressureKey)
	}
	return nil
}

// IteratorOverrides collects ITERATOR_<TYPE>_<SUBTYPE>=a,b variables into
// lowercase keys matching cursor.OverrideKey.
func IteratorOverrides(environ []string) map[string][]string {
	out := make(map[string][]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(strings.ToUpper(key), overridePrefix) {
			continue
		}
		indexes := splitList(value)
		if len(indexes) == 0 {
			continue
		}
		out[strings.ToLower(key)] = indexes
	}
	return out
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// stringList accepts a comma-separated string or a list.
func stringList(v any) []string {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return splitList(x)
	case []string:
		return splitList(strings.Join(x, ","))
	case []any:
		parts := make([]string, 0, len(x))
		for _, p := range x {
			parts = append(parts, fmt.Sprint(p))
		}
		return splitList(strings.Join(parts, ","))
	default:
		return splitList(fmt.Sprint(x))
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// OverrideKeys returns the configured override keys, sorted.
func (c Config) OverrideKeys() []string {
	keys := make([]string, 0, len(c.Overrides))
	for k := range c.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
