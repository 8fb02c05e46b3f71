// Package config loads featsync settings from struct defaults, a YAML file
// and FEATSYNC_* environment variables, in that order of precedence.
package config

import (
	"path/filepath"
	"time"
)

type Config struct {
	Logging   LoggingConfig    `koanf:"logging"`
	HTTP      HTTPConfig       `koanf:"http"`
	Workers   WorkersConfig    `koanf:"workers"`
	Cache     CacheConfig      `koanf:"cache"`
	Metrics   MetricsConfig    `koanf:"metrics"`
	Notify    NotifyConfig     `koanf:"notify"`
	Auth      AuthConfig       `koanf:"auth"`
	Target    TargetConfig     `koanf:"target"`
	Change    ChangeConfig     `koanf:"change"`
	Edit      EditConfig       `koanf:"edit"`
	Resources []ResourceConfig `koanf:"resources" validate:"dive"`
	// FieldMapsFile points to the YAML field-mapping tables.
	FieldMapsFile string `koanf:"field_maps_file"`

	// Path is the file the configuration was read from, if any.
	Path string `koanf:"-"`
}

type LoggingConfig struct {
	Level string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `koanf:"json"`
}

type HTTPConfig struct {
	Timeout           time.Duration `koanf:"timeout" validate:"gte=0"`
	MaxAttempts       float64       `koanf:"max_attempts" validate:"gt=0"`
	MaxInFlight       int64         `koanf:"max_in_flight" validate:"gt=0"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"gte=0"`
	Burst             int           `koanf:"burst" validate:"gte=0"`
	CAFile            string        `koanf:"ca_file"`
	// Retry replaces the default read policy when set. Order is precedence.
	Retry   []RetryRule   `koanf:"retry" validate:"dive"`
	Breaker BreakerConfig `koanf:"breaker"`
}

// RetryRule matches a status ("503") or a class ("5xx"), or "transport"
// for connection-level failures.
type RetryRule struct {
	Status    string        `koanf:"status" validate:"required"`
	Sleep     time.Duration `koanf:"sleep" validate:"gte=0"`
	Increment float64       `koanf:"increment" validate:"gte=0"`
}

type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
}

type WorkersConfig struct {
	Size int `koanf:"size" validate:"gt=0"`
}

type CacheConfig struct {
	Root     string      `koanf:"root" validate:"required"`
	Metadata CachePolicy `koanf:"metadata"`
	Features CachePolicy `koanf:"features"`
}

// CachePolicy bounds one snapshot directory.
type CachePolicy struct {
	MaxAge   time.Duration `koanf:"max_age" validate:"gte=0"`
	MaxCount int           `koanf:"max_count" validate:"gte=0"`
	Purge    string        `koanf:"purge" validate:"omitempty,oneof=none any_expired oldest_while_over_count both"`
}

// Dir is <root>/<alias>/<kind>.
func (c CacheConfig) Dir(alias, kind string) string {
	return filepath.Join(c.Root, alias, kind)
}

type MetricsConfig struct {
	// Textfile is a node-exporter textfile path; empty disables export.
	Textfile string `koanf:"textfile"`
}

type NotifyConfig struct {
	Enabled    bool     `koanf:"enabled"`
	Level      string   `koanf:"level" validate:"omitempty,oneof=warning error critical"`
	Host       string   `koanf:"host" validate:"required_if=Enabled true"`
	Port       int      `koanf:"port" validate:"gte=0,lte=65535"`
	From       string   `koanf:"from" validate:"omitempty,email"`
	Username   string   `koanf:"username"`
	Recipients []string `koanf:"recipients" validate:"required_if=Enabled true,dive,email"`
}

type AuthConfig struct {
	// Mode is none, static or portal.
	Mode      string `koanf:"mode" validate:"oneof=none static portal"`
	PortalURL string `koanf:"portal_url" validate:"omitempty,url"`
	Referer   string `koanf:"referer" validate:"required_if=Mode portal"`
	Username  string `koanf:"username" validate:"required_if=Mode portal"`
	// SecretPrefix prefixes environment variables read by the secret store.
	SecretPrefix string `koanf:"secret_prefix"`
	// StaticTokenEnv names the variable holding a static token.
	StaticTokenEnv string `koanf:"static_token_env" validate:"required_if=Mode static"`
	TokenMinutes   int    `koanf:"token_minutes" validate:"gte=0"`
	CacheFile      string `koanf:"cache_file"`
}

// TargetConfig describes the layer every resource is merged into.
type TargetConfig struct {
	URL string `koanf:"url" validate:"omitempty,url"`
	// PartitionField holds the resource alias on every target record.
	PartitionField   string `koanf:"partition_field" validate:"required_with=URL"`
	ProcessedAtField string `koanf:"processed_at_field"`
	// Fields, when set, is the whitelist of attributes sent to the target.
	Fields []string `koanf:"fields"`
}

type ChangeConfig struct {
	// Strategy is key or fingerprint.
	Strategy string   `koanf:"strategy" validate:"oneof=key fingerprint"`
	Ignore   []string `koanf:"ignore"`
}

type EditConfig struct {
	DeleteBatchSize int           `koanf:"delete_batch_size" validate:"gt=0"`
	AddBatchSize    int           `koanf:"add_batch_size" validate:"gt=0"`
	SettleDelay     time.Duration `koanf:"settle_delay" validate:"gte=0"`
	Timeout         time.Duration `koanf:"timeout" validate:"gte=0"`
	Attempts        int           `koanf:"attempts" validate:"gt=0"`
	RetryDelay      time.Duration `koanf:"retry_delay" validate:"gte=0"`
}

type ResourceConfig struct {
	Alias     string              `koanf:"alias" validate:"required"`
	URL       string              `koanf:"url" validate:"required,url"`
	Where     string              `koanf:"where"`
	OutSR     int                 `koanf:"out_sr" validate:"gte=0"`
	OutFields []string            `koanf:"out_fields"`
	Spatial   []map[string]string `koanf:"spatial"`
	// Public resources are queried without a token.
	Public bool `koanf:"public"`
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		HTTP: HTTPConfig{
			Timeout:     60 * time.Second,
			MaxAttempts: 5,
			MaxInFlight: 15,
			Breaker:     BreakerConfig{FailureThreshold: 5, OpenTimeout: time.Minute},
		},
		Workers: WorkersConfig{Size: 4},
		Cache: CacheConfig{
			Metadata: CachePolicy{MaxAge: 24 * time.Hour, MaxCount: 10, Purge: "oldest_while_over_count"},
			Features: CachePolicy{MaxCount: 5, Purge: "oldest_while_over_count"},
		},
		Notify: NotifyConfig{Level: "error", Port: 587},
		Auth:   AuthConfig{Mode: "none", TokenMinutes: 60, SecretPrefix: "FEATSYNC_SECRET_"},
		Change: ChangeConfig{Strategy: "key"},
		Edit: EditConfig{
			DeleteBatchSize: 5000,
			AddBatchSize:    2500,
			SettleDelay:     2 * time.Second,
			Timeout:         120 * time.Second,
			Attempts:        2,
			RetryDelay:      30 * time.Second,
		},
	}
}
