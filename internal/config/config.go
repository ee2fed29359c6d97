// Package config loads the relay's typed configuration from flags,
// YRELAY_*-prefixed environment variables, and an optional config file,
// producing a single immutable Config value constructed once in main and
// passed down — no global mutable configuration state.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// StorageMode selects whether persistence is disabled, object-store-only,
// or broker-plus-object with checkpointed replay.
type StorageMode string

const (
	StorageNone           StorageMode = "none"
	StorageObject         StorageMode = "object"
	StorageBrokerObject   StorageMode = "broker+object"
	defaultSnapshotIntrvl             = 30
)

// Broker holds the broker connection surface.
type Broker struct {
	URL         string
	Token       string
	Tenant      string
	Namespace   string
	TopicPrefix string
}

// Store holds the object-store connection surface.
type Store struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
}

// Config is the full, validated, immutable configuration value.
type Config struct {
	Port             int
	Broker           Broker
	StorageMode      StorageMode
	SnapshotInterval int
	Store            Store

	LogLevel        string
	LogFormat       string // "json" | "console"
	ShutdownTimeout time.Duration
}

// BindFlags registers every configuration flag on fs. Call once against
// the root command's persistent flags.
func BindFlags(fs *pflag.FlagSet) {
	fs.Int("port", 8080, "listen port")
	fs.String("broker.url", "pulsar://localhost:6650", "broker connection url")
	fs.String("broker.token", "", "broker auth token")
	fs.String("broker.tenant", "public", "broker tenant")
	fs.String("broker.namespace", "default", "broker namespace")
	fs.String("broker.topic-prefix", "yrelay-doc-", "broker topic name prefix")
	fs.String("storage.mode", string(StorageBrokerObject), "none | object | broker+object")
	fs.Int("snapshot-interval", defaultSnapshotIntrvl, "messages folded between snapshots")
	fs.String("store.endpoint", "", "S3-compatible endpoint (empty for AWS)")
	fs.String("store.bucket", "", "snapshot bucket name")
	fs.String("store.access-key", "", "snapshot store access key")
	fs.String("store.secret-key", "", "snapshot store secret key")
	fs.String("store.region", "us-east-1", "snapshot store region")
	fs.String("log-level", "info", "debug | info | warn | error")
	fs.String("log-format", "json", "json | console")
	fs.Duration("shutdown-timeout", 30*time.Second, "graceful shutdown cap")
}

// Load reads flags (already parsed into fs) plus YRELAY_*-prefixed
// environment variables and an optional config file into a Config value.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("yrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetConfigName("yrelay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/yrelay")
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("config: bind flags: %w", err)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := Config{
		Port: v.GetInt("port"),
		Broker: Broker{
			URL:         v.GetString("broker.url"),
			Token:       v.GetString("broker.token"),
			Tenant:      v.GetString("broker.tenant"),
			Namespace:   v.GetString("broker.namespace"),
			TopicPrefix: v.GetString("broker.topic-prefix"),
		},
		StorageMode:      StorageMode(v.GetString("storage.mode")),
		SnapshotInterval: v.GetInt("snapshot-interval"),
		Store: Store{
			Endpoint:  v.GetString("store.endpoint"),
			Bucket:    v.GetString("store.bucket"),
			AccessKey: v.GetString("store.access-key"),
			SecretKey: v.GetString("store.secret-key"),
			Region:    v.GetString("store.region"),
		},
		LogLevel:        v.GetString("log-level"),
		LogFormat:       v.GetString("log-format"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration surface for internal consistency.
func (c Config) Validate() error {
	switch c.StorageMode {
	case StorageNone, StorageObject, StorageBrokerObject:
	default:
		return fmt.Errorf("config: invalid storage.mode %q", c.StorageMode)
	}
	if c.StorageMode != StorageNone && c.Store.Bucket == "" {
		return fmt.Errorf("config: store.bucket is required for storage.mode %q", c.StorageMode)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("config: snapshot-interval must be positive")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	return nil
}
