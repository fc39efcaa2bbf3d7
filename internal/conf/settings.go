// Package conf holds the agent's configuration model and its viper-based loader.
package conf

import (
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/vigilhome/vigil-agent/internal/errors"
)

// Settings is the complete agent configuration.
type Settings struct {
	Main      MainSettings      `mapstructure:"main" yaml:"main" json:"main"`
	Agent     AgentSettings     `mapstructure:"agent" yaml:"agent" json:"agent"`
	Cache     CacheSettings     `mapstructure:"cache" yaml:"cache" json:"cache"`
	Network   NetworkSettings   `mapstructure:"network" yaml:"network" json:"network"`
	Push      PushSettings      `mapstructure:"push" yaml:"push" json:"push"`
	MQTT      MQTTSettings      `mapstructure:"mqtt" yaml:"mqtt" json:"mqtt"`
	Notify    NotifySettings    `mapstructure:"notify" yaml:"notify" json:"notify"`
	Telemetry TelemetrySettings `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`
	Metrics   MetricsSettings   `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
}

// MainSettings holds process-level options.
type MainSettings struct {
	Name     string `mapstructure:"name" yaml:"name" json:"name"`
	LogLevel string `mapstructure:"loglevel" yaml:"loglevel" json:"logLevel"`
	LogJSON  bool   `mapstructure:"logjson" yaml:"logjson" json:"logJson"`
}

// AgentSettings describes where the agent listens and which origin it governs.
type AgentSettings struct {
	Listen string `mapstructure:"listen" yaml:"listen" json:"listen"`
	// Origin is the public origin pages are loaded from, e.g. "http://vigil.local:8080".
	Origin string `mapstructure:"origin" yaml:"origin" json:"origin"`
	// APIPrefix is never intercepted; requests under it go straight to the network.
	APIPrefix string `mapstructure:"apiprefix" yaml:"apiprefix" json:"apiPrefix"`
	// InstallRetry is the minimum pause between failed install attempts.
	InstallRetry Duration `mapstructure:"installretry" yaml:"installretry" json:"installRetry"`
	// QueueSize bounds the asynchronous event queue.
	QueueSize int `mapstructure:"queuesize" yaml:"queuesize" json:"queueSize"`
}

// CacheSettings configures the generation store.
type CacheSettings struct {
	Generation string   `mapstructure:"generation" yaml:"generation" json:"generation"`
	Manifest   []string `mapstructure:"manifest" yaml:"manifest" json:"manifest"`
	// Backend is one of "memory", "sqlite", "mysql" or "redis".
	Backend string         `mapstructure:"backend" yaml:"backend" json:"backend"`
	SQLite  SQLiteSettings `mapstructure:"sqlite" yaml:"sqlite" json:"sqlite"`
	MySQL   MySQLSettings  `mapstructure:"mysql" yaml:"mysql" json:"mysql"`
	Redis   RedisSettings  `mapstructure:"redis" yaml:"redis" json:"redis"`
}

// SQLiteSettings configures the sqlite cache backend.
type SQLiteSettings struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// MySQLSettings configures the mysql cache backend.
type MySQLSettings struct {
	DSN string `mapstructure:"dsn" yaml:"dsn" json:"-"`
}

// RedisSettings configures the redis cache backend.
type RedisSettings struct {
	Addr     string   `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string   `mapstructure:"password" yaml:"password" json:"-"`
	DB       int      `mapstructure:"db" yaml:"db" json:"db"`
	Prefix   string   `mapstructure:"prefix" yaml:"prefix" json:"prefix"`
	Timeout  Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// NetworkSettings configures the upstream the agent treats as "the network".
type NetworkSettings struct {
	Upstream string `mapstructure:"upstream" yaml:"upstream" json:"upstream"`
	// Timeout of zero leaves timing to the transport.
	Timeout Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// PushSettings configures notification rendering and the push webhook.
type PushSettings struct {
	DefaultTitle string `mapstructure:"defaulttitle" yaml:"defaulttitle" json:"defaultTitle"`
	Icon         string `mapstructure:"icon" yaml:"icon" json:"icon"`
	// RateLimit is the number of webhook pushes accepted per minute per client IP.
	RateLimit int `mapstructure:"ratelimit" yaml:"ratelimit" json:"rateLimit"`
}

// MQTTSettings configures the optional MQTT push ingress.
type MQTTSettings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Broker   string `mapstructure:"broker" yaml:"broker" json:"broker"`
	Topic    string `mapstructure:"topic" yaml:"topic" json:"topic"`
	ClientID string `mapstructure:"clientid" yaml:"clientid" json:"clientId"`
	Username string `mapstructure:"username" yaml:"username" json:"username"`
	Password string `mapstructure:"password" yaml:"password" json:"-"`
}

// NotifySettings configures the live notification registry and forwarding.
type NotifySettings struct {
	TTL Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	// Forward lists shoutrrr service URLs every shown notification is copied to.
	Forward []string `mapstructure:"forward" yaml:"forward" json:"-"`
}

// TelemetrySettings configures error reporting.
type TelemetrySettings struct {
	SentryDSN   string `mapstructure:"sentrydsn" yaml:"sentrydsn" json:"-"`
	Environment string `mapstructure:"environment" yaml:"environment" json:"environment"`
}

// MetricsSettings configures the prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

var validBackends = []string{"memory", "sqlite", "mysql", "redis"}

// Validate checks the settings for values the agent cannot run with.
func (s *Settings) Validate() error {
	var errs []error

	if err := validateOrigin("agent.origin", s.Agent.Origin); err != nil {
		errs = append(errs, err)
	}
	if err := validateOrigin("network.upstream", s.Network.Upstream); err != nil {
		errs = append(errs, err)
	}
	if strings.TrimSpace(s.Cache.Generation) == "" {
		errs = append(errs, configError("cache.generation", "must not be empty"))
	}
	if len(s.Cache.Manifest) == 0 {
		errs = append(errs, configError("cache.manifest", "must list at least one locator"))
	}
	for _, loc := range s.Cache.Manifest {
		if !strings.HasPrefix(loc, "/") {
			errs = append(errs, configError("cache.manifest", "locator "+loc+" must be an absolute path"))
		}
	}
	if !slices.Contains(validBackends, s.Cache.Backend) {
		errs = append(errs, configError("cache.backend", "must be one of "+strings.Join(validBackends, ", ")))
	}
	if s.Cache.Backend == "mysql" && s.Cache.MySQL.DSN == "" {
		errs = append(errs, configError("cache.mysql.dsn", "required for mysql backend"))
	}
	if s.Cache.Backend == "redis" && s.Cache.Redis.Addr == "" {
		errs = append(errs, configError("cache.redis.addr", "required for redis backend"))
	}
	if !strings.HasPrefix(s.Agent.APIPrefix, "/") {
		errs = append(errs, configError("agent.apiprefix", "must start with /"))
	}
	if s.MQTT.Enabled && s.MQTT.Broker == "" {
		errs = append(errs, configError("mqtt.broker", "required when mqtt is enabled"))
	}

	return errors.Join(errs...)
}

func validateOrigin(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return configError(key, err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return configError(key, "scheme must be http or https")
	}
	if u.Host == "" {
		return configError(key, "host is required")
	}
	return nil
}

func configError(key, msg string) error {
	return errors.Newf("invalid %s: %s", key, msg).
		Component("conf").
		Category(errors.CategoryConfig).
		Context("key", key).
		Build()
}

var (
	settingsMu sync.RWMutex
	settings   *Settings
)

// SetSettings installs the process-wide settings.
func SetSettings(s *Settings) {
	settingsMu.Lock()
	defer settingsMu.Unlock()
	settings = s
}

// GetSettings returns the process-wide settings, or nil before Load.
func GetSettings() *Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings
}
