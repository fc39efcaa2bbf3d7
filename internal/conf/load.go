package conf

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vigilhome/vigil-agent/internal/errors"
)

// EnvPrefix prefixes every environment override, e.g. VIGIL_CACHE_GENERATION.
const EnvPrefix = "VIGIL"

// DefaultManifest is the application shell pre-fetched at install time.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/manifest.webmanifest",
	"/camera_demo.jpg",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("main.name", "vigil-agent")
	v.SetDefault("main.loglevel", "info")
	v.SetDefault("main.logjson", false)

	v.SetDefault("agent.listen", ":8080")
	v.SetDefault("agent.origin", "http://localhost:8080")
	v.SetDefault("agent.apiprefix", "/api")
	v.SetDefault("agent.installretry", "5s")
	v.SetDefault("agent.queuesize", 256)

	v.SetDefault("cache.generation", "vigil-pwa-v3")
	v.SetDefault("cache.manifest", DefaultManifest)
	v.SetDefault("cache.backend", "sqlite")
	v.SetDefault("cache.sqlite.path", "vigil-agent-cache.db")
	v.SetDefault("cache.redis.addr", "")
	v.SetDefault("cache.redis.prefix", "vigil:cache")
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("network.upstream", "http://localhost:5173")
	v.SetDefault("network.timeout", "0s")

	v.SetDefault("push.defaulttitle", "VIGIL Alert")
	v.SetDefault("push.icon", "/icons/icon-192.png")
	v.SetDefault("push.ratelimit", 60)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.topic", "vigil/push/#")
	v.SetDefault("mqtt.clientid", "vigil-agent")

	v.SetDefault("notify.ttl", (24 * time.Hour).String())
	v.SetDefault("notify.forward", []string{})

	v.SetDefault("telemetry.environment", "production")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// NewViper returns a viper instance with defaults, search paths and env binding.
// An empty configFile searches ".", $HOME/.config/vigil-agent and /etc/vigil-agent.
func NewViper(configFile string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "vigil-agent"))
		}
		v.AddConfigPath("/etc/vigil-agent")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configuration through v, validates it and installs it as the
// process-wide settings. A missing config file is not an error; defaults and
// environment variables still apply.
func Load(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, errors.New(err).
				Component("conf").
				Category(errors.CategoryConfig).
				Context("file", v.ConfigFileUsed()).
				Build()
		}
	}

	s, err := Decode(v)
	if err != nil {
		return nil, err
	}
	SetSettings(s)
	return s, nil
}

// Decode unmarshals and validates the settings held by v without touching the
// process-wide copy. Used for hot reloads.
func Decode(v *viper.Viper) (*Settings, error) {
	s := &Settings{}
	if err := v.Unmarshal(s, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfig).
			Context("operation", "unmarshal").
			Build()
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
