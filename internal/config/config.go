// Package config loads the runtime configuration from file, environment
// and overrides, tracking the source of every value for diagnostics.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"vigil/internal/logging"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// SMTPSettings configures the email adapter.
type SMTPSettings struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// SocialSettings configures the social bridge adapter.
type SocialSettings struct {
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
}

// TracingSettings configures the optional OTLP trace export.
type TracingSettings struct {
	Enabled      bool    `mapstructure:"enabled"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// ServerSettings configures the HTTP surface.
type ServerSettings struct {
	Addr            string `mapstructure:"addr"`
	MetricsEnabled  bool   `mapstructure:"metrics_enabled"`
	RateLimitPerMin int    `mapstructure:"rate_limit_per_min"`
}

// Runtime is the assembled configuration for one process.
type Runtime struct {
	DataDir       string          `mapstructure:"data_dir"`
	PolicyPath    string          `mapstructure:"policy_path"`
	TemplatesDir  string          `mapstructure:"templates_dir"`
	SiteOutputDir string          `mapstructure:"site_output_dir"`
	MirrorDir     string          `mapstructure:"mirror_dir"`
	ArchiveDir    string          `mapstructure:"archive_dir"`
	MockMode      bool            `mapstructure:"mock_mode"`
	TickSchedule  string          `mapstructure:"tick_schedule"`
	RenewalTTL    time.Duration   `mapstructure:"renewal_ttl"`
	RenewalSecret string          `mapstructure:"renewal_secret"`
	ReleaseSecret string          `mapstructure:"release_secret"`
	SMTP          SMTPSettings    `mapstructure:"smtp"`
	Social        SocialSettings  `mapstructure:"social"`
	Tracing       TracingSettings `mapstructure:"tracing"`
	Server        ServerSettings  `mapstructure:"server"`

	sources map[string]ValueSource
}

// StatePath returns the state document location inside the data dir.
func (r *Runtime) StatePath() string { return filepath.Join(r.DataDir, "state.json") }

// LedgerPath returns the audit ledger location inside the data dir.
func (r *Runtime) LedgerPath() string { return filepath.Join(r.DataDir, "ledger.jsonl") }

// Source reports where a top-level field's value came from.
func (r *Runtime) Source(key string) ValueSource {
	if r.sources == nil {
		return SourceDefault
	}
	if s, ok := r.sources[key]; ok {
		return s
	}
	return SourceDefault
}

// Load assembles the runtime configuration. Precedence, lowest to
// highest: defaults, config file, VIGIL_* environment, overrides.
func Load(configPath string, overrides map[string]any) (*Runtime, error) {
	logger := logging.NewComponentLogger("Config")
	v := viper.New()

	home, _ := os.UserHomeDir()
	defaultData := filepath.Join(home, ".vigil")

	v.SetDefault("data_dir", defaultData)
	v.SetDefault("policy_path", filepath.Join(defaultData, "policy.yaml"))
	v.SetDefault("templates_dir", filepath.Join(defaultData, "templates"))
	v.SetDefault("site_output_dir", filepath.Join(defaultData, "site"))
	v.SetDefault("mirror_dir", "")
	v.SetDefault("archive_dir", filepath.Join(defaultData, "archive"))
	v.SetDefault("mock_mode", false)
	v.SetDefault("tick_schedule", "* * * * *")
	v.SetDefault("renewal_ttl", "72h")
	v.SetDefault("server.addr", ":8420")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.rate_limit_per_min", 10)

	// Keys without a file value must still be declared so the VIGIL_*
	// environment binding reaches Unmarshal.
	v.SetDefault("renewal_secret", "")
	v.SetDefault("release_secret", "")
	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("social.endpoint", "")
	v.SetDefault("social.token", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.otlp_endpoint", "")
	v.SetDefault("tracing.sample_rate", 1.0)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultData)
	}

	v.SetEnvPrefix("VIGIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileUsed := false
	if err := v.ReadInConfig(); err != nil {
		// An explicitly named file must exist and parse; the default
		// search path is allowed to come up empty.
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		logger.Debug("No config file found, using defaults")
	} else {
		fileUsed = true
		logger.Info("Loaded config file %s", v.ConfigFileUsed())
	}

	for key, value := range overrides {
		v.Set(key, value)
	}

	var rt Runtime
	if err := v.Unmarshal(&rt); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	rt.sources = map[string]ValueSource{}
	for _, key := range v.AllKeys() {
		switch {
		case overrides != nil && hasKey(overrides, key):
			rt.sources[key] = SourceOverride
		case os.Getenv("VIGIL_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "":
			rt.sources[key] = SourceEnv
		case fileUsed && v.InConfig(key):
			rt.sources[key] = SourceFile
		default:
			rt.sources[key] = SourceDefault
		}
	}

	return &rt, nil
}

func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}
