package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type BridgeConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// EngineConfig is the per-engine credential bundle as persisted in yaml.
// Extra carries provider-specific fields such as app ids and cluster
// names; the local engine's command line is its credential.
type EngineConfig struct {
	Credential string            `yaml:"credential"`
	Voice      string            `yaml:"voice"`
	Extra      map[string]string `yaml:"extra"`
}

// Snapshot converts the yaml bundle into the read-only form the
// synthesis core consumes.
func (e EngineConfig) Snapshot() engine.Config {
	return engine.Config{
		Credential: e.Credential,
		Voice:      e.Voice,
		Extra:      e.Extra,
	}
}

type Config struct {
	RuntimeName    string                  `yaml:"runtime_name"`
	Environment    string                  `yaml:"environment"`
	HTTP           HTTPConfig              `yaml:"http"`
	Telemetry      TelemetryConfig         `yaml:"telemetry"`
	Bus            BusConfig               `yaml:"bus"`
	Store          StoreConfig             `yaml:"store"`
	Bridge         BridgeConfig            `yaml:"bridge"`
	SelectedEngine string                  `yaml:"selected_engine"`
	Engines        map[string]EngineConfig `yaml:"engines"`
}

func Default() Config {
	return Config{
		RuntimeName: "talkify-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Store: StoreConfig{
			Path: "./data/talkify-prefs.db",
		},
		Bridge: BridgeConfig{
			TimeoutSeconds: 300,
		},
		SelectedEngine: string(engine.Doubao),
		Engines:        map[string]EngineConfig{},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EngineSnapshot returns the stored config for an engine id; the zero
// value when the engine was never configured.
func (c Config) EngineSnapshot(id engine.ID) (engine.Config, bool) {
	ec, ok := c.Engines[string(id)]
	if !ok {
		return engine.Config{}, false
	}
	return ec.Snapshot(), true
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "TALKIFY_RUNTIME_NAME")
	overrideString(&cfg.Environment, "TALKIFY_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "TALKIFY_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "TALKIFY_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "TALKIFY_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "TALKIFY_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "TALKIFY_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "TALKIFY_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "TALKIFY_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "TALKIFY_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "TALKIFY_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "TALKIFY_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "TALKIFY_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "TALKIFY_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "TALKIFY_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "TALKIFY_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "TALKIFY_STORE_PATH")
	overrideInt(&cfg.Bridge.TimeoutSeconds, "TALKIFY_BRIDGE_TIMEOUT_SECONDS")
	overrideString(&cfg.SelectedEngine, "TALKIFY_SELECTED_ENGINE")

	// Credentials may arrive via environment so they never have to live
	// in the yaml file.
	for _, id := range engine.KnownIDs() {
		key := "TALKIFY_ENGINE_" + strings.ToUpper(string(id)) + "_CREDENTIAL"
		value, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if cfg.Engines == nil {
			cfg.Engines = map[string]EngineConfig{}
		}
		ec := cfg.Engines[string(id)]
		ec.Credential = value
		cfg.Engines[string(id)] = ec
	}
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Bridge.TimeoutSeconds <= 0 {
		return errors.New("bridge.timeout_seconds must be positive")
	}
	if cfg.SelectedEngine == "" {
		return errors.New("selected_engine must not be empty")
	}
	if !engine.ValidID(engine.ID(cfg.SelectedEngine)) {
		return fmt.Errorf("selected_engine %q is not a known engine", cfg.SelectedEngine)
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
