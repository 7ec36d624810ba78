package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

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

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Bus         BusConfig       `yaml:"bus"`
	Node        NodeConfig      `yaml:"node"`
	Gate        GateConfig      `yaml:"gate"`
	Engine      EngineConfig    `yaml:"engine"`
	Store       StoreConfig     `yaml:"store"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	Role              string `yaml:"role"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

// GateConfig carries the wake/sleep gating parameters.
type GateConfig struct {
	WakePhrase     string `yaml:"wake_phrase"`
	SleepPhrase    string `yaml:"sleep_phrase"`
	Locale         string `yaml:"locale"`
	Continuous     bool   `yaml:"continuous"`
	InterimResults bool   `yaml:"interim_results"`
	RestartDelayMS int    `yaml:"restart_delay_ms"`
}

// EngineConfig selects and configures the recognition engine backend.
type EngineConfig struct {
	Kind           string `yaml:"kind"` // mock, exec, relay
	Command        string `yaml:"command"`
	RelayURL       string `yaml:"relay_url"`
	AuthToken      string `yaml:"auth_token"`
	ConnectTimeout int    `yaml:"connect_timeout_ms"`
}

type StoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "earshot-runtime",
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
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "earshot-node-1",
			Role:              "gate",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Gate: GateConfig{
			WakePhrase:     "hi",
			SleepPhrase:    "bye",
			Locale:         "en-US",
			Continuous:     true,
			InterimResults: true,
			RestartDelayMS: 250,
		},
		Engine: EngineConfig{
			Kind:           "mock",
			ConnectTimeout: 5000,
		},
		Store: StoreConfig{
			Path:          "./data/earshot-transcripts.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
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

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "EARSHOT_RUNTIME_NAME")
	overrideString(&cfg.Environment, "EARSHOT_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "EARSHOT_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "EARSHOT_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "EARSHOT_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "EARSHOT_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "EARSHOT_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "EARSHOT_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "EARSHOT_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "EARSHOT_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "EARSHOT_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "EARSHOT_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "EARSHOT_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "EARSHOT_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "EARSHOT_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "EARSHOT_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "EARSHOT_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "EARSHOT_NODE_ID")
	overrideString(&cfg.Node.Role, "EARSHOT_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "EARSHOT_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "EARSHOT_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.Gate.WakePhrase, "EARSHOT_GATE_WAKE_PHRASE")
	overrideString(&cfg.Gate.SleepPhrase, "EARSHOT_GATE_SLEEP_PHRASE")
	overrideString(&cfg.Gate.Locale, "EARSHOT_GATE_LOCALE")
	overrideBool(&cfg.Gate.Continuous, "EARSHOT_GATE_CONTINUOUS")
	overrideBool(&cfg.Gate.InterimResults, "EARSHOT_GATE_INTERIM_RESULTS")
	overrideInt(&cfg.Gate.RestartDelayMS, "EARSHOT_GATE_RESTART_DELAY_MS")
	overrideString(&cfg.Engine.Kind, "EARSHOT_ENGINE_KIND")
	overrideString(&cfg.Engine.Command, "EARSHOT_ENGINE_COMMAND")
	overrideString(&cfg.Engine.RelayURL, "EARSHOT_ENGINE_RELAY_URL")
	overrideString(&cfg.Engine.AuthToken, "EARSHOT_ENGINE_AUTH_TOKEN")
	overrideInt(&cfg.Engine.ConnectTimeout, "EARSHOT_ENGINE_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Store.Path, "EARSHOT_STORE_PATH")
	overrideString(&cfg.Store.RetentionMode, "EARSHOT_STORE_RETENTION_MODE")
	overrideInt(&cfg.Store.RetentionDays, "EARSHOT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.Store.MaxSessions, "EARSHOT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.Store.VacuumOnStart, "EARSHOT_STORE_VACUUM_ON_START")
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
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	wake := strings.ToLower(strings.TrimSpace(cfg.Gate.WakePhrase))
	sleep := strings.ToLower(strings.TrimSpace(cfg.Gate.SleepPhrase))
	if wake == "" {
		return errors.New("gate.wake_phrase must not be empty")
	}
	if sleep == "" {
		return errors.New("gate.sleep_phrase must not be empty")
	}
	if wake == sleep {
		return errors.New("gate.wake_phrase and gate.sleep_phrase must be distinct")
	}
	if cfg.Gate.RestartDelayMS <= 0 {
		return errors.New("gate.restart_delay_ms must be positive")
	}
	switch cfg.Engine.Kind {
	case "mock", "exec", "relay":
	default:
		return errors.New("engine.kind must be one of mock|exec|relay")
	}
	if cfg.Engine.Kind == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when kind=exec")
	}
	if cfg.Engine.Kind == "relay" && cfg.Engine.RelayURL == "" {
		return errors.New("engine.relay_url must be set when kind=relay")
	}
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	switch cfg.Store.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Store.RetentionDays < 0 {
		return errors.New("store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
