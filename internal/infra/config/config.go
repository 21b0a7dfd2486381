package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies one deployed node under test.
type NodeConfig struct {
	URL        string `yaml:"url"`
	AdminToken string `yaml:"admin_token"`
}

// NodesConfig holds the three-node topology the live validation runs against.
type NodesConfig struct {
	A NodeConfig `yaml:"a"`
	B NodeConfig `yaml:"b"`
	C NodeConfig `yaml:"c"`
}

// AuthConfig holds optional pre-provisioned user credentials. Empty guest
// tokens cause the run to register throwaway users on node A instead.
type AuthConfig struct {
	ActorToken  string `yaml:"actor_token"`  // defaults to node A's admin token
	Guest1Token string `yaml:"guest1_token"`
	Guest2Token string `yaml:"guest2_token"`
	Password    string `yaml:"password"` // password for registered throwaway users
}

// FederationConfig configures federation read auth and the signing identity
// used by the security negative probes. Either ReadToken or the full signer
// triple (origin, key id, seed) must be present.
type FederationConfig struct {
	ReadToken string `yaml:"read_token"`

	ReadOrigin    string `yaml:"read_origin"`
	ReadKeyID     string `yaml:"read_key_id"`
	SigningKeyHex string `yaml:"signing_key_hex"` // 32-byte seed, hex; may be "enc:..." (see security.Keystore)

	FreshnessWindow time.Duration `yaml:"freshness_window"` // verifier-contract window, informational for probes
}

// GatewayConfig holds realtime gateway session settings.
type GatewayConfig struct {
	Origin          string        `yaml:"origin"`           // Origin header sent on the websocket handshake
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`  // dial + HELLO deadline
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`    // IDENTIFY → READY deadline
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"` // default per-assertion wait
}

// HTTPConfig holds REST client settings.
type HTTPConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 disables pacing
	Burst             int           `yaml:"burst"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
	Output string `yaml:"output"` // stdout|stderr|<path>
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout|noop
}

// Config is the top-level validation run configuration.
type Config struct {
	Nodes      NodesConfig      `yaml:"nodes"`
	Auth       AuthConfig       `yaml:"auth"`
	Federation FederationConfig `yaml:"federation"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`

	// Schedule is an optional cron expression; when set, the validation suite
	// reruns on that schedule instead of exiting after one pass.
	Schedule string `yaml:"schedule"`

	InsecureTLS           bool `yaml:"insecure_tls"`
	SkipSecurityNegatives bool `yaml:"skip_security_negatives"`
}

// DefaultPassword matches the deployment tooling's seeded account password.
const DefaultPassword = "Paracord!Federation!123"

// Defaults returns a Config with production-sensible defaults applied.
func Defaults() *Config {
	return &Config{
		Auth: AuthConfig{
			Password: DefaultPassword,
		},
		Federation: FederationConfig{
			FreshnessWindow: 5 * time.Minute,
		},
		Gateway: GatewayConfig{
			Origin:          "http://localhost:1420",
			ConnectTimeout:  12 * time.Second,
			ReadyTimeout:    25 * time.Second,
			DispatchTimeout: 20 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout: 20 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and validates.
// A missing file is not an error; env vars alone can describe a run.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps PARAVAL_* env vars onto config fields. Tokens and the
// signing seed are the values most often injected via CI secrets.
func ApplyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.Nodes.A.URL, "PARAVAL_NODE_A_URL")
	set(&cfg.Nodes.B.URL, "PARAVAL_NODE_B_URL")
	set(&cfg.Nodes.C.URL, "PARAVAL_NODE_C_URL")
	set(&cfg.Nodes.A.AdminToken, "PARAVAL_ADMIN_A_TOKEN")
	set(&cfg.Nodes.B.AdminToken, "PARAVAL_ADMIN_B_TOKEN")
	set(&cfg.Nodes.C.AdminToken, "PARAVAL_ADMIN_C_TOKEN")
	set(&cfg.Auth.ActorToken, "PARAVAL_ACTOR_A_TOKEN")
	set(&cfg.Auth.Guest1Token, "PARAVAL_GUEST1_TOKEN")
	set(&cfg.Auth.Guest2Token, "PARAVAL_GUEST2_TOKEN")
	set(&cfg.Auth.Password, "PARAVAL_PASSWORD")
	set(&cfg.Federation.ReadToken, "PARAVAL_FEDERATION_READ_TOKEN")
	set(&cfg.Federation.ReadOrigin, "PARAVAL_READ_ORIGIN")
	set(&cfg.Federation.ReadKeyID, "PARAVAL_READ_KEY_ID")
	set(&cfg.Federation.SigningKeyHex, "PARAVAL_READ_SIGNING_KEY_HEX")
	set(&cfg.Gateway.Origin, "PARAVAL_GATEWAY_ORIGIN")
	set(&cfg.Logger.Level, "PARAVAL_LOG_LEVEL")
	set(&cfg.Schedule, "PARAVAL_SCHEDULE")
	if v := os.Getenv("PARAVAL_INSECURE_TLS"); v == "true" {
		cfg.InsecureTLS = true
	}
	if v := os.Getenv("PARAVAL_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
		if cfg.Tracer.Exporter == "" || cfg.Tracer.Exporter == "noop" {
			cfg.Tracer.Exporter = "stdout"
		}
	}
}
