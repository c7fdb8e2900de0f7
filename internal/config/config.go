package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied before config.toml and the environment are read.
const (
	DefaultWSPath     = "/ws"
	DefaultTimeoutMS  = 5000
	DefaultMaxPayload = 16 << 20
)

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Node    NodeConfig    `toml:"node" yaml:"node"`
	Peer    PeerConfig    `toml:"peer" yaml:"peer"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Journal JournalConfig `toml:"journal" yaml:"journal"`
}

// NodeConfig describes the local node identity and its listeners.
type NodeConfig struct {
	// Human-readable name for this node, reported in logs.
	Name string `toml:"name" yaml:"name"`
	// TCP listen address for raw framed connections (e.g. "0.0.0.0:9200").
	// Nil means no TCP listener.
	Listen *string `toml:"listen,omitempty" yaml:"listen,omitempty"`
	// WebSocket listen address (e.g. "0.0.0.0:9201"). Nil means no listener.
	WSListen *string `toml:"ws_listen,omitempty" yaml:"ws_listen,omitempty"`
	// HTTP path the WebSocket endpoint is served on.
	WSPath string `toml:"ws_path" yaml:"ws_path"`
	// Require a bearer token on WebSocket upgrades.
	RequireToken bool `toml:"require_token" yaml:"require_token"`
	// PEM certificate and key. When both are set the listeners use TLS.
	TLSCert string `toml:"tls_cert,omitempty" yaml:"tls_cert,omitempty"`
	TLSKey  string `toml:"tls_key,omitempty" yaml:"tls_key,omitempty"`
	// Whether new connections are accepted. Nil means true.
	AllowConnect *bool `toml:"allow_connect,omitempty" yaml:"allow_connect,omitempty"`
}

// ConnectAllowed reports the effective allow_connect setting.
func (n NodeConfig) ConnectAllowed() bool {
	return n.AllowConnect == nil || *n.AllowConnect
}

// TLSEnabled reports whether a certificate and key are configured.
func (n NodeConfig) TLSEnabled() bool {
	return n.TLSCert != "" && n.TLSKey != ""
}

// PeerConfig holds per-connection settings.
type PeerConfig struct {
	// Response timeout in milliseconds; -1 disables it.
	TimeoutMS int64 `toml:"timeout_ms" yaml:"timeout_ms"`
	// Largest accepted frame payload in bytes.
	MaxPayload uint32 `toml:"max_payload" yaml:"max_payload"`
}

// Timeout converts TimeoutMS to a duration. Negative values mean no timeout.
func (p PeerConfig) Timeout() time.Duration {
	if p.TimeoutMS < 0 {
		return -1
	}
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`   // debug, info, warn, error
	Format string `toml:"format" yaml:"format"` // auto, text, json
}

// JournalConfig controls the SQLite frame journal.
type JournalConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Path    string `toml:"path,omitempty" yaml:"path,omitempty"` // defaults to <dataDir>/journal.db
	// Entries older than this many minutes are pruned. Zero keeps everything.
	RetentionMinutes int64 `toml:"retention_minutes,omitempty" yaml:"retention_minutes,omitempty"`
}

// Retention converts RetentionMinutes to a duration.
func (j JournalConfig) Retention() time.Duration {
	if j.RetentionMinutes <= 0 {
		return 0
	}
	return time.Duration(j.RetentionMinutes) * time.Minute
}

// ServerEntry is a saved remote server (client-side).
type ServerEntry struct {
	URL   string `toml:"url" yaml:"url"`
	Token string `toml:"token" yaml:"token"`
}

// ServersConfig is the client-side servers list (~/.packetwire/servers.toml).
type ServersConfig struct {
	Servers map[string]ServerEntry `toml:"servers" yaml:"servers"`
}

var validNodeName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateNodeName checks that name is non-empty and contains only
// alphanumeric characters, hyphens, or underscores.
func ValidateNodeName(name string) error {
	if name == "" || !validNodeName.MatchString(name) {
		return fmt.Errorf("node name must be non-empty and alphanumeric (with - or _), got: %q", name)
	}
	return nil
}

// defaultName derives a node name from the HOSTNAME or HOST environment
// variable, sanitising invalid characters to hyphens. Falls back to
// "packetwire" if neither variable is set.
func defaultName() string {
	raw := os.Getenv("HOSTNAME")
	if raw == "" {
		raw = os.Getenv("HOST")
	}
	if raw == "" {
		return "packetwire"
	}
	out := []byte(raw)
	for i, c := range out {
		if !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') && c != '-' && c != '_' {
			out[i] = '-'
		}
	}
	return string(out)
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Name:   defaultName(),
			WSPath: DefaultWSPath,
		},
		Peer: PeerConfig{
			TimeoutMS:  DefaultTimeoutMS,
			MaxPayload: DefaultMaxPayload,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// LoadConfig reads config.toml from dataDir, applies environment variable
// overrides, and validates the result.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = defaultName()
	}
	if cfg.Node.WSPath == "" {
		cfg.Node.WSPath = DefaultWSPath
	}
	if cfg.Peer.MaxPayload == 0 {
		cfg.Peer.MaxPayload = DefaultMaxPayload
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(dataDir, "journal.db")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if name := os.Getenv("PACKETWIRE_NODE_NAME"); name != "" {
		cfg.Node.Name = name
	}
	if listen := os.Getenv("PACKETWIRE_LISTEN"); listen != "" {
		cfg.Node.Listen = &listen
	}
	if wsListen := os.Getenv("PACKETWIRE_WS_LISTEN"); wsListen != "" {
		cfg.Node.WSListen = &wsListen
	}
	if raw := os.Getenv("PACKETWIRE_TIMEOUT_MS"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing PACKETWIRE_TIMEOUT_MS: %w", err)
		}
		cfg.Peer.TimeoutMS = ms
	}
	if level := os.Getenv("PACKETWIRE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	return nil
}

// Validate checks the node name and the enumerated settings.
func (c *Config) Validate() error {
	if err := ValidateNodeName(c.Node.Name); err != nil {
		return err
	}
	if (c.Node.TLSCert == "") != (c.Node.TLSKey == "") {
		return fmt.Errorf("node.tls_cert and node.tls_key must be set together")
	}
	if c.Node.WSPath == "" || c.Node.WSPath[0] != '/' {
		return fmt.Errorf("node.ws_path must start with '/', got %q", c.Node.WSPath)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format must be one of auto, text, json, got %q", c.Log.Format)
	}
	return nil
}

// Save writes the configuration to config.toml inside dataDir.
func (c *Config) Save(dataDir string) error {
	return writeTOML(dataDir, "config.toml", c)
}

// LoadServersConfig reads servers.toml from dataDir. If the file does not
// exist an empty ServersConfig is returned.
func LoadServersConfig(dataDir string) (*ServersConfig, error) {
	path := filepath.Join(dataDir, "servers.toml")

	sc := &ServersConfig{
		Servers: make(map[string]ServerEntry),
	}

	if _, err := os.Stat(path); err != nil {
		return sc, nil
	}

	if _, err := toml.DecodeFile(path, sc); err != nil {
		return nil, fmt.Errorf("parsing servers.toml: %w", err)
	}
	if sc.Servers == nil {
		sc.Servers = make(map[string]ServerEntry)
	}
	return sc, nil
}

// Save writes the ServersConfig to servers.toml inside dataDir.
func (s *ServersConfig) Save(dataDir string) error {
	return writeTOML(dataDir, "servers.toml", s)
}

func writeTOML(dataDir, name string, v any) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, name)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	return nil
}
