// Package config provides the configuration schema, loader, and file watcher
// for the cleancut broker.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Built-in defaults.
const (
	DefaultListenAddr    = "127.0.0.1:8085"
	DefaultIdentity      = "cleancut-broker"
	DefaultPeerURL       = "ws://127.0.0.1:8085/ws"
	DefaultPeerRole      = "premiere-extension"
	DefaultPython        = "python3"
	DefaultDetector      = "default"
	DefaultThresholdDB   = -40.0
	DefaultMinSilenceMs  = 500
	DefaultPaddingMs     = 100
	DefaultExportTimeout = 30 * time.Second
	DefaultBaseDelay     = 5 * time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultMaxRetries    = 10
	DefaultMaxFailures   = 5
	DefaultResetTimeout  = 30 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Peer     PeerConfig     `yaml:"peer"`
	Requests RequestsConfig `yaml:"requests"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Audit    AuditConfig    `yaml:"audit"`
}

// ServerConfig holds network and logging settings for the broker.
type ServerConfig struct {
	// ListenAddr is the single well-known address the broker binds.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Identity is returned to peers in handshake_ack.
	Identity string `yaml:"identity"`

	// AllowedOrigins restricts WebSocket upgrades to these origin patterns.
	// Empty accepts any origin, which is what a local editor panel needs.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds paths to the certificate and key files.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// PeerConfig configures the headless peer started by `cleancut peer`.
type PeerConfig struct {
	URL       string          `yaml:"url"`
	Role      string          `yaml:"role"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes the peer's linear backoff: the n-th retry waits
// min(BaseDelay*n, MaxDelay), and the peer gives up after MaxRetries
// consecutive failures.
type ReconnectConfig struct {
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxRetries int           `yaml:"max_retries"`
}

// RequestsConfig tunes broker-to-peer request tracking.
type RequestsConfig struct {
	// ExportTimeout bounds the wait for audio export and audio path replies.
	ExportTimeout time.Duration `yaml:"export_timeout"`
}

// AnalysisConfig configures the external analyzer.
type AnalysisConfig struct {
	Python   string `yaml:"python"`
	Detector string `yaml:"detector"`

	// Scripts maps detector names to script paths.
	Scripts map[string]string `yaml:"scripts"`

	StatsScript    string `yaml:"stats_script"`
	DecimateScript string `yaml:"decimate_script"`

	Defaults DetectDefaults `yaml:"defaults"`
	Breaker  BreakerConfig  `yaml:"breaker"`
}

// DetectDefaults fill in detection parameters a request leaves out.
type DetectDefaults struct {
	ThresholdDB  float64 `yaml:"threshold_db"`
	MinSilenceMs int     `yaml:"min_silence_ms"`
	PaddingMs    int     `yaml:"padding_ms"`
}

// BreakerConfig tunes the circuit breaker around analyzer spawns.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AuditConfig configures the optional PostgreSQL audit log.
type AuditConfig struct {
	// PostgresDSN enables the audit log when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// DefaultScripts are the analyzer scripts used when none are configured.
func DefaultScripts() map[string]string {
	return map[string]string{
		"default": "python-backend/silence_detector.py",
		"energy":  "python-backend/silence_detector_energy.py",
		"vad":     "python-backend/silence_detector_vad.py",
		"hybrid":  "python-backend/vad_cutter.py",
	}
}

// Default returns a fully defaulted config.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every zero-valued field with its default. A threshold of
// exactly 0 dB is treated as unset.
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.ListenAddr, DefaultListenAddr)
	setDefault(&c.Server.LogLevel, LogInfo)
	setDefault(&c.Server.Identity, DefaultIdentity)

	setDefault(&c.Peer.URL, DefaultPeerURL)
	setDefault(&c.Peer.Role, DefaultPeerRole)
	setDefault(&c.Peer.Reconnect.BaseDelay, DefaultBaseDelay)
	setDefault(&c.Peer.Reconnect.MaxDelay, DefaultMaxDelay)
	setDefault(&c.Peer.Reconnect.MaxRetries, DefaultMaxRetries)

	setDefault(&c.Requests.ExportTimeout, DefaultExportTimeout)

	a := &c.Analysis
	setDefault(&a.Python, DefaultPython)
	setDefault(&a.Detector, DefaultDetector)
	if len(a.Scripts) == 0 {
		a.Scripts = DefaultScripts()
	}
	setDefault(&a.StatsScript, "python-backend/audio_analyzer.py")
	setDefault(&a.DecimateScript, "python-backend/frame_decimator.py")
	setDefault(&a.Defaults.ThresholdDB, DefaultThresholdDB)
	setDefault(&a.Defaults.MinSilenceMs, DefaultMinSilenceMs)
	setDefault(&a.Defaults.PaddingMs, DefaultPaddingMs)
	setDefault(&a.Breaker.MaxFailures, DefaultMaxFailures)
	setDefault(&a.Breaker.ResetTimeout, DefaultResetTimeout)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
