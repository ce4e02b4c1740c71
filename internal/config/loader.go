package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Threshold bounds accepted for analysis.defaults.threshold_db.
const (
	MinThresholdDB = -120.0
	MaxThresholdDB = 0.0
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Peer
	if cfg.Peer.URL != "" {
		u, err := url.Parse(cfg.Peer.URL)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("peer.url: %w", err))
		case u.Scheme != "ws" && u.Scheme != "wss":
			errs = append(errs, fmt.Errorf("peer.url %q must use ws or wss", cfg.Peer.URL))
		}
	}
	rc := cfg.Peer.Reconnect
	if rc.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("peer.reconnect.base_delay %v must be positive", rc.BaseDelay))
	}
	if rc.MaxDelay <= 0 {
		errs = append(errs, fmt.Errorf("peer.reconnect.max_delay %v must be positive", rc.MaxDelay))
	} else if rc.MaxDelay < rc.BaseDelay {
		errs = append(errs, fmt.Errorf("peer.reconnect.max_delay %v is below base_delay %v", rc.MaxDelay, rc.BaseDelay))
	}
	if rc.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("peer.reconnect.max_retries %d must be at least 1", rc.MaxRetries))
	}

	// Requests
	if cfg.Requests.ExportTimeout <= 0 {
		errs = append(errs, fmt.Errorf("requests.export_timeout %v must be positive", cfg.Requests.ExportTimeout))
	}

	// Analysis
	a := cfg.Analysis
	if a.Python == "" {
		errs = append(errs, errors.New("analysis.python is required"))
	}
	if _, ok := a.Scripts[a.Detector]; !ok {
		errs = append(errs, fmt.Errorf("analysis.detector %q has no entry in analysis.scripts; configured: %s",
			a.Detector, strings.Join(scriptNames(a.Scripts), ", ")))
	}
	for name, path := range a.Scripts {
		if path == "" {
			errs = append(errs, fmt.Errorf("analysis.scripts.%s is empty", name))
		}
	}
	if th := a.Defaults.ThresholdDB; th < MinThresholdDB || th > MaxThresholdDB {
		errs = append(errs, fmt.Errorf("analysis.defaults.threshold_db %.1f is out of range [%.0f, %.0f]", th, MinThresholdDB, MaxThresholdDB))
	}
	if a.Defaults.MinSilenceMs < 0 {
		errs = append(errs, fmt.Errorf("analysis.defaults.min_silence_ms %d must not be negative", a.Defaults.MinSilenceMs))
	}
	if a.Defaults.PaddingMs < 0 {
		errs = append(errs, fmt.Errorf("analysis.defaults.padding_ms %d must not be negative", a.Defaults.PaddingMs))
	}
	if a.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("analysis.breaker.max_failures %d must be at least 1", a.Breaker.MaxFailures))
	}
	if a.Breaker.ResetTimeout <= 0 {
		errs = append(errs, fmt.Errorf("analysis.breaker.reset_timeout %v must be positive", a.Breaker.ResetTimeout))
	}

	// Audit
	if cfg.Audit.PostgresDSN == "" {
		slog.Debug("audit.postgres_dsn is empty; audit log disabled")
	}

	return errors.Join(errs...)
}

func scriptNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
