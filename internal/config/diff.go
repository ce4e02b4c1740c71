package config

import "maps"

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are tracked field by field; anything else that
// changed is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DefaultsChanged bool // analysis.defaults
	NewDefaults     DetectDefaults

	DetectorChanged bool // analysis.detector
	NewDetector     string

	ScriptsChanged bool // analysis.scripts

	// RestartRequired names changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DefaultsChanged || d.DetectorChanged || d.ScriptsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oa, na := old.Analysis, new.Analysis
	if oa.Defaults != na.Defaults {
		d.DefaultsChanged = true
		d.NewDefaults = na.Defaults
	}
	if oa.Detector != na.Detector {
		d.DetectorChanged = true
		d.NewDetector = na.Detector
	}
	if !maps.Equal(oa.Scripts, na.Scripts) {
		d.ScriptsChanged = true
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.identity", old.Server.Identity != new.Server.Identity)
	restart("server.tls", !equalTLS(old.Server.TLS, new.Server.TLS))
	restart("requests.export_timeout", old.Requests.ExportTimeout != new.Requests.ExportTimeout)
	restart("analysis.python", oa.Python != na.Python)
	restart("analysis.stats_script", oa.StatsScript != na.StatsScript)
	restart("analysis.decimate_script", oa.DecimateScript != na.DecimateScript)
	restart("analysis.breaker", oa.Breaker != na.Breaker)
	restart("audit.postgres_dsn", old.Audit.PostgresDSN != new.Audit.PostgresDSN)

	return d
}

func equalTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
