// Package config loads trackwatch's runtime configuration from CLI flags
// and environment variables, and watches a streams file for hot-reload.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for trackwatch.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DBPath       string
	LogLevel     string
	LogFormat    string
	HTTPPort     int
	TZ           string
	StreamsFile  string // optional YAML file watched for hot-reload

	WindowSeconds int
	HopSeconds    int
	DedupSeconds  int

	DecisionPolicy      string
	TwoHitHopTolerance  int
	GlobalMaxInflight   int
	PerProviderMaxInflight int

	Streams   []StreamConfig
	Providers []ProviderConfig
}

// StreamConfig describes one configured RTSP audio source.
type StreamConfig struct {
	Name      string
	URL       string
	Enabled   bool
	Transport string // "tcp" or "udp"
}

// ProviderConfig describes one music-recognition provider.
type ProviderConfig struct {
	Name       string
	Enabled    bool
	BaseURL    string
	APIKey     string
	Timeout    int // seconds
	Confirming bool
}

// defaults
const (
	defaultDBPath        = "./data/trackwatch.db"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultHTTPPort      = 8090
	defaultWindowSeconds = 12
	defaultHopSeconds    = 120
	defaultDedupSeconds  = 300
	defaultDecisionPolicy      = "two_hit"
	defaultTwoHitHopTolerance  = 1
	defaultGlobalMaxInflight   = 8
	defaultPerProviderMaxInflight = 4
)

// envPrefix is the prefix for all trackwatch environment variables.
const envPrefix = "TRACKWATCH_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("trackwatch", flag.ContinueOnError)

	fs.StringVar(&cfg.DBPath, "db-path", defaultDBPath, "path to the embedded sqlite database file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP listen port for /healthz, /readyz, /metrics")
	fs.StringVar(&cfg.TZ, "tz", "UTC", "display timezone for external collaborators (core always stores UTC)")
	fs.StringVar(&cfg.StreamsFile, "streams-file", "", "optional YAML file listing streams, watched for hot-reload")
	fs.IntVar(&cfg.WindowSeconds, "window-seconds", defaultWindowSeconds, "audio window length in seconds")
	fs.IntVar(&cfg.HopSeconds, "hop-seconds", defaultHopSeconds, "interval between windows in seconds")
	fs.IntVar(&cfg.DedupSeconds, "dedup-seconds", defaultDedupSeconds, "width of the dedup bucket in seconds")
	fs.StringVar(&cfg.DecisionPolicy, "decision-policy", defaultDecisionPolicy, "confirmation policy (only two_hit is supported)")
	fs.IntVar(&cfg.TwoHitHopTolerance, "two-hit-hop-tolerance", defaultTwoHitHopTolerance, "max gap in hops between corroborating hits")
	fs.IntVar(&cfg.GlobalMaxInflight, "global-max-inflight-recognitions", defaultGlobalMaxInflight, "global cap on in-flight recognize calls")
	fs.IntVar(&cfg.PerProviderMaxInflight, "per-provider-max-inflight", defaultPerProviderMaxInflight, "per-provider cap on in-flight recognize calls")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	streams, err := loadStreamsFromEnv()
	if err != nil {
		return nil, fmt.Errorf("loading stream config: %w", err)
	}
	cfg.Streams = streams

	cfg.Providers = loadProvidersFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag not
// explicitly provided on the command line. CLI flags still win.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"db-path":                          envPrefix + "DB_PATH",
		"log-level":                        envPrefix + "LOG_LEVEL",
		"log-format":                       envPrefix + "LOG_FORMAT",
		"http-port":                        envPrefix + "HTTP_PORT",
		"tz":                               envPrefix + "TZ",
		"streams-file":                     envPrefix + "STREAMS_FILE",
		"window-seconds":                   envPrefix + "WINDOW_SECONDS",
		"hop-seconds":                      envPrefix + "HOP_SECONDS",
		"dedup-seconds":                    envPrefix + "DEDUP_SECONDS",
		"decision-policy":                  envPrefix + "DECISION_POLICY",
		"two-hit-hop-tolerance":            envPrefix + "TWO_HIT_HOP_TOLERANCE",
		"global-max-inflight-recognitions": envPrefix + "GLOBAL_MAX_INFLIGHT_RECOGNITIONS",
		"per-provider-max-inflight":        envPrefix + "PER_PROVIDER_MAX_INFLIGHT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "db-path":
			cfg.DBPath = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "tz":
			cfg.TZ = val
		case "streams-file":
			cfg.StreamsFile = val
		case "window-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.WindowSeconds = v
			}
		case "hop-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HopSeconds = v
			}
		case "dedup-seconds":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.DedupSeconds = v
			}
		case "decision-policy":
			cfg.DecisionPolicy = val
		case "two-hit-hop-tolerance":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.TwoHitHopTolerance = v
			}
		case "global-max-inflight-recognitions":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.GlobalMaxInflight = v
			}
		case "per-provider-max-inflight":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.PerProviderMaxInflight = v
			}
		}
	}
}

// loadStreamsFromEnv reads STREAM_COUNT and STREAM_i_NAME/URL/ENABLED/TRANSPORT.
func loadStreamsFromEnv() ([]StreamConfig, error) {
	countStr := os.Getenv(envPrefix + "STREAM_COUNT")
	if countStr == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		return nil, fmt.Errorf("parsing %sSTREAM_COUNT: %w", envPrefix, err)
	}
	if count < 0 || count > 5 {
		return nil, fmt.Errorf("%sSTREAM_COUNT must be between 0 and 5, got %d", envPrefix, count)
	}

	streams := make([]StreamConfig, 0, count)
	for i := 1; i <= count; i++ {
		name := os.Getenv(fmt.Sprintf("%sSTREAM_%d_NAME", envPrefix, i))
		url := os.Getenv(fmt.Sprintf("%sSTREAM_%d_URL", envPrefix, i))
		if name == "" || url == "" {
			return nil, fmt.Errorf("stream %d: NAME and URL are required", i)
		}
		enabled := true
		if v := os.Getenv(fmt.Sprintf("%sSTREAM_%d_ENABLED", envPrefix, i)); v != "" {
			enabled, err = strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("stream %d: invalid ENABLED value %q: %w", i, v, err)
			}
		}
		transport := os.Getenv(fmt.Sprintf("%sSTREAM_%d_TRANSPORT", envPrefix, i))
		if transport == "" {
			transport = "tcp"
		}
		streams = append(streams, StreamConfig{Name: name, URL: url, Enabled: enabled, Transport: transport})
	}
	return streams, nil
}

// loadProvidersFromEnv reads recognizer provider credentials. Exactly one
// provider must be marked CONFIRMING=true (spec.md §4.5).
func loadProvidersFromEnv() []ProviderConfig {
	var providers []ProviderConfig
	for _, name := range []string{"shazamlike", "acrcloudlike"} {
		upper := strings.ToUpper(name)
		enabled, _ := strconv.ParseBool(os.Getenv(fmt.Sprintf("%sPROVIDER_%s_ENABLED", envPrefix, upper)))
		confirming, _ := strconv.ParseBool(os.Getenv(fmt.Sprintf("%sPROVIDER_%s_CONFIRMING", envPrefix, upper)))
		timeout, err := strconv.Atoi(os.Getenv(fmt.Sprintf("%sPROVIDER_%s_TIMEOUT_SECONDS", envPrefix, upper)))
		if err != nil || timeout <= 0 {
			timeout = 10
		}
		providers = append(providers, ProviderConfig{
			Name:       name,
			Enabled:    enabled,
			BaseURL:    os.Getenv(fmt.Sprintf("%sPROVIDER_%s_BASE_URL", envPrefix, upper)),
			APIKey:     os.Getenv(fmt.Sprintf("%sPROVIDER_%s_API_KEY", envPrefix, upper)),
			Timeout:    timeout,
			Confirming: confirming,
		})
	}
	return providers
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("window-seconds must be positive, got %d", c.WindowSeconds)
	}
	if c.HopSeconds <= 0 {
		return fmt.Errorf("hop-seconds must be positive, got %d", c.HopSeconds)
	}
	if c.DedupSeconds <= 0 {
		return fmt.Errorf("dedup-seconds must be positive, got %d", c.DedupSeconds)
	}
	if c.DecisionPolicy != "two_hit" {
		return fmt.Errorf("decision-policy must be \"two_hit\", got %q", c.DecisionPolicy)
	}
	if c.TwoHitHopTolerance < 0 {
		return fmt.Errorf("two-hit-hop-tolerance must be non-negative, got %d", c.TwoHitHopTolerance)
	}
	if c.GlobalMaxInflight <= 0 {
		return fmt.Errorf("global-max-inflight-recognitions must be positive, got %d", c.GlobalMaxInflight)
	}
	if c.PerProviderMaxInflight <= 0 {
		return fmt.Errorf("per-provider-max-inflight must be positive, got %d", c.PerProviderMaxInflight)
	}
	if len(c.Streams) > 5 {
		return fmt.Errorf("at most 5 streams are supported, got %d", len(c.Streams))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	seen := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		if seen[s.Name] {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Transport != "tcp" && s.Transport != "udp" {
			return fmt.Errorf("stream %q: transport must be tcp or udp, got %q", s.Name, s.Transport)
		}
	}

	confirming := 0
	for _, p := range c.Providers {
		if p.Enabled && p.Confirming {
			confirming++
		}
	}
	if confirming > 1 {
		return fmt.Errorf("exactly one provider may be the designated confirming provider, found %d", confirming)
	}

	return nil
}

// ConfirmingProvider returns the name of the designated confirming
// provider, or empty if none of the enabled providers is so designated.
func (c *Config) ConfirmingProvider() string {
	for _, p := range c.Providers {
		if p.Enabled && p.Confirming {
			return p.Name
		}
	}
	return ""
}

// SlogHandler returns a slog.Handler configured with the appropriate
// format (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
