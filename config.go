package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jnesss/frame-analyzer/platform"
)

const (
	envPrefix         = "FRAME_ANALYZER"
	defaultConfigFile = "frame-analyzer.yaml"
	defaultObject     = "bpf/frame_analyzer.bpf.o"
)

// Config is the CLI configuration, merged from flags, FRAME_ANALYZER_*
// environment variables and an optional YAML file.
type Config struct {
	Object          string
	Library         string
	PrimarySymbol   string
	FallbackSymbol  string
	RingSize        uint32
	BufferWindow    int
	DataDir         string
	RulesDir        string
	Listen          string
	LogLevel        string
	StatsInterval   time.Duration
	StatsWindow     time.Duration
	JankThreshold   time.Duration
	RulesInterval   time.Duration
	ReceiveInterval time.Duration
}

// ProbeConfig returns the attach configuration.
func (c *Config) ProbeConfig(logger *zap.Logger) platform.Config {
	symbols := []string{c.PrimarySymbol}
	if c.FallbackSymbol != "" && c.FallbackSymbol != c.PrimarySymbol {
		symbols = append(symbols, c.FallbackSymbol)
	}
	return platform.Config{
		Library:  c.Library,
		Symbols:  symbols,
		RingSize: c.RingSize,
		Logger:   logger,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("object", defaultObject)
	v.SetDefault("library", platform.DefaultLibrary)
	v.SetDefault("symbols.primary", platform.DefaultSymbol)
	v.SetDefault("symbols.fallback", platform.DefaultFallbackSymbol)
	v.SetDefault("ring_size", 0)
	v.SetDefault("buffer_window", 0)
	v.SetDefault("data_dir", "data")
	v.SetDefault("rules_dir", "rules")
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("stats_interval", "1s")
	v.SetDefault("stats_window", "5s")
	v.SetDefault("jank_threshold", "34ms")
	v.SetDefault("rules_interval", "2s")
	v.SetDefault("receive_interval", "100ms")
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"object":         "object",
	"library":        "library",
	"ring-size":      "ring_size",
	"buffer-window":  "buffer_window",
	"data-dir":       "data_dir",
	"rules-dir":      "rules_dir",
	"listen":         "listen",
	"log-level":      "log_level",
	"stats-interval": "stats_interval",
	"jank-threshold": "jank_threshold",
}

// newViper returns a viper instance with defaults, environment overrides and
// every known flag in flags bound.
func newViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags == nil {
		return v, nil
	}
	for flag, key := range flagKeys {
		if f := flags.Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", flag, err)
			}
		}
	}
	return v, nil
}

// loadConfig reads path if given, or ./frame-analyzer.yaml if it exists.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Object:          v.GetString("object"),
		Library:         v.GetString("library"),
		PrimarySymbol:   v.GetString("symbols.primary"),
		FallbackSymbol:  v.GetString("symbols.fallback"),
		RingSize:        v.GetUint32("ring_size"),
		BufferWindow:    v.GetInt("buffer_window"),
		DataDir:         v.GetString("data_dir"),
		RulesDir:        v.GetString("rules_dir"),
		Listen:          v.GetString("listen"),
		LogLevel:        v.GetString("log_level"),
		StatsInterval:   v.GetDuration("stats_interval"),
		StatsWindow:     v.GetDuration("stats_window"),
		JankThreshold:   v.GetDuration("jank_threshold"),
		RulesInterval:   v.GetDuration("rules_interval"),
		ReceiveInterval: v.GetDuration("receive_interval"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PrimarySymbol == "" {
		return fmt.Errorf("symbols.primary must not be empty")
	}
	if c.BufferWindow < 0 {
		return fmt.Errorf("buffer_window must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"stats_interval":   c.StatsInterval,
		"stats_window":     c.StatsWindow,
		"jank_threshold":   c.JankThreshold,
		"rules_interval":   c.RulesInterval,
		"receive_interval": c.ReceiveInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
