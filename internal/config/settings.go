// Package config loads filewatch settings from the embedded defaults, an
// optional TOML file and FILEWATCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"filewatch/internal/logging"
	"filewatch/internal/watcher"

	"github.com/BurntSushi/toml"
)

const EnvPrefix = "FILEWATCH_"

type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

type Settings struct {
	Backend    string         `toml:"backend"`
	Interval   time.Duration  `toml:"interval"`
	MaxWatches int            `toml:"max-watches"`
	Listen     string         `toml:"listen"`
	LogLevel   string         `toml:"log-level"`
	Paths      []string       `toml:"paths"`
	Remote     RemoteSettings `toml:"remote"`

	// Sources records where each top-level key was last set.
	Sources map[string]Source `toml:"-"`
}

type RemoteSettings struct {
	RateLimit      float64       `toml:"rate-limit"`
	Burst          int           `toml:"burst"`
	WriteTimeout   time.Duration `toml:"write-timeout"`
	DeliverTimeout time.Duration `toml:"deliver-timeout"`
	AllowedOrigins []string      `toml:"allowed-origins"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load decodes defaultsPayload, then the file at path when path is set, then
// environment overrides from lookup. A nil lookup skips the environment.
func Load(path string, defaultsPayload []byte, lookup LookupFunc) (Settings, error) {
	settings := Settings{Sources: make(map[string]Source)}
	if _, err := decode(defaultsPayload, &settings, "defaults"); err != nil {
		return Settings{}, err
	}
	for _, key := range topLevelKeys {
		settings.Sources[key] = SourceDefault
	}

	if strings.TrimSpace(path) != "" {
		payload, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
		meta, err := decode(payload, &settings, path)
		if err != nil {
			return Settings{}, err
		}
		for _, key := range meta.Keys() {
			if len(key) > 0 {
				settings.Sources[key[0]] = SourceFile
			}
		}
		baseDir := filepath.Dir(path)
		for index, watched := range settings.Paths {
			settings.Paths[index] = resolveRelative(baseDir, watched)
		}
	}

	if lookup != nil {
		if err := settings.applyEnv(lookup); err != nil {
			return Settings{}, err
		}
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

var topLevelKeys = []string{"backend", "interval", "max-watches", "listen", "log-level", "paths", "remote"}

func decode(payload []byte, settings *Settings, name string) (toml.MetaData, error) {
	meta, err := toml.Decode(string(payload), settings)
	if err != nil {
		var parseErr toml.ParseError
		if errors.As(err, &parseErr) {
			return meta, fmt.Errorf("parse config %s: %s", name, parseErr.ErrorWithPosition())
		}
		return meta, fmt.Errorf("parse config %s: %w", name, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return meta, fmt.Errorf("config %s: unknown keys: %s", name, strings.Join(keys, ", "))
	}
	return meta, nil
}

func (settings *Settings) applyEnv(lookup LookupFunc) error {
	if raw, ok := lookupTrimmed(lookup, "BACKEND"); ok {
		settings.Backend = raw
		settings.Sources["backend"] = SourceEnv
	}
	if raw, ok := lookupTrimmed(lookup, "INTERVAL"); ok {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %sINTERVAL: %w", EnvPrefix, err)
		}
		settings.Interval = parsed
		settings.Sources["interval"] = SourceEnv
	}
	if raw, ok := lookupTrimmed(lookup, "MAX_WATCHES"); ok {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %sMAX_WATCHES: %w", EnvPrefix, err)
		}
		settings.MaxWatches = parsed
		settings.Sources["max-watches"] = SourceEnv
	}
	if raw, ok := lookupTrimmed(lookup, "LISTEN"); ok {
		settings.Listen = raw
		settings.Sources["listen"] = SourceEnv
	}
	if raw, ok := lookupTrimmed(lookup, "LOG_LEVEL"); ok {
		settings.LogLevel = raw
		settings.Sources["log-level"] = SourceEnv
	}
	if raw, ok := lookupTrimmed(lookup, "PATHS"); ok {
		settings.Paths = filepath.SplitList(raw)
		settings.Sources["paths"] = SourceEnv
	}
	return nil
}

// SetFlag records a command line override for key.
func (settings *Settings) SetFlag(key string) {
	if settings.Sources == nil {
		settings.Sources = make(map[string]Source)
	}
	settings.Sources[key] = SourceFlag
}

// Validate checks values that cannot be corrected silently.
func (settings Settings) Validate() error {
	if _, err := watcher.ParseMode(settings.Backend); err != nil {
		return err
	}
	if settings.Interval <= 0 {
		return fmt.Errorf("invalid interval %s: must be > 0", settings.Interval)
	}
	if settings.MaxWatches < 0 {
		return fmt.Errorf("invalid max-watches %d: must be >= 0", settings.MaxWatches)
	}
	if _, ok := logging.ParseLevel(settings.LogLevel); !ok {
		return fmt.Errorf("invalid log-level %q", settings.LogLevel)
	}
	if settings.Remote.RateLimit < 0 || settings.Remote.Burst < 0 {
		return errors.New("invalid remote rate limit: must be >= 0")
	}
	return nil
}

// Mode returns the parsed backend. Call Validate first.
func (settings Settings) Mode() watcher.Mode {
	mode, _ := watcher.ParseMode(settings.Backend)
	return mode
}

// Level returns the parsed log level, defaulting to info.
func (settings Settings) Level() logging.Level {
	level, ok := logging.ParseLevel(settings.LogLevel)
	if !ok {
		return logging.LevelInfo
	}
	return level
}

func lookupTrimmed(lookup LookupFunc, name string) (string, bool) {
	raw, ok := lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func resolveRelative(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) || strings.HasPrefix(path, "~") {
		return path
	}
	return filepath.Join(baseDir, path)
}
