package logging

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Environment names understood by ConfigFromEnv.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// EnvPrefix namespaces the variables read by ConfigFromEnv. A prefixed
// variable wins over the bare one, so PSTACK_LOG_LEVEL overrides LOG_LEVEL.
const EnvPrefix = "PSTACK_"

// CustomLevel is a slog level with names for levels slog does not define.
type CustomLevel slog.Level

// LevelTrace sits below debug. The history tracker logs each merged
// transaction at this level.
const LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)

func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}

func lookupEnv(name string) (string, bool) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		return v, true
	}
	v, ok := os.LookupEnv(name)
	return v, ok && v != ""
}

// ConfigFromEnv overlays environment settings on base:
//
//	LOG_LEVEL, LOG_FORMAT, ENVIRONMENT, LOG_FILE, LOG_ADD_SOURCE
//
// each optionally prefixed with EnvPrefix. Development and test environments
// force text output and default the level to debug.
func ConfigFromEnv(base Config) Config {
	cfg := base
	level, levelSet := lookupEnv("LOG_LEVEL")

	overlay := []struct {
		name string
		dst  *string
		fold bool
	}{
		{"LOG_FORMAT", &cfg.Format, true},
		{"ENVIRONMENT", &cfg.Environment, true},
		{"LOG_FILE", &cfg.File, false},
	}
	for _, o := range overlay {
		v, ok := lookupEnv(o.name)
		if !ok {
			continue
		}
		if o.fold {
			v = strings.ToLower(v)
		}
		*o.dst = v
	}

	switch cfg.Environment {
	case EnvDevelopment, EnvTest:
		cfg.Format = "text"
		cfg.AddSource = cfg.Environment == EnvDevelopment
		if !levelSet {
			cfg.Level = "debug"
		}
	}
	if levelSet {
		cfg.Level = strings.ToLower(level)
	}

	if v, ok := lookupEnv("LOG_ADD_SOURCE"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AddSource = b
		}
	}
	return cfg
}
