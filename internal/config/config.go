// Package config loads domain.Config from a YAML file and WEAVE_ environment
// variables on top of the built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"

	"github.com/spf13/viper"

	"github.com/eleven-am/weave/internal/domain"
)

const EnvPrefix = "WEAVE"

// Load reads path when it is set, otherwise looks for weave.yaml in the
// working directory and /etc/weave. A missing default file is not an error.
// Environment variables such as WEAVE_STORAGE_DRIVER override both.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	bindDefaults(v, "", reflect.ValueOf(*domain.DefaultConfig()))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, domain.NewConfigError("file", fmt.Errorf("read %s: %w", path, err))
		}
	} else {
		v.SetConfigName("weave")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/weave")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, domain.NewConfigError("file", err)
			}
		}
	}

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, domain.NewConfigError("decode", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if _, err := parseLevel(cfg.Log.Level); err != nil {
		return nil, domain.NewConfigError("log.level", err)
	}
	return &cfg, nil
}

// bindDefaults registers every leaf key so AutomaticEnv can resolve it even
// when no config file mentions it.
func bindDefaults(v *viper.Viper, prefix string, value reflect.Value) {
	t := value.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" || !field.IsExported() {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		fv := value.Field(i)
		if fv.Kind() == reflect.Struct && field.Type.PkgPath() == t.PkgPath() {
			bindDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg domain.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, domain.NewConfigError("log.level", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, domain.NewConfigError("log.format", fmt.Errorf("unknown format %q: %w", cfg.Format, domain.ErrInvalidInput))
	}
}

func parseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if level == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("unknown level %q: %w", level, domain.ErrInvalidInput)
	}
	return l, nil
}
