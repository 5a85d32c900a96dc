// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package config loads the settings of the pdata tools from a YAML file
// and PDATA_* environment variables.
package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/dacapoday/pdata"
	"github.com/dacapoday/pdata/block"
	"github.com/dacapoday/pdata/kv"
	"github.com/dacapoday/pdata/mem"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DeviceFile   = "file"
	DevicePebble = "pebble"
	DeviceMem    = "mem"
)

type Config struct {
	Device DeviceConfig `mapstructure:"device"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Tree   TreeConfig   `mapstructure:"tree"`
	Log    LogConfig    `mapstructure:"log"`
	Server ServerConfig `mapstructure:"server"`
}

type DeviceConfig struct {
	Kind string `mapstructure:"kind"`
	Path string `mapstructure:"path"`
	Size int64  `mapstructure:"size"`
}

type CacheConfig struct {
	BlockSize int `mapstructure:"block_size"`
	Size      int `mapstructure:"size"`
}

type TreeConfig struct {
	Levels     int `mapstructure:"levels"`
	ValueSize  int `mapstructure:"value_size"`
	MaxEntries int `mapstructure:"max_entries"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads the configuration. An empty path searches pdata.yaml in the
// usual places; a missing file there is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pdata")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.pdata")
		v.AddConfigPath("/etc/pdata")
	}

	v.SetDefault("device.kind", DeviceFile)
	v.SetDefault("device.path", "pdata.img")
	v.SetDefault("device.size", int64(64<<20))
	v.SetDefault("cache.block_size", block.DefaultBlockSize)
	v.SetDefault("cache.size", block.DefaultCacheSize)
	v.SetDefault("tree.levels", kv.DefaultLevels)
	v.SetDefault("tree.value_size", kv.DefaultValueSize)
	v.SetDefault("tree.max_entries", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("server.addr", ":3000")

	v.SetEnvPrefix("PDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) Validate() error {
	switch cfg.Device.Kind {
	case DeviceFile, DevicePebble:
		if cfg.Device.Path == "" {
			return errors.Newf("config: device.path required for %s devices", cfg.Device.Kind)
		}
	case DeviceMem:
	default:
		return errors.Newf("config: unknown device.kind %q", cfg.Device.Kind)
	}
	if cfg.Device.Size <= 0 {
		return errors.Newf("config: device.size %d", cfg.Device.Size)
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return errors.Wrap(err, "config: log.level")
	}
	return nil
}

// Store returns the store settings.
func (cfg *Config) Store(logger *zap.Logger) kv.Config {
	return kv.Config{
		BlockSize:  cfg.Cache.BlockSize,
		CacheSize:  cfg.Cache.Size,
		Levels:     cfg.Tree.Levels,
		ValueSize:  cfg.Tree.ValueSize,
		MaxEntries: cfg.Tree.MaxEntries,
		Logger:     logger,
	}
}

// OpenDevice opens the configured backing device, creating it if needed.
func (cfg *Config) OpenDevice() (pdata.Device, error) {
	switch cfg.Device.Kind {
	case DeviceFile:
		device, err := block.OpenFile(cfg.Device.Path, cfg.Device.Size)
		if err != nil {
			return nil, err
		}
		return device, nil
	case DevicePebble:
		if err := os.MkdirAll(cfg.Device.Path, 0o755); err != nil {
			return nil, errors.Wrap(err, "create pebble dir")
		}
		device, err := block.OpenPebble(cfg.Device.Path, cfg.Device.Size, &pebble.Options{})
		if err != nil {
			return nil, err
		}
		return device, nil
	case DeviceMem:
		return mem.New(cfg.Device.Size), nil
	}
	return nil, errors.Newf("config: unknown device.kind %q", cfg.Device.Kind)
}

// Logger builds the configured zap logger.
func (cfg *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "config: log.level")
	}
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
