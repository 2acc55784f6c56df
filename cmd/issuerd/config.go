package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the on-disk issuerd configuration, read as YAML per dex's
// cmd/dex config layout: one top-level block per subsystem.
type Config struct {
	Issuer string `yaml:"issuer"`

	Web struct {
		ListenAddr string `yaml:"listenAddr"`
		BasePath   string `yaml:"basePath"`
	} `yaml:"web"`

	Storage struct {
		Type  string `yaml:"type"` // "memory" or "redis"
		Redis struct {
			Addr      string `yaml:"addr"`
			KeyPrefix string `yaml:"keyPrefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Tokens struct {
		AccessTTL          time.Duration `yaml:"accessTTL"`
		RefreshTTL         time.Duration `yaml:"refreshTTL"`
		RefreshReuseWindow time.Duration `yaml:"refreshReuseWindow"`
		RefreshRetention   time.Duration `yaml:"refreshRetention"`
	} `yaml:"tokens"`

	KeyRotation struct {
		Every    time.Duration `yaml:"every"`
		ValidFor time.Duration `yaml:"validFor"`
	} `yaml:"keyRotation"`

	Metrics struct {
		ListenAddr string `yaml:"listenAddr"`
	} `yaml:"metrics"`

	Logger struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "json" or "text"
	} `yaml:"logger"`
}

func loadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Web.ListenAddr == "" {
		c.Web.ListenAddr = ":5556"
	}
	if c.Web.BasePath == "" {
		c.Web.BasePath = "/"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":5558"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.KeyRotation.Every == 0 {
		c.KeyRotation.Every = 30 * 24 * time.Hour
	}
	if c.KeyRotation.ValidFor == 0 {
		c.KeyRotation.ValidFor = 7 * 24 * time.Hour
	}
}
