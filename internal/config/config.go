// Package config loads controller settings from an optional YAML file and
// FOUNDRY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DefaultCapabilitySyncTimeout         = 3 * time.Minute
	DefaultCapabilityCommencementTimeout = 5 * time.Second
	DefaultDeploymentTimeout             = 10 * time.Minute
	DefaultSSORealm                      = "foundry"
	DefaultSSOImage                      = "quay.io/keycloak/keycloak:25.0"
	DefaultSSOHTTPTimeout                = 2 * time.Minute
)

// Config is the controller configuration.
type Config struct {
	// ControllerNamespace and ControllerPodName identify this controller
	// instance on status. Cluster-scoped capabilities are created in
	// ControllerNamespace.
	ControllerNamespace string `yaml:"controllerNamespace"`
	ControllerPodName   string `yaml:"controllerPodName"`

	CapabilitySyncTimeout         time.Duration `yaml:"capabilitySyncTimeout"`
	CapabilityCommencementTimeout time.Duration `yaml:"capabilityCommencementTimeout"`
	DeploymentTimeout             time.Duration `yaml:"deploymentTimeout"`

	GarbageCollectSchemaPods bool   `yaml:"garbageCollectSchemaPods"`
	StorageClassName         string `yaml:"storageClassName"`
	IngressClassName         string `yaml:"ingressClassName"`
	// DefaultRoutingSuffix builds ingress hosts as <name>.<namespace>.<suffix>
	// when a resource does not name its own host.
	DefaultRoutingSuffix string `yaml:"defaultRoutingSuffix"`

	SSO  SSOConfig  `yaml:"sso"`
	DBMS DBMSConfig `yaml:"dbms"`

	LogLevel string `yaml:"logLevel"`
}

type SSOConfig struct {
	DefaultRealm string        `yaml:"defaultRealm"`
	Image        string        `yaml:"image"`
	HTTPTimeout  time.Duration `yaml:"httpTimeout"`
}

type DBMSConfig struct {
	// Images overrides the image repository per vendor, e.g. postgresql: registry.local/postgres.
	Images map[string]string `yaml:"images"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CapabilitySyncTimeout:         DefaultCapabilitySyncTimeout,
		CapabilityCommencementTimeout: DefaultCapabilityCommencementTimeout,
		DeploymentTimeout:             DefaultDeploymentTimeout,
		GarbageCollectSchemaPods:      true,
		SSO: SSOConfig{
			DefaultRealm: DefaultSSORealm,
			Image:        DefaultSSOImage,
			HTTPTimeout:  DefaultSSOHTTPTimeout,
		},
		LogLevel: "info",
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("POD_NAMESPACE", &c.ControllerNamespace)
	str("POD_NAME", &c.ControllerPodName)
	str("FOUNDRY_CONTROLLER_NAMESPACE", &c.ControllerNamespace)
	str("FOUNDRY_STORAGECLASS", &c.StorageClassName)
	str("FOUNDRY_INGRESSCLASS", &c.IngressClassName)
	str("FOUNDRY_ROUTING_SUFFIX", &c.DefaultRoutingSuffix)
	str("FOUNDRY_SSO_REALM", &c.SSO.DefaultRealm)
	str("FOUNDRY_SSO_IMAGE", &c.SSO.Image)
	str("FOUNDRY_LOG_LEVEL", &c.LogLevel)

	if err := dur("FOUNDRY_CAPABILITY_SYNC_TIMEOUT", &c.CapabilitySyncTimeout); err != nil {
		return err
	}
	if err := dur("FOUNDRY_CAPABILITY_COMMENCEMENT_TIMEOUT", &c.CapabilityCommencementTimeout); err != nil {
		return err
	}
	if err := dur("FOUNDRY_DEPLOYMENT_TIMEOUT", &c.DeploymentTimeout); err != nil {
		return err
	}
	if v, ok := lookup("FOUNDRY_GC_SCHEMA_PODS"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("FOUNDRY_GC_SCHEMA_PODS: %w", err)
		}
		c.GarbageCollectSchemaPods = b
	}
	return nil
}

// Validate checks timeouts and the log level.
func (c Config) Validate() error {
	var errs []error
	if c.DeploymentTimeout <= 0 {
		errs = append(errs, errors.New("deploymentTimeout must be positive"))
	}
	if c.CapabilitySyncTimeout <= 0 {
		errs = append(errs, errors.New("capabilitySyncTimeout must be positive"))
	}
	if c.CapabilitySyncTimeout >= c.DeploymentTimeout {
		errs = append(errs, fmt.Errorf("capabilitySyncTimeout (%s) must be shorter than deploymentTimeout (%s)",
			c.CapabilitySyncTimeout, c.DeploymentTimeout))
	}
	if c.CapabilityCommencementTimeout <= 0 || c.CapabilityCommencementTimeout >= c.CapabilitySyncTimeout {
		errs = append(errs, fmt.Errorf("capabilityCommencementTimeout (%s) must be positive and shorter than capabilitySyncTimeout",
			c.CapabilityCommencementTimeout))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (zapcore.Level, error) {
	if strings.TrimSpace(c.LogLevel) == "" {
		return zapcore.InfoLevel, nil
	}
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("logLevel: %w", err)
	}
	return lvl, nil
}

// ImageFor returns the configured image repository for a DBMS vendor, or fallback.
func (c DBMSConfig) ImageFor(vendor, fallback string) string {
	if img := strings.TrimSpace(c.Images[vendor]); img != "" {
		return img
	}
	return fallback
}
