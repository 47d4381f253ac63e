package config

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// ValidateConfig checks every section of config.
func ValidateConfig(config *Config) error {
	if err := config.DB.Validate(); err != nil {
		return fmt.Errorf("db validation failed: %w", err)
	}
	if err := config.Storage.Validate(); err != nil {
		return fmt.Errorf("storage validation failed: %w", err)
	}
	if err := config.Log.Validate(); err != nil {
		return fmt.Errorf("log validation failed: %w", err)
	}
	if err := config.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics validation failed: %w", err)
	}
	return nil
}

// Validate checks the [storage] section.
func (s *StorageConfig) Validate() error {
	if s.CacheSize < 0 {
		return fmt.Errorf("cache_size must be non-negative, got %d", s.CacheSize)
	}
	if _, err := s.LayoutVersion(); err != nil {
		return fmt.Errorf("invalid layout: %w", err)
	}
	if s.RecursionLimit < 1 {
		return fmt.Errorf("recursion_limit must be at least 1, got %d", s.RecursionLimit)
	}
	if s.PreFetchDepth < 0 {
		return fmt.Errorf("prefetch_depth must be non-negative, got %d", s.PreFetchDepth)
	}
	if s.NegativeCacheSize < 0 {
		return fmt.Errorf("negative_cache_size must be non-negative, got %d", s.NegativeCacheSize)
	}
	if s.NegativeCacheTTL < 0 {
		return fmt.Errorf("negative_cache_ttl must be non-negative, got %s", s.NegativeCacheTTL)
	}
	return nil
}

// Validate checks the [log] section.
func (l *LogConfig) Validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("invalid level: %w", err)
	}
	switch l.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid format %q (valid options: text, json)", l.Format)
	}
	return nil
}

// Validate checks the [metrics] section.
func (m *MetricsConfig) Validate() error {
	if m.Enabled && m.Namespace == "" {
		return fmt.Errorf("namespace is required when metrics are enabled")
	}
	return nil
}
