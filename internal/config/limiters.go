package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/iago/content-worker/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

type limitersFile struct {
	Services []ratelimit.Config `yaml:"services"`
}

// DefaultLimiters is used when no limiter file is configured.
func DefaultLimiters() []ratelimit.Config {
	return []ratelimit.Config{
		{
			Service:          "text",
			MaxPerWindow:     60,
			MaxCostPerWindow: 90000,
			Window:           time.Minute,
		},
		{
			Service:          "image",
			MaxPerWindow:     30,
			Window:           time.Minute,
			PollMaxPerWindow: 120,
		},
	}
}

// LoadLimiters reads per-service limiter profiles from a YAML file. Services
// missing from the file keep their default profile.
//
//	services:
//	  - service: text
//	    max_per_window: 120
//	    max_cost_per_window: 150000
//	    window: 1m
//	  - service: image
//	    max_per_window: 30
//	    poll_max_per_window: 120
func LoadLimiters(path string) ([]ratelimit.Config, error) {
	defaults := DefaultLimiters()
	if strings.TrimSpace(path) == "" {
		return defaults, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read limiters file: %w", err)
	}
	var file limitersFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("parse limiters file: %w", err)
	}

	seen := make(map[string]bool, len(file.Services))
	configs := make([]ratelimit.Config, 0, len(file.Services)+len(defaults))
	for i, cfg := range file.Services {
		cfg.Service = strings.TrimSpace(cfg.Service)
		if cfg.Service == "" {
			return nil, fmt.Errorf("limiters file entry %d: service is required", i)
		}
		if seen[cfg.Service] {
			return nil, fmt.Errorf("limiters file: service %q listed twice", cfg.Service)
		}
		if cfg.MaxPerWindow < 0 || cfg.MaxCostPerWindow < 0 || cfg.PollMaxPerWindow < 0 {
			return nil, fmt.Errorf("limiters file: service %q has a negative limit", cfg.Service)
		}
		seen[cfg.Service] = true
		configs = append(configs, cfg)
	}
	for _, cfg := range defaults {
		if !seen[cfg.Service] {
			configs = append(configs, cfg)
		}
	}
	return configs, nil
}
