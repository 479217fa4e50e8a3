package config

import (
	"fmt"
	"os"
	"strconv"
)

// Load loads configuration from environment variables, falling back to
// defaults for any missing values.
func Load() (*Config, error) {
	cfg := Default()

	if port := os.Getenv("SAR_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("SAR_PORT: %w", err)
		}
		cfg.Server.Port = p
	}

	if host := os.Getenv("SAR_HOST"); host != "" {
		cfg.Server.Host = host
	}

	if logLevel := os.Getenv("SAR_LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if logFormat := os.Getenv("SAR_LOG_FORMAT"); logFormat != "" {
		cfg.Logging.Format = logFormat
	}

	if regPath := os.Getenv("SAR_DRONE_REGISTRY"); regPath != "" {
		cfg.Server.DroneRegistryPath = regPath
	}

	if baud := os.Getenv("SAR_MAVLINK_BAUD"); baud != "" {
		b, err := strconv.Atoi(baud)
		if err != nil {
			return nil, fmt.Errorf("SAR_MAVLINK_BAUD: %w", err)
		}
		cfg.MAVLink.DefaultBaudRate = b
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
