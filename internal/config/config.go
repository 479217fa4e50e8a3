// Package config loads application configuration the way the teacher
// server did: typed defaults overridden by environment variables, plus a
// YAML-backed drone roster loaded separately.
package config

import "fmt"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	MAVLink   MAVLinkConfig
	Logging   LoggingConfig
	Mission   MissionConfig
	Emergency EmergencyConfig
}

type ServerConfig struct {
	Host              string
	Port              int
	CORSOrigins       []string
	DroneRegistryPath string // path to drones.yaml
}

type MAVLinkConfig struct {
	// Default connection settings, used when a drone's own registry entry
	// omits them.
	DefaultBaudRate int
}

type LoggingConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "text"
}

type MissionConfig struct {
	PrepareTimeoutSeconds int
	LowBatteryPercent     float64
	CriticalBatteryPercent float64
	CommunicationTimeoutSeconds int
}

type EmergencyConfig struct {
	DeadlineSeconds        int
	IdempotenceWindowSeconds int
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			CORSOrigins: []string{
				"http://localhost:5173", // Vite dev server
				"http://localhost:3000",
			},
			DroneRegistryPath: "./data/config/drones.yaml",
		},
		MAVLink: MAVLinkConfig{
			DefaultBaudRate: 57600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Mission: MissionConfig{
			PrepareTimeoutSeconds:       30,
			LowBatteryPercent:           25,
			CriticalBatteryPercent:      15,
			CommunicationTimeoutSeconds: 10,
		},
		Emergency: EmergencyConfig{
			DeadlineSeconds:          5,
			IdempotenceWindowSeconds: 1,
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Mission.CriticalBatteryPercent >= c.Mission.LowBatteryPercent {
		return fmt.Errorf("critical battery threshold must be below low battery threshold")
	}

	return nil
}

// ServerAddr returns the server address as host:port.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
