// Package observability provides the structured logger and Prometheus
// registry shared by every component. The teacher server referenced a
// middleware.Logging that was never implemented; this package is where
// that gap is filled, using zap instead of the stdlib logger.
package observability

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger for the given level ("debug", "info",
// "warn", "error") and format ("json", "text"/"console").
func NewLogger(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if format == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stdout)), lvl)
	return zap.New(core, zap.AddCaller()), nil
}

// DroneID, MissionID, Component and Topic are the field helpers reused
// throughout the codebase so log lines stay consistently keyed.
func DroneID(id string) zap.Field   { return zap.String("drone_id", id) }
func MissionID(id string) zap.Field { return zap.String("mission_id", id) }
func Component(name string) zap.Field { return zap.String("component", name) }
func Topic(name string) zap.Field   { return zap.String("topic", name) }
