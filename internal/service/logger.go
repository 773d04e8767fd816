package service

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"log"
)

// Logger is the process-wide sink every component derives its own
// component-scoped logger from, e.g.
// service.Logger.With(zap.String("component", "link")).
var Logger *zap.Logger

// InitLogger builds the production Zap logger. Call once at process
// startup before any component logger is derived from Logger.
func InitLogger() {
	config := zap.NewProductionConfig()

	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.TimeKey = "time"

	// config.OutputPaths = []string{"stdout", "log/agent.log"}

	var err error
	Logger, err = config.Build()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
}
