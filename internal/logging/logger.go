package logging

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zplace/internal/config"
)

// InitLogger sets the log level and format based on the provided configuration
func InitLogger(cfg *config.Config) {
	setLogLevel(cfg.LogLevel)
	log.SetFormatter(formatter(cfg.LogFormat))
}

// InitFromEnv initializes logging from environment variables
func InitFromEnv() {
	setLogLevel(os.Getenv("LOG_LEVEL"))
}

func formatter(format string) log.Formatter {
	if strings.EqualFold(format, "json") {
		return &log.JSONFormatter{}
	}
	return &log.TextFormatter{
		FullTimestamp: true,
	}
}

// setLogLevel falls back to error for unknown or empty levels
func setLogLevel(logLevel string) {
	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(logLevel)))
	if err != nil {
		level = log.ErrorLevel
	}
	log.SetLevel(level)
}

func init() {
	InitFromEnv()
}
