package cmd

import (
	"fmt"
	"os"

	"github.com/ChristopherHX/gh-runner-broker/config"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
)

// initLogging configures the standard logger from cfg.
func initLogging(cfg config.Config) error {
	level, err := log.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("BROKER_LOG_LEVEL: %w", err)
	}
	if cfg.Debug {
		level = log.DebugLevel
	}
	if cfg.Trace {
		level = log.TraceLevel
	}
	log.SetLevel(level)
	log.SetReportCaller(cfg.Trace)

	switch cfg.Logging.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text", "":
		isTerm := isatty.IsTerminal(os.Stdout.Fd())
		log.SetFormatter(&log.TextFormatter{
			DisableColors: !isTerm,
			FullTimestamp: true,
		})
	default:
		return fmt.Errorf("BROKER_LOG_FORMAT: unknown format %q", cfg.Logging.Format)
	}
	return nil
}
