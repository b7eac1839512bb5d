package helpers

import (
	"os"

	log "github.com/sirupsen/logrus"
)

/**
configures the process-wide logger. An unrecognised level falls back to info.
*/
func SetupLogging(level string) {
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	parsed, parseErr := log.ParseLevel(level)
	if parseErr != nil {
		log.Warnf("Unrecognised log level %q, using info", level)
		parsed = log.InfoLevel
	}
	log.SetLevel(parsed)
}
