// Package logger builds the logrus logger shared by the billing components.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/ManuelReschke/billingfox/internal/pkg/env"
	"github.com/sirupsen/logrus"
)

// New returns a logger writing to stdout. Dev mode uses the text formatter,
// everything else JSON. LOG_LEVEL sets the level (default info).
func New() *logrus.Logger {
	return newLogger(os.Stdout, env.GetEnv("LOG_LEVEL", "info"), env.IsDev())
}

func newLogger(out io.Writer, level string, dev bool) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)

	if dev {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		log.Warnf("invalid LOG_LEVEL %q, using info", level)
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	return log
}
