// Package logging wraps logrus the way the teacher's pkg/logger does: one
// process-wide configuration point, structured fields everywhere else.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger embeds *logrus.Logger so callers can use the familiar
// Infof/WithField/WithError API directly.
type Logger struct {
	*logrus.Logger
}

// Config controls level and format, mirroring the teacher's
// LoggingConfig (pkg/logger.LoggingConfig). It has no output setting: New
// always writes to stdout.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // "json" or "text"
}

// New builds a Logger from Config, defaulting to info/text on bad input
// rather than failing startup over a logging typo.
func New(cfg Config) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: l}
}

// Component returns a *logrus.Entry pre-tagged with component=name, the
// pattern every long-lived worker in this module uses instead of holding a
// bare *Logger.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// ForDeployment further scopes an entry to one deployment id, used by the
// instance runtime.
func ForDeployment(entry *logrus.Entry, deploymentID string) *logrus.Entry {
	return entry.WithField("deployment", deploymentID)
}
