// Package logging configures the process-wide logrus logger.
package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Init sets the level and output format of the standard logger.
// Format "json" is meant for log aggregation; anything else is text.
func Init(level, format string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)

	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

// ForProject returns an entry tagged with the component and project.
func ForProject(component, projectID string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"component":  component,
		"project_id": projectID,
	})
}

// ForComponent returns an entry tagged with the component only.
func ForComponent(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}
