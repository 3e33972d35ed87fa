// Package logging provides the component-scoped logrus wrapper used
// across the daemon, client and server packages.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}

// SetLevel adjusts the global log level (e.g. from a -v flag).
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}

// For returns a logger scoped to one component.
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}
