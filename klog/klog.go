// Package klog is the kernel's structured-logging seam. Every package that
// can fail in a way worth surfacing (frame exhaustion, rlimit rejection,
// COW fork, clone flag rejection) logs through a component-scoped entry
// built here, rather than through the global logger.
package klog

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

// For returns a logger scoped to component, e.g. klog.For("vmar").
func For(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts the global verbosity, e.g. from config.Boot in future
// extensions. Debug is used liberally in the page-table cursor and clone
// packages for state transitions that are only interesting under -v.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
