// Package log is the daemon-wide structured logging wrapper, a thin
// facade over logrus in the spirit of the teacher's pkg/log: one
// singleton logger, per-component entries obtained with WithComponent,
// and level/output/formatter controlled centrally from daemon startup.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

// WithComponent returns a logger entry tagged with the component name,
// mirroring internal/plugins/linux/rpm.go's `log.WithPlugin("Rpm")`
// convention (there: `var rpmlog = log.WithPlugin("Rpm")`).
func WithComponent(name string) *logrus.Entry {
	return base.WithField("component", name)
}

// SetLevel sets the minimum logged level.
func SetLevel(level logrus.Level) { base.SetLevel(level) }

// ParseAndSetLevel parses a level name (debug, info, warn, error) and
// applies it, defaulting to Info on an unrecognized name.
func ParseAndSetLevel(name string) error {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		base.SetLevel(logrus.InfoLevel)
		return err
	}
	base.SetLevel(level)
	return nil
}

// SetOutput redirects all logging output.
func SetOutput(w io.Writer) { base.SetOutput(w) }

// SetJSONFormat switches between the plain-text and JSON formatters.
func SetJSONFormat(json bool) {
	if json {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
