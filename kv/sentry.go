package kv

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// sentryReporter forwards background-failure errors to Sentry when a DSN
// is configured; with an empty DSN it is a no-op.
type sentryReporter struct {
	enabled bool
}

func newSentryReporter(dsn string) sentryReporter {
	if dsn == "" {
		return sentryReporter{}
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return sentryReporter{}
	}
	return sentryReporter{enabled: true}
}

func (r sentryReporter) captureException(err error) {
	if !r.enabled || err == nil {
		return
	}
	sentry.CaptureException(err)
	sentry.Flush(2 * time.Second)
}
