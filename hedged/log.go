package hedged

import (
	"github.com/btcsuite/btclog"
	"github.com/hashhedge/hedge"
	"github.com/hashhedge/hedge/notifications"
	"github.com/hashhedge/hedge/session"
	"github.com/lightningnetwork/lnd"
	"github.com/lightningnetwork/lnd/build"
	"github.com/lightningnetwork/lnd/signal"
)

const Subsystem = "HEDGD"

var (
	logWriter   *build.RotatingLogWriter
	log         btclog.Logger
	interceptor signal.Interceptor
)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.RotatingLogWriter,
	intercept signal.Interceptor) {

	genLogger := genSubLogger(root, intercept)

	logWriter = root
	log = build.NewSubLogger(Subsystem, genLogger)
	interceptor = intercept

	lnd.SetSubLogger(root, Subsystem, log)
	lnd.AddSubLogger(root, "HEDGE", intercept, hedge.UseLogger)
	lnd.AddSubLogger(
		root, notifications.Subsystem, intercept,
		notifications.UseLogger,
	)
	lnd.AddSubLogger(
		root, session.Subsystem, intercept, session.UseLogger,
	)
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.RotatingLogWriter,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, shutdown)
	}
}
