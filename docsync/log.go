package docsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `docsync` package:
// Info:
//     events for abnormal but expected behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) lifecycle data that is useful for monitoring.
//     this includes:
//     - disconnects, reconnects and handshake timeouts
//     - protocol violations and the close code sent
//     - ERROR replies from the peer
// Error:
//     unrecoverable failure details
//     this includes:
//     - panics in user callbacks even if handled and suppressed
// V(1):
//     key lifecycle events with ids that can be used to filter
//     (connect, ack, pull, session created, root added/removed)
// V(2):
//     per message traces (send, receive, patch applied)
//
// Messages are prefixed with a short component tag:
// [c] connection, [s] session, [d] document, [m] model, [srv] server

type LogFunction func(string, ...any)

var modelLog = LogFn(0, "m")

// LogFn returns a tagged info logger that only emits at verbosity `level`.
// Level 0 always logs.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("%s: %s", tag, m)
	}
}
