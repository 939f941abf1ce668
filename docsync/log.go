package docsync

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `docsync` packages:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - channel errors, timeouts and reconnect exhaustion
//     - undecodable or rejected payloads
// Error:
//     unrecoverable crash details
//     this includes:
//     - unexpected panics even if handled and suppressed for partial operation
// V(1):
//     lifecycle events with ids that can be used to filter
//     - connect, subscribe ack, disconnect, destroy
// V(2):
//     per message traces - send, receive, apply, flush

const LogLevelLifecycle = 1
const LogLevelTrace = 2

type LogFunction func(string, ...any)

// prefixes every line with `tag`, e.g. `[c]room/session`
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s %s", tag, m))
		}
	}
}
