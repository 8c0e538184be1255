// Package assertutil provides debug-mode invariant checks for the raft
// engine. It is grounded on the teacher's utils/assert.go: panics are
// reserved for programmer errors and invariant violations, never for
// ordinary, caller-triggerable failures (those use the error taxonomy in
// the root package instead).
package assertutil

import "fmt"

// Debug controls whether Assert panics. Tests and fixtures run with it
// enabled; a production build may disable it to shave the branch.
var Debug = true

// Assert panics with a formatted message when cond is false and Debug is
// enabled.
func Assert(cond bool, format string, args ...interface{}) {
	if Debug && !cond {
		panic(fmt.Sprintf(format, args...))
	}
}

// NotNil panics when obj is nil and Debug is enabled.
func NotNil(obj interface{}, format string, args ...interface{}) {
	Assert(obj != nil, format, args...)
}
