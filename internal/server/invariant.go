package server

import (
	"fmt"
	"log"
)

// invariantViolated reports corrupted registry state. Builds tagged "debug"
// panic; other builds log and let the caller clamp.
func invariantViolated(l *log.Logger, format string, args ...any) {
	msg := fmt.Sprintf("invariant violated: "+format, args...)
	if strictInvariants {
		panic(msg)
	}

	l.Println(msg)
}
