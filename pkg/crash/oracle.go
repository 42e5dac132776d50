// Package crash answers one question per launch: did the previous
// lifetime end in an uncaught fatal error?
//
// Two mutually exclusive answers are available. A Predicate asks an
// existing crash reporter. A Trap records its own evidence, using the Go
// runtime's single process-wide crash output slot
// (runtime/debug.SetCrashOutput) plus a deferrable Guard. A process must
// pick one: only one owner of the crash output slot can exist.
package crash

import (
	"fmt"
	"sync"

	"github.com/psantana5/oomwatch/pkg/logging"
)

// Oracle reports whether the previous process lifetime crashed
type Oracle interface {
	HadCrash() bool
}

// predicateOracle asks a caller-supplied detector, once
type predicateOracle struct {
	fn     func() bool
	logger *logging.Logger

	once    sync.Once
	crashed bool
}

// NewPredicate wraps a caller-supplied detector.
// A panicking detector counts as "no crash"; over-reporting is worse than missing one.
func NewPredicate(fn func() bool, logger *logging.Logger) Oracle {
	if logger == nil {
		logger = logging.Nop()
	}
	return &predicateOracle{fn: fn, logger: logger}
}

// HadCrash implements Oracle
func (p *predicateOracle) HadCrash() bool {
	p.once.Do(func() {
		p.crashed = p.ask()
	})
	return p.crashed
}

func (p *predicateOracle) ask() (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Crash detector panicked, assuming no crash", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
			crashed = false
		}
	}()
	return p.fn()
}

// Static is an Oracle with a fixed answer
type Static bool

// HadCrash implements Oracle
func (s Static) HadCrash() bool { return bool(s) }
