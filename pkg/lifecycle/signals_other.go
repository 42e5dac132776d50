//go:build !linux && !darwin

package lifecycle

import (
	"os"
	"syscall"
)

func defaultActiveSignals() []os.Signal     { return nil }
func defaultBackgroundSignals() []os.Signal { return nil }
func defaultTerminateSignals() []os.Signal  { return []os.Signal{os.Interrupt, syscall.SIGTERM} }

func suspendSignals() []os.Signal { return nil }
func resumeSignals() []os.Signal  { return nil }

func stopSelf() error { return nil }
