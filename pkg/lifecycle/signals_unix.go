//go:build linux || darwin

package lifecycle

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func defaultActiveSignals() []os.Signal     { return []os.Signal{syscall.SIGUSR1} }
func defaultBackgroundSignals() []os.Signal { return []os.Signal{syscall.SIGUSR2} }
func defaultTerminateSignals() []os.Signal  { return []os.Signal{syscall.SIGTERM, syscall.SIGINT} }

func suspendSignals() []os.Signal { return []os.Signal{syscall.SIGTSTP} }
func resumeSignals() []os.Signal  { return []os.Signal{syscall.SIGCONT} }

// stopSelf performs the default SIGTSTP action we intercepted
func stopSelf() error {
	return unix.Kill(unix.Getpid(), unix.SIGSTOP)
}
