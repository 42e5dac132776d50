package lifecycle

import "errors"

// ErrProbeUnsupported is returned where the platform has no notion of a
// foreground process group
var ErrProbeUnsupported = errors.New("foreground probe not supported on this platform")

// ForegroundProbe reports whether this process is currently in the foreground
type ForegroundProbe interface {
	InForeground() (bool, error)
}

// ProbeFunc adapts a function to ForegroundProbe
type ProbeFunc func() (bool, error)

// InForeground implements ForegroundProbe
func (f ProbeFunc) InForeground() (bool, error) { return f() }

// Fixed is a probe with a constant answer
type Fixed bool

// InForeground implements ForegroundProbe
func (f Fixed) InForeground() (bool, error) { return bool(f), nil }

// TerminalProbe treats "foreground" as owning the controlling terminal:
// our process group is the terminal's foreground process group.
// A process without a controlling terminal (daemon, service) is in the background.
type TerminalProbe struct {
	// Path of the controlling terminal device, default /dev/tty
	Path string
}

func (p TerminalProbe) path() string {
	if p.Path == "" {
		return "/dev/tty"
	}
	return p.Path
}
