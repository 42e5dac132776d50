//go:build !linux && !darwin

package lifecycle

// InForeground implements ForegroundProbe
func (p TerminalProbe) InForeground() (bool, error) {
	return false, ErrProbeUnsupported
}
