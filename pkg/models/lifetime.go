package models

import "fmt"

// Classification is how the previous process lifetime ended
type Classification string

const (
	ClassificationCrash              Classification = "crash"                // Uncaught fatal error recorded
	ClassificationNormalTermination  Classification = "normal_termination"   // Reached will-terminate, or first launch
	ClassificationMemoryPressureKill Classification = "memory_pressure_kill" // Alive at last record, no crash, no terminate
)

// Event is a host lifecycle transition
type Event string

const (
	EventBecameActive      Event = "became_active"
	EventEnteredBackground Event = "entered_background"
	EventWillTerminate     Event = "will_terminate"
)

// Persisted flag names. Stores prefix them with a namespace.
const (
	FlagWasRunning      = "wasRunning"
	FlagWasInForeground = "wasInForeground"
	FlagCrash           = "crashFlag"
)

// LaunchState is how the baseline foreground flag is chosen for a new lifetime
type LaunchState string

const (
	LaunchStateAuto       LaunchState = "auto"       // Ask the foreground probe
	LaunchStateForeground LaunchState = "foreground" // Always started in foreground
	LaunchStateBackground LaunchState = "background" // Always started in background
)

// Verdict is the final classification of the previous lifetime.
// WasInForeground is only meaningful for ClassificationMemoryPressureKill.
type Verdict struct {
	Classification  Classification `json:"classification"`
	WasInForeground bool           `json:"was_in_foreground"`
}

// Flags is a snapshot of the three persisted booleans
type Flags struct {
	WasRunning      bool `json:"was_running"`
	WasInForeground bool `json:"was_in_foreground"`
	Crash           bool `json:"crash"`
}

// FlagsFor returns the flag values a lifecycle event must leave behind
func FlagsFor(ev Event) (running, foreground bool, err error) {
	switch ev {
	case EventBecameActive:
		return true, true, nil
	case EventEnteredBackground:
		return true, false, nil
	case EventWillTerminate:
		return false, false, nil
	default:
		return false, false, fmt.Errorf("unknown lifecycle event: %s", ev)
	}
}

// ParseEvent parses an event name
func ParseEvent(s string) (Event, error) {
	ev := Event(s)
	if _, _, err := FlagsFor(ev); err != nil {
		return "", err
	}
	return ev, nil
}

// ParseLaunchState parses a launch state, defaulting to auto when empty
func ParseLaunchState(s string) (LaunchState, error) {
	switch LaunchState(s) {
	case "", LaunchStateAuto:
		return LaunchStateAuto, nil
	case LaunchStateForeground, LaunchStateBackground:
		return LaunchState(s), nil
	default:
		return "", fmt.Errorf("invalid launch state %q (want auto, foreground or background)", s)
	}
}

// IsKill returns true if the verdict should be reported to the handler
func (v Verdict) IsKill() bool {
	return v.Classification == ClassificationMemoryPressureKill
}

func (v Verdict) String() string {
	if v.IsKill() {
		return fmt.Sprintf("%s (foreground=%t)", v.Classification, v.WasInForeground)
	}
	return string(v.Classification)
}
