package session

import "fmt"

// State is a device lifecycle state.
type State uint8

const (
	Disconnected State = iota
	Connecting
	HealthChecking
	SpinningUp
	Scanning
	Faulted
)

var stateNames = [...]string{
	Disconnected:   "disconnected",
	Connecting:     "connecting",
	HealthChecking: "health-checking",
	SpinningUp:     "spinning-up",
	Scanning:       "scanning",
	Faulted:        "faulted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Outcome is the result of running one state's action.
type Outcome uint8

const (
	// Succeeded means the action completed.
	Succeeded Outcome = iota
	// Tolerated means the action failed but the failure budget is not spent.
	Tolerated
	// Failed means the action failed and the session cannot continue.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Tolerated:
		return "tolerated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Next returns the state that follows s given the outcome of its action.
//
//	Disconnected   -> Connecting
//	Connecting     -> HealthChecking | Faulted
//	HealthChecking -> SpinningUp     | Faulted
//	SpinningUp     -> Scanning
//	Scanning       -> Scanning       | Faulted
//	Faulted        -> Disconnected
func Next(s State, o Outcome) State {
	switch s {
	case Disconnected:
		return Connecting
	case Connecting:
		if o == Succeeded {
			return HealthChecking
		}
		return Faulted
	case HealthChecking:
		if o == Succeeded {
			return SpinningUp
		}
		return Faulted
	case SpinningUp:
		return Scanning
	case Scanning:
		if o == Failed {
			return Faulted
		}
		return Scanning
	default:
		return Disconnected
	}
}

// FailureCounter counts consecutive acquisition failures. A threshold of 0
// faults on the first failure, 1 allows one free retry, and so on.
type FailureCounter struct {
	threshold int
	count     int
}

// NewFailureCounter returns a counter that is exceeded after threshold+1
// consecutive failures. Negative thresholds are treated as 0.
func NewFailureCounter(threshold int) *FailureCounter {
	if threshold < 0 {
		threshold = 0
	}
	return &FailureCounter{threshold: threshold}
}

// Record counts a failure and reports whether the threshold is now exceeded.
func (c *FailureCounter) Record() (exceeded bool) {
	c.count++
	return c.count > c.threshold
}

// Reset clears the count after a success.
func (c *FailureCounter) Reset() { c.count = 0 }

// Count returns the current run of failures.
func (c *FailureCounter) Count() int { return c.count }

// Threshold returns the configured tolerance.
func (c *FailureCounter) Threshold() int { return c.threshold }
