package signal

import (
	"fmt"
	"strings"
)

// Status is the closed set of lifecycle states.
type Status int

const (
	Pending Status = iota
	Submitted
	Filled
	Rejected
	Cancelled
	Closed
)

var statusNames = [...]string{"PENDING", "SUBMITTED", "FILLED", "REJECTED", "CANCELLED", "CLOSED"}

func (s Status) String() string {
	if s < Pending || s > Closed {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus reads a status name case-insensitively.
func ParseStatus(v string) (Status, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	if s < Pending || s > Closed {
		return nil, fmt.Errorf("invalid status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Terminal reports CANCELLED and CLOSED. REJECTED only leaves through an explicit retry.
func (s Status) Terminal() bool { return s == Cancelled || s == Closed }

// transitions is the exhaustive edge list; anything absent is illegal.
var transitions = map[Status][]Status{
	Pending:   {Submitted, Rejected, Cancelled},
	Submitted: {Filled, Rejected, Cancelled},
	Filled:    {Closed},
	Rejected:  {Pending},
	Cancelled: nil,
	Closed:    nil,
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// HoldsBudget reports whether a signal in this state still counts against the daily risk budget.
func (s Status) HoldsBudget() bool {
	switch s {
	case Pending, Submitted, Filled, Closed:
		return true
	default:
		return false
	}
}
