// Package session owns the mutable state of one broker session: connection
// status, balance, orders, payouts, quotes and server time.
package session

import "fmt"

// Status is the lifecycle state of the session.
type Status uint8

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusAuthenticating
	StatusReady
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusAuthenticating:
		return "authenticating"
	case StatusReady:
		return "ready"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
// Staying in the same state is always allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next || next == StatusDisconnected {
		return true
	}
	switch s {
	case StatusDisconnected:
		return next == StatusConnecting
	case StatusConnecting:
		return next == StatusAuthenticating || next == StatusFailed
	case StatusAuthenticating:
		return next == StatusReady || next == StatusFailed || next == StatusConnecting
	case StatusReady:
		return next == StatusFailed
	default:
		return false
	}
}
