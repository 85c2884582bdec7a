// Package types provides common type definitions for the WabiView system.
package types

import (
	"encoding/json"
	"strings"
)

// RoundPhase represents the phase of a WabiSabi round as reported by a coordinator
type RoundPhase int

const (
	// PhaseInputRegistration is the phase where participants register inputs
	PhaseInputRegistration RoundPhase = 0
	// PhaseConnectionConfirmation is the phase where registered inputs confirm
	PhaseConnectionConfirmation RoundPhase = 1
	// PhaseOutputRegistration is the phase where participants register outputs
	PhaseOutputRegistration RoundPhase = 2
	// PhaseTransactionSigning is the phase where participants sign the coinjoin
	PhaseTransactionSigning RoundPhase = 3
	// PhaseEnded is the terminal phase
	PhaseEnded RoundPhase = 4
)

// IsEnded reports whether the phase is terminal
func (p RoundPhase) IsEnded() bool {
	return p == PhaseEnded
}

// IsKnown reports whether the phase is one of the five WabiSabi phases
func (p RoundPhase) IsKnown() bool {
	return p >= PhaseInputRegistration && p <= PhaseEnded
}

// String returns the display name of the phase
func (p RoundPhase) String() string {
	switch p {
	case PhaseInputRegistration:
		return "Input Registration"
	case PhaseConnectionConfirmation:
		return "Connection Confirmation"
	case PhaseOutputRegistration:
		return "Output Registration"
	case PhaseTransactionSigning:
		return "Transaction Signing"
	case PhaseEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}

// CoinjoinStatus is the confirmation filter accepted by the dashboard
type CoinjoinStatus string

const (
	// StatusAny applies no confirmation filter
	StatusAny CoinjoinStatus = ""
	// StatusConfirmed selects coinjoins with a block height
	StatusConfirmed CoinjoinStatus = "confirmed"
	// StatusUnconfirmed selects coinjoins without a block height
	StatusUnconfirmed CoinjoinStatus = "unconfirmed"
)

// ParseCoinjoinStatus normalizes a status filter. Unknown values mean no filter.
func ParseCoinjoinStatus(s string) CoinjoinStatus {
	switch CoinjoinStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusConfirmed:
		return StatusConfirmed
	case StatusUnconfirmed:
		return StatusUnconfirmed
	default:
		return StatusAny
	}
}

// BlameRoundReason is the failure reason recorded for blame rounds
const BlameRoundReason = "Blame round"

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// PhaseDisplay pairs a phase with its display name for JSON responses
type PhaseDisplay struct {
	Phase RoundPhase
}

// MarshalJSON renders both the numeric phase and its name
func (p PhaseDisplay) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value int    `json:"value"`
		Name  string `json:"name"`
	}{
		Value: int(p.Phase),
		Name:  p.Phase.String(),
	})
}
