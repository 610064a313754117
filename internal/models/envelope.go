package models

import (
	"encoding/json"
	"strings"
)

// Envelope is the canonical form of every Mixcore response
// Servers answer with either {isSucceed, data, errors} or {success, data, errors}
type Envelope struct {
	Success bool
	Data    json.RawMessage
	Errors  []string

	// Configuration timestamp reported by server, nil when absent
	LastUpdateConfiguration *Timestamp

	// HTTP status code of the response, 0 if no response was received
	Status int
}

// FailedEnvelope returns envelope describing a failure with single message
func FailedEnvelope(status int, message string) Envelope {
	return Envelope{
		Success: false,
		Errors:  []string{message},
		Status:  status,
	}
}

// Error joins envelope errors into single message
func (e Envelope) Error() string {
	return strings.Join(e.Errors, "; ")
}
