package domain

import "time"

// Role is the side of the call this client plays.
type Role string

const (
	RoleUser  Role = "user"
	RoleStaff Role = "staff"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleStaff
}

// CallStatus is the lifecycle state of a CallRecord.
type CallStatus string

const (
	StatusIncoming  CallStatus = "INCOMING"
	StatusAccepted  CallStatus = "ACCEPTED"
	StatusCalling   CallStatus = "CALLING"
	StatusConnected CallStatus = "CONNECTED"
	StatusEnded     CallStatus = "ENDED"
)

// Identity is who this client is on the relay.
type Identity struct {
	Token string
	ID    string
	Role  Role
}

// CallRecord is one call attempt. At most one is live at a time.
type CallRecord struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	StaffID   string     `json:"staffId"`
	Status    CallStatus `json:"status"`
	StartTime time.Time  `json:"startTime,omitempty"`
}

// Counterpart returns the id of the other party as seen by role.
func (r *CallRecord) Counterpart(role Role) string {
	if role == RoleStaff {
		return r.UserID
	}
	return r.StaffID
}

// Self returns the id of the local party as seen by role.
func (r *CallRecord) Self(role Role) string {
	if role == RoleStaff {
		return r.StaffID
	}
	return r.UserID
}

// InitiateResult is the relay's answer to a call-initiate request.
type InitiateResult struct {
	CallID string
}
