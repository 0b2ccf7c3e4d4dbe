package domain

// Signaling events consumed from the relay.
const (
	EventIncomingCall        = "incoming-call"
	EventInitiateCall        = "initiate-call"
	EventOffer               = "offer"
	EventAnswer              = "answer"
	EventICECandidate        = "ice-candidate"
	EventCallAccepted        = "call-accepted"
	EventCallRejected        = "call-rejected"
	EventCallStarted         = "call-started"
	EventCallEnded           = "call-ended"
	EventCallError           = "call-error"
	EventStaffUnavailable    = "staff-unavailable"
	EventProcessPendingOffer = "process-pending-offer"
)

// Signaling events produced towards the relay.
const (
	EventJoinCall   = "join-call"
	EventCallAccept = "call-accept"
	EventCallReject = "call-reject"
	EventCallEnd    = "call-end"
	EventCallStart  = "call-start"
)

// SDPPayload is the JSON structure for SDP offer/answer messages.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate messages.
type ICECandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalPayload is the data part of every relay message. Which fields are
// set depends on the event.
type SignalPayload struct {
	CallID    string               `json:"callId,omitempty"`
	UserID    string               `json:"userId,omitempty"`
	StaffID   string               `json:"staffId,omitempty"`
	From      string               `json:"from,omitempty"`
	To        string               `json:"to,omitempty"`
	SDP       *SDPPayload          `json:"sdp,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
	Priority  string               `json:"priority,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	Message   string               `json:"message,omitempty"`
}
