package protocol

import "time"

// StatusUpdate announces a gate state change on the bus.
type StatusUpdate struct {
	NodeID      string    `json:"node_id"`
	SessionID   string    `json:"session_id,omitempty"`
	State       string    `json:"state"`
	WakePhrase  string    `json:"wake_phrase"`
	SleepPhrase string    `json:"sleep_phrase"`
	Timestamp   time.Time `json:"timestamp"`
}

// TranscriptMessage carries a gated transcript forwarded while the gate is active.
type TranscriptMessage struct {
	NodeID     string    `json:"node_id"`
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// PhraseMark announces a wake or sleep phrase detection.
type PhraseMark struct {
	NodeID    string    `json:"node_id"`
	SessionID string    `json:"session_id"`
	Phrase    string    `json:"phrase"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorMessage surfaces a non-fatal engine error to consumers.
type ErrorMessage struct {
	NodeID    string    `json:"node_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigureRequest replaces the gate configuration via the control surface.
type ConfigureRequest struct {
	WakePhrase     string `json:"wake_phrase"`
	SleepPhrase    string `json:"sleep_phrase"`
	Locale         string `json:"locale,omitempty"`
	Continuous     *bool  `json:"continuous,omitempty"`
	InterimResults *bool  `json:"interim_results,omitempty"`
}

// ControlReply acknowledges a control request.
type ControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// StatusReply answers a status request.
type StatusReply struct {
	State       string `json:"state"`
	SessionID   string `json:"session_id,omitempty"`
	WakePhrase  string `json:"wake_phrase"`
	SleepPhrase string `json:"sleep_phrase"`
}

// Heartbeat is published periodically by each node with its gate state.
type Heartbeat struct {
	NodeID    string    `json:"node_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// Announce introduces a node to its peers when it joins the bus.
type Announce struct {
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectGateStatus        = "earshot.gate.status"
	SubjectGateWake          = "earshot.gate.wake"
	SubjectGateSleep         = "earshot.gate.sleep"
	SubjectGateError         = "earshot.gate.error"
	SubjectTranscriptPartial = "earshot.transcript.partial"
	SubjectTranscriptFinal   = "earshot.transcript.final"

	SubjectControlStart     = "earshot.control.start"
	SubjectControlStop      = "earshot.control.stop"
	SubjectControlConfigure = "earshot.control.configure"
	SubjectControlStatus    = "earshot.control.status"

	SubjectNodeAnnounce  = "earshot.node.announce"
	SubjectNodeHeartbeat = "earshot.node.heartbeat"
)
