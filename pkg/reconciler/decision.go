package reconciler

// State is the outcome of reconciling one signal.
type State string

const (
	// StateDeliveredDirect means the consumer received the event.
	StateDeliveredDirect State = "delivered_direct"
	// StateBuffered means the signal waits in the pending buffer and an alert
	// was requested alongside.
	StateBuffered State = "buffered"
	// StateEscalated means delivery was abandoned in favour of an alert.
	StateEscalated State = "escalated"
	// StateDuplicate means the signal repeated one seen within the dedup window.
	StateDuplicate State = "duplicate"
	// StateRejected means the signal was malformed.
	StateRejected State = "rejected"
	// StateDropped means delivery and alerting both failed; the loss is logged.
	StateDropped State = "dropped"
)

// Decision describes what happened to an ingested signal.
type Decision struct {
	State    State  `json:"state"`
	Key      string `json:"dedupKey,omitempty"`
	HandleID string `json:"alertId,omitempty"`
	// RequestID is the correlation id of the ingest request, if any.
	RequestID string `json:"requestId,omitempty"`
}
