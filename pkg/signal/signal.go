// Package signal classifies raw push payloads into immutable Signals and derives
// the identity used to collapse duplicate or overlapping deliveries.
//
// Three kinds of signal exist, each travelling on its own channel:
//   - IncomingCall: a ringing call, time-critical, replaced in place by updates
//   - MissedCall: a call the user did not pick up
//   - Message: a chat message, never retried
package signal

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// Kind is the type of an incoming signal.
type Kind string

const (
	// KindIncomingCall is a ringing call.
	KindIncomingCall Kind = "incoming_call"
	// KindMessage is a chat message.
	KindMessage Kind = "message"
	// KindMissedCall is a call that was not answered.
	KindMissedCall Kind = "missed_call"
)

// Kinds lists every recognized kind.
var Kinds = []Kind{KindIncomingCall, KindMessage, KindMissedCall}

// ParseKind validates a wire kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.TrimSpace(s)); k {
	case KindIncomingCall, KindMessage, KindMissedCall:
		return k, nil
	default:
		return "", &MalformedSignalError{Kind: s, Reason: "unrecognized kind"}
	}
}

// IsCall reports whether the kind belongs to the call family.
func (k Kind) IsCall() bool {
	return k == KindIncomingCall || k == KindMissedCall
}

// Channel returns the lane the kind is delivered on.
func (k Kind) Channel() Channel {
	switch k {
	case KindIncomingCall:
		return ChannelCalls
	case KindMissedCall:
		return ChannelMissedCalls
	default:
		return ChannelMessages
	}
}

// Priority returns the presentation priority for the kind.
func (k Kind) Priority() Priority {
	if k == KindIncomingCall {
		return PriorityMax
	}
	return PriorityDefault
}

// Channel is the kind-specific lane within which ordering and dedup apply.
type Channel string

const (
	ChannelCalls       Channel = "calls"
	ChannelMessages    Channel = "messages"
	ChannelMissedCalls Channel = "missed_calls"
)

// Channels lists every channel in a fixed order. Code that locks more than one
// channel must lock them in this order.
var Channels = []Channel{ChannelCalls, ChannelMessages, ChannelMissedCalls}

// Priority is the presentation priority of an alert.
type Priority string

const (
	PriorityDefault Priority = "default"
	PriorityMax     Priority = "max"
)

// Payload keys understood by the classifier.
const (
	PayloadMessage = "message"
)

// Raw is an unvalidated signal as received from a transport.
type Raw struct {
	Kind     string            `json:"type"`
	SourceID string            `json:"from"`
	IsVideo  bool              `json:"isVideo,omitempty"`
	Payload  map[string]string `json:"payload,omitempty"`
}

// RawFromData builds a Raw from a flat push data map, the shape push gateways
// deliver: {"type": "incoming_call", "from": "alice", "isVideo": "true"}.
// Keys other than type, from and isVideo go to the payload.
func RawFromData(data map[string]string) Raw {
	raw := Raw{
		Kind:     data["type"],
		SourceID: data["from"],
		IsVideo:  data["isVideo"] == "true",
	}
	for k, v := range data {
		switch k {
		case "type", "from", "isVideo":
			continue
		}
		if raw.Payload == nil {
			raw.Payload = make(map[string]string)
		}
		raw.Payload[k] = v
	}
	return raw
}

// Signal is one validated incoming event. It is immutable once constructed.
type Signal struct {
	kind       Kind
	sourceID   string
	isVideo    bool
	payload    map[string]string
	receivedAt time.Time
}

// Kind returns the signal kind.
func (s *Signal) Kind() Kind { return s.kind }

// SourceID returns the originator (caller or sender).
func (s *Signal) SourceID() string { return s.sourceID }

// IsVideo reports whether a call is a video call. Always false for messages.
func (s *Signal) IsVideo() bool { return s.isVideo }

// ReceivedAt returns the ingestion timestamp.
func (s *Signal) ReceivedAt() time.Time { return s.receivedAt }

// Channel returns the delivery lane of the signal.
func (s *Signal) Channel() Channel { return s.kind.Channel() }

// Priority returns the alert priority of the signal.
func (s *Signal) Priority() Priority { return s.kind.Priority() }

// Payload returns a copy of the opaque payload.
func (s *Signal) Payload() map[string]string {
	if s.payload == nil {
		return nil
	}
	return maps.Clone(s.payload)
}

// PayloadValue returns a single payload value.
func (s *Signal) PayloadValue(key string) string {
	return s.payload[key]
}

// Raw converts the signal back into its unvalidated form.
func (s *Signal) Raw() Raw {
	return Raw{
		Kind:     string(s.kind),
		SourceID: s.sourceID,
		IsVideo:  s.isVideo,
		Payload:  s.Payload(),
	}
}

// String implements fmt.Stringer.
func (s *Signal) String() string {
	return fmt.Sprintf("%s from %s", s.kind, s.sourceID)
}
