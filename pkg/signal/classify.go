package signal

import (
	"maps"
	"strings"
	"time"
)

// Classify validates raw and returns the immutable Signal for it. It has no side
// effects; receivedAt is supplied by the caller.
func Classify(raw Raw, receivedAt time.Time) (*Signal, error) {
	kind, err := ParseKind(raw.Kind)
	if err != nil {
		return nil, err
	}

	source := strings.TrimSpace(raw.SourceID)
	if source == "" {
		return nil, &MalformedSignalError{Kind: raw.Kind, Reason: "missing source id"}
	}

	if kind == KindMessage && raw.Payload[PayloadMessage] == "" {
		return nil, &MalformedSignalError{Kind: raw.Kind, Reason: "missing message text"}
	}

	sig := &Signal{
		kind:       kind,
		sourceID:   source,
		isVideo:    raw.IsVideo && kind.IsCall(),
		receivedAt: receivedAt,
	}
	if len(raw.Payload) > 0 {
		sig.payload = maps.Clone(raw.Payload)
	}
	return sig, nil
}
