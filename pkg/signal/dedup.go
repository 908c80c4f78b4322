package signal

import (
	"fmt"
	"time"
)

// DefaultDedupWindow is the bucket width used for missed calls and messages.
const DefaultDedupWindow = 5 * time.Second

// DedupKey is the identity used to collapse duplicate signals.
//
// For IncomingCall the key is (kind, source): a later update for the same call
// replaces the active alert. For MissedCall and Message the key also carries a
// coarse timestamp bucket so rapid repeats collapse but later events do not.
type DedupKey struct {
	Kind     Kind
	SourceID string
	Bucket   int64
}

// KeyFor derives the DedupKey of sig. window is the bucket width for bucketed
// kinds; a non-positive window falls back to DefaultDedupWindow.
func KeyFor(sig *Signal, window time.Duration) DedupKey {
	key := DedupKey{Kind: sig.kind, SourceID: sig.sourceID}
	if sig.kind == KindIncomingCall {
		return key
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	key.Bucket = sig.receivedAt.UnixNano() / int64(window)
	return key
}

// Identity returns the key without its time bucket.
func (k DedupKey) Identity() DedupKey {
	return DedupKey{Kind: k.Kind, SourceID: k.SourceID}
}

// String renders the key as kind:source or kind:source:bucket.
func (k DedupKey) String() string {
	if k.Kind == KindIncomingCall {
		return fmt.Sprintf("%s:%s", k.Kind, k.SourceID)
	}
	return fmt.Sprintf("%s:%s:%d", k.Kind, k.SourceID, k.Bucket)
}
