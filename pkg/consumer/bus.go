// Package consumer carries delivered events to the application layer and
// reports whether a consumer is attached and able to accept them.
package consumer

import (
	"context"
	"time"

	"github.com/securecall/callrelay/pkg/signal"
)

// Event names understood by the application layer.
const (
	EventIncomingCall = "incomingCall"
	EventMissedCall   = "missedCall"
	EventNewMessage   = "newMessage"
)

// Event is a single emission to the consumer.
type Event struct {
	Name      string         `json:"name"`
	Data      map[string]any `json:"data"`
	EmittedAt time.Time      `json:"emittedAt"`
}

// EventFor builds the consumer event for a classified signal.
func EventFor(sig *signal.Signal, at time.Time) *Event {
	ev := &Event{
		Data:      map[string]any{"from": sig.SourceID()},
		EmittedAt: at,
	}
	switch sig.Kind() {
	case signal.KindIncomingCall:
		ev.Name = EventIncomingCall
		ev.Data["isVideo"] = sig.IsVideo()
	case signal.KindMissedCall:
		ev.Name = EventMissedCall
		ev.Data["isVideo"] = sig.IsVideo()
	case signal.KindMessage:
		ev.Name = EventNewMessage
		ev.Data["message"] = sig.PayloadValue(signal.PayloadMessage)
	}
	return ev
}

// RawFromEvent rebuilds the raw signal an event was emitted for. It reports
// false for events that do not carry a signal, such as control frames.
func RawFromEvent(ev *Event) (signal.Raw, bool) {
	if ev == nil {
		return signal.Raw{}, false
	}
	raw := signal.Raw{}
	switch ev.Name {
	case EventIncomingCall:
		raw.Kind = string(signal.KindIncomingCall)
	case EventMissedCall:
		raw.Kind = string(signal.KindMissedCall)
	case EventNewMessage:
		raw.Kind = string(signal.KindMessage)
	default:
		return signal.Raw{}, false
	}
	raw.SourceID, _ = ev.Data["from"].(string)
	raw.IsVideo, _ = ev.Data["isVideo"].(bool)
	if text, ok := ev.Data["message"].(string); ok {
		raw.Payload = map[string]string{signal.PayloadMessage: text}
	}
	return raw, true
}

// Bus delivers events to attached consumers.
type Bus interface {
	// Emit hands the event to every attached consumer without blocking. It
	// returns an UnavailableError when nobody can receive it. Events already
	// queued for a consumer are never evicted to make room.
	Emit(ctx context.Context, ev *Event) error

	// Attach registers a consumer and returns its event stream.
	Attach(ctx context.Context, consumerID string) (<-chan *Event, error)

	// Detach removes the consumer and closes its stream. unsent are events the
	// consumer took from the stream but could not deliver; they are reported
	// to the OnUndelivered hooks together with whatever is left in the stream.
	Detach(consumerID string, unsent ...*Event) error

	// OnUndelivered registers a hook receiving events that were accepted for
	// a consumer but never reached it.
	OnUndelivered(fn func([]*Event))

	// Ready reports whether at least one consumer can accept an event now.
	Ready() bool

	// OnAttach registers a hook run after every successful Attach.
	OnAttach(fn func())

	// Close shuts down the bus and detaches all consumers.
	Close() error

	// Healthy returns true if the bus is operational.
	Healthy() bool
}

// drain empties ch without blocking.
func drain(ch chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func reportUndelivered(hooks []func([]*Event), evs []*Event) {
	kept := make([]*Event, 0, len(evs))
	for _, ev := range evs {
		if ev != nil {
			kept = append(kept, ev)
		}
	}
	if len(kept) == 0 {
		return
	}
	for _, fn := range hooks {
		fn(kept)
	}
}
