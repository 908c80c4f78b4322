// Package alert turns delivery decisions into presentation commands for the
// external alert renderer.
package alert

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/securecall/callrelay/pkg/signal"
)

// IncomingCallTimeout is how long a ringing call alert stays up.
const IncomingCallTimeout = 30 * time.Second

// Command is a presentation request understood by the renderer. Rendering a
// command whose HandleID is already shown replaces it in place.
type Command struct {
	HandleID   string            `json:"handleId"`
	Channel    signal.Channel    `json:"channel"`
	Title      string            `json:"title"`
	Body       string            `json:"body"`
	DedupKey   string            `json:"dedupKey"`
	Priority   signal.Priority   `json:"priority"`
	Timeout    time.Duration     `json:"timeoutMs,omitempty"`
	FullScreen bool              `json:"fullScreen,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// MarshalJSON renders Timeout in milliseconds.
func (c Command) MarshalJSON() ([]byte, error) {
	type wire Command
	return json.Marshal(struct {
		wire
		Timeout int64 `json:"timeoutMs,omitempty"`
	}{wire: wire(c), Timeout: c.Timeout.Milliseconds()})
}

// Handle identifies a presented alert.
type Handle struct {
	ID  string          `json:"id"`
	Key signal.DedupKey `json:"-"`
}

// CommandFor builds the presentation command for sig.
func CommandFor(sig *signal.Signal, key signal.DedupKey, handleID string) Command {
	cmd := Command{
		HandleID: handleID,
		Channel:  sig.Channel(),
		DedupKey: key.String(),
		Priority: sig.Priority(),
		Data: map[string]string{
			"type": string(sig.Kind()),
			"from": sig.SourceID(),
		},
	}

	switch sig.Kind() {
	case signal.KindIncomingCall:
		cmd.Title = "Incoming call"
		if sig.IsVideo() {
			cmd.Title = "Incoming video call"
		}
		cmd.Body = fmt.Sprintf("%s is calling you", sig.SourceID())
		cmd.Timeout = IncomingCallTimeout
		cmd.FullScreen = true
		cmd.Data["isVideo"] = strconv.FormatBool(sig.IsVideo())
	case signal.KindMissedCall:
		cmd.Title = "Missed call"
		if sig.IsVideo() {
			cmd.Title = "Missed video call"
		}
		cmd.Body = fmt.Sprintf("From: %s", sig.SourceID())
		cmd.Data["isVideo"] = strconv.FormatBool(sig.IsVideo())
	case signal.KindMessage:
		cmd.Title = sig.SourceID()
		cmd.Body = sig.PayloadValue(signal.PayloadMessage)
	}
	return cmd
}
