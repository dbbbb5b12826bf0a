package protocol

import (
	"github.com/cirruslabs/webterm/internal/settings"
)

// Event names exchanged over the socket and the gRPC channel.
const (
	// client → server
	EventCreate              = "create"
	EventDataToServer        = "dataToServer"
	EventResize              = "resize"
	EventKill                = "kill"
	EventRequestReadSettings = "requestReadSettings"

	// server → client
	EventAck          = "ack"
	EventDataToClient = "dataToClient"
	EventExit         = "exit"
	EventSettings     = "settings"
	EventError        = "error"
)

// Event is a control message. Terminal data normally travels outside of it
// (binary frames or BytesValue messages), Data is only used by clients that
// can't send those.
type Event struct {
	Event    string             `json:"event"`
	ID       string             `json:"id,omitempty"`
	Cols     int                `json:"cols,omitempty"`
	Rows     int                `json:"rows,omitempty"`
	Data     string             `json:"data,omitempty"`
	Code     *int               `json:"code,omitempty"`
	Error    string             `json:"error,omitempty"`
	Settings *settings.Document `json:"settings,omitempty"`
}

func Ack(id string, err error) Event {
	event := Event{
		Event: EventAck,
		ID:    id,
	}

	if err != nil {
		event.Error = err.Error()
	}

	return event
}

func Exit(code int) Event {
	return Event{
		Event: EventExit,
		Code:  &code,
	}
}

func Settings(id string, document settings.Document) Event {
	return Event{
		Event:    EventSettings,
		ID:       id,
		Settings: &document,
	}
}
