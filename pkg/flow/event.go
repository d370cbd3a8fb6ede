package flow

import "time"

// EventType classifies an inbound webhook message.
type EventType string

const (
	EventText     EventType = "text"
	EventButton   EventType = "button"
	EventList     EventType = "list"
	EventImage    EventType = "image"
	EventAudio    EventType = "audio"
	EventLocation EventType = "location"
	EventStatus   EventType = "status"
	EventUnknown  EventType = "unknown"
)

// Event is one classified inbound message, normalized from the provider
// payload. Only the fields matching Type are populated.
type Event struct {
	Type      EventType
	MessageID string

	// Text payload.
	Text string

	// Interactive button or list reply.
	ButtonID    string
	ButtonTitle string

	// Media reference (image, audio). The bytes live at the provider until
	// downloaded.
	MediaID  string
	MimeType string

	// Location pin.
	Latitude     float64
	Longitude    float64
	LocationName string
	Address      string

	Timestamp time.Time
}
