package webhook

import (
	"strconv"
	"time"

	"github.com/rmedina/waflow/pkg/flow"
)

// Payload is the WhatsApp Cloud API webhook envelope. Only the fields the
// engine consumes are declared; unknown fields are ignored on decode.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups changes for one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change carries one field update. The engine only processes "messages".
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value holds the inbound messages, delivery statuses, and contact profiles.
type Value struct {
	MessagingProduct string    `json:"messaging_product"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

// Contact maps a sender id to their display profile.
type Contact struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

// Profile carries the user-chosen display name.
type Profile struct {
	Name string `json:"name"`
}

// Status is a delivery receipt. Receipts are acknowledged and dropped.
type Status struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Message is one inbound user message.
type Message struct {
	From      string       `json:"from"`
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *TextBody    `json:"text,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
	Image     *MediaBody   `json:"image,omitempty"`
	Audio     *MediaBody   `json:"audio,omitempty"`
	Location  *Location    `json:"location,omitempty"`
}

// TextBody is the body of a plain text message.
type TextBody struct {
	Body string `json:"body"`
}

// Interactive is a button or list reply.
type Interactive struct {
	Type        string `json:"type"`
	ButtonReply *Reply `json:"button_reply,omitempty"`
	ListReply   *Reply `json:"list_reply,omitempty"`
}

// Reply identifies the chosen option.
type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MediaBody references provider-hosted media.
type MediaBody struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Location is a shared pin.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Classify maps an inbound provider message onto the engine's event model.
// Unsupported message types come back as EventUnknown and are dropped by the
// ingress after the dedup claim, so a provider retry of the same oddity is
// still deduplicated.
func Classify(msg *Message) *flow.Event {
	ev := &flow.Event{
		Type:      flow.EventUnknown,
		MessageID: msg.ID,
		Timestamp: parseEpoch(msg.Timestamp),
	}

	switch msg.Type {
	case "text":
		if msg.Text != nil {
			ev.Type = flow.EventText
			ev.Text = msg.Text.Body
		}
	case "interactive":
		if msg.Interactive == nil {
			break
		}
		switch {
		case msg.Interactive.ButtonReply != nil:
			ev.Type = flow.EventButton
			ev.ButtonID = msg.Interactive.ButtonReply.ID
			ev.ButtonTitle = msg.Interactive.ButtonReply.Title
		case msg.Interactive.ListReply != nil:
			ev.Type = flow.EventList
			ev.ButtonID = msg.Interactive.ListReply.ID
			ev.ButtonTitle = msg.Interactive.ListReply.Title
		}
	case "image":
		if msg.Image != nil {
			ev.Type = flow.EventImage
			ev.MediaID = msg.Image.ID
			ev.MimeType = msg.Image.MimeType
			ev.Text = msg.Image.Caption
		}
	case "audio":
		if msg.Audio != nil {
			ev.Type = flow.EventAudio
			ev.MediaID = msg.Audio.ID
			ev.MimeType = msg.Audio.MimeType
		}
	case "location":
		if msg.Location != nil {
			ev.Type = flow.EventLocation
			ev.Latitude = msg.Location.Latitude
			ev.Longitude = msg.Location.Longitude
			ev.LocationName = msg.Location.Name
			ev.Address = msg.Location.Address
		}
	}
	return ev
}

// contactName finds the display name for a sender in the change's contacts.
func contactName(contacts []Contact, waID string) string {
	for _, c := range contacts {
		if c.WaID == waID {
			return c.Profile.Name
		}
	}
	return ""
}

func parseEpoch(s string) time.Time {
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}
