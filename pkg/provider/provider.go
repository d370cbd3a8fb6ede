// Package provider defines the outbound messaging surface and its WhatsApp
// Cloud API implementation.
//
// Flow handlers and background tasks depend only on the Client interface;
// the concrete HTTP client is wired at startup and guarded by a circuit
// breaker.
package provider

import "context"

// Button is one reply button on an interactive message. WhatsApp allows at
// most three per message.
type Button struct {
	ID    string
	Title string
}

// ListRow is one selectable row inside a list section.
type ListRow struct {
	ID          string
	Title       string
	Description string
}

// ListSection groups list rows under an optional title.
type ListSection struct {
	Title string
	Rows  []ListRow
}

// MediaInfo describes a provider-hosted media object. The URL is short-lived
// and must be fetched with the same credentials as the API.
type MediaInfo struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// Client is the messaging provider surface the engine depends on.
type Client interface {
	// SendText sends a plain text message.
	SendText(ctx context.Context, to, body string) error

	// SendButtons sends an interactive message with up to three reply buttons.
	SendButtons(ctx context.Context, to, body string, buttons []Button) error

	// SendList sends an interactive list message. buttonLabel is the text on
	// the button that opens the list.
	SendList(ctx context.Context, to, body, buttonLabel string, sections []ListSection) error

	// MediaURL resolves a media id to its download descriptor.
	MediaURL(ctx context.Context, mediaID string) (*MediaInfo, error)

	// DownloadMedia fetches the bytes behind a MediaInfo URL.
	DownloadMedia(ctx context.Context, url string) ([]byte, error)
}

// Guard admits or rejects outbound calls. *breaker.Breaker satisfies it.
type Guard interface {
	CanExecute() error
	Execute(op func() error) error
}
