// Package providertest provides an in-memory fake messaging client for
// tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rmedina/waflow/pkg/provider"
)

// Sent records one outbound message.
type Sent struct {
	Kind    string // text, buttons, list
	To      string
	Body    string
	Buttons []provider.Button
}

// Fake is a thread-safe in-memory provider.Client. It records every send
// and can be made to fail on demand.
type Fake struct {
	mu    sync.Mutex
	sends []Sent

	// Err, when set, is returned by every send call.
	Err error

	// Media maps media id to content returned by MediaURL/DownloadMedia.
	Media map[string][]byte
}

// New creates an empty fake client.
func New() *Fake {
	return &Fake{Media: make(map[string][]byte)}
}

var _ provider.Client = (*Fake)(nil)

func (f *Fake) SendText(_ context.Context, to, body string) error {
	return f.record(Sent{Kind: "text", To: to, Body: body})
}

func (f *Fake) SendButtons(_ context.Context, to, body string, buttons []provider.Button) error {
	return f.record(Sent{Kind: "buttons", To: to, Body: body, Buttons: buttons})
}

func (f *Fake) SendList(_ context.Context, to, body, _ string, _ []provider.ListSection) error {
	return f.record(Sent{Kind: "list", To: to, Body: body})
}

func (f *Fake) MediaURL(_ context.Context, mediaID string) (*provider.MediaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Media[mediaID]; !ok {
		return nil, fmt.Errorf("unknown media id %s", mediaID)
	}
	return &provider.MediaInfo{
		ID:       mediaID,
		URL:      "fake://media/" + mediaID,
		MimeType: "image/jpeg",
	}, nil
}

func (f *Fake) DownloadMedia(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, data := range f.Media {
		if url == "fake://media/"+id {
			return data, nil
		}
	}
	return nil, fmt.Errorf("unknown media url %s", url)
}

func (f *Fake) record(s Sent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.sends = append(f.sends, s)
	return nil
}

// Sends returns a copy of everything sent so far.
func (f *Fake) Sends() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Sent, len(f.sends))
	copy(out, f.sends)
	return out
}

// SentTo returns messages sent to one identity.
func (f *Fake) SentTo(identity string) []Sent {
	var out []Sent
	for _, s := range f.Sends() {
		if s.To == identity {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the total number of sends.
func (f *Fake) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// Reset clears the recorded sends.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = nil
}
