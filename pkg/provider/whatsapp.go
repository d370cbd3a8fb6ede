package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/internal/telemetry"
)

const (
	defaultBaseURL = "https://graph.facebook.com/v19.0"
	defaultTimeout = 15 * time.Second

	// maxMediaBytes caps media downloads. WhatsApp images top out at 5 MB
	// and audio at 16 MB.
	maxMediaBytes = 16 << 20
)

// Config contains WhatsApp Cloud API configuration.
type Config struct {
	// BaseURL is the Graph API root. Default: https://graph.facebook.com/v19.0
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// AccessToken is the permanent system-user token.
	AccessToken string `mapstructure:"access_token" yaml:"access_token"`

	// PhoneNumberID is the sender phone number id, not the display number.
	PhoneNumberID string `mapstructure:"phone_number_id" yaml:"phone_number_id"`

	// Timeout bounds each API call. Default: 15s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = defaultTimeout
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return fmt.Errorf("provider access token is required")
	}
	if c.PhoneNumberID == "" {
		return fmt.Errorf("provider phone number id is required")
	}
	return nil
}

// WhatsAppClient implements Client against the WhatsApp Cloud API.
type WhatsAppClient struct {
	config     *Config
	httpClient *http.Client
	guard      Guard
}

// NewWhatsApp creates a Cloud API client. guard may be nil, in which case
// calls are not circuit-protected.
func NewWhatsApp(config *Config, guard Guard) (*WhatsAppClient, error) {
	if config == nil {
		return nil, fmt.Errorf("provider config is required")
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &WhatsAppClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		guard: guard,
	}, nil
}

// apiError is the Graph API error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// SendText sends a plain text message.
func (c *WhatsAppClient) SendText(ctx context.Context, to, body string) error {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"body": body},
	}
	return c.send(ctx, payload)
}

// SendButtons sends an interactive reply-button message.
func (c *WhatsAppClient) SendButtons(ctx context.Context, to, body string, buttons []Button) error {
	if len(buttons) == 0 || len(buttons) > 3 {
		return fmt.Errorf("interactive message requires 1-3 buttons, got %d", len(buttons))
	}

	actions := make([]map[string]any, 0, len(buttons))
	for _, b := range buttons {
		actions = append(actions, map[string]any{
			"type":  "reply",
			"reply": map[string]any{"id": b.ID, "title": b.Title},
		})
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": body},
			"action": map[string]any{"buttons": actions},
		},
	}
	return c.send(ctx, payload)
}

// SendList sends an interactive list message.
func (c *WhatsAppClient) SendList(ctx context.Context, to, body, buttonLabel string, sections []ListSection) error {
	if len(sections) == 0 {
		return fmt.Errorf("list message requires at least one section")
	}

	secs := make([]map[string]any, 0, len(sections))
	for _, s := range sections {
		rows := make([]map[string]any, 0, len(s.Rows))
		for _, r := range s.Rows {
			row := map[string]any{"id": r.ID, "title": r.Title}
			if r.Description != "" {
				row["description"] = r.Description
			}
			rows = append(rows, row)
		}
		secs = append(secs, map[string]any{"title": s.Title, "rows": rows})
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "interactive",
		"interactive": map[string]any{
			"type":   "list",
			"body":   map[string]any{"text": body},
			"action": map[string]any{"button": buttonLabel, "sections": secs},
		},
	}
	return c.send(ctx, payload)
}

// MediaURL resolves a media id to its short-lived download descriptor.
func (c *WhatsAppClient) MediaURL(ctx context.Context, mediaID string) (*MediaInfo, error) {
	var info MediaInfo
	err := c.execute(func() error {
		return c.doJSON(ctx, http.MethodGet, c.config.BaseURL+"/"+mediaID, nil, &info)
	})
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DownloadMedia fetches the bytes behind a media URL. The URL host differs
// from the API host but wants the same bearer token.
func (c *WhatsAppClient) DownloadMedia(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := c.execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("media download failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("media download failed with status %d", resp.StatusCode)
		}

		data, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
		if err != nil {
			return fmt.Errorf("failed to read media body: %w", err)
		}
		if len(data) > maxMediaBytes {
			return fmt.Errorf("media exceeds %d byte limit", maxMediaBytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// send posts a message payload to the phone-number messages endpoint.
func (c *WhatsAppClient) send(ctx context.Context, payload map[string]any) error {
	ctx, span := telemetry.StartProviderSpan(ctx, "send")
	defer span.End()

	url := fmt.Sprintf("%s/%s/messages", c.config.BaseURL, c.config.PhoneNumberID)
	err := c.execute(func() error {
		return c.doJSON(ctx, http.MethodPost, url, payload, nil)
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
	}
	return err
}

// execute runs op under the circuit breaker when one is configured.
func (c *WhatsAppClient) execute(op func() error) error {
	if c.guard == nil {
		return op()
	}
	return c.guard.Execute(op)
}

// doJSON performs an HTTP request and decodes the JSON response.
func (c *WhatsAppClient) doJSON(ctx context.Context, method, url string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			logger.WarnCtx(ctx, "provider api error",
				logger.Service("whatsapp"),
				"status", resp.StatusCode,
				"code", apiErr.Error.Code,
				logger.Err(fmt.Errorf("%s", apiErr.Error.Message)),
			)
			return fmt.Errorf("provider error %d (code %d): %s",
				resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("provider error %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
