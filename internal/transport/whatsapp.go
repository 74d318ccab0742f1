// Package transport sends outbound messages through the WhatsApp Business
// Cloud API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"whatsapp-campaign-engine/internal/models"
)

// Error is a transport failure. It is recorded in the send history and never
// retried automatically.
type Error struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("whatsapp send failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("whatsapp send failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to one WhatsApp Business phone number.
type Client struct {
	baseURL        string
	token          string
	phoneID        string
	defaultCountry string
	httpClient     *http.Client
}

// Options configures a Client.
type Options struct {
	BaseURL            string
	Token              string
	PhoneID            string
	DefaultCountryCode string
	Timeout            time.Duration
}

// NewClient builds a client with the given API credentials.
func NewClient(opts Options) *Client {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		token:          opts.Token,
		phoneID:        opts.PhoneID,
		defaultCountry: opts.DefaultCountryCode,
		httpClient:     &http.Client{Timeout: timeout},
	}
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Send delivers one payload to a recipient phone number and returns the
// provider message id.
func (c *Client) Send(ctx context.Context, to string, payload models.Payload) (string, error) {
	body, err := c.buildRequest(to, payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, c.phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &Error{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", &Error{StatusCode: resp.StatusCode, Err: err}
	}

	var decoded sendResponse
	_ = json.Unmarshal(raw, &decoded)

	if resp.StatusCode >= http.StatusBadRequest {
		msg := decoded.Error.Message
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	if len(decoded.Messages) == 0 || decoded.Messages[0].ID == "" {
		return "", &Error{StatusCode: resp.StatusCode, Message: "response carried no message id"}
	}
	return decoded.Messages[0].ID, nil
}

func (c *Client) buildRequest(to string, payload models.Payload) ([]byte, error) {
	msg := map[string]any{
		"messaging_product": "whatsapp",
		"to":                c.NormalizePhone(to),
	}
	switch p := payload.(type) {
	case models.TextPayload:
		msg["type"] = "text"
		msg["text"] = map[string]any{"body": p.Body}
	case models.MediaPayload:
		msg["type"] = "image"
		image := map[string]any{"link": p.URL}
		if p.Caption != "" {
			image["caption"] = p.Caption
		}
		msg["image"] = image
	case models.TemplatePayload:
		params := make([]map[string]any, 0, len(p.Params))
		for _, v := range p.Params {
			params = append(params, map[string]any{"type": "text", "text": v})
		}
		tpl := map[string]any{
			"name":     p.Name,
			"language": map[string]any{"code": p.Language},
		}
		if len(params) > 0 {
			tpl["components"] = []map[string]any{{"type": "body", "parameters": params}}
		}
		msg["type"] = "template"
		msg["template"] = tpl
	default:
		return nil, fmt.Errorf("unsupported payload type %T", payload)
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return body, nil
}

// NormalizePhone strips formatting and prefixes the default country code when
// the number starts with a single leading zero.
func NormalizePhone(phone, defaultCountry string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.HasPrefix(digits, "0") && defaultCountry != "" {
		digits = defaultCountry + strings.TrimLeft(digits, "0")
	}
	return digits
}

// NormalizePhone applies the client's default country code.
func (c *Client) NormalizePhone(phone string) string {
	return NormalizePhone(phone, c.defaultCountry)
}
