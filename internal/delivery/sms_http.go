package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
)

// HTTPSMSConfig configures an SMS gateway reached over a JSON HTTP API.
type HTTPSMSConfig struct {
	URL     string
	Token   string
	From    string
	Timeout time.Duration
}

const (
	defaultSMSTimeout  = 15 * time.Second
	maxSMSResponseBody = 64 * 1024
	minPhoneDigits     = 7
)

// HTTPSMSSender posts {"from","to","body"} to a gateway URL with a bearer token.
type HTTPSMSSender struct {
	config HTTPSMSConfig
	client *http.Client
}

// NewHTTPSMSSender creates an HTTPSMSSender.
func NewHTTPSMSSender(cfg HTTPSMSConfig) (*HTTPSMSSender, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sms: gateway url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultSMSTimeout
	}
	return &HTTPSMSSender{config: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

type smsRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendSMS delivers one message. 429 and 5xx responses are transient; other
// 4xx responses mean the gateway rejected the number or content for good.
func (s *HTTPSMSSender) SendSMS(ctx context.Context, phone, body string) error {
	to, err := NormalizePhone(phone)
	if err != nil {
		return Permanent(ChannelSMS, err.Error())
	}

	payload, err := json.Marshal(smsRequest{From: s.config.From, To: to, Body: body})
	if err != nil {
		return Permanent(ChannelSMS, fmt.Sprintf("encode request: %s", err.Error()))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(payload))
	if err != nil {
		return Permanent(ChannelSMS, fmt.Sprintf("build request: %s", err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Transient(ChannelSMS, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxSMSResponseBody))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Transient(ChannelSMS, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	default:
		return Permanent(ChannelSMS, fmt.Sprintf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
	}
}

// NormalizePhone strips formatting and keeps a leading '+'.
func NormalizePhone(phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", fmt.Errorf("recipient has no phone number")
	}
	var b strings.Builder
	digits := 0
	for i, r := range phone {
		switch {
		case unicode.IsDigit(r):
			b.WriteRune(r)
			digits++
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", fmt.Errorf("invalid phone number %q", phone)
		}
	}
	if digits < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number %q", phone)
	}
	return b.String(), nil
}
