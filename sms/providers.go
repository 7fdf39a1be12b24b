package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openroute/gasflow/core"
)

// SendResult is the normalized provider response.
type SendResult struct {
	Success      bool
	MessageID    string
	Cost         float64
	ErrorMessage string
}

// Provider is one SMS carrier integration.
type Provider interface {
	Name() string
	Send(ctx context.Context, recipient, body string) (*SendResult, error)
	Status(ctx context.Context, providerMessageID string) (core.SMSStatus, error)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// JSONProvider posts JSON to an international carrier API.
type JSONProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewJSONProvider(name, baseURL, apiKey string, timeout time.Duration) *JSONProvider {
	return &JSONProvider{name: name, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: newHTTPClient(timeout)}
}

func (p *JSONProvider) Name() string { return p.name }

func (p *JSONProvider) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	payload, err := json.Marshal(map[string]string{
		"to":      recipient,
		"body":    body,
		"api_key": p.apiKey,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms provider %s: %w", p.name, core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	var parsed struct {
		Success   bool    `json:"success"`
		MessageID string  `json:"message_id"`
		Cost      float64 `json:"cost"`
		Error     string  `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("sms provider %s: decoding response: %w", p.name, err)
	}
	return &SendResult{
		Success:      parsed.Success,
		MessageID:    parsed.MessageID,
		Cost:         parsed.Cost,
		ErrorMessage: parsed.Error,
	}, nil
}

func (p *JSONProvider) Status(ctx context.Context, id string) (core.SMSStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/messages/"+url.PathEscape(id), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms provider %s: %w", p.name, core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	return parseProviderStatus(parsed.Status), nil
}

// QueryProvider sends through a GET endpoint with query parameters. The
// response body is a single line: "msgid=<id>" on success where a positive
// id means accepted, or "err=<code>" on failure.
type QueryProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewQueryProvider(name, baseURL, apiKey string, timeout time.Duration) *QueryProvider {
	return &QueryProvider{name: name, baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, client: newHTTPClient(timeout)}
}

func (p *QueryProvider) Name() string { return p.name }

func (p *QueryProvider) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	q := url.Values{}
	q.Set("key", p.apiKey)
	q.Set("phone", recipient)
	q.Set("message", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/send?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms provider %s: %w", p.name, core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	line := strings.TrimSpace(string(raw))

	if value, ok := strings.CutPrefix(line, "msgid="); ok {
		if id, err := strconv.ParseInt(value, 10, 64); err == nil && id > 0 {
			return &SendResult{Success: true, MessageID: value}, nil
		}
		return &SendResult{ErrorMessage: "rejected message id " + value}, nil
	}
	if value, ok := strings.CutPrefix(line, "err="); ok {
		return &SendResult{ErrorMessage: "provider error " + value}, nil
	}
	return nil, fmt.Errorf("sms provider %s: unrecognized response %q", p.name, line)
}

func (p *QueryProvider) Status(ctx context.Context, id string) (core.SMSStatus, error) {
	q := url.Values{}
	q.Set("key", p.apiKey)
	q.Set("msgid", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/status?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms provider %s: %w", p.name, core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	value, _ := strings.CutPrefix(strings.TrimSpace(string(raw)), "status=")
	return parseProviderStatus(value), nil
}

// INIProvider posts an INI-formatted body and parses an INI response.
type INIProvider struct {
	name    string
	baseURL string
	account string
	secret  string
	client  *http.Client
}

func NewINIProvider(name, baseURL, account, secret string, timeout time.Duration) *INIProvider {
	return &INIProvider{name: name, baseURL: strings.TrimRight(baseURL, "/"), account: account, secret: secret, client: newHTTPClient(timeout)}
}

func (p *INIProvider) Name() string { return p.name }

func (p *INIProvider) Send(ctx context.Context, recipient, body string) (*SendResult, error) {
	var b strings.Builder
	b.WriteString("[SMS]\n")
	b.WriteString("account=" + p.account + "\n")
	b.WriteString("password=" + p.secret + "\n")
	b.WriteString("to=" + recipient + "\n")
	b.WriteString("text=" + strings.ReplaceAll(body, "\n", " ") + "\n")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/send", strings.NewReader(b.String()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sms provider %s: %w", p.name, core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	fields := parseINI(string(raw))

	code, hasCode := fields["code"]
	if !hasCode {
		return nil, fmt.Errorf("sms provider %s: missing result code", p.name)
	}
	result := &SendResult{MessageID: fields["msgid"]}
	if cost, err := strconv.ParseFloat(fields["cost"], 64); err == nil {
		result.Cost = cost
	}
	if code == "0" {
		result.Success = true
	} else {
		result.ErrorMessage = "provider code " + code
	}
	return result, nil
}

func (p *INIProvider) Status(ctx context.Context, id string) (core.SMSStatus, error) {
	var b strings.Builder
	b.WriteString("[Query]\n")
	b.WriteString("account=" + p.account + "\n")
	b.WriteString("password=" + p.secret + "\n")
	b.WriteString("msgid=" + id + "\n")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/status", strings.NewReader(b.String()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms provider %s: %w", p.name, core.ErrConnectionFailed)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return parseProviderStatus(parseINI(string(raw))["status"]), nil
}

// parseINI extracts key=value pairs, ignoring section headers and blanks.
func parseINI(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "[") || strings.HasPrefix(line, ";") {
			continue
		}
		if key, value, found := strings.Cut(line, "="); found {
			out[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return out
}

func parseProviderStatus(raw string) core.SMSStatus {
	switch strings.ToLower(raw) {
	case "delivered", "0":
		return core.SMSDelivered
	case "failed", "undelivered", "expired":
		return core.SMSFailed
	default:
		return core.SMSSent
	}
}
