package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/measurely/am"
	"github.com/teranos/measurely/errors"
	"github.com/teranos/measurely/internal/httpclient"
	"github.com/teranos/measurely/logger"
)

const (
	anthropicVersion   = "2023-06-01"
	defaultMaxTokens   = 1024
	defaultTemperature = 0.0

	systemPrompt = "You are a data retrieval agent. Use the provided tools to query the " +
		"connected external system, then answer with a single JSON object and nothing else. " +
		"Never invent values; if the data cannot be retrieved, say so in an `error` field."
)

// AnthropicBackend talks to a retrieval gateway speaking the Anthropic
// Messages API. Connection credentials travel in headers the gateway
// consumes to configure tool access; they are never part of the prompt.
type AnthropicBackend struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *httpclient.SaferClient
}

// NewAnthropicBackend creates a backend from configuration. The request
// timeout is owned by the caller's context, not the HTTP client.
func NewAnthropicBackend(cfg am.BackendConfig) (*AnthropicBackend, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("backend base URL not configured")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("backend API key not configured")
	}

	b := &AnthropicBackend{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: defaultTemperature,
		maxTokens:   defaultMaxTokens,
		client: httpclient.New(0, httpclient.Options{
			AllowPrivateIP: cfg.AllowPrivateIP,
		}),
	}
	if cfg.Temperature != nil {
		b.temperature = *cfg.Temperature
	}
	if cfg.MaxTokens != nil {
		b.maxTokens = *cfg.MaxTokens
	}
	return b, nil
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Usage   usage          `json:"usage"`
	Error   *apiError      `json:"error,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // tool name for tool_use blocks
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Fetch sends the prompt and parses the gateway response.
func (b *AnthropicBackend) Fetch(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(messagesRequest{
		Model:       b.model,
		MaxTokens:   b.maxTokens,
		Temperature: b.temperature,
		System:      systemPrompt,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode backend request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build backend request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", b.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("X-System-Key", req.Connection.SystemKey)
	httpReq.Header.Set("X-Connection-Credentials", base64.StdEncoding.EncodeToString(req.Connection.Secret))

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, errors.Wrap(errors.ErrExecution, "backend returned unparseable response")
	}
	if parsed.Error != nil {
		return nil, errors.Wrapf(errors.ErrExecution, "backend error: %s", parsed.Error.Type)
	}

	var text strings.Builder
	var tools []string
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			tools = append(tools, block.Name)
		}
	}

	raw := extractJSONObject(text.String())
	if raw == "" {
		return nil, errors.Wrap(errors.ErrResponseSchemaViolation, "backend response contains no JSON object")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, errors.Wrap(errors.ErrResponseSchemaViolation, "backend response is not a JSON object")
	}

	totalTokens := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
	cost := calculateCost(b.model, parsed.Usage.InputTokens, parsed.Usage.OutputTokens)

	logger.Debugw("backend fetch finished",
		"model", b.model,
		"system_key", req.Connection.SystemKey,
		"tokens", totalTokens,
		"tools", len(tools),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &Result{
		Payload:      payload,
		RawPayload:   raw,
		TokensUsed:   totalTokens,
		CostEstimate: cost,
		ToolsInvoked: tools,
	}, nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrTimeout, "backend request deadline exceeded")
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return errors.Wrap(errors.ErrTimeout, "backend request timed out")
	}
	return errors.Wrapf(errors.ErrExecution, "backend request failed: %v", err)
}

func classifyStatus(status int, body []byte) error {
	var parsed struct {
		Error *apiError `json:"error"`
	}
	detail := ""
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil {
		detail = parsed.Error.Type
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Wrapf(errors.ErrAuthenticationFailed, "backend rejected credentials (%d %s)", status, detail)
	case status == http.StatusTooManyRequests:
		return errors.Wrapf(errors.ErrExternalRateLimited, "backend rate limited (%s)", detail)
	case status == http.StatusBadRequest:
		return errors.Wrapf(errors.ErrInvalidRequest, "backend rejected request (%s)", detail)
	case status == http.StatusGatewayTimeout:
		return errors.Wrap(errors.ErrTimeout, "backend gateway timed out")
	default:
		return errors.Wrapf(errors.ErrExecution, "backend returned status %d (%s)", status, detail)
	}
}

// extractJSONObject returns the outermost JSON object embedded in model
// output, tolerating prose or fencing around it.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
