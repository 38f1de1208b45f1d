package scriptgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pitchengine/internal/domain"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	defaultAnthropicModel   = "claude-3-5-sonnet-20240620"
	anthropicVersion        = "2023-06-01"
	anthropicMaxTokens      = 500
)

// AnthropicBackend generates scripts with the Anthropic messages API.
type AnthropicBackend struct {
	client  *http.Client
	apiKey  string
	baseURL string
	model   string
}

// NewAnthropicBackend creates a backend. baseURL may be empty to use the public API.
func NewAnthropicBackend(apiKey, baseURL, model string) *AnthropicBackend {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicBackend{
		client:  &http.Client{},
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

func (b *AnthropicBackend) Name() string { return ProviderAnthropic }

func (b *AnthropicBackend) Configured() bool { return b.apiKey != "" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete posts to /v1/messages and concatenates the text blocks of the reply.
func (b *AnthropicBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	body, err := json.Marshal(anthropicRequest{
		Model:       b.model,
		MaxTokens:   anthropicMaxTokens,
		Temperature: openAITemperature,
		System:      prompt.System,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt.User}},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", b.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", callError(ctx, ProviderAnthropic, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", callError(ctx, ProviderAnthropic, err)
	}

	var parsed anthropicResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Type + ": " + parsed.Error.Message
		}
		return "", statusError(ProviderAnthropic, resp.StatusCode, msg, resp.Header.Get("Retry-After"))
	}
	if decodeErr != nil {
		return "", domain.NewError(domain.StageGenerate, domain.CodeProviderUnavailable, "malformed response", decodeErr).WithProvider(ProviderAnthropic)
	}

	var out strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", domain.NewError(domain.StageGenerate, domain.CodeProviderUnavailable, "empty completion", nil).WithProvider(ProviderAnthropic)
	}
	return strings.TrimSpace(out.String()), nil
}
