package scriptgen

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"pitchengine/internal/domain"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	openAITemperature  = 0.8
	openAIMaxTokens    = 500
)

// OpenAIBackend generates scripts with the OpenAI chat completions API.
type OpenAIBackend struct {
	client *openai.Client
	apiKey string
	model  string
}

// NewOpenAIBackend creates a backend. baseURL may be empty to use the public API.
func NewOpenAIBackend(apiKey, baseURL, model string) *OpenAIBackend {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = headerCapturingDoer{next: cfg.HTTPClient}
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAIBackend{
		client: openai.NewClientWithConfig(cfg),
		apiKey: apiKey,
		model:  model,
	}
}

func (b *OpenAIBackend) Name() string { return ProviderOpenAI }

func (b *OpenAIBackend) Configured() bool { return b.apiKey != "" }

// Complete sends a system and user message and returns the first choice.
func (b *OpenAIBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	headers := &responseHeaders{}
	ctx = context.WithValue(ctx, responseHeadersKey{}, headers)

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       b.model,
		Temperature: openAITemperature,
		MaxTokens:   openAIMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: openai.ChatMessageRoleUser, Content: prompt.User},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			msg := apiErr.Message
			if code, ok := apiErr.Code.(string); ok && code != "" {
				msg = code + ": " + msg
			}
			return "", statusError(ProviderOpenAI, apiErr.HTTPStatusCode, msg, headers.retryAfter)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
			return "", statusError(ProviderOpenAI, reqErr.HTTPStatusCode, reqErr.Error(), headers.retryAfter)
		}
		return "", callError(ctx, ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		return "", domain.NewError(domain.StageGenerate, domain.CodeProviderUnavailable, "empty completion", nil).WithProvider(ProviderOpenAI)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// go-openai errors do not carry response headers, so the Retry-After header
// is captured on the way through the HTTP client.
type responseHeadersKey struct{}

type responseHeaders struct {
	retryAfter string
}

type headerCapturingDoer struct {
	next openai.HTTPDoer
}

func (d headerCapturingDoer) Do(req *http.Request) (*http.Response, error) {
	resp, err := d.next.Do(req)
	if resp != nil {
		if h, ok := req.Context().Value(responseHeadersKey{}).(*responseHeaders); ok {
			h.retryAfter = resp.Header.Get("Retry-After")
		}
	}
	return resp, err
}
