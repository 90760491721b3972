package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/arman-rafiee/turnpipe/provider"
)

const completionsPath = "/v1/chat/completions"

// client speaks the OpenAI-compatible chat completions protocol. Local
// runtimes (llama.cpp server, vLLM, ollama) expose the same surface, so one
// client covers both hosted and self-hosted slots via BaseURL.
type client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// New creates a chat-completions client. baseURL may be empty for the
// hosted OpenAI endpoint.
func New(apiKey, baseURL string, timeout time.Duration) provider.Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Complete sends one chat completion request. Failures are returned as
// provider.ErrInvoke and never retried here.
func (c *client) Complete(ctx context.Context, model string, messages []provider.Message, temperature float64, maxTokens int) (provider.Completion, error) {
	body := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return provider.Completion{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+completionsPath, bytes.NewBuffer(jsonData))
	if err != nil {
		return provider.Completion{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Completion{}, provider.ErrInvoke{Model: model, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.Completion{}, provider.ErrInvoke{Model: model, Status: resp.StatusCode, Reason: "non-200 response"}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return provider.Completion{}, provider.ErrInvoke{Model: model, Reason: "malformed response: " + err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return provider.Completion{}, provider.ErrInvoke{Model: model, Reason: "no choices in response"}
	}

	return provider.Completion{
		Text:             parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
	}, nil
}
