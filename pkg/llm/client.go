// Package llm provides the generative answer client used by the
// retrieval orchestrator. One implementation speaks the OpenAI chat
// completions protocol; a mock implementation serves tests and offline
// development. Which one runs is a startup decision, not call-time
// dispatch.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

// Generator produces one completion for a prompt.
type Generator interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// Config holds settings for the generative client.
type Config struct {
	Provider    string        `json:"provider"` // "openai" or "mock"
	APIKey      string        `json:"api_key"`
	APIEndpoint string        `json:"api_endpoint"`
	ModelName   string        `json:"model_name"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Timeout     time.Duration `json:"timeout"`
}

// New creates the configured Generator.
func New(config *Config, logger *slog.Logger) (Generator, error) {
	if config == nil {
		return nil, fmt.Errorf("llm config cannot be nil")
	}
	switch config.Provider {
	case "openai":
		return newOpenAIClient(config, logger), nil
	case "mock":
		return &MockGenerator{}, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider %q", config.Provider)
	}
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint. All
// calls go through a circuit breaker: once the provider starts failing
// consistently, further queries fail fast instead of queueing behind a
// dead upstream.
type OpenAIClient struct {
	config     *Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

func newOpenAIClient(config *Config, logger *slog.Logger) *OpenAIClient {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}

	logger = logger.With("component", "openai-llm", "model", config.ModelName)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "llm-generate",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &OpenAIClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string { return "openai" }

// Generate runs one chat completion for the prompt. There are no
// follow-up turns; retries are left to the caller.
func (c *OpenAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, prompt)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.config.ModelName,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.APIEndpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("chat API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var apiResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if apiResp.Error != nil {
		return "", fmt.Errorf("chat API error: %s", apiResp.Error.Message)
	}
	if len(apiResp.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}

	answer := strings.TrimSpace(apiResp.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("chat API returned an empty answer")
	}
	return answer, nil
}

// MockGenerator returns a canned completion. The Response and Err fields
// let tests script the outcome.
type MockGenerator struct {
	Response string
	Err      error
	// LastPrompt records the most recent prompt for assertions.
	LastPrompt string
}

// Name returns the provider name.
func (m *MockGenerator) Name() string { return "mock" }

// Generate returns the scripted response or error.
func (m *MockGenerator) Generate(_ context.Context, prompt string) (string, error) {
	m.LastPrompt = prompt
	if m.Err != nil {
		return "", m.Err
	}
	if m.Response != "" {
		return m.Response, nil
	}
	return "mock answer", nil
}
