package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/voicebridge/api/internal/config"
	"github.com/voicebridge/api/internal/retry"
)

// TranslatorClient talks to an OpenAI-compatible chat-completions API and
// turns it into a per-chunk translation call. Chunks translate
// independently; an optional hint carries neighboring text for coherence.
type TranslatorClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// ChatMessage represents a message in the chat completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request body for chat completion
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// ChatCompletionResponse represents the response from chat completion
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// NewTranslatorClient creates a new translation API client
func NewTranslatorClient(cfg *config.TranslatorConfig) *TranslatorClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &TranslatorClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
	}
}

// Translate renders text from sourceLang into targetLang. hint is optional
// free-text context (subject matter, neighboring chunk tail). Without an
// API key a deterministic mock translation is returned so the pipeline
// stays usable in development.
func (c *TranslatorClient) Translate(ctx context.Context, text, sourceLang, targetLang, hint string) (string, error) {
	if !c.IsConfigured() {
		return mockTranslate(text, targetLang), nil
	}

	system := fmt.Sprintf(
		"You are a professional literary translator. Translate the user's text from %s to %s. "+
			"Preserve paragraph breaks, tone and register. Output only the translation, nothing else.",
		sourceLang, targetLang)
	if hint != "" {
		system += " Context: " + hint
	}

	reqBody := ChatCompletionRequest{
		Model: c.model,
		Messages: []ChatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: text},
		},
		Temperature: 0.3,
		MaxTokens:   8192,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", retry.Transient(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus("translator", resp.StatusCode, respBody)
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", retry.Transient(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	if len(chatResp.Choices) == 0 {
		return "", retry.Transient(fmt.Errorf("no choices in response"))
	}

	out := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if out == "" {
		return "", retry.Transient(fmt.Errorf("empty translation in response"))
	}
	return out, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *TranslatorClient) IsConfigured() bool {
	return c.apiKey != ""
}

// mockTranslate is the development fallback: deterministic, reversible and
// obviously not a real translation.
func mockTranslate(text, targetLang string) string {
	return fmt.Sprintf("[%s] %s", targetLang, text)
}
