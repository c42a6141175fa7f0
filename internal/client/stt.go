package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/voicebridge/api/internal/config"
	"github.com/voicebridge/api/internal/retry"
)

// STTClient talks to a whisper-style speech-to-text microservice.
type STTClient struct {
	httpClient *http.Client
	baseURL    string
}

// TranscribeResponse is the STT service's response payload.
type TranscribeResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// NewSTTClient creates a new speech-to-text client
func NewSTTClient(cfg *config.STTConfig) *STTClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &STTClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.ServiceURL,
	}
}

// Transcribe uploads the audio file and returns the recognized text.
// Without a configured service URL a deterministic mock transcript is
// returned.
func (c *STTClient) Transcribe(ctx context.Context, audioPath, language string) (string, error) {
	if !c.IsConfigured() {
		return mockTranscript(audioPath), nil
	}

	file, err := os.Open(audioPath)
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to open audio file: %w", err))
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to create form file: %w", err))
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to read audio file: %w", err))
	}
	if err := writer.WriteField("language", language); err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to write form field: %w", err))
	}
	if err := writer.Close(); err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to finalize form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcribe", &buf)
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

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
		return "", classifyStatus("stt", resp.StatusCode, respBody)
	}

	var out TranscribeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", retry.Transient(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return out.Text, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *STTClient) IsConfigured() bool {
	return c.baseURL != ""
}

func mockTranscript(audioPath string) string {
	return fmt.Sprintf(
		"This is a mock transcript for %s. The speech-to-text service is not configured. "+
			"Each sentence here stands in for recognized speech.",
		filepath.Base(audioPath))
}
