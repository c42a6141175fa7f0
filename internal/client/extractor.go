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
	"strings"
	"time"

	"github.com/voicebridge/api/internal/config"
	"github.com/voicebridge/api/internal/retry"
)

// ExtractorClient talks to a document text-extraction microservice
// (PDF/EPUB/DOCX and friends). Invoked once per text_to_audiobook job.
type ExtractorClient struct {
	httpClient *http.Client
	baseURL    string
}

// ExtractResponse is the extraction service's response payload.
type ExtractResponse struct {
	Text  string `json:"text"`
	Pages int    `json:"pages,omitempty"`
}

// NewExtractorClient creates a new text-extraction client
func NewExtractorClient(cfg *config.ExtractorConfig) *ExtractorClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &ExtractorClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.ServiceURL,
	}
}

// Extract returns the document's plain text. Plain-text formats are read
// directly; other formats go to the extraction service. Without a
// configured service, non-plain formats fail fatally.
func (c *ExtractorClient) Extract(ctx context.Context, docPath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(docPath))
	if ext == ".txt" || ext == ".md" {
		data, err := os.ReadFile(docPath)
		if err != nil {
			return "", retry.Fatal(fmt.Errorf("failed to read document: %w", err))
		}
		return string(data), nil
	}

	if !c.IsConfigured() {
		return "", retry.Fatal(fmt.Errorf("extraction service not configured for %s documents", ext))
	}

	file, err := os.Open(docPath)
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to open document: %w", err))
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(docPath))
	if err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to create form file: %w", err))
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to read document: %w", err))
	}
	if err := writer.Close(); err != nil {
		return "", retry.Fatal(fmt.Errorf("failed to finalize form: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/extract", &buf)
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
		return "", classifyStatus("extractor", resp.StatusCode, respBody)
	}

	var out ExtractResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", retry.Transient(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return out.Text, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ExtractorClient) IsConfigured() bool {
	return c.baseURL != ""
}
