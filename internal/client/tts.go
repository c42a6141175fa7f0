package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/voicebridge/api/internal/config"
	"github.com/voicebridge/api/internal/model"
	"github.com/voicebridge/api/internal/retry"
)

// TTSClient talks to a piper-style text-to-speech microservice. Audio for
// one chunk is written to a local file under the caller-chosen path; the
// path doubles as the chunk's audio reference.
type TTSClient struct {
	httpClient *http.Client
	baseURL    string
}

// SynthesizeRequest is the TTS service's request payload.
type SynthesizeRequest struct {
	Text     string `json:"text"`
	VoiceID  string `json:"voice_id"`
	Language string `json:"language"`
}

// NewTTSClient creates a new text-to-speech client
func NewTTSClient(cfg *config.TTSConfig) *TTSClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &TTSClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.ServiceURL,
	}
}

// Synthesize narrates text with the given voice and writes the audio to
// outputPath. Without a configured service URL a deterministic placeholder
// file is written instead.
func (c *TTSClient) Synthesize(ctx context.Context, text, voiceID, language, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return retry.Fatal(fmt.Errorf("failed to create output dir: %w", err))
	}

	if !c.IsConfigured() {
		return writeMockAudio(outputPath, text)
	}

	reqBody := SynthesizeRequest{Text: text, VoiceID: voiceID, Language: language}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/synthesize", bytes.NewReader(bodyBytes))
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Transient(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus("tts", resp.StatusCode, respBody)
	}

	tmp := outputPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return retry.Fatal(fmt.Errorf("failed to create audio file: %w", err))
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return retry.Transient(fmt.Errorf("failed to write audio: %w", err))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return retry.Fatal(fmt.Errorf("failed to close audio file: %w", err))
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return retry.Fatal(fmt.Errorf("failed to finalize audio file: %w", err))
	}
	return nil
}

// ListVoices returns the synthesizer's voice catalog, optionally filtered
// by language. Without a configured service a small mock catalog is
// returned.
func (c *TTSClient) ListVoices(ctx context.Context, language string) ([]model.VoiceInfo, error) {
	if !c.IsConfigured() {
		return mockVoices(language), nil
	}

	endpoint := c.baseURL + "/voices"
	if language != "" {
		endpoint += "?language=" + url.QueryEscape(language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Fatal(fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus("tts", resp.StatusCode, respBody)
	}

	var voices []model.VoiceInfo
	if err := json.Unmarshal(respBody, &voices); err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to unmarshal response: %w", err))
	}
	return voices, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *TTSClient) IsConfigured() bool {
	return c.baseURL != ""
}

// writeMockAudio produces a tiny deterministic placeholder so downstream
// assembly has real files to concatenate during development.
func writeMockAudio(outputPath, text string) error {
	content := fmt.Sprintf("MOCKAUDIO:%d:%s\n", len(text), firstRunes(text, 48))
	if err := os.WriteFile(outputPath, []byte(content), 0o644); err != nil {
		return retry.Fatal(fmt.Errorf("failed to write mock audio: %w", err))
	}
	return nil
}

func firstRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

func mockVoices(language string) []model.VoiceInfo {
	all := []model.VoiceInfo{
		{ID: "en_US-amy-medium", Name: "Amy", Language: "en", Quality: "medium"},
		{ID: "en_US-ryan-high", Name: "Ryan", Language: "en", Quality: "high"},
		{ID: "ro_RO-mihai-medium", Name: "Mihai", Language: "ro", Quality: "medium"},
		{ID: "de_DE-thorsten-high", Name: "Thorsten", Language: "de", Quality: "high"},
		{ID: "fr_FR-siwis-medium", Name: "Siwis", Language: "fr", Quality: "medium"},
	}
	if language == "" {
		return all
	}
	var out []model.VoiceInfo
	for _, v := range all {
		if v.Language == language {
			out = append(out, v)
		}
	}
	return out
}
