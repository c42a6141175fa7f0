package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/voicebridge/api/internal/client"
	"github.com/voicebridge/api/internal/config"
	"github.com/voicebridge/api/internal/handler"
	"github.com/voicebridge/api/internal/middleware"
	"github.com/voicebridge/api/internal/progress"
	"github.com/voicebridge/api/internal/service"
	"github.com/voicebridge/api/internal/store"
)

// testApp holds all components needed for testing
type testApp struct {
	app *fiber.App
}

// setupApp creates a Fiber app identical to main.go but with unconfigured
// external clients, so every service answers with its mock fallback.
// Requires a local Redis; DB 15 keeps test keys away from real data.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr: "localhost:6379",
		DB:   15,
	})
	t.Cleanup(func() { asynqClient.Close() })

	validate := validator.New()

	jobStore := store.NewRedisStore(redisClient, time.Hour)
	broadcaster := progress.NewBroadcaster()

	// TTS client unconfigured so the voice catalog is the mock one
	ttsClient := client.NewTTSClient(&config.TTSConfig{})

	jobService := service.NewJobService(jobStore, asynqClient, broadcaster, ttsClient, t.TempDir(), time.Hour)
	jobHandler := handler.NewJobHandler(jobService, validate)
	voiceHandler := handler.NewVoiceHandler(ttsClient)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		BodyLimit: 200 * 1024 * 1024,
	})

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timestamp": 1234567890})
	})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"redis":      true,
				"translator": false,
				"stt":        false,
				"tts":        false,
				"extractor":  false,
			},
		})
	})

	api := app.Group("/api")

	// Very high rate limit so tests don't get blocked
	jobs := api.Group("/jobs")
	jobs.Post("/", rateLimiter.SubmitLimit(10000), jobHandler.Submit)
	jobs.Get("/", jobHandler.List)
	jobs.Get("/:jobId", jobHandler.Status)
	jobs.Get("/:jobId/result", jobHandler.Result)
	jobs.Get("/:jobId/download", jobHandler.Download)
	jobs.Post("/:jobId/cancel", jobHandler.Cancel)
	jobs.Delete("/:jobId", jobHandler.Delete)

	api.Get("/voices", voiceHandler.List)

	return &testApp{app: app}
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = bytes.NewReader([]byte(body))
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// submitJob posts a multipart job submission with the given form fields
// and an in-memory file.
func submitJob(t *testing.T, app *fiber.App, fields map[string]string, filename string, content []byte) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("failed to write form field: %v", err)
		}
	}
	if filename != "" {
		fw, err := w.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to finalize form: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, "/api/jobs", &buf)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

// validSubmitFields returns a minimal valid submission form.
func validSubmitFields() map[string]string {
	return map[string]string{
		"sourceLang": "en",
		"targetLang": "ro",
		"voiceId":    "ro_RO-mihai-medium",
	}
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// parseJSONList parses response body into a slice.
func parseJSONList(t *testing.T, resp *http.Response) []interface{} {
	t.Helper()
	body := readBody(t, resp)
	var result []interface{}
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON list: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}
