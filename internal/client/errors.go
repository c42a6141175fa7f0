package client

import (
	"fmt"
	"net/http"

	"github.com/voicebridge/api/internal/retry"
)

// classifyStatus maps an HTTP error status to the retry taxonomy: rate
// limits, timeouts and server-side failures are transient; everything
// else (bad input, auth, permanent quota) is fatal.
func classifyStatus(service string, status int, body []byte) error {
	err := fmt.Errorf("%s API error (status %d): %s", service, status, truncate(body, 512))

	switch status {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return retry.Transient(err)
	default:
		return retry.Fatal(err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
