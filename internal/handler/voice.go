package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/voicebridge/api/internal/client"
	"github.com/voicebridge/api/pkg/response"
)

type VoiceHandler struct {
	tts *client.TTSClient
}

func NewVoiceHandler(tts *client.TTSClient) *VoiceHandler {
	return &VoiceHandler{tts: tts}
}

// List handles GET /api/voices, optionally filtered by ?language=xx
func (h *VoiceHandler) List(c *fiber.Ctx) error {
	voices, err := h.tts.ListVoices(c.Context(), c.Query("language"))
	if err != nil {
		return response.ServiceError(c, "Failed to load voice catalog")
	}
	return response.OK(c, voices)
}
