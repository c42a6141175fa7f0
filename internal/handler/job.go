package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/voicebridge/api/internal/model"
	"github.com/voicebridge/api/internal/service"
	"github.com/voicebridge/api/internal/store"
	"github.com/voicebridge/api/pkg/response"
)

const maxUploadSize = 200 * 1024 * 1024 // 200MB

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		validator: v,
	}
}

// Submit handles POST /api/jobs: multipart form with the source file plus
// language and voice fields.
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid form data", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", validationDetails(err))
	}

	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}
	if file.Size > maxUploadSize {
		return response.ValidationError(c, "File size exceeds 200MB limit", map[string]interface{}{
			"maxSize":  maxUploadSize,
			"fileSize": file.Size,
		})
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.Submit(c.Context(), &req, file.Filename, f)
	if err != nil {
		if errors.Is(err, service.ErrUnsupportedInput) || errors.Is(err, service.ErrUnknownVoice) {
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Result handles GET /api/jobs/:jobId/result
func (h *JobHandler) Result(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetResult(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrJobNotCompleted):
			return response.Conflict(c, "Job is not completed")
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	return response.OK(c, result)
}

// Download handles GET /api/jobs/:jobId/download, streaming the artifact.
func (h *JobHandler) Download(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	path, err := h.service.ArtifactFile(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrJobNotCompleted):
			return response.Conflict(c, "Job is not completed")
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	c.Set(fiber.HeaderContentDisposition, `attachment; filename="`+jobID+`.mp3"`)
	return c.SendFile(path)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Cancel(c.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrJobTerminal):
			return response.Conflict(c, "Job already finished")
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	return response.OK(c, result)
}

// List handles GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	result, err := h.service.List(c.Context())
	if err != nil {
		return response.ServiceError(c, err.Error())
	}
	return response.OK(c, result)
}

// Delete handles DELETE /api/jobs/:jobId
func (h *JobHandler) Delete(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	if err := h.service.Delete(c.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, store.ErrJobNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, service.ErrJobNotTerminal):
			return response.Conflict(c, "Job is still active; cancel it first")
		default:
			return response.ServiceError(c, err.Error())
		}
	}

	return response.NoContent(c)
}

func validationDetails(err error) interface{} {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	details := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		details[fe.Field()] = fe.Tag()
	}
	return details
}
