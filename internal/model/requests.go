package model

import "time"

// SubmitJobRequest carries the non-file fields of a job submission.
// The uploaded file itself arrives as the multipart "file" part.
type SubmitJobRequest struct {
	Mode            JobMode `form:"mode" json:"mode" validate:"omitempty,oneof=audio_translation text_to_audiobook"`
	SourceLang      string  `form:"sourceLang" json:"sourceLang" validate:"required,bcp47_language_tag"`
	TargetLang      string  `form:"targetLang" json:"targetLang" validate:"required,bcp47_language_tag"`
	VoiceID         string  `form:"voiceId" json:"voiceId" validate:"required"`
	Context         string  `form:"context" json:"context" validate:"omitempty,max=2000"`
	SkipTranslation bool    `form:"skipTranslation" json:"skipTranslation"`
}

// SubmitJobResponse is returned on successful submission
type SubmitJobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	Mode      JobMode   `json:"mode"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is the job snapshot returned by status queries
type JobStatusResponse struct {
	JobID        string     `json:"jobId"`
	Mode         JobMode    `json:"mode"`
	Status       JobStatus  `json:"status"`
	CurrentStage Stage      `json:"currentStage,omitempty"`
	Progress     float64    `json:"progress"`
	ChunkCount   int        `json:"chunkCount"`
	Error        *JobError  `json:"error,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// JobResultResponse points at the assembled artifact
type JobResultResponse struct {
	JobID        string     `json:"jobId"`
	ArtifactPath string     `json:"artifactPath"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// CancelJobResponse acknowledges a cancellation request
type CancelJobResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
}

// VoiceInfo describes one synthesizer voice
type VoiceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Language string `json:"language"`
	Quality  string `json:"quality,omitempty"`
}
