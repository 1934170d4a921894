// Package batch runs many voiceover jobs through the sequencer one at a time, isolating
// each job's failure from its siblings.
package batch

import (
	"slices"
	"strings"
	"time"

	"github.com/book-expert/voiceover-service/internal/core"
)

// Status is the lifecycle state of a job.
type Status string

// Job states. Completed and error are terminal.
const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// Submission is the caller's input for one job.
type Submission struct {
	Content            string             `json:"content"`
	SourceName         string             `json:"source_name"`
	VoiceID            string             `json:"voice_id"`
	ModelID            string             `json:"model_id"`
	ParagraphsPerChunk int                `json:"paragraphs_per_chunk"`
	Settings           core.VoiceSettings `json:"settings"`
}

func (s Submission) validate() error {
	if strings.TrimSpace(s.VoiceID) == "" {
		return core.NewValidationError("a voice must be selected before synthesizing")
	}

	if s.ParagraphsPerChunk <= 0 {
		return core.NewValidationError("paragraphs per chunk must be a positive integer, got %d", s.ParagraphsPerChunk)
	}

	return nil
}

// Job is one queued script and everything known about its run. The script itself is not
// serialized.
type Job struct {
	ID                 string             `json:"id"`
	Content            string             `json:"-"`
	SourceName         string             `json:"source_name"`
	DisplayName        string             `json:"display_name"`
	VoiceID            string             `json:"voice_id"`
	ModelID            string             `json:"model_id"`
	ParagraphsPerChunk int                `json:"paragraphs_per_chunk"`
	Settings           core.VoiceSettings `json:"settings"`
	Status             Status             `json:"status"`
	Progress           *core.Progress     `json:"progress,omitempty"`
	Artifact           *core.ArtifactRef  `json:"artifact,omitempty"`
	Error              string             `json:"error,omitempty"`
	PartialChunks      int                `json:"partial_chunks,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Submission returns the inputs the job was created from.
func (j Job) Submission() Submission {
	return Submission{
		Content:            j.Content,
		SourceName:         j.SourceName,
		VoiceID:            j.VoiceID,
		ModelID:            j.ModelID,
		ParagraphsPerChunk: j.ParagraphsPerChunk,
		Settings:           j.Settings,
	}
}

// clone returns a copy sharing no mutable state with j.
func (j Job) clone() Job {
	if j.Progress != nil {
		progress := *j.Progress
		j.Progress = &progress
	}

	if j.Artifact != nil {
		ref := *j.Artifact
		ref.ChunkKeys = slices.Clone(ref.ChunkKeys)
		j.Artifact = &ref
	}

	return j
}
