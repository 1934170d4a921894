// Package core defines the shared types and interfaces of the voiceover pipeline.
package core

import (
	"context"
	"time"
)

// DefaultMediaType is assumed when the remote service does not label its audio.
const DefaultMediaType = "audio/mpeg"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// VoiceSettings holds the caller's voice tuning. Optional fields are nil when unset.
type VoiceSettings struct {
	Stability       float64  `json:"stability"`
	SimilarityBoost *float64 `json:"similarity_boost,omitempty"`
	Style           *float64 `json:"style,omitempty"`
	UseSpeakerBoost *bool    `json:"use_speaker_boost,omitempty"`
}

// SynthesisRequest is one chunk's request to the remote text-to-speech service.
type SynthesisRequest struct {
	Text            string
	VoiceID         string
	ModelID         string
	Settings        VoiceSettings
	ContinuityToken string
}

// SynthesisResult is the audio for one chunk plus the token linking it to the next chunk.
// An empty ContinuityToken means no continuity is available.
type SynthesisResult struct {
	Audio           []byte
	MediaType       string
	ContinuityToken string
}

// Synthesizer synthesizes a single chunk of text.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (SynthesisResult, error)
}

// Progress reports a 1-based chunk position within a run.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// AudioBlob is a chunk of encoded audio and its media type.
type AudioBlob struct {
	Data      []byte `json:"-"`
	MediaType string `json:"media_type"`
}

// Artifact is the combined audio of a run plus the per-chunk audio it was built from.
type Artifact struct {
	Combined AudioBlob   `json:"combined"`
	Chunks   []AudioBlob `json:"chunks"`
	Partial  bool        `json:"partial"`
}

// ArtifactRef locates a persisted artifact.
type ArtifactRef struct {
	CombinedKey string   `json:"combined_key"`
	ChunkKeys   []string `json:"chunk_keys"`
	MediaType   string   `json:"media_type"`
	Size        int      `json:"size"`
}

// ArtifactStore persists assembled artifacts.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, prefix string, artifact Artifact) (ArtifactRef, error)
	DeleteArtifact(ctx context.Context, ref ArtifactRef) error
}

// HistoryRecord is the metadata kept for every completed voiceover.
type HistoryRecord struct {
	ID          string      `json:"id"`
	JobID       string      `json:"job_id"`
	DisplayName string      `json:"display_name"`
	SourceName  string      `json:"source_name,omitempty"`
	VoiceID     string      `json:"voice_id"`
	ModelID     string      `json:"model_id,omitempty"`
	Artifact    ArtifactRef `json:"artifact"`
	ChunkCount  int         `json:"chunk_count"`
	CreatedAt   time.Time   `json:"created_at"`
}

// HistoryRecorder materializes history entries for completed jobs.
type HistoryRecorder interface {
	Record(ctx context.Context, rec HistoryRecord) error
}
