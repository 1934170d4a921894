package worker

import (
	"github.com/book-expert/events"
	"github.com/book-expert/voiceover-service/internal/batch"
	"github.com/book-expert/voiceover-service/internal/core"
)

// Control actions accepted on the control subject.
const (
	ActionDelete      = "delete"
	ActionClear       = "clear"
	ActionRetry       = "retry"
	ActionRetryFailed = "retry_failed"
	ActionReset       = "reset"
)

// Script is one entry of a submit request. Exactly one of Content or TextKey is set;
// TextKey names an object holding the script in the text bucket.
type Script struct {
	Content            string             `json:"content,omitempty"`
	TextKey            string             `json:"text_key,omitempty"`
	SourceName         string             `json:"source_name,omitempty"`
	VoiceID            string             `json:"voice_id,omitempty"`
	ModelID            string             `json:"model_id,omitempty"`
	ParagraphsPerChunk int                `json:"paragraphs_per_chunk,omitempty"`
	Settings           core.VoiceSettings `json:"settings"`
}

// SubmitRequest queues one or more scripts as a batch.
type SubmitRequest struct {
	Header  events.EventHeader `json:"header"`
	Scripts []Script           `json:"scripts"`
}

// StatusRequest asks for one job, or every job when JobID is empty.
type StatusRequest struct {
	Header events.EventHeader `json:"header"`
	JobID  string             `json:"job_id,omitempty"`
}

// ControlRequest mutates the queue.
type ControlRequest struct {
	Header   events.EventHeader `json:"header"`
	Action   string             `json:"action"`
	JobID    string             `json:"job_id,omitempty"`
	Statuses []batch.Status     `json:"statuses,omitempty"`
}

// HistoryRequest reads the voiceover history, newest first. RecordID selects a single
// record and Delete removes it.
type HistoryRequest struct {
	Header   events.EventHeader `json:"header"`
	RecordID string             `json:"record_id,omitempty"`
	Limit    int                `json:"limit,omitempty"`
	Delete   bool               `json:"delete,omitempty"`
}

// Reply is the response to every request. Error and ErrorKind are set on failure.
type Reply struct {
	Header     events.EventHeader   `json:"header"`
	Jobs       []batch.Job          `json:"jobs,omitempty"`
	History    []core.HistoryRecord `json:"history,omitempty"`
	RemovedIDs []string             `json:"removed_ids,omitempty"`
	Count      int                  `json:"count,omitempty"`
	Error      string               `json:"error,omitempty"`
	ErrorKind  core.Kind            `json:"error_kind,omitempty"`
}
