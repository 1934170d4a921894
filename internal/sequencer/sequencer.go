// Package sequencer synthesizes one script chunk by chunk, threading the continuity token
// returned for each chunk into the request for the next.
package sequencer

import (
	"context"
	"fmt"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/chunker"
	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	errMsgVoiceIDRequired  = "a voice must be selected before synthesizing"
	errFmtInvalidChunkSize = "paragraphs per chunk must be a positive integer, got %d"
	errFmtChunkFailed      = "chunk %d of %d: %w"
)

var tracer = otel.Tracer("voiceover/sequencer")

// Config selects the voice and chunking for one run.
type Config struct {
	VoiceID            string
	ModelID            string
	ParagraphsPerChunk int
	Settings           core.VoiceSettings
}

// Validate rejects configs that can never produce a request.
func (c Config) Validate() error {
	if strings.TrimSpace(c.VoiceID) == "" {
		return core.NewValidationError(errMsgVoiceIDRequired)
	}

	if c.ParagraphsPerChunk <= 0 {
		return core.NewValidationError(errFmtInvalidChunkSize, c.ParagraphsPerChunk)
	}

	return nil
}

// ProgressFunc receives a 1-based progress event before each chunk is requested.
type ProgressFunc func(core.Progress)

// Result holds the audio produced by a run, one blob per completed chunk in order.
// After a failure it holds only the chunks that completed.
type Result struct {
	Chunks []core.AudioBlob
	Total  int
}

// Complete reports whether every chunk was synthesized.
func (r *Result) Complete() bool {
	return r != nil && r.Total > 0 && len(r.Chunks) == r.Total
}

// Sequencer drives a Synthesizer over the chunks of a script.
type Sequencer struct {
	synth core.Synthesizer
	log   *logger.Logger
}

// New creates a Sequencer.
func New(synth core.Synthesizer, log *logger.Logger) *Sequencer {
	return &Sequencer{synth: synth, log: log}
}

// accumulator is the state carried from one chunk to the next.
type accumulator struct {
	previousToken string
	chunks        []core.AudioBlob
}

// Run synthesizes script in order. A blank script fails with an empty-input error before
// any request is made. On failure the returned Result still carries the completed chunks.
func (s *Sequencer) Run(ctx context.Context, script string, cfg Config, onProgress ProgressFunc) (*Result, error) {
	validateErr := cfg.Validate()
	if validateErr != nil {
		return &Result{}, validateErr
	}

	chunks := chunker.Split(script, cfg.ParagraphsPerChunk)
	if len(chunks) == 0 {
		return &Result{}, core.NewEmptyInputError()
	}

	ctx, span := tracer.Start(ctx, "sequencer.Run")
	defer span.End()

	span.SetAttributes(
		attribute.Int("sequencer.chunks", len(chunks)),
		attribute.String("sequencer.model_id", cfg.ModelID),
	)

	acc := accumulator{chunks: make([]core.AudioBlob, 0, len(chunks))}

	for index, text := range chunks {
		var stepErr error

		acc, stepErr = s.step(ctx, acc, text, cfg, core.Progress{Current: index + 1, Total: len(chunks)}, onProgress)
		if stepErr != nil {
			span.RecordError(stepErr)
			s.logf("Sequencer stopped at chunk %d of %d: %v", index+1, len(chunks), stepErr)

			return &Result{Chunks: acc.chunks, Total: len(chunks)}, fmt.Errorf(errFmtChunkFailed, index+1, len(chunks), stepErr)
		}
	}

	return &Result{Chunks: acc.chunks, Total: len(chunks)}, nil
}

// step synthesizes one chunk and folds its output into acc.
func (s *Sequencer) step(
	ctx context.Context,
	acc accumulator,
	text string,
	cfg Config,
	progress core.Progress,
	onProgress ProgressFunc,
) (accumulator, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return acc, fmt.Errorf("run cancelled: %w", ctxErr)
	}

	if onProgress != nil {
		onProgress(progress)
	}

	result, err := s.synth.Synthesize(ctx, core.SynthesisRequest{
		Text:            text,
		VoiceID:         cfg.VoiceID,
		ModelID:         cfg.ModelID,
		Settings:        cfg.Settings,
		ContinuityToken: acc.previousToken,
	})
	if err != nil {
		return acc, err
	}

	mediaType := result.MediaType
	if mediaType == "" {
		mediaType = core.DefaultMediaType
	}

	metrics.ChunksSynthesizedTotal.Inc()

	return accumulator{
		previousToken: result.ContinuityToken,
		chunks:        append(acc.chunks, core.AudioBlob{Data: result.Audio, MediaType: mediaType}),
	}, nil
}

func (s *Sequencer) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Warn(format, args...)
	}
}
