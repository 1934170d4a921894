// Command voiceover synthesizes scripts locally and writes each script's audio, plus its
// per-chunk files, to an output directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/batch"
	"github.com/book-expert/voiceover-service/internal/config"
	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/sequencer"
	"github.com/book-expert/voiceover-service/internal/tts"
	"github.com/book-expert/voiceover-service/internal/tts/ttsutils"
)

// Flag names.
const (
	flagText         = "text"
	flagFile         = "file"
	flagVoice        = "voice"
	flagModel        = "model"
	flagParagraphs   = "paragraphs"
	flagStability    = "stability"
	flagSimilarity   = "similarity"
	flagStyle        = "style"
	flagSpeakerBoost = "speaker-boost"
	flagOutput       = "output"
	flagConfig       = "config"
	flagBaseURL      = "base-url"
	flagModels       = "models"
)

// Flag descriptions.
const (
	flagTextDesc         = "Script text to convert to speech"
	flagFileDesc         = "Script file (.txt, .md, .text); repeat for a batch"
	flagVoiceDesc        = "Voice id (defaults to batch.default_voice_id)"
	flagModelDesc        = "Model id (defaults to batch.default_model_id)"
	flagParagraphsDesc   = "Paragraphs per request (defaults to batch.default_paragraphs_per_chunk)"
	flagStabilityDesc    = "Voice stability in [0, 1]"
	flagSimilarityDesc   = "Similarity boost in [0, 1]"
	flagStyleDesc        = "Style exaggeration in [0, 1]"
	flagSpeakerBoostDesc = "Enable speaker boost"
	flagOutputDesc       = "Output directory"
	flagConfigDesc       = "Path to a TOML config file"
	flagBaseURLDesc      = "Override synthesis.base_url"
	flagModelsDesc       = "List available models and exit"
)

// Error messages.
const (
	errNoScripts          = "either -text or -file must be provided"
	errFmtUnsupportedFile = "unsupported script file %s: use .txt, .md or .text"
	errFmtReadFile        = "failed to read script %s: %w"
	errFmtFailedJobs      = "%d of %d scripts failed"
)

// Output messages.
const (
	msgProgress = "  %s: chunk %d of %d\n"
	msgWritten  = "%s -> %s (%s, %d chunks, %s)\n"
	msgPartial  = "%s failed: %s; kept %d chunks in %s\n"
	msgFailed   = "%s failed: %s\n"
	msgModel    = "%-32s %s%s\n"
)

const (
	logFileName      = "voiceover-cli.log"
	defaultOutputDir = "voiceovers"
	defaultStability = 0.5
	partialSuffix    = "_partial"
	filePermissions  = 0o644
)

type fileList []string

func (f *fileList) String() string { return strings.Join(*f, ",") }

func (f *fileList) Set(value string) error {
	*f = append(*f, value)

	return nil
}

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text         string
	files        fileList
	voice        string
	model        string
	paragraphs   int
	settings     core.VoiceSettings
	output       string
	config       string
	baseURL      string
	listModels   bool
	similarity   float64
	style        float64
	speakerBoost bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, err := config.LoadFile(flags.config)
	if err != nil {
		return err
	}

	if flags.baseURL != "" {
		cfg.Synthesis.BaseURL = flags.baseURL
	}

	appLog, err := logger.New(cfg.Paths.BaseLogsDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLog.Close()

	client, err := tts.NewClientFromConfig(cfg.Synthesis, appLog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flags.listModels {
		return listModels(ctx, client, stdout)
	}

	subs, err := buildSubmissions(flags, cfg.Batch)
	if err != nil {
		return err
	}

	return synthesize(ctx, sequencer.New(client, appLog), appLog, subs, flags.output, stdout)
}

// parseFlags parses args. Optional voice settings are set only when their flag is given.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("voiceover", flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.Var(&flags.files, flagFile, flagFileDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.model, flagModel, "", flagModelDesc)
	flagSet.IntVar(&flags.paragraphs, flagParagraphs, 0, flagParagraphsDesc)
	flagSet.Float64Var(&flags.settings.Stability, flagStability, defaultStability, flagStabilityDesc)
	flagSet.Float64Var(&flags.similarity, flagSimilarity, 0, flagSimilarityDesc)
	flagSet.Float64Var(&flags.style, flagStyle, 0, flagStyleDesc)
	flagSet.BoolVar(&flags.speakerBoost, flagSpeakerBoost, false, flagSpeakerBoostDesc)
	flagSet.StringVar(&flags.output, flagOutput, defaultOutputDir, flagOutputDesc)
	flagSet.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	flagSet.StringVar(&flags.baseURL, flagBaseURL, "", flagBaseURLDesc)
	flagSet.BoolVar(&flags.listModels, flagModels, false, flagModelsDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, err
	}

	flagSet.Visit(func(f *flag.Flag) {
		switch f.Name {
		case flagSimilarity:
			similarity := flags.similarity
			flags.settings.SimilarityBoost = &similarity
		case flagStyle:
			style := flags.style
			flags.settings.Style = &style
		case flagSpeakerBoost:
			speakerBoost := flags.speakerBoost
			flags.settings.UseSpeakerBoost = &speakerBoost
		}
	})

	if !flags.listModels && flags.text == "" && len(flags.files) == 0 {
		flagSet.Usage()

		return appFlags{}, errors.New(errNoScripts)
	}

	return flags, nil
}

// buildSubmissions turns the text flag and every file into one submission each, filling
// unset fields from defaults.
func buildSubmissions(flags appFlags, defaults config.BatchConfig) ([]batch.Submission, error) {
	template := batch.Submission{
		VoiceID:            firstNonEmpty(flags.voice, defaults.DefaultVoiceID),
		ModelID:            firstNonEmpty(flags.model, defaults.DefaultModelID),
		ParagraphsPerChunk: flags.paragraphs,
		Settings:           flags.settings,
	}

	if template.ParagraphsPerChunk == 0 {
		template.ParagraphsPerChunk = defaults.DefaultParagraphsPerChunk
	}

	var subs []batch.Submission

	if flags.text != "" {
		sub := template
		sub.Content = flags.text
		subs = append(subs, sub)
	}

	for _, path := range flags.files {
		if !ttsutils.IsValidTextFile(path) {
			return nil, fmt.Errorf(errFmtUnsupportedFile, path)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf(errFmtReadFile, path, err)
		}

		sub := template
		sub.Content = string(data)
		sub.SourceName = filepath.Base(path)
		subs = append(subs, sub)
	}

	return subs, nil
}

// synthesize runs every submission to completion and writes each job's audio to outputDir.
func synthesize(
	ctx context.Context,
	runner batch.Runner,
	appLog *logger.Logger,
	subs []batch.Submission,
	outputDir string,
	stdout io.Writer,
) error {
	orchestrator := batch.New(runner, appLog, batch.Options{Publisher: progressPrinter(stdout)})

	jobs, err := orchestrator.EnqueueBatch(ctx, subs)
	if err != nil {
		return err
	}

	start := time.Now()

	drainErr := orchestrator.Drain(ctx)
	if drainErr != nil {
		return drainErr
	}

	elapsed := ttsutils.FormatDuration(time.Since(start).Seconds())

	dirErr := ttsutils.EnsureDir(outputDir)
	if dirErr != nil {
		return dirErr
	}

	names := newNameSet()
	failed := 0

	for _, queued := range jobs {
		job, _ := orchestrator.Get(queued.ID)
		artifact, hasAudio := orchestrator.Artifact(job.ID)

		if job.Status != batch.StatusCompleted {
			failed++
		}

		if !hasAudio {
			fmt.Fprintf(stdout, msgFailed, job.DisplayName, job.Error)

			continue
		}

		combinedPath, writeErr := writeArtifact(outputDir, names.claim(job.DisplayName, artifact.Partial), artifact)
		if writeErr != nil {
			return writeErr
		}

		if artifact.Partial {
			fmt.Fprintf(stdout, msgPartial, job.DisplayName, job.Error, len(artifact.Chunks), combinedPath)

			continue
		}

		fmt.Fprintf(stdout, msgWritten, job.DisplayName, combinedPath,
			ttsutils.FormatFileSize(int64(len(artifact.Combined.Data))), len(artifact.Chunks), elapsed)
	}

	if failed > 0 {
		return fmt.Errorf(errFmtFailedJobs, failed, len(jobs))
	}

	return nil
}

// writeArtifact writes <base><ext> and one <base>_chunk_NNNN<ext> per chunk.
func writeArtifact(outputDir, base string, artifact core.Artifact) (string, error) {
	ext := ttsutils.ExtensionFor(artifact.Combined.MediaType)
	combinedPath := filepath.Join(outputDir, base+ext)

	err := os.WriteFile(combinedPath, artifact.Combined.Data, filePermissions)
	if err != nil {
		return "", fmt.Errorf("failed to write %s: %w", combinedPath, err)
	}

	for index, chunk := range artifact.Chunks {
		chunkPath := filepath.Join(outputDir, ttsutils.ChunkFilename(base, index+1, ext))

		err = os.WriteFile(chunkPath, chunk.Data, filePermissions)
		if err != nil {
			return "", fmt.Errorf("failed to write %s: %w", chunkPath, err)
		}
	}

	return combinedPath, nil
}

func progressPrinter(stdout io.Writer) batch.PublisherFunc {
	return func(_ context.Context, event batch.JobEvent) error {
		if event.Type != batch.EventProgress || event.Job.Progress == nil {
			return nil
		}

		_, err := fmt.Fprintf(stdout, msgProgress, event.Job.DisplayName, event.Job.Progress.Current, event.Job.Progress.Total)

		return err
	}
}

func listModels(ctx context.Context, client *tts.Client, stdout io.Writer) error {
	models, err := client.ListModels(ctx)
	if err != nil {
		return err
	}

	for _, model := range models {
		if !model.CanDoTextToSpeech {
			continue
		}

		fmt.Fprintf(stdout, msgModel, model.ModelID, model.Name, describeCapabilities(tts.ResolveCapabilities(model.ModelID)))
	}

	return nil
}

func describeCapabilities(caps tts.Capabilities) string {
	var ignored []string

	if !caps.SimilarityBoost {
		ignored = append(ignored, flagSimilarity)
	}

	if !caps.Style {
		ignored = append(ignored, flagStyle)
	}

	if !caps.SpeakerBoost {
		ignored = append(ignored, flagSpeakerBoost)
	}

	var notes []string

	if caps.DiscreteStability {
		notes = append(notes, "stability snaps to 0, 0.5 or 1")
	}

	if len(ignored) > 0 {
		notes = append(notes, "ignores -"+strings.Join(ignored, ", -"))
	}

	if len(notes) == 0 {
		return ""
	}

	return " (" + strings.Join(notes, "; ") + ")"
}

// nameSet hands out unique file base names.
type nameSet map[string]struct{}

func newNameSet() nameSet { return nameSet{} }

func (n nameSet) claim(displayName string, partial bool) string {
	base := ttsutils.SanitizeFilename(displayName)
	if partial {
		base += partialSuffix
	}

	name := base
	for suffix := 2; n.taken(name); suffix++ {
		name = fmt.Sprintf("%s_%d", base, suffix)
	}

	n[name] = struct{}{}

	return name
}

func (n nameSet) taken(name string) bool {
	_, ok := n[name]

	return ok
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}

	return ""
}
