package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/assembler"
	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/metrics"
	"github.com/book-expert/voiceover-service/internal/sequencer"
	"github.com/book-expert/voiceover-service/internal/tts/ttsutils"
	"github.com/google/uuid"
)

// ErrNoSubmissions is returned when a batch contains no scripts.
var ErrNoSubmissions = errors.New("batch contains no scripts")

// Runner synthesizes one script. *sequencer.Sequencer satisfies it.
type Runner interface {
	Run(ctx context.Context, script string, cfg sequencer.Config, onProgress sequencer.ProgressFunc) (*sequencer.Result, error)
}

// Options wires the optional collaborators of an Orchestrator.
type Options struct {
	Artifacts core.ArtifactStore
	History   core.HistoryRecorder
	Publisher Publisher
	Now       func() time.Time
}

// Orchestrator owns the job store and drives queued jobs through a Runner one at a time,
// in enqueue order.
type Orchestrator struct {
	store     *Store
	runner    Runner
	artifacts core.ArtifactStore
	history   core.HistoryRecorder
	publisher Publisher
	log       *logger.Logger
	now       func() time.Time

	// drainMu keeps a single job in flight across Run and Drain callers.
	drainMu sync.Mutex
	wake    chan struct{}
}

// New creates an Orchestrator.
func New(runner Runner, log *logger.Logger, opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		store:     NewStore(now),
		runner:    runner,
		artifacts: opts.Artifacts,
		history:   opts.History,
		publisher: opts.Publisher,
		log:       log,
		now:       now,
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue validates sub and queues it as a new job.
func (o *Orchestrator) Enqueue(ctx context.Context, sub Submission) (Job, error) {
	jobs, err := o.EnqueueBatch(ctx, []Submission{sub})
	if err != nil {
		return Job{}, err
	}

	return jobs[0], nil
}

// EnqueueBatch validates every submission before queueing any of them.
func (o *Orchestrator) EnqueueBatch(ctx context.Context, subs []Submission) ([]Job, error) {
	if len(subs) == 0 {
		return nil, ErrNoSubmissions
	}

	for index, sub := range subs {
		validateErr := sub.validate()
		if validateErr != nil {
			return nil, fmt.Errorf("script %d: %w", index+1, validateErr)
		}
	}

	jobs := make([]Job, 0, len(subs))

	for _, sub := range subs {
		job := o.store.add(Job{
			ID:                 uuid.NewString(),
			Content:            sub.Content,
			SourceName:         sub.SourceName,
			DisplayName:        ttsutils.DisplayName(sub.SourceName, sub.Content),
			VoiceID:            sub.VoiceID,
			ModelID:            sub.ModelID,
			ParagraphsPerChunk: sub.ParagraphsPerChunk,
			Settings:           sub.Settings,
		})

		o.info("Queued job %s (%s)", job.ID, job.DisplayName)
		o.publish(ctx, EventQueued, job)

		jobs = append(jobs, job)
	}

	o.refreshQueueGauge()
	o.signal()

	return jobs, nil
}

// Run processes queued jobs until ctx is done, sleeping while the queue is empty.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		drainErr := o.Drain(ctx)
		if drainErr != nil {
			if ctx.Err() != nil {
				return nil
			}

			return drainErr
		}

		select {
		case <-ctx.Done():
			return nil
		case <-o.wake:
		}
	}
}

// Drain processes queued jobs until none remain. A job's failure never stops the drain;
// only ctx cancellation does.
func (o *Orchestrator) Drain(ctx context.Context) error {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("batch drain stopped: %w", ctxErr)
		}

		job, token, ok := o.store.claimNext()
		if !ok {
			return nil
		}

		o.refreshQueueGauge()
		o.runJob(ctx, job, token)
	}
}

// runJob processes job under its own context, which Delete and Reset cancel.
func (o *Orchestrator) runJob(ctx context.Context, job Job, token string) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !o.store.bind(job.ID, token, cancel) {
		o.info("Job %s was removed before processing started", job.ID)

		return
	}

	o.process(jobCtx, job, token)
}

func (o *Orchestrator) process(ctx context.Context, job Job, token string) {
	defer func() {
		if recovered := recover(); recovered != nil {
			o.fail(ctx, job, token, fmt.Errorf("job panicked: %v", recovered), nil)
		}
	}()

	o.info("Processing job %s (%s)", job.ID, job.DisplayName)
	o.publish(ctx, EventProcessing, job)

	cfg := sequencer.Config{
		VoiceID:            job.VoiceID,
		ModelID:            job.ModelID,
		ParagraphsPerChunk: job.ParagraphsPerChunk,
		Settings:           job.Settings,
	}

	result, runErr := o.runner.Run(ctx, job.Content, cfg, func(progress core.Progress) {
		updated, ok := o.store.update(job.ID, token, func(current *Job) {
			current.Progress = &progress
		})
		if ok {
			o.publish(ctx, EventProgress, updated)
		}
	})
	if runErr != nil {
		o.fail(ctx, job, token, runErr, chunksOf(result))

		return
	}

	artifact, combineErr := assembler.Combine(result.Chunks)
	if combineErr != nil {
		o.fail(ctx, job, token, combineErr, result.Chunks)

		return
	}

	if !o.store.holds(job.ID, token) {
		o.info("Job %s was removed while processing; result dropped", job.ID)

		return
	}

	ref, saveErr := o.save(ctx, job, artifact)
	if saveErr != nil {
		o.fail(ctx, job, token, saveErr, result.Chunks)

		return
	}

	if !o.store.holds(job.ID, token) {
		o.discard(ctx, job, ref)
		o.info("Job %s was removed while saving; stored audio deleted", job.ID)

		return
	}

	recordErr := o.record(ctx, job, ref, len(result.Chunks))
	if recordErr != nil {
		o.discard(ctx, job, ref)
		o.fail(ctx, job, token, recordErr, result.Chunks)

		return
	}

	// Stored audio is served from the artifact store, not from memory.
	retained := &artifact
	if o.artifacts != nil {
		retained = nil
	}

	finished, ok := o.store.finish(job.ID, token, StatusCompleted, retained, func(current *Job) {
		current.Artifact = &ref
		current.Error = ""
		current.PartialChunks = 0
	})
	if !ok {
		o.info("Job %s was removed while processing; result dropped", job.ID)

		return
	}

	metrics.JobsFinishedTotal.WithLabelValues(string(StatusCompleted)).Inc()
	o.info("Completed job %s: %d chunks, %s", job.ID, len(result.Chunks), ttsutils.FormatFileSize(int64(ref.Size)))
	o.publish(ctx, EventCompleted, finished)
}

func (o *Orchestrator) save(ctx context.Context, job Job, artifact core.Artifact) (core.ArtifactRef, error) {
	ref := core.ArtifactRef{MediaType: artifact.Combined.MediaType, Size: len(artifact.Combined.Data)}
	if o.artifacts == nil {
		return ref, nil
	}

	saved, err := o.artifacts.SaveArtifact(ctx, job.ID, artifact)
	if err != nil {
		return core.ArtifactRef{}, asStorageError("save artifact", err)
	}

	return saved, nil
}

// discard deletes an artifact that was saved for a job that cannot complete.
func (o *Orchestrator) discard(ctx context.Context, job Job, ref core.ArtifactRef) {
	if o.artifacts == nil || ref.CombinedKey == "" {
		return
	}

	err := o.artifacts.DeleteArtifact(context.WithoutCancel(ctx), ref)
	if err != nil && o.log != nil {
		o.log.Warn("Failed to delete stored audio of job %s: %v", job.ID, err)
	}
}

func (o *Orchestrator) record(ctx context.Context, job Job, ref core.ArtifactRef, chunkCount int) error {
	if o.history == nil {
		return nil
	}

	err := o.history.Record(ctx, core.HistoryRecord{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		DisplayName: job.DisplayName,
		SourceName:  job.SourceName,
		VoiceID:     job.VoiceID,
		ModelID:     job.ModelID,
		Artifact:    ref,
		ChunkCount:  chunkCount,
		CreatedAt:   o.now(),
	})
	if err != nil {
		return asStorageError("record history", err)
	}

	return nil
}

func (o *Orchestrator) fail(ctx context.Context, job Job, token string, cause error, chunks []core.AudioBlob) {
	var partial *core.Artifact
	if artifact, ok := assembler.CombinePartial(chunks); ok {
		partial = &artifact
	}

	finished, ok := o.store.finish(job.ID, token, StatusError, partial, func(current *Job) {
		current.Error = cause.Error()
		current.PartialChunks = len(chunks)
	})
	if !ok {
		o.info("Job %s was removed while processing; failure dropped", job.ID)

		return
	}

	metrics.JobsFinishedTotal.WithLabelValues(string(StatusError)).Inc()

	if o.log != nil {
		o.log.Error("Job %s failed (%s) after %d chunks: %v", job.ID, core.KindOf(cause), len(chunks), cause)
	}

	o.publish(ctx, EventFailed, finished)
}

// Get returns a copy of the job with id.
func (o *Orchestrator) Get(id string) (Job, bool) {
	return o.store.get(id)
}

// Snapshot returns copies of every job in enqueue order.
func (o *Orchestrator) Snapshot() []Job {
	return o.store.list()
}

// Artifact returns the in-memory audio of a finished job. Failed jobs return whatever
// chunks were produced, marked partial. With an artifact store configured, completed
// jobs keep only their ArtifactRef.
func (o *Orchestrator) Artifact(id string) (core.Artifact, bool) {
	return o.store.artifact(id)
}

// Delete removes a job in any state. A processing job is cancelled: no further chunks are
// requested and nothing of it is stored.
func (o *Orchestrator) Delete(ctx context.Context, id string) error {
	job, ok := o.store.remove(id)
	if !ok {
		return ErrJobNotFound
	}

	o.refreshQueueGauge()
	o.publish(ctx, EventDeleted, job)

	return nil
}

// ClearFinished removes every job whose status is among statuses, which must all be
// terminal. With no statuses both terminal states are cleared.
func (o *Orchestrator) ClearFinished(ctx context.Context, statuses ...Status) ([]string, error) {
	if len(statuses) == 0 {
		statuses = []Status{StatusCompleted, StatusError}
	}

	removed, err := o.store.clearFinished(statuses)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(removed))
	for _, job := range removed {
		ids = append(ids, job.ID)
		o.publish(ctx, EventDeleted, job)
	}

	return ids, nil
}

// Retry requeues a failed job under a new id with the same inputs.
func (o *Orchestrator) Retry(ctx context.Context, id string) (Job, error) {
	old, fresh, err := o.store.replace(id, uuid.NewString())
	if err != nil {
		return Job{}, err
	}

	o.info("Retrying job %s as %s", old.ID, fresh.ID)
	o.publish(ctx, EventDeleted, old)
	o.publish(ctx, EventQueued, fresh)
	o.refreshQueueGauge()
	o.signal()

	return fresh, nil
}

// RetryFailed requeues every failed job in enqueue order.
func (o *Orchestrator) RetryFailed(ctx context.Context) ([]Job, error) {
	var requeued []Job

	for _, id := range o.store.failedIDs() {
		fresh, err := o.Retry(ctx, id)
		if errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrJobNotRetryable) {
			continue
		}

		if err != nil {
			return requeued, err
		}

		requeued = append(requeued, fresh)
	}

	return requeued, nil
}

// Reset discards every job and cancels the one being processed. Its result is dropped.
func (o *Orchestrator) Reset() int {
	count := o.store.reset()
	o.refreshQueueGauge()
	o.info("Reset batch queue, discarded %d jobs", count)

	return count
}

func (o *Orchestrator) publish(ctx context.Context, eventType EventType, job Job) {
	if o.publisher == nil {
		return
	}

	err := o.publisher.Publish(ctx, JobEvent{Type: eventType, Job: job, OccurredAt: o.now()})
	if err != nil && o.log != nil {
		o.log.Warn("Failed to publish %s for job %s: %v", eventType, job.ID, err)
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) refreshQueueGauge() {
	metrics.JobsQueued.Set(float64(o.store.countQueued()))
}

func (o *Orchestrator) info(format string, args ...any) {
	if o.log != nil {
		o.log.Info(format, args...)
	}
}

func chunksOf(result *sequencer.Result) []core.AudioBlob {
	if result == nil {
		return nil
	}

	return result.Chunks
}

func asStorageError(op string, err error) error {
	if core.KindOf(err) != core.KindUnknown {
		return err
	}

	return core.NewStorageError(op, err)
}
