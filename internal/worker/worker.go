// Package worker exposes the batch orchestrator over NATS request/reply subjects.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/batch"
	"github.com/book-expert/voiceover-service/internal/config"
	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/telemetry"
	"github.com/book-expert/voiceover-service/internal/tts/ttsutils"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
)

const handleMessageTimeout = 30 * time.Second

var tracer = otel.Tracer("voiceover/worker")

var (
	// ErrScriptSourceRequired indicates a script with neither content nor a text key.
	ErrScriptSourceRequired = errors.New("script needs either content or a text_key")
	// ErrScriptSourceAmbiguous indicates a script with both content and a text key.
	ErrScriptSourceAmbiguous = errors.New("script cannot set both content and text_key")
	// ErrUnsupportedTextFile indicates a text key that is not a plain text document.
	ErrUnsupportedTextFile = errors.New("unsupported text file type")
	// ErrJobIDRequired indicates a control action that targets a job without naming one.
	ErrJobIDRequired = errors.New("job_id is required for this action")
	// ErrTextStoreUnavailable indicates a text key submitted to a worker without a text store.
	ErrTextStoreUnavailable = errors.New("no text store configured for text_key scripts")
	// ErrUnknownAction indicates an unrecognized control action.
	ErrUnknownAction = errors.New("unknown control action")
	// ErrRecordIDRequired indicates a history delete without a record id.
	ErrRecordIDRequired = errors.New("record_id is required to delete history")
	// ErrHistoryUnavailable indicates a history request to a worker without a history store.
	ErrHistoryUnavailable = errors.New("no history store configured")
)

// Batch is the queue the worker drives. *batch.Orchestrator satisfies it.
type Batch interface {
	EnqueueBatch(ctx context.Context, subs []batch.Submission) ([]batch.Job, error)
	Get(id string) (batch.Job, bool)
	Snapshot() []batch.Job
	Delete(ctx context.Context, id string) error
	ClearFinished(ctx context.Context, statuses ...batch.Status) ([]string, error)
	Retry(ctx context.Context, id string) (batch.Job, error)
	RetryFailed(ctx context.Context) ([]batch.Job, error)
	Reset() int
}

// History is the record of completed voiceovers. *history.Store satisfies it.
type History interface {
	List(ctx context.Context, limit int) ([]core.HistoryRecord, error)
	Get(ctx context.Context, id string) (core.HistoryRecord, error)
	Delete(ctx context.Context, id string) error
}

// NatsWorker answers submit, status, control and history requests for the batch queue.
type NatsWorker struct {
	natsConnection *nats.Conn
	subjects       config.NATSConfig
	defaults       config.BatchConfig
	texts          core.ObjectStore
	queue          Batch
	history        History
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker. texts may be nil, in which case
// only inline scripts are accepted. history may be nil, in which case history requests
// fail.
func NewNatsWorker(
	natsConnection *nats.Conn,
	subjects config.NATSConfig,
	defaults config.BatchConfig,
	texts core.ObjectStore,
	queue Batch,
	history History,
	log *logger.Logger,
) *NatsWorker {
	return &NatsWorker{
		natsConnection: natsConnection,
		subjects:       subjects,
		defaults:       defaults,
		texts:          texts,
		queue:          queue,
		history:        history,
		log:            log,
	}
}

// Run subscribes to every request subject and blocks until ctx is done.
func (w *NatsWorker) Run(ctx context.Context) error {
	handlers := map[string]func(context.Context, *nats.Msg) Reply{
		w.subjects.SubmitSubject:  w.handleSubmit,
		w.subjects.StatusSubject:  w.handleStatus,
		w.subjects.ControlSubject: w.handleControl,
	}

	if w.subjects.HistorySubject != "" {
		handlers[w.subjects.HistorySubject] = w.handleHistory
	}

	subs := make([]*nats.Subscription, 0, len(handlers))

	for subject, handler := range handlers {
		sub, err := w.natsConnection.Subscribe(subject, w.serve(subject, handler))
		if err != nil {
			_ = drainAll(subs)

			return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
		}

		subs = append(subs, sub)
	}

	w.log.Info("Worker listening on %d subjects (submit: %s)", len(subs), w.subjects.SubmitSubject)

	<-ctx.Done()

	drainErr := drainAll(subs)
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func drainAll(subs []*nats.Subscription) error {
	var errs []error

	for _, sub := range subs {
		errs = append(errs, sub.Drain())
	}

	return errors.Join(errs...)
}

func (w *NatsWorker) serve(subject string, handle func(context.Context, *nats.Msg) Reply) nats.MsgHandler {
	return func(msg *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
		defer cancel()

		if msg.Header != nil {
			ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Header))
		}

		ctx, span := tracer.Start(ctx, "worker.handle")
		defer span.End()

		span.SetAttributes(attribute.String("messaging.destination", subject))

		reply := handle(ctx, msg)
		if reply.Error != "" {
			span.SetStatus(codes.Error, reply.Error)
			w.log.Error("Request on %s failed (trace %s): %s", subject, telemetry.TraceID(ctx), reply.Error)
		}

		respondErr := w.respond(msg, reply)
		if respondErr != nil {
			w.log.Error("Failed to reply on %s for workflow %s: %v", subject, reply.Header.WorkflowID, respondErr)
		}
	}
}

func (w *NatsWorker) handleSubmit(ctx context.Context, msg *nats.Msg) Reply {
	var request SubmitRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		return errorReply(request.Header, fmt.Errorf("failed to unmarshal submit request: %w", err))
	}

	subs := make([]batch.Submission, 0, len(request.Scripts))

	for index, script := range request.Scripts {
		sub, resolveErr := w.resolve(ctx, script)
		if resolveErr != nil {
			return errorReply(request.Header, fmt.Errorf("script %d: %w", index+1, resolveErr))
		}

		subs = append(subs, sub)
	}

	jobs, err := w.queue.EnqueueBatch(ctx, subs)
	if err != nil {
		return errorReply(request.Header, err)
	}

	return Reply{Header: request.Header, Jobs: jobs, Count: len(jobs)}
}

// resolve loads the script text and fills unset fields from the batch defaults.
func (w *NatsWorker) resolve(ctx context.Context, script Script) (batch.Submission, error) {
	content, sourceName, err := w.scriptText(ctx, script)
	if err != nil {
		return batch.Submission{}, err
	}

	sub := batch.Submission{
		Content:            content,
		SourceName:         sourceName,
		VoiceID:            strings.TrimSpace(script.VoiceID),
		ModelID:            strings.TrimSpace(script.ModelID),
		ParagraphsPerChunk: script.ParagraphsPerChunk,
		Settings:           script.Settings,
	}

	if sub.VoiceID == "" {
		sub.VoiceID = w.defaults.DefaultVoiceID
	}

	if sub.ModelID == "" {
		sub.ModelID = w.defaults.DefaultModelID
	}

	if sub.ParagraphsPerChunk == 0 {
		sub.ParagraphsPerChunk = w.defaults.DefaultParagraphsPerChunk
	}

	return sub, nil
}

func (w *NatsWorker) scriptText(ctx context.Context, script Script) (string, string, error) {
	switch {
	case script.TextKey == "" && script.Content == "":
		return "", "", ErrScriptSourceRequired
	case script.TextKey != "" && script.Content != "":
		return "", "", ErrScriptSourceAmbiguous
	case script.TextKey == "":
		return script.Content, script.SourceName, nil
	}

	sourceName := script.SourceName
	if sourceName == "" {
		sourceName = script.TextKey
	}

	if !ttsutils.IsValidTextFile(sourceName) {
		return "", "", fmt.Errorf("%w: '%s'", ErrUnsupportedTextFile, sourceName)
	}

	if w.texts == nil {
		return "", "", core.NewStorageError("download "+script.TextKey, ErrTextStoreUnavailable)
	}

	data, err := w.texts.Download(ctx, script.TextKey)
	if err != nil {
		return "", "", core.NewStorageError("download "+script.TextKey, err)
	}

	return string(data), sourceName, nil
}

func (w *NatsWorker) handleStatus(_ context.Context, msg *nats.Msg) Reply {
	var request StatusRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		return errorReply(request.Header, fmt.Errorf("failed to unmarshal status request: %w", err))
	}

	if request.JobID == "" {
		jobs := w.queue.Snapshot()

		return Reply{Header: request.Header, Jobs: jobs, Count: len(jobs)}
	}

	job, ok := w.queue.Get(request.JobID)
	if !ok {
		return errorReply(request.Header, fmt.Errorf("%w: %s", batch.ErrJobNotFound, request.JobID))
	}

	return Reply{Header: request.Header, Jobs: []batch.Job{job}, Count: 1}
}

func (w *NatsWorker) handleControl(ctx context.Context, msg *nats.Msg) Reply {
	var request ControlRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		return errorReply(request.Header, fmt.Errorf("failed to unmarshal control request: %w", err))
	}

	reply, err := w.control(ctx, request)
	if err != nil {
		return errorReply(request.Header, err)
	}

	reply.Header = request.Header

	return reply
}

func (w *NatsWorker) control(ctx context.Context, request ControlRequest) (Reply, error) {
	switch request.Action {
	case ActionDelete:
		if request.JobID == "" {
			return Reply{}, ErrJobIDRequired
		}

		err := w.queue.Delete(ctx, request.JobID)
		if err != nil {
			return Reply{}, fmt.Errorf("delete %s: %w", request.JobID, err)
		}

		return Reply{RemovedIDs: []string{request.JobID}, Count: 1}, nil
	case ActionClear:
		ids, err := w.queue.ClearFinished(ctx, request.Statuses...)
		if err != nil {
			return Reply{}, err
		}

		return Reply{RemovedIDs: ids, Count: len(ids)}, nil
	case ActionRetry:
		if request.JobID == "" {
			return Reply{}, ErrJobIDRequired
		}

		job, err := w.queue.Retry(ctx, request.JobID)
		if err != nil {
			return Reply{}, fmt.Errorf("retry %s: %w", request.JobID, err)
		}

		return Reply{Jobs: []batch.Job{job}, RemovedIDs: []string{request.JobID}, Count: 1}, nil
	case ActionRetryFailed:
		jobs, err := w.queue.RetryFailed(ctx)
		if err != nil {
			return Reply{}, err
		}

		return Reply{Jobs: jobs, Count: len(jobs)}, nil
	case ActionReset:
		return Reply{Count: w.queue.Reset()}, nil
	default:
		return Reply{}, fmt.Errorf("%w: '%s'", ErrUnknownAction, request.Action)
	}
}

func (w *NatsWorker) handleHistory(ctx context.Context, msg *nats.Msg) Reply {
	var request HistoryRequest

	err := json.Unmarshal(msg.Data, &request)
	if err != nil {
		return errorReply(request.Header, fmt.Errorf("failed to unmarshal history request: %w", err))
	}

	if w.history == nil {
		return errorReply(request.Header, ErrHistoryUnavailable)
	}

	reply, err := w.historyReply(ctx, request)
	if err != nil {
		return errorReply(request.Header, err)
	}

	reply.Header = request.Header

	return reply
}

func (w *NatsWorker) historyReply(ctx context.Context, request HistoryRequest) (Reply, error) {
	switch {
	case request.Delete:
		if request.RecordID == "" {
			return Reply{}, ErrRecordIDRequired
		}

		err := w.history.Delete(ctx, request.RecordID)
		if err != nil {
			return Reply{}, fmt.Errorf("delete history %s: %w", request.RecordID, err)
		}

		return Reply{RemovedIDs: []string{request.RecordID}, Count: 1}, nil
	case request.RecordID != "":
		record, err := w.history.Get(ctx, request.RecordID)
		if err != nil {
			return Reply{}, fmt.Errorf("get history %s: %w", request.RecordID, err)
		}

		return Reply{History: []core.HistoryRecord{record}, Count: 1}, nil
	default:
		records, err := w.history.List(ctx, request.Limit)
		if err != nil {
			return Reply{}, fmt.Errorf("list history: %w", err)
		}

		return Reply{History: records, Count: len(records)}, nil
	}
}

func (w *NatsWorker) respond(msg *nats.Msg, reply Reply) error {
	if msg.Reply == "" {
		return nil
	}

	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	return nil
}

func errorReply(header events.EventHeader, err error) Reply {
	return Reply{Header: header, Error: err.Error(), ErrorKind: core.KindOf(err)}
}
