// Package tts is the client for the remote text-to-speech API.
//
// Every call goes through a transport.Transport, so rate limits and network faults are
// retried before an error reaches the caller. Non-success responses become core.Error
// values of kind api.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/metrics"
	"github.com/book-expert/voiceover-service/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// API endpoints and paths.
const (
	apiTextToSpeech = "/v1/text-to-speech/"
	apiModels       = "/v1/models"
)

// HTTP headers.
const (
	headerAPIKey      = "xi-api-key"
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	headerRequestID   = "request-id"
	contentTypeJSON   = "application/json"
	queryOutputFormat = "output_format"
)

// DefaultOutputFormat is requested when none is configured.
const DefaultOutputFormat = "mp3_44100_128"

// Error messages.
const (
	errMsgVoiceIDRequired = "a voice must be selected before synthesizing"
	errMsgTextRequired    = "chunk text cannot be empty"
	errMsgGenericFailure  = "text-to-speech request failed"
	errMsgEmptyAudio      = "text-to-speech service returned no audio"
	statusLabelSuccess    = "success"
	statusLabelFailure    = "error"
)

// ErrBaseURLRequired is returned by NewClient when no base URL is configured.
var ErrBaseURLRequired = errors.New("base URL is required")

var tracer = otel.Tracer("voiceover/tts")

// Client synthesizes chunks and lists models against the remote API.
type Client struct {
	transport    *transport.Transport
	baseURL      string
	apiKey       string
	outputFormat string
	log          *logger.Logger
}

// speechRequest is the JSON body of a synthesis call.
type speechRequest struct {
	Text               string           `json:"text"`
	ModelID            string           `json:"model_id"`
	VoiceSettings      OutgoingSettings `json:"voice_settings"`
	PreviousRequestIDs []string         `json:"previous_request_ids,omitempty"`
}

// Model describes one model offered by the remote API.
type Model struct {
	ModelID               string `json:"model_id"`
	Name                  string `json:"name"`
	Description           string `json:"description,omitempty"`
	CanDoTextToSpeech     bool   `json:"can_do_text_to_speech"`
	MaxCharactersPerChunk int    `json:"maximum_text_length_per_request,omitempty"`
}

// NewClient creates a Client. An empty outputFormat selects DefaultOutputFormat.
func NewClient(
	baseURL, apiKey, outputFormat string,
	httpTransport *transport.Transport,
	log *logger.Logger,
) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, ErrBaseURLRequired
	}

	if outputFormat == "" {
		outputFormat = DefaultOutputFormat
	}

	if httpTransport == nil {
		httpTransport = transport.New(nil, transport.Options{})
	}

	return &Client{
		transport:    httpTransport,
		baseURL:      baseURL,
		apiKey:       apiKey,
		outputFormat: outputFormat,
		log:          log,
	}, nil
}

// Synthesize converts one chunk to audio. The returned continuity token is empty when the
// service did not supply one.
func (c *Client) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.SynthesisResult, error) {
	if strings.TrimSpace(req.VoiceID) == "" {
		return core.SynthesisResult{}, core.NewValidationError(errMsgVoiceIDRequired)
	}

	if strings.TrimSpace(req.Text) == "" {
		return core.SynthesisResult{}, core.NewValidationError(errMsgTextRequired)
	}

	settingsErr := validateSettings(req.Settings)
	if settingsErr != nil {
		return core.SynthesisResult{}, settingsErr
	}

	ctx, span := tracer.Start(ctx, "tts.Synthesize")
	defer span.End()

	span.SetAttributes(
		attribute.String("tts.voice_id", req.VoiceID),
		attribute.String("tts.model_id", req.ModelID),
		attribute.Int("tts.text_length", len(req.Text)),
		attribute.Bool("tts.continuity", req.ContinuityToken != ""),
	)

	started := time.Now()

	result, err := c.synthesize(ctx, req)

	metrics.SynthesisDuration.WithLabelValues(req.ModelID).Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.SynthesisRequestsTotal.WithLabelValues(req.ModelID, statusLabelFailure).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return core.SynthesisResult{}, err
	}

	metrics.SynthesisRequestsTotal.WithLabelValues(req.ModelID, statusLabelSuccess).Inc()
	span.SetAttributes(attribute.Int("tts.audio_bytes", len(result.Audio)))

	return result, nil
}

func (c *Client) synthesize(ctx context.Context, req core.SynthesisRequest) (core.SynthesisResult, error) {
	body := speechRequest{
		Text:          req.Text,
		ModelID:       req.ModelID,
		VoiceSettings: EffectiveSettings(req.Settings, ResolveCapabilities(req.ModelID)),
	}

	if req.ContinuityToken != "" {
		body.PreviousRequestIDs = []string{req.ContinuityToken}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return core.SynthesisResult{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.speechURL(req.VoiceID)

	resp, err := c.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if reqErr != nil {
			return nil, reqErr
		}

		httpReq.Header.Set(headerContentType, contentTypeJSON)
		httpReq.Header.Set(headerAccept, core.DefaultMediaType)
		c.authorize(httpReq)

		return httpReq, nil
	})
	if err != nil {
		return core.SynthesisResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return core.SynthesisResult{}, parseErrorResponse(resp)
	}

	audio, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return core.SynthesisResult{}, core.NewTransportError(fmt.Errorf("failed to read audio data: %w", readErr))
	}

	if len(audio) == 0 {
		return core.SynthesisResult{}, core.NewAPIError(errMsgEmptyAudio, resp.StatusCode)
	}

	token := resp.Header.Get(headerRequestID)
	if token == "" && c.log != nil {
		c.log.Warn("No continuity token returned for voice %s; next chunk will start fresh", req.VoiceID)
	}

	return core.SynthesisResult{
		Audio:           audio,
		MediaType:       mediaTypeOf(resp),
		ContinuityToken: token,
	}, nil
}

// ListModels returns the models offered by the remote API.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	ctx, span := tracer.Start(ctx, "tts.ListModels")
	defer span.End()

	endpoint := c.baseURL + apiModels

	resp, err := c.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
		if reqErr != nil {
			return nil, reqErr
		}

		httpReq.Header.Set(headerAccept, contentTypeJSON)
		c.authorize(httpReq)

		return httpReq, nil
	})
	if err != nil {
		span.RecordError(err)

		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := parseErrorResponse(resp)
		span.RecordError(apiErr)

		return nil, apiErr
	}

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, core.NewTransportError(fmt.Errorf("failed to read models: %w", readErr))
	}

	var models []Model

	parseErr := parseJSON(data, &models)
	if parseErr != nil {
		return nil, core.NewAPIError(http.StatusText(resp.StatusCode), resp.StatusCode)
	}

	span.SetAttributes(attribute.Int("tts.model_count", len(models)))

	return models, nil
}

func (c *Client) speechURL(voiceID string) string {
	query := url.Values{}
	query.Set(queryOutputFormat, c.outputFormat)

	return c.baseURL + apiTextToSpeech + url.PathEscape(voiceID) + "?" + query.Encode()
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(headerAPIKey, c.apiKey)
	}
}

func mediaTypeOf(resp *http.Response) string {
	contentType := resp.Header.Get(headerContentType)
	if contentType == "" {
		return core.DefaultMediaType
	}

	mediaType, _, _ := strings.Cut(contentType, ";")

	return strings.TrimSpace(mediaType)
}

// parseErrorResponse maps a non-success response to an api error. The server's detail text
// is preferred; a body that is JSON without detail yields a generic phrase; anything else
// yields the HTTP status text.
func parseErrorResponse(resp *http.Response) error {
	statusText := http.StatusText(resp.StatusCode)
	if statusText == "" {
		statusText = "HTTP " + strconv.Itoa(resp.StatusCode)
	}

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil || len(bytes.TrimSpace(data)) == 0 {
		return core.NewAPIError(statusText, resp.StatusCode)
	}

	var errorResp errorResponse

	parseErr := parseJSON(data, &errorResp)
	if parseErr != nil {
		return core.NewAPIError(statusText, resp.StatusCode)
	}

	message := errorResp.message()
	if message == "" {
		message = errMsgGenericFailure
	}

	return core.NewAPIError(message, resp.StatusCode)
}
