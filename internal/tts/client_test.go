package tts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/config"
	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/transport"
	"github.com/book-expert/voiceover-service/internal/tts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey  = "test-key"
	testVoiceID = "voice-123"
	testModelID = "eleven_monolingual_v1"
	testAudio   = "ID3-fake-mp3"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	return log
}

func noSleepTransport() *transport.Transport {
	return transport.New(nil, transport.Options{
		Sleep:  func(context.Context, time.Duration) error { return nil },
		Jitter: func(time.Duration) time.Duration { return 0 },
	})
}

func newTestClient(t *testing.T, serverURL string) *tts.Client {
	t.Helper()

	client, err := tts.NewClient(serverURL, testAPIKey, "", noSleepTransport(), newTestLogger(t))
	require.NoError(t, err)

	return client
}

type capturedRequest struct {
	Text               string         `json:"text"`
	ModelID            string         `json:"model_id"`
	VoiceSettings      map[string]any `json:"voice_settings"`
	PreviousRequestIDs []string       `json:"previous_request_ids"`
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := tts.NewClient("  ", testAPIKey, "", nil, nil)
	require.ErrorIs(t, err, tts.ErrBaseURLRequired)
}

func TestClient_Synthesize_Success(t *testing.T) {
	t.Parallel()

	var captured capturedRequest

	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		assert.Equal(t, http.MethodPost, request.Method)
		assert.Equal(t, "/v1/text-to-speech/"+testVoiceID, request.URL.Path)
		assert.Equal(t, tts.DefaultOutputFormat, request.URL.Query().Get("output_format"))
		assert.Equal(t, testAPIKey, request.Header.Get("xi-api-key"))
		assert.Equal(t, "application/json", request.Header.Get("Content-Type"))
		assert.Equal(t, "audio/mpeg", request.Header.Get("Accept"))
		assert.NoError(t, json.NewDecoder(request.Body).Decode(&captured))

		responseWriter.Header().Set("Content-Type", "audio/mpeg")
		responseWriter.Header().Set("request-id", "req-2")
		_, _ = responseWriter.Write([]byte(testAudio))
	}))
	defer server.Close()

	result, err := newTestClient(t, server.URL).Synthesize(context.Background(), core.SynthesisRequest{
		Text:            "Hello, world!",
		VoiceID:         testVoiceID,
		ModelID:         testModelID,
		Settings:        fullSettings(),
		ContinuityToken: "req-1",
	})
	require.NoError(t, err)

	assert.Equal(t, []byte(testAudio), result.Audio)
	assert.Equal(t, "audio/mpeg", result.MediaType)
	assert.Equal(t, "req-2", result.ContinuityToken)

	assert.Equal(t, "Hello, world!", captured.Text)
	assert.Equal(t, testModelID, captured.ModelID)
	assert.Equal(t, []string{"req-1"}, captured.PreviousRequestIDs)
	assert.NotContains(t, captured.VoiceSettings, "style")
	assert.NotContains(t, captured.VoiceSettings, "use_speaker_boost")
	assert.InDelta(t, 1.0, captured.VoiceSettings["speed"], 1e-9)
}

func TestClient_Synthesize_NoContinuity(t *testing.T) {
	t.Parallel()

	var raw map[string]any

	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		assert.NoError(t, json.NewDecoder(request.Body).Decode(&raw))
		_, _ = responseWriter.Write([]byte(testAudio))
	}))
	defer server.Close()

	result, err := newTestClient(t, server.URL).Synthesize(context.Background(), core.SynthesisRequest{
		Text:    "First chunk",
		VoiceID: testVoiceID,
		ModelID: "eleven_multilingual_v2",
	})
	require.NoError(t, err)

	assert.Empty(t, result.ContinuityToken)
	assert.NotContains(t, raw, "previous_request_ids")
}

func TestClient_Synthesize_Validation(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		calls.Add(1)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	tests := []struct {
		name string
		req  core.SynthesisRequest
	}{
		{name: "missing voice", req: core.SynthesisRequest{Text: "hi"}},
		{name: "blank text", req: core.SynthesisRequest{Text: "  ", VoiceID: testVoiceID}},
		{name: "stability out of range", req: core.SynthesisRequest{Text: "hi", VoiceID: testVoiceID, Settings: core.VoiceSettings{Stability: 1.5}}},
		{name: "style out of range", req: core.SynthesisRequest{Text: "hi", VoiceID: testVoiceID, Settings: core.VoiceSettings{Style: float(-0.1)}}},
	}

	for _, testCase := range tests {
		_, err := client.Synthesize(context.Background(), testCase.req)
		require.Error(t, err, testCase.name)
		assert.Equal(t, core.KindValidation, core.KindOf(err), testCase.name)
	}

	assert.Zero(t, calls.Load())
}

func TestClient_Synthesize_ErrorMessages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
	}{
		{name: "string detail", status: http.StatusBadRequest, body: `{"detail":"Voice not found"}`, wantMessage: "Voice not found"},
		{name: "object detail", status: http.StatusUnauthorized, body: `{"detail":{"status":"invalid_api_key","message":"Invalid API key"}}`, wantMessage: "Invalid API key"},
		{name: "json without detail", status: http.StatusInternalServerError, body: `{"error":"boom"}`, wantMessage: "text-to-speech request failed"},
		{name: "unparseable body", status: http.StatusBadGateway, body: `<html>bad gateway</html>`, wantMessage: "Bad Gateway"},
		{name: "empty body", status: http.StatusServiceUnavailable, body: ``, wantMessage: "Service Unavailable"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, _ *http.Request) {
				responseWriter.WriteHeader(testCase.status)
				_, _ = responseWriter.Write([]byte(testCase.body))
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL).Synthesize(context.Background(), core.SynthesisRequest{
				Text:    "hi",
				VoiceID: testVoiceID,
			})
			require.Error(t, err)

			assert.Equal(t, core.KindAPI, core.KindOf(err))
			assert.Equal(t, testCase.status, core.StatusCodeOf(err))
			assert.Equal(t, testCase.wantMessage, err.Error())
		})
	}
}

func TestClient_Synthesize_RateLimitExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		responseWriter.WriteHeader(http.StatusTooManyRequests)
		_, _ = responseWriter.Write([]byte(`{"detail":"Too many concurrent requests"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Synthesize(context.Background(), core.SynthesisRequest{
		Text:    "hi",
		VoiceID: testVoiceID,
	})
	require.Error(t, err)

	assert.Equal(t, core.KindAPI, core.KindOf(err))
	assert.Equal(t, http.StatusTooManyRequests, core.StatusCodeOf(err))
	assert.Equal(t, "Too many concurrent requests", err.Error())
	assert.Equal(t, int32(transport.DefaultMaxRetries), calls.Load())
}

func TestClient_Synthesize_RecoversFromRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			responseWriter.WriteHeader(http.StatusTooManyRequests)

			return
		}

		responseWriter.Header().Set("request-id", "req-9")
		_, _ = responseWriter.Write([]byte(testAudio))
	}))
	defer server.Close()

	result, err := newTestClient(t, server.URL).Synthesize(context.Background(), core.SynthesisRequest{
		Text:    "hi",
		VoiceID: testVoiceID,
	})
	require.NoError(t, err)

	assert.Equal(t, "req-9", result.ContinuityToken)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_Synthesize_EmptyAudio(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, _ *http.Request) {
		responseWriter.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Synthesize(context.Background(), core.SynthesisRequest{
		Text:    "hi",
		VoiceID: testVoiceID,
	})
	require.Error(t, err)
	assert.Equal(t, core.KindAPI, core.KindOf(err))
}

func TestClient_Synthesize_Unreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	serverURL := server.URL
	server.Close()

	_, err := newTestClient(t, serverURL).Synthesize(context.Background(), core.SynthesisRequest{
		Text:    "hi",
		VoiceID: testVoiceID,
	})
	require.Error(t, err)
	assert.Equal(t, core.KindTransport, core.KindOf(err))
}

func TestClient_ListModels(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		assert.Equal(t, "/v1/models", request.URL.Path)
		assert.Equal(t, testAPIKey, request.Header.Get("xi-api-key"))

		responseWriter.Header().Set("Content-Type", "application/json")
		_, _ = responseWriter.Write([]byte(`[
			{"model_id":"eleven_multilingual_v2","name":"Multilingual v2","can_do_text_to_speech":true},
			{"model_id":"eleven_turbo_v2_5","name":"Turbo v2.5","can_do_text_to_speech":true}
		]`))
	}))
	defer server.Close()

	models, err := newTestClient(t, server.URL).ListModels(context.Background())
	require.NoError(t, err)

	require.Len(t, models, 2)
	assert.Equal(t, "eleven_multilingual_v2", models[0].ModelID)
	assert.True(t, models[1].CanDoTextToSpeech)
}

func TestClient_ListModels_APIError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, _ *http.Request) {
		responseWriter.WriteHeader(http.StatusUnauthorized)
		_, _ = responseWriter.Write([]byte(`{"detail":"Unauthorized key"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).ListModels(context.Background())
	require.Error(t, err)
	assert.Equal(t, "Unauthorized key", err.Error())
	assert.Equal(t, http.StatusUnauthorized, core.StatusCodeOf(err))
}

func TestNewClientFromConfig(t *testing.T) {
	t.Parallel()

	var gotKey atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey.Store(r.Header.Get("xi-api-key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client, err := tts.NewClientFromConfig(config.SynthesisConfig{
		BaseURL:        server.URL + "/",
		APIKey:         "from-config",
		TimeoutSeconds: 5,
	}, newTestLogger(t))
	require.NoError(t, err)

	_, err = client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-config", gotKey.Load())

	_, err = tts.NewClientFromConfig(config.SynthesisConfig{}, nil)
	require.ErrorIs(t, err, tts.ErrBaseURLRequired)
}
