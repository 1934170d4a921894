package transport_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/metrics"
	"github.com/book-expert/voiceover-service/internal/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnectionReset = errors.New("connection reset by peer")

const testURL = "http://tts.invalid/v1/text-to-speech/voice"

// scriptedDoer replays a fixed sequence of outcomes, one per attempt.
type scriptedDoer struct {
	outcomes []outcome
	calls    int
}

type outcome struct {
	status     int
	retryAfter string
	err        error
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	current := d.outcomes[min(d.calls, len(d.outcomes)-1)]
	d.calls++

	if current.err != nil {
		return nil, current.err
	}

	resp := &http.Response{
		StatusCode: current.status,
		Status:     http.StatusText(current.status),
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader("body")),
		Request:    req,
	}

	if current.retryAfter != "" {
		resp.Header.Set("Retry-After", current.retryAfter)
	}

	return resp, nil
}

// sleepRecorder captures requested waits instead of sleeping.
type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)

	return nil
}

func newRequest(ctx context.Context) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodPost, testURL, strings.NewReader(`{"text":"hi"}`))
}

func newTestTransport(doer transport.Doer, recorder *sleepRecorder, jitter time.Duration) *transport.Transport {
	return transport.New(doer, transport.Options{
		Sleep:  recorder.sleep,
		Jitter: func(time.Duration) time.Duration { return jitter },
	})
}

func TestDo_RateLimitedThenSuccess(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{outcomes: []outcome{
		{status: http.StatusTooManyRequests},
		{status: http.StatusTooManyRequests},
		{status: http.StatusOK},
	}}
	recorder := &sleepRecorder{}

	resp, err := newTestTransport(doer, recorder, 0).Do(context.Background(), newRequest)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, doer.calls)
	require.Len(t, recorder.waits, 2)
	assert.Equal(t, 500*time.Millisecond, recorder.waits[0])
	assert.Equal(t, 750*time.Millisecond, recorder.waits[1])
	assert.GreaterOrEqual(t, recorder.waits[1], recorder.waits[0])
}

func TestDo_RateLimitedAddsJitter(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{outcomes: []outcome{
		{status: http.StatusTooManyRequests},
		{status: http.StatusOK},
	}}
	recorder := &sleepRecorder{}

	resp, err := newTestTransport(doer, recorder, 100*time.Millisecond).Do(context.Background(), newRequest)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, []time.Duration{600 * time.Millisecond}, recorder.waits)
}

func TestDo_RetryAfterHeaderWins(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{outcomes: []outcome{
		{status: http.StatusTooManyRequests, retryAfter: "2"},
		{status: http.StatusTooManyRequests, retryAfter: "0.5"},
		{status: http.StatusCreated},
	}}
	recorder := &sleepRecorder{}

	resp, err := newTestTransport(doer, recorder, 10*time.Millisecond).Do(context.Background(), newRequest)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []time.Duration{2010 * time.Millisecond, 510 * time.Millisecond}, recorder.waits)
}

func TestDo_UnusableRetryAfterFallsBackOrCaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		retryAfter string
		expected   time.Duration
	}{
		{name: "nan", retryAfter: "NaN", expected: 500 * time.Millisecond},
		{name: "infinity", retryAfter: "+Inf", expected: 500 * time.Millisecond},
		{name: "negative", retryAfter: "-3", expected: 500 * time.Millisecond},
		{name: "garbage", retryAfter: "soon", expected: 500 * time.Millisecond},
		{name: "overflowing seconds", retryAfter: "1e300", expected: transport.MaxRetryAfter},
		{name: "one day", retryAfter: "86400", expected: transport.MaxRetryAfter},
		{name: "far future date", retryAfter: "Fri, 01 Jan 2100 00:00:00 GMT", expected: transport.MaxRetryAfter},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			doer := &scriptedDoer{outcomes: []outcome{
				{status: http.StatusTooManyRequests, retryAfter: testCase.retryAfter},
				{status: http.StatusOK},
			}}
			recorder := &sleepRecorder{}

			resp, err := newTestTransport(doer, recorder, 0).Do(context.Background(), newRequest)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, []time.Duration{testCase.expected}, recorder.waits)
		})
	}
}

func TestDo_RateLimitExhaustedReturnsLastResponse(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{outcomes: []outcome{{status: http.StatusTooManyRequests}}}
	recorder := &sleepRecorder{}

	resp, err := newTestTransport(doer, recorder, 0).Do(context.Background(), newRequest)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, transport.DefaultMaxRetries, doer.calls)
	assert.Len(t, recorder.waits, transport.DefaultMaxRetries-1)

	for index := 1; index < len(recorder.waits); index++ {
		assert.GreaterOrEqual(t, recorder.waits[index], recorder.waits[index-1])
	}
}

func TestDo_ApplicationErrorsNotRetried(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		doer := &scriptedDoer{outcomes: []outcome{{status: status}}}
		recorder := &sleepRecorder{}

		resp, err := newTestTransport(doer, recorder, 0).Do(context.Background(), newRequest)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, status, resp.StatusCode)
		assert.Equal(t, 1, doer.calls)
		assert.Empty(t, recorder.waits)
	}
}

func TestDo_NetworkFailureRecovers(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{outcomes: []outcome{
		{err: errConnectionReset},
		{status: http.StatusOK},
	}}
	recorder := &sleepRecorder{}

	resp, err := newTestTransport(doer, recorder, 200*time.Millisecond).Do(context.Background(), newRequest)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, recorder.waits, "network retries carry no jitter")
}

func TestDo_NetworkFailureExhausted(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{outcomes: []outcome{{err: errConnectionReset}}}
	recorder := &sleepRecorder{}

	resp, err := newTestTransport(doer, recorder, 0).Do(context.Background(), newRequest)
	require.Error(t, err)
	assert.Nil(t, resp)

	assert.Equal(t, core.KindTransport, core.KindOf(err))
	require.ErrorIs(t, err, errConnectionReset)
	assert.Equal(t, transport.DefaultMaxRetries, doer.calls)
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		750 * time.Millisecond,
		1125 * time.Millisecond,
		1687500 * time.Microsecond,
	}, recorder.waits)
}

func TestDo_CustomRetryBudget(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{outcomes: []outcome{{status: http.StatusTooManyRequests}}}
	recorder := &sleepRecorder{}

	client := transport.New(doer, transport.Options{
		MaxRetries:     2,
		InitialBackoff: 10 * time.Millisecond,
		Sleep:          recorder.sleep,
		Jitter:         func(time.Duration) time.Duration { return 0 },
	})

	resp, err := client.Do(context.Background(), newRequest)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, 2, doer.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, recorder.waits)
}

func TestDo_SleepInterruptedByContext(t *testing.T) {
	t.Parallel()

	doer := &scriptedDoer{outcomes: []outcome{{status: http.StatusTooManyRequests}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := transport.New(doer, transport.Options{InitialBackoff: time.Hour})

	_, err := client.Do(ctx, newRequest)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, doer.calls)
}

func TestDo_RebuildsRequestPerAttempt(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(responseWriter http.ResponseWriter, request *http.Request) {
		body, err := io.ReadAll(request.Body)
		if err != nil {
			t.Errorf("failed to read body: %v", err)
		}

		if string(body) != `{"text":"hi"}` {
			t.Errorf("unexpected body %q", body)
		}

		if attempts.Add(1) == 1 {
			responseWriter.Header().Set("Retry-After", "0")
			responseWriter.WriteHeader(http.StatusTooManyRequests)

			return
		}

		responseWriter.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := transport.New(server.Client(), transport.Options{Sleep: recorder.sleep})

	resp, err := client.Do(context.Background(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodPost, server.URL, strings.NewReader(`{"text":"hi"}`))
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(2), attempts.Load())
	require.Len(t, recorder.waits, 1)
	assert.Less(t, recorder.waits[0], transport.DefaultMaxJitter)
}

// Not parallel: reads shared counters.
func TestDo_CountsRetriesByReason(t *testing.T) {
	rateLimited := metrics.TransportRetriesTotal.WithLabelValues(metrics.ReasonRateLimited)
	network := metrics.TransportRetriesTotal.WithLabelValues(metrics.ReasonNetwork)
	rateLimitedBefore := testutil.ToFloat64(rateLimited)
	networkBefore := testutil.ToFloat64(network)

	doer := &scriptedDoer{outcomes: []outcome{
		{status: http.StatusTooManyRequests},
		{err: errConnectionReset},
		{status: http.StatusOK},
	}}

	resp, err := newTestTransport(doer, &sleepRecorder{}, 0).Do(context.Background(), newRequest)
	require.NoError(t, err)
	resp.Body.Close()

	assert.InDelta(t, 1, testutil.ToFloat64(rateLimited)-rateLimitedBefore, 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(network)-networkBefore, 0.001)
}
