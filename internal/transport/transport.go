// Package transport provides the retrying HTTP layer shared by every call to the
// text-to-speech service.
//
// Only rate limiting (HTTP 429) and network faults are retried. Every other response,
// successful or not, is handed straight back to the caller.
package transport

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/voiceover-service/internal/core"
	"github.com/book-expert/voiceover-service/internal/metrics"
	"golang.org/x/time/rate"
)

// Retry defaults.
const (
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxJitter      = 250 * time.Millisecond
	BackoffMultiplier     = 1.5
)

const headerRetryAfter = "Retry-After"

// MaxRetryAfter caps the wait a server can request through Retry-After.
const MaxRetryAfter = 5 * time.Minute

// Doer sends a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RequestFunc builds a fresh request for each attempt so bodies can be replayed.
type RequestFunc func(ctx context.Context) (*http.Request, error)

// Options tunes a Transport. Zero values select the defaults.
type Options struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxJitter         time.Duration
	RequestsPerSecond float64

	// Sleep and Jitter are replaceable for tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func(maxJitter time.Duration) time.Duration
}

// Transport wraps a Doer with rate-limit and network-fault retries.
type Transport struct {
	doer           Doer
	maxRetries     int
	initialBackoff time.Duration
	maxJitter      time.Duration
	limiter        *rate.Limiter
	sleep          func(ctx context.Context, d time.Duration) error
	jitter         func(maxJitter time.Duration) time.Duration
}

// New creates a Transport around doer.
func New(doer Doer, opts Options) *Transport {
	transport := &Transport{
		doer:           doer,
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		maxJitter:      opts.MaxJitter,
		sleep:          opts.Sleep,
		jitter:         opts.Jitter,
	}

	if transport.doer == nil {
		transport.doer = http.DefaultClient
	}

	if transport.maxRetries <= 0 {
		transport.maxRetries = DefaultMaxRetries
	}

	if transport.initialBackoff <= 0 {
		transport.initialBackoff = DefaultInitialBackoff
	}

	if transport.maxJitter <= 0 {
		transport.maxJitter = DefaultMaxJitter
	}

	if transport.sleep == nil {
		transport.sleep = sleepContext
	}

	if transport.jitter == nil {
		transport.jitter = randomJitter
	}

	if opts.RequestsPerSecond > 0 {
		transport.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	return transport
}

// Do sends the request built by newRequest, retrying on 429 and network failures up to
// the configured number of attempts.
//
// When every attempt is rate limited the final 429 response is returned without an error.
// When every attempt fails at the network level the last failure is returned as a
// core.KindTransport error.
func (t *Transport) Do(ctx context.Context, newRequest RequestFunc) (*http.Response, error) {
	backoff := t.initialBackoff

	for attempt := 1; ; attempt++ {
		lastAttempt := attempt >= t.maxRetries

		if t.limiter != nil {
			waitErr := t.limiter.Wait(ctx)
			if waitErr != nil {
				return nil, fmt.Errorf("failed to wait for request slot: %w", waitErr)
			}
		}

		req, err := newRequest(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		resp, doErr := t.doer.Do(req)
		if doErr != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
			}

			if lastAttempt {
				return nil, core.NewTransportError(doErr)
			}

			metrics.TransportRetriesTotal.WithLabelValues(metrics.ReasonNetwork).Inc()

			sleepErr := t.sleep(ctx, backoff)
			if sleepErr != nil {
				return nil, sleepErr
			}

			backoff = grow(backoff)

			continue
		}

		if resp.StatusCode != http.StatusTooManyRequests || lastAttempt {
			return resp, nil
		}

		wait := backoff
		if retryAfter, ok := parseRetryAfter(resp.Header.Get(headerRetryAfter)); ok {
			wait = retryAfter
		}

		wait += t.jitter(t.maxJitter)

		discardBody(resp)
		metrics.TransportRetriesTotal.WithLabelValues(metrics.ReasonRateLimited).Inc()

		sleepErr := t.sleep(ctx, wait)
		if sleepErr != nil {
			return nil, sleepErr
		}

		backoff = grow(backoff)
	}
}

func grow(backoff time.Duration) time.Duration {
	return time.Duration(float64(backoff) * BackoffMultiplier)
}

// parseRetryAfter accepts delay-seconds (fractional values allowed) or an HTTP date.
// Negative and non-finite delays are rejected; long ones are capped at MaxRetryAfter.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	seconds, err := strconv.ParseFloat(value, 64)
	if err == nil {
		if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
			return 0, false
		}

		if seconds >= MaxRetryAfter.Seconds() {
			return MaxRetryAfter, true
		}

		return time.Duration(seconds * float64(time.Second)), true
	}

	at, dateErr := http.ParseTime(value)
	if dateErr != nil {
		return 0, false
	}

	return min(max(time.Until(at), 0), MaxRetryAfter), true
}

func discardBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("retry wait interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func randomJitter(maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}

	return rand.N(maxJitter)
}
