package tts

import (
	"net/http"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/config"
	"github.com/book-expert/voiceover-service/internal/transport"
)

// NewClientFromConfig builds a Client with a retrying transport tuned by cfg.
func NewClientFromConfig(cfg config.SynthesisConfig, log *logger.Logger) (*Client, error) {
	httpTransport := transport.New(&http.Client{Timeout: cfg.Timeout()}, transport.Options{
		MaxRetries:        cfg.MaxRetries,
		InitialBackoff:    cfg.InitialBackoff(),
		MaxJitter:         cfg.MaxJitter(),
		RequestsPerSecond: cfg.RequestsPerSecond,
	})

	return NewClient(cfg.BaseURL, cfg.ResolveAPIKey(), cfg.OutputFormat, httpTransport, log)
}
