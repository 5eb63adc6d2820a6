package handler

import (
	"log/slog"
	"time"

	"hiwire/internal/config"
	"hiwire/internal/upstream"
)

// FeedPublisher receives every successfully built feed in binary form.
type FeedPublisher interface {
	PublishFeed(data []byte) error
}

// FeedMetrics records the outcome of each trip-update request.
type FeedMetrics interface {
	FeedServed(format string, code int, entities int)
}

// Handler holds shared dependencies for the HTTP handlers.
type Handler struct {
	src             upstream.Source
	defaultEndpoint string
	publisher       FeedPublisher // optional
	metrics         FeedMetrics   // optional
	logger          *slog.Logger
	now             func() time.Time
}

// New creates a Handler. src is normally an *upstream.Cache; publisher and
// metrics may be nil.
func New(src upstream.Source, cfg *config.Config, publisher FeedPublisher, metrics FeedMetrics, logger *slog.Logger) *Handler {
	return &Handler{
		src:             src,
		defaultEndpoint: cfg.Endpoint,
		publisher:       publisher,
		metrics:         metrics,
		logger:          logger,
		now:             time.Now,
	}
}
