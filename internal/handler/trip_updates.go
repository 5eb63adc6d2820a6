package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"hiwire/internal/feed"
	"hiwire/internal/logging"
)

const (
	formatBinary = "binary"
	formatText   = "text"
)

// TripUpdates serves the GTFS-realtime trip-update feed for one
// RealTimeManager endpoint.
//
// Query parameters:
//   - endpoint: RealTimeManager URL, defaults to the configured one
//   - debug: when present, render the feed as protobuf text format
func (h *Handler) TripUpdates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.FromContext(ctx, h.logger)
	q := r.URL.Query()

	debug := q.Has("debug")
	format := formatBinary
	if debug {
		format = formatText
	}

	endpoint := q.Get("endpoint")
	if endpoint == "" {
		endpoint = h.defaultEndpoint
	}
	if err := validateEndpoint(endpoint); err != nil {
		h.fail(w, logger, format, http.StatusBadRequest, err)
		return
	}

	ids, err := h.src.LineDirIDs(ctx, endpoint)
	if err != nil {
		h.fail(w, logger, format, http.StatusBadGateway, fmt.Errorf("list lines: %w", err))
		return
	}

	trips, err := h.src.ActiveTrips(ctx, endpoint, ids)
	if err != nil {
		h.fail(w, logger, format, http.StatusBadGateway, fmt.Errorf("active trips: %w", err))
		return
	}

	msg, err := feed.Build(trips, h.now())
	if err != nil {
		h.fail(w, logger, format, http.StatusInternalServerError, err)
		return
	}

	data, contentType, err := feed.Marshal(msg, debug)
	if err != nil {
		h.fail(w, logger, format, http.StatusInternalServerError, err)
		return
	}

	if h.publisher != nil {
		h.publish(logger, msg, data, debug)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		logger.Warn("write feed response", "error", err)
	}

	if h.metrics != nil {
		h.metrics.FeedServed(format, http.StatusOK, len(msg.GetEntity()))
	}
}

// publish hands the binary feed to the publisher. Failures are logged only.
func (h *Handler) publish(logger *slog.Logger, msg *gtfs.FeedMessage, data []byte, debug bool) {
	if debug {
		var err error
		if data, _, err = feed.Marshal(msg, false); err != nil {
			logging.LogError(logger, "marshal feed for publish", err)
			return
		}
	}
	if err := h.publisher.PublishFeed(data); err != nil {
		logging.LogError(logger, "publish feed", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, logger *slog.Logger, format string, code int, err error) {
	logging.LogError(logger, "trip updates failed", err, slog.Int("status", code))
	http.Error(w, http.StatusText(code)+": "+err.Error(), code)
	if h.metrics != nil {
		h.metrics.FeedServed(format, code, 0)
	}
}

// validateEndpoint accepts absolute http and https URLs only.
func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("invalid endpoint: want an absolute http(s) URL")
	}
	return nil
}
