package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the adapter's Prometheus metrics on a private registry.
// It implements upstream.RequestObserver and upstream.CacheObserver.
type Collector struct {
	reg *prometheus.Registry

	UpstreamRequests *prometheus.CounterVec   // method, outcome
	UpstreamDuration *prometheus.HistogramVec // method
	CacheLookups     *prometheus.CounterVec   // class, result
	FeedRequests     *prometheus.CounterVec   // format, code
	FeedEntities     prometheus.Gauge

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hiwire_upstream_requests_total",
			Help: "RealTimeManager calls by method and outcome.",
		}, []string{"method", "outcome"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hiwire_upstream_request_duration_seconds",
			Help:    "Duration of RealTimeManager calls.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"method"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hiwire_cache_lookups_total",
			Help: "Result cache lookups by class and result.",
		}, []string{"class", "result"}),
		FeedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hiwire_feed_requests_total",
			Help: "Trip-update requests by format and status code.",
		}, []string{"format", "code"}),
		FeedEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hiwire_feed_entities",
			Help: "Entities in the most recently built feed.",
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hiwire_nats_published_total",
			Help: "Feeds published to NATS.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hiwire_nats_publish_errors_total",
			Help: "Failed NATS feed publishes.",
		}),
	}

	reg.MustRegister(
		c.UpstreamRequests, c.UpstreamDuration,
		c.CacheLookups,
		c.FeedRequests, c.FeedEntities,
		c.NATSPublished, c.NATSPublishErrs,
	)
	return c
}

// ObserveUpstream records one RealTimeManager call.
func (c *Collector) ObserveUpstream(method string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.UpstreamRequests.WithLabelValues(method, outcome).Inc()
	c.UpstreamDuration.WithLabelValues(method).Observe(d.Seconds())
}

// CacheLookup records one result cache lookup.
func (c *Collector) CacheLookup(class string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.CacheLookups.WithLabelValues(class, result).Inc()
}

// FeedServed records a finished trip-update request. entities is ignored
// unless the request succeeded.
func (c *Collector) FeedServed(format string, code int, entities int) {
	c.FeedRequests.WithLabelValues(format, strconv.Itoa(code)).Inc()
	if code == http.StatusOK {
		c.FeedEntities.Set(float64(entities))
	}
}

func (c *Collector) NATSPublishedInc()  { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc() { c.NATSPublishErrs.Inc() }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on addr. The server is shut
// down when ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening", "addr", addr)
	return srv
}
