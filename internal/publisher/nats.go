package publisher

import (
	"log/slog"

	"github.com/nats-io/nats.go"
)

// Metrics receives publish outcomes. It may be nil.
type Metrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
}

// NATSPublisher fans out serialized feeds to a NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
	metrics Metrics
}

// NewNATSPublisher connects to url. The connection reconnects on its own;
// publishes while disconnected are buffered by the client.
func NewNATSPublisher(url, subject string, logger *slog.Logger, m Metrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("hiwire"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	return newNATSPublisher(nc, subject, logger, m), nil
}

func newNATSPublisher(nc *nats.Conn, subject string, logger *slog.Logger, m Metrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject, logger: logger, metrics: m}
}

// PublishFeed publishes one binary FeedMessage.
func (p *NATSPublisher) PublishFeed(data []byte) error {
	err := p.nc.Publish(p.subject, data)
	if p.metrics != nil {
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.logger.Warn("nats drain", "error", err)
		}
		p.nc.Close()
	}
}
