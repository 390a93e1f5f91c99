// Package client bridges the event bus to NATS: domain events published by
// the owning services come in through EventIngress, and the coordinator's
// own events go out through NotificationPublisher.
package client

import (
	"time"

	"github.com/nats-io/nats.go"

	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// ConnectNATS opens a connection that reconnects forever and logs
// connection state changes.
func ConnectNATS(url, name string, log *logger.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats: reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("nats: connection closed")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "failed to connect to nats")
	}
	return nc, nil
}
