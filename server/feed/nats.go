// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package feed

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"decred.org/cyclesmarket/dex/order"
)

// DefaultNATSSubject is the subject trades are published on.
const DefaultNATSSubject = "cyclesmarket.trades"

type natsConn interface {
	Publish(subj string, data []byte) error
	Drain() error
}

// NATSConfig configures a NATSPublisher.
type NATSConfig struct {
	URL     string
	Subject string
	// Name identifies the connection to the server.
	Name string
}

// NATSPublisher publishes each trade as a JSON message on a subject.
type NATSPublisher struct {
	nc      natsConn
	subject string
}

// NewNATSPublisher connects to the server. The connection reconnects
// indefinitely; trades published while disconnected are buffered by the
// client up to its reconnect buffer.
func NewNATSPublisher(cfg *NATSConfig) (*NATSPublisher, error) {
	name := cfg.Name
	if name == "" {
		name = "cyclesmarketd"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("error connecting to NATS at %s: %w", cfg.URL, err)
	}
	log.Infof("Publishing trades to NATS subject %s", subjectOrDefault(cfg.Subject))
	return newNATSPublisher(nc, cfg.Subject), nil
}

func newNATSPublisher(nc natsConn, subject string) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subjectOrDefault(subject)}
}

func subjectOrDefault(s string) string {
	if s == "" {
		return DefaultNATSSubject
	}
	return s
}

// PublishTrade implements market.TradeSink.
func (p *NATSPublisher) PublishTrade(t *order.TradeLog) {
	b, err := encodeTrade(t)
	if err != nil {
		log.Errorf("Error encoding trade %d: %v", t.ID, err)
		return
	}
	if err := p.nc.Publish(p.subject, b); err != nil {
		log.Errorf("Error publishing trade %d to NATS: %v", t.ID, err)
	}
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
