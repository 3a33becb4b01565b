package nats

import (
	"context"
	"fmt"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/brics-protocol/nav-oracle/oracle"
)

// Transmitter bridges oracle commit notifications onto JetStream. It holds a
// subscription for the lifetime of the service and publishes every update it
// receives; a slow or disconnected broker drops updates at the subscription
// buffer rather than blocking commits.
type Transmitter struct {
	services.Service
	eng *services.Engine

	lggr   logger.Logger
	client Client
	oracle *oracle.Oracle
}

func NewTransmitter(opts TransmitterOpts, o *oracle.Oracle) (*Transmitter, error) {
	client, err := NewClient(ClientOpts{
		Logger:        opts.Logger,
		ServerURLs:    opts.ServerURLs,
		ClientName:    opts.ClientName,
		SubjectPrefix: opts.SubjectPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	t := &Transmitter{
		lggr:   opts.Logger,
		client: client,
		oracle: o,
	}
	t.Service, t.eng = services.Config{
		Name:  "NATSTransmitter",
		Start: t.start,
		Close: func() error { return nil },
		NewSubServices: func(lggr logger.Logger) []services.Service {
			return []services.Service{client}
		},
	}.NewServiceEngine(opts.Logger)
	return t, nil
}

func (t *Transmitter) start(context.Context) error {
	updates, unsub := t.oracle.Subscribe(64)
	t.eng.Go(func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if err := t.client.Publish(ctx, u); err != nil {
					t.eng.Errorw("Failed to publish NAV update", "sequence", u.Sequence, "err", err)
				}
			}
		}
	})
	return nil
}
