// Package nats publishes committed NAV updates to NATS JetStream so that
// downstream consumers (pricing engines, tranche accounting) can react to
// value changes without polling the read path.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"
	"github.com/smartcontractkit/chainlink-common/pkg/services"

	"github.com/brics-protocol/nav-oracle/oracle"
)

type Client interface {
	services.Service
	// Publish sends one committed update. The message id is derived from the
	// commit sequence, so redeliveries deduplicate server-side.
	Publish(ctx context.Context, update oracle.Update) error
}

var _ Client = (*client)(nil)

type client struct {
	services.Service

	lggr          logger.Logger
	serverURLs    []string
	clientName    string
	subjectPrefix string

	conn *nats.Conn
	js   nats.JetStreamContext
}

func NewClient(opts ClientOpts) (Client, error) {
	if err := opts.verifyConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts.SubjectPrefix == "" {
		opts.SubjectPrefix = DefaultSubjectPrefix
	}

	c := &client{
		lggr:          opts.Logger,
		serverURLs:    opts.ServerURLs,
		clientName:    opts.ClientName,
		subjectPrefix: opts.SubjectPrefix,
	}

	svc, _ := services.Config{
		Name:  "NATSClient",
		Start: c.start,
		Close: c.close,
	}.NewServiceEngine(opts.Logger)
	c.Service = svc

	return c, nil
}

func (c *client) connect() (*nats.Conn, error) {
	options := []nats.Option{
		nats.ReconnectWait(1 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.PingInterval(10 * time.Second),
		nats.Timeout(5 * time.Second),
		nats.Name(c.clientName),
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.lggr.Info("NATS client connection established", "server_id", nc.ConnectedServerId(), "server_url", nc.ConnectedUrl())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.lggr.Info("NATS client reconnected", "server_id", nc.ConnectedServerId(), "server_url", nc.ConnectedUrl(), "total_reconnects", nc.Reconnects)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.lggr.Error("NATS client disconnected with error", "server_id", nc.ConnectedServerId(), "total_reconnects", nc.Reconnects, "error", err)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.lggr.Warn("NATS client closed", "server_id", nc.ConnectedServerId())
		}),
	}

	nc, err := nats.Connect(strings.Join(c.serverURLs, ","), options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS connection: %w", err)
	}

	// Publish waits on the ack itself, so a JetStream-level async publish
	// timeout is not needed on top of MaxWait.
	c.js, err = nc.JetStream(
		nats.PublishAsyncMaxPending(1024),
		nats.MaxWait(100*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return nc, nil
}

func (c *client) start(context.Context) error {
	nc, err := c.connect()
	if err != nil {
		return err
	}
	c.conn = nc
	return nil
}

func (c *client) close() error {
	if c.conn != nil {
		return c.conn.Drain()
	}
	return nil
}

// updatePayload is the wire form: ray value as a base-10 string, since
// JSON numbers cannot carry 27-decimal integers losslessly.
type updatePayload struct {
	NavRay    string `json:"nav_ray"`
	Timestamp uint64 `json:"ts"`
	Sequence  uint64 `json:"sequence"`
}

func (c *client) Publish(ctx context.Context, update oracle.Update) error {
	payload, err := json.Marshal(updatePayload{
		NavRay:    update.NavRay.String(),
		Timestamp: update.Timestamp,
		Sequence:  update.Sequence,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	subject := fmt.Sprintf("%s.updates", c.subjectPrefix)
	ack, err := c.js.PublishAsync(subject, payload,
		nats.MsgId(fmt.Sprintf("nav-%d", update.Sequence)),
		nats.StallWait(200*time.Millisecond),
	)
	if err != nil {
		return fmt.Errorf("failed to publish NAV update: %w", err)
	}
	select {
	case <-ack.Ok():
		return nil
	case e := <-ack.Err():
		return fmt.Errorf("NAV update publish rejected: %w", e)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(1 * time.Second):
		return errors.New("NAV update publish timed out")
	}
}

func (c *client) Name() string {
	if c.lggr == nil {
		return "NATSClient"
	}
	return c.lggr.Name()
}

func (c *client) Healthy() error {
	switch {
	case c.conn == nil:
		return fmt.Errorf("NATS connection is nil")
	case !c.conn.IsConnected():
		return fmt.Errorf("NATS connection is %s", c.conn.Status())
	default:
		return nil
	}
}

func (c *client) Ready() error {
	if c.conn == nil || !c.conn.IsConnected() {
		return errors.New("NATS connection is not ready")
	}
	return nil
}

func (c *client) HealthReport() map[string]error {
	return map[string]error{c.Name(): c.Healthy()}
}
