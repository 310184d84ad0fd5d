// Package registry implements the shared registry client: the relay's only
// window onto other instances. Observer records live in a JetStream
// key-value bucket with a TTL; broadcast events travel over a core pub/sub
// subject. Neither path assumes cross-key transactions or a global order
// across producers.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"notify-relay/internal/metrics"
)

// ErrUnavailable reports that the shared store could not be reached within
// the bounded retry budget. The triggering operation is abandoned; the local
// connection it concerned stays open.
var ErrUnavailable = errors.New("shared registry unavailable")

// Degraded renewal threshold: after this many consecutive failed heartbeat
// rounds the instance logs the degradation and lets records expire.
const renewalFailureThreshold = 3

// Config holds the registry connection settings.
type Config struct {
	URL       string
	Token     string // optional credential
	Bucket    string
	Subject   string
	RecordTTL time.Duration

	// MaxRetryElapsed bounds the total backoff time of one store operation.
	MaxRetryElapsed time.Duration
	// OpTimeout bounds a single round trip (flush) to the store.
	OpTimeout time.Duration

	InstanceID string
}

// Client talks to the coordination store. All methods are safe for
// concurrent use; any of them may block on network I/O, so callers must not
// hold connection-table locks across calls.
type Client struct {
	cfg    Config
	logger zerolog.Logger

	conn *nats.Conn
	kv   nats.KeyValue

	lastRoundTrip atomic.Int64 // unix nanos of the last successful store round trip
	renewFailures atomic.Int32
}

// New connects to the store and ensures the record bucket exists with the
// configured TTL. The TTL is a bucket property; a renewal re-put resets the
// record's age, which is what gives crash self-healing within one window.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{
		cfg:    cfg,
		logger: logger.With().Str("component", "registry").Logger(),
	}

	opts := []nats.Option{
		nats.Name("notify-relay/" + cfg.InstanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ConnectHandler(func(nc *nats.Conn) {
			metrics.RegistryConnected.Set(1)
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to registry store")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			metrics.RegistryConnected.Set(0)
			c.logger.Warn().Err(err).Msg("Disconnected from registry store")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.RegistryConnected.Set(1)
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to registry store")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("Registry store async error")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to registry store: %w", err)
	}
	c.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      cfg.Bucket,
			Description: "live observer connection records",
			TTL:         cfg.RecordTTL,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open record bucket %q: %w", cfg.Bucket, err)
	}
	c.kv = kv

	metrics.RegistryConnected.Set(1)
	c.markRoundTrip()
	return c, nil
}

func (c *Client) markRoundTrip() {
	c.lastRoundTrip.Store(time.Now().UnixNano())
}

// LastRoundTrip reports when the store last answered a request from this
// instance. The liveness check compares it against its configured window.
func (c *Client) LastRoundTrip() time.Time {
	return time.Unix(0, c.lastRoundTrip.Load())
}

// Connected reports whether the underlying store connection is up.
func (c *Client) Connected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) newBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = c.cfg.MaxRetryElapsed
	return backoff.WithContext(b, ctx)
}

// Advertise writes (or renews) the record for an observer connection. The
// write is retried with bounded backoff; on exhaustion ErrUnavailable is
// returned and the caller decides what degrades.
func (c *Client) Advertise(ctx context.Context, connectionID, role string) error {
	rec := Record{
		Role:            role,
		OwnerInstanceID: c.cfg.InstanceID,
		ExpiresAt:       time.Now().Add(c.cfg.RecordTTL),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	op := func() error {
		if _, err := c.kv.Put(connectionID, data); err != nil {
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		metrics.RegistryErrors.WithLabelValues("advertise").Inc()
		return fmt.Errorf("%w: advertise %s: %v", ErrUnavailable, connectionID, err)
	}
	c.markRoundTrip()
	return nil
}

// Withdraw deletes a connection's record. Best-effort: a single attempt,
// because an unreachable store will expire the record on its own.
func (c *Client) Withdraw(connectionID string) error {
	err := c.kv.Delete(connectionID)
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		metrics.RegistryErrors.WithLabelValues("withdraw").Inc()
		return fmt.Errorf("%w: withdraw %s: %v", ErrUnavailable, connectionID, err)
	}
	c.markRoundTrip()
	return nil
}

// PublishBroadcast publishes one sender transmission to every instance. The
// flush confirms the store accepted it; retries are bounded and exhaustion
// surfaces as ErrUnavailable so the sender gets failure feedback.
func (c *Client) PublishBroadcast(ctx context.Context, ev *Event) error {
	data, err := ev.marshal()
	if err != nil {
		return fmt.Errorf("marshal broadcast event: %w", err)
	}

	op := func() error {
		if err := c.conn.Publish(c.cfg.Subject, data); err != nil {
			return err
		}
		return c.conn.FlushTimeout(c.cfg.OpTimeout)
	}
	if err := backoff.Retry(op, c.newBackoff(ctx)); err != nil {
		metrics.RegistryErrors.WithLabelValues("publish").Inc()
		return fmt.Errorf("%w: publish broadcast %s: %v", ErrUnavailable, ev.MessageID, err)
	}
	c.markRoundTrip()
	metrics.MessagesPublished.Inc()
	return nil
}

// SubscribeBroadcast delivers every broadcast event observed by this
// instance to handler, in the order the store delivers them. The
// subscription is not restartable; it lives until Close. Malformed events
// are logged and skipped, never fatal.
func (c *Client) SubscribeBroadcast(handler func(*Event)) error {
	_, err := c.conn.Subscribe(c.cfg.Subject, func(msg *nats.Msg) {
		c.markRoundTrip()
		ev, err := unmarshalEvent(msg.Data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Discarding malformed broadcast event")
			return
		}
		handler(ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.cfg.Subject, err)
	}
	c.logger.Info().Str("subject", c.cfg.Subject).Msg("Subscribed to broadcast channel")
	return nil
}

// StartRenewal runs the heartbeat loop: every interval it re-advertises the
// records of the observer ids reported by source. Failed rounds are counted;
// past the threshold the instance logs that it is degraded and leaves the
// records to expire rather than closing connections.
func (c *Client) StartRenewal(ctx context.Context, interval time.Duration, source func() []string) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.renewOnce(ctx, source())
			}
		}
	}()
}

func (c *Client) renewOnce(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		c.renewFailures.Store(0)
		return
	}

	failed := 0
	for _, id := range ids {
		if err := c.Advertise(ctx, id, "observer"); err != nil {
			failed++
			continue
		}
		metrics.RegistryRenewals.Inc()
	}

	if failed == 0 {
		c.renewFailures.Store(0)
		return
	}

	n := c.renewFailures.Add(1)
	c.logger.Warn().
		Int("failed_records", failed).
		Int("total_records", len(ids)).
		Int32("consecutive_rounds", n).
		Msg("Heartbeat renewal round failed")
	if n >= renewalFailureThreshold {
		// Degraded, not fatal: records expire after one TTL window and the
		// affected observers simply lose cross-instance visibility.
		c.logger.Error().
			Int32("consecutive_rounds", n).
			Dur("record_ttl", c.cfg.RecordTTL).
			Msg("Registry renewal degraded; observer records will expire")
	}
}

// ObserverCount reports how many observer records are currently advertised
// store-wide. Used for operational visibility only; routing always goes
// through the broadcast channel.
func (c *Client) ObserverCount() (int, error) {
	keys, err := c.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		c.markRoundTrip()
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: list records: %v", ErrUnavailable, err)
	}
	c.markRoundTrip()
	return len(keys), nil
}

// Close drains the store connection. Subscriptions die with it.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		metrics.RegistryConnected.Set(0)
	}
}
