package broker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/swarmbus/swarmbus/internal/common/config"
	"github.com/swarmbus/swarmbus/internal/common/logger"
)

// Client implements Broker on NATS JetStream.
type Client struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *logger.Logger

	// Pull subscriptions for durable consumers are cached and reused across
	// calls.
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Connect opens a connection to the broker with reconnection logic.
// The URL scheme selects the transport: nats/tls over TCP, ws/wss over
// WebSocket. Credentials embedded in the URL win over cfg.User/cfg.Pass.
func Connect(cfg config.BrokerConfig, log *logger.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}
	switch u.Scheme {
	case "nats", "tls", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported broker URL scheme %q", u.Scheme)
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("broker disconnected", zap.Error(err))
			} else {
				log.Info("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("broker reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("broker connection closed", zap.Error(err))
			} else {
				log.Info("broker connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			fields := []zap.Field{zap.Error(err)}
			if sub != nil {
				fields = append(fields, zap.String("subject", sub.Subject))
			}
			log.Error("broker async error", fields...)
		}),
	}

	// Fallback credentials apply only when the URL carries none.
	if u.User == nil && cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Pass))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream context: %w", err)
	}

	log.Info("connected to broker",
		zap.String("url", conn.ConnectedUrl()),
		zap.String("scheme", u.Scheme))

	return &Client{
		conn:   conn,
		js:     js,
		logger: log,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close drains the connection, processing pending messages before closing.
func (c *Client) Close() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("error draining broker connection", zap.Error(err))
		c.conn.Close()
	}
	c.logger.Info("broker connection closed")
}

// IsConnected reports whether the connection is active.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// EnsureStream creates the stream if it does not already exist.
func (c *Client) EnsureStream(ctx context.Context, cfg StreamConfig) error {
	if _, err := c.js.StreamInfo(cfg.Name, nats.Context(ctx)); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", cfg.Name, err)
	}

	sc := &nats.StreamConfig{
		Name:     cfg.Name,
		Subjects: cfg.Subjects,
		MaxMsgs:  cfg.MaxMsgs,
		MaxAge:   cfg.MaxAge,
	}
	switch cfg.Retention {
	case RetentionWorkQueue:
		sc.Retention = nats.WorkQueuePolicy
	default:
		sc.Retention = nats.LimitsPolicy
	}

	_, err := c.js.AddStream(sc, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}

	c.logger.Debug("stream ensured", zap.String("stream", cfg.Name))
	return nil
}

// Publish appends a message and returns the broker-assigned sequence.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	ack, err := c.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", subject, err)
	}
	return ack.Sequence, nil
}

// StreamInfo fetches stream metadata without consuming anything.
func (c *Client) StreamInfo(ctx context.Context, name string) (*StreamInfo, error) {
	info, err := c.js.StreamInfo(name, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("stream info %s: %w", name, err)
	}
	return &StreamInfo{
		Name:     info.Config.Name,
		Subjects: info.Config.Subjects,
		Msgs:     info.State.Msgs,
		Bytes:    info.State.Bytes,
		FirstSeq: info.State.FirstSeq,
		LastSeq:  info.State.LastSeq,
	}, nil
}

// StreamNames lists all stream names known to the broker.
func (c *Client) StreamNames(ctx context.Context) ([]string, error) {
	var names []string
	for name := range c.js.StreamNames(nats.Context(ctx)) {
		names = append(names, name)
	}
	return names, nil
}

// GetMsg reads one message by stream sequence without consuming it.
func (c *Client) GetMsg(ctx context.Context, stream string, seq uint64) (*StoredMsg, error) {
	raw, err := c.js.GetMsg(stream, seq, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return nil, ErrMsgNotFound
		}
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("get msg %s/%d: %w", stream, seq, err)
	}
	return &StoredMsg{
		Subject:  raw.Subject,
		Sequence: raw.Sequence,
		Data:     raw.Data,
		Time:     raw.Time,
	}, nil
}

// DeleteMsg removes one message by stream sequence.
func (c *Client) DeleteMsg(ctx context.Context, stream string, seq uint64) error {
	if err := c.js.DeleteMsg(stream, seq, nats.Context(ctx)); err != nil {
		if errors.Is(err, nats.ErrMsgNotFound) {
			return ErrMsgNotFound
		}
		return fmt.Errorf("delete msg %s/%d: %w", stream, seq, err)
	}
	return nil
}

// KeyValue opens the named bucket, creating it on first use.
func (c *Client) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (KeyValue, error) {
	kv, err := c.js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = c.js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open KV bucket %s: %w", bucket, err)
	}
	return &natsKV{kv: kv}, nil
}

// EnsureConsumer creates the durable pull consumer if it does not exist.
func (c *Client) EnsureConsumer(ctx context.Context, stream string, cfg ConsumerConfig) error {
	cc := &nats.ConsumerConfig{
		Durable:    cfg.Durable,
		AckPolicy:  nats.AckExplicitPolicy,
		AckWait:    cfg.AckWait,
		MaxDeliver: cfg.MaxDeliver,
	}
	switch cfg.DeliverPolicy {
	case DeliverNew:
		cc.DeliverPolicy = nats.DeliverNewPolicy
	default:
		cc.DeliverPolicy = nats.DeliverAllPolicy
	}

	if _, err := c.js.ConsumerInfo(stream, cfg.Durable, nats.Context(ctx)); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("consumer info %s/%s: %w", stream, cfg.Durable, err)
	}

	_, err := c.js.AddConsumer(stream, cc, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("create consumer %s/%s: %w", stream, cfg.Durable, err)
	}
	return nil
}

// Fetch pulls up to Batch messages through a cached pull subscription bound
// to the durable consumer.
func (c *Client) Fetch(ctx context.Context, req FetchRequest) ([]Msg, error) {
	if req.Durable == "" {
		return nil, fmt.Errorf("fetch from %s: durable consumer name required", req.Stream)
	}
	sub, err := c.durableSub(req)
	if err != nil {
		return nil, err
	}

	msgs, err := sub.Fetch(req.Batch, nats.MaxWait(req.MaxWait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch from %s: %w", req.Stream, err)
	}

	out := make([]Msg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, &natsMsg{msg: m})
	}
	return out, nil
}

// ConsumerPending reports the durable consumer's backlog.
func (c *Client) ConsumerPending(ctx context.Context, stream, durable string) (uint64, error) {
	info, err := c.js.ConsumerInfo(stream, durable, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) || errors.Is(err, nats.ErrStreamNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("consumer info %s/%s: %w", stream, durable, err)
	}
	return info.NumPending, nil
}

func (c *Client) durableSub(req FetchRequest) (*nats.Subscription, error) {
	key := req.Stream + "|" + req.Durable

	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[key]; ok && sub.IsValid() {
		return sub, nil
	}

	sub, err := c.js.PullSubscribe(req.Subject, req.Durable, nats.Bind(req.Stream, req.Durable))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("bind consumer %s/%s: %w", req.Stream, req.Durable, err)
	}
	c.subs[key] = sub
	return sub, nil
}

// natsMsg adapts a delivered *nats.Msg to the Msg interface.
type natsMsg struct {
	msg  *nats.Msg
	meta *nats.MsgMetadata
}

func (m *natsMsg) Subject() string { return m.msg.Subject }
func (m *natsMsg) Data() []byte    { return m.msg.Data }
func (m *natsMsg) Ack() error      { return m.msg.AckSync() }
func (m *natsMsg) Nak() error      { return m.msg.Nak() }

func (m *natsMsg) metadata() *nats.MsgMetadata {
	if m.meta == nil {
		meta, err := m.msg.Metadata()
		if err != nil {
			return &nats.MsgMetadata{}
		}
		m.meta = meta
	}
	return m.meta
}

func (m *natsMsg) NumDelivered() int      { return int(m.metadata().NumDelivered) }
func (m *natsMsg) StreamSequence() uint64 { return m.metadata().Sequence.Stream }
func (m *natsMsg) Timestamp() time.Time   { return m.metadata().Timestamp }

// natsKV adapts a nats.KeyValue bucket to the KeyValue interface.
type natsKV struct {
	kv nats.KeyValue
}

func (k *natsKV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := k.kv.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, ErrKeyNotFound
		}
		return nil, 0, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (k *natsKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.kv.Put(key, value)
	if err != nil {
		return 0, fmt.Errorf("kv put %s: %w", key, err)
	}
	return rev, nil
}

func (k *natsKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := k.kv.Create(key, value)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return 0, ErrKeyExists
		}
		return 0, fmt.Errorf("kv create %s: %w", key, err)
	}
	return rev, nil
}

func (k *natsKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := k.kv.Update(key, value, revision)
	if err != nil {
		var apiErr *nats.APIError
		if errors.As(err, &apiErr) {
			return 0, ErrRevisionMismatch
		}
		return 0, fmt.Errorf("kv update %s: %w", key, err)
	}
	return rev, nil
}

func (k *natsKV) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

func (k *natsKV) Keys(ctx context.Context) ([]string, error) {
	keys, err := k.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv keys: %w", err)
	}
	return keys, nil
}
