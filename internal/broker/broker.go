// Package broker adapts the NATS JetStream primitives the coordination
// services program against: persistent streams, durable pull consumers with
// explicit ack, and key-value buckets with compare-and-set.
package broker

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors the services branch on. Many read paths treat a missing
// stream as an empty result rather than a failure.
var (
	ErrStreamNotFound   = errors.New("broker: stream not found")
	ErrMsgNotFound      = errors.New("broker: message not found")
	ErrKeyNotFound      = errors.New("broker: key not found")
	ErrKeyExists        = errors.New("broker: key already exists")
	ErrRevisionMismatch = errors.New("broker: revision mismatch")
)

// RetentionPolicy selects how a stream discards messages.
type RetentionPolicy int

const (
	// RetentionLimits keeps messages until size/age limits evict them.
	RetentionLimits RetentionPolicy = iota
	// RetentionWorkQueue deletes a message once any consumer acks it.
	RetentionWorkQueue
)

// DeliverPolicy selects where a consumer starts in the stream.
type DeliverPolicy int

const (
	// DeliverAll replays the stream from its first sequence.
	DeliverAll DeliverPolicy = iota
	// DeliverNew delivers only messages published after consumer creation.
	// Shared work-queue consumers must use this; see the workqueue package.
	DeliverNew
)

// StreamConfig describes a stream to create or ensure.
type StreamConfig struct {
	Name      string
	Subjects  []string
	Retention RetentionPolicy
	MaxMsgs   int64
	MaxAge    time.Duration
}

// ConsumerConfig describes a durable pull consumer. Ack policy is always
// explicit.
type ConsumerConfig struct {
	Durable       string
	DeliverPolicy DeliverPolicy
	AckWait       time.Duration
	MaxDeliver    int
}

// StreamInfo is stream metadata fetched without consuming anything.
type StreamInfo struct {
	Name     string
	Subjects []string
	Msgs     uint64
	Bytes    uint64
	FirstSeq uint64
	LastSeq  uint64
}

// StoredMsg is a message read directly by sequence, outside any consumer.
type StoredMsg struct {
	Subject  string
	Sequence uint64
	Data     []byte
	Time     time.Time
}

// FetchRequest describes one pull fetch through a durable consumer.
type FetchRequest struct {
	Stream  string
	Durable string
	Subject string
	Batch   int
	MaxWait time.Duration
}

// Msg is one delivered message from a pull fetch.
type Msg interface {
	Subject() string
	Data() []byte
	// Ack removes the message from work-queue streams and advances the
	// consumer on limits streams.
	Ack() error
	// Nak requests redelivery.
	Nak() error
	// NumDelivered is the broker's delivery attempt count, starting at 1.
	NumDelivered() int
	// StreamSequence is the message's sequence in its stream.
	StreamSequence() uint64
	Timestamp() time.Time
}

// KeyValue is one KV bucket. Revisions support compare-and-set updates.
type KeyValue interface {
	// Get returns the value and revision, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, uint64, error)
	// Put writes unconditionally and returns the new revision.
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	// Create writes only if the key does not exist, or ErrKeyExists.
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	// Update writes only if the current revision matches, or
	// ErrRevisionMismatch.
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists all keys in the bucket; empty bucket yields an empty slice.
	Keys(ctx context.Context) ([]string, error)
}

// Broker is the capability set the coordination services use. The production
// implementation is NATS JetStream (see Client); tests use an in-memory fake.
type Broker interface {
	// EnsureStream creates the stream if it does not exist.
	EnsureStream(ctx context.Context, cfg StreamConfig) error
	// Publish appends to the stream owning the subject and returns the
	// assigned sequence.
	Publish(ctx context.Context, subject string, data []byte) (uint64, error)
	// StreamInfo returns metadata without consuming, or ErrStreamNotFound.
	StreamInfo(ctx context.Context, name string) (*StreamInfo, error)
	// StreamNames lists all stream names.
	StreamNames(ctx context.Context) ([]string, error)
	// GetMsg reads one message by sequence without consuming it.
	GetMsg(ctx context.Context, stream string, seq uint64) (*StoredMsg, error)
	// DeleteMsg removes one message by sequence, or ErrMsgNotFound.
	DeleteMsg(ctx context.Context, stream string, seq uint64) error
	// KeyValue opens (creating if needed) a KV bucket. A non-zero ttl sets
	// per-entry expiry on creation.
	KeyValue(ctx context.Context, bucket string, ttl time.Duration) (KeyValue, error)
	// EnsureConsumer creates the durable consumer if it does not exist.
	EnsureConsumer(ctx context.Context, stream string, cfg ConsumerConfig) error
	// Fetch pulls up to Batch messages. A timeout with no messages returns
	// an empty slice, not an error.
	Fetch(ctx context.Context, req FetchRequest) ([]Msg, error)
	// ConsumerPending reports the durable consumer's backlog.
	ConsumerPending(ctx context.Context, stream, durable string) (uint64, error)
}
