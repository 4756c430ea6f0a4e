// Package brokertest provides an in-memory Broker implementation for unit
// tests. It models the JetStream behaviors the services depend on: limits and
// work-queue retention, durable pull consumers with per-message delivery
// counts, nak/ack-wait redelivery, and KV buckets with compare-and-set.
package brokertest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/swarmbus/swarmbus/internal/broker"
)

// Fake is an in-memory Broker. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	streams map[string]*stream
	kvs     map[string]*fakeKV
	now     func() time.Time
}

// New returns an empty fake broker.
func New() *Fake {
	return &Fake{
		streams: make(map[string]*stream),
		kvs:     make(map[string]*fakeKV),
		now:     time.Now,
	}
}

type stream struct {
	cfg       broker.StreamConfig
	msgs      map[uint64]*broker.StoredMsg
	lastSeq   uint64
	consumers map[string]*consumer
}

type consumer struct {
	cfg       broker.ConsumerConfig
	startSeq  uint64
	delivered map[uint64]int
	acked     map[uint64]bool
	inflight  map[uint64]bool
}

func (f *Fake) stream(name string) (*stream, bool) {
	s, ok := f.streams[name]
	return s, ok
}

// EnsureStream creates the stream if missing.
func (f *Fake) EnsureStream(ctx context.Context, cfg broker.StreamConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.streams[cfg.Name]; ok {
		return nil
	}
	f.streams[cfg.Name] = &stream{
		cfg:       cfg,
		msgs:      make(map[uint64]*broker.StoredMsg),
		consumers: make(map[string]*consumer),
	}
	return nil
}

func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	if strings.HasSuffix(pattern, ".>") {
		return strings.HasPrefix(subject, strings.TrimSuffix(pattern, ">"))
	}
	return false
}

func (f *Fake) streamForSubject(subject string) *stream {
	for _, s := range f.streams {
		for _, pat := range s.cfg.Subjects {
			if subjectMatches(pat, subject) {
				return s
			}
		}
	}
	return nil
}

// Publish appends to the stream owning the subject.
func (f *Fake) Publish(ctx context.Context, subject string, data []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.streamForSubject(subject)
	if s == nil {
		return 0, fmt.Errorf("no stream for subject %s", subject)
	}

	s.lastSeq++
	msg := &broker.StoredMsg{
		Subject:  subject,
		Sequence: s.lastSeq,
		Data:     append([]byte(nil), data...),
		Time:     f.now(),
	}
	s.msgs[msg.Sequence] = msg

	// MaxMsgs eviction for limits retention
	if s.cfg.Retention == broker.RetentionLimits && s.cfg.MaxMsgs > 0 {
		for int64(len(s.msgs)) > s.cfg.MaxMsgs {
			oldest := uint64(0)
			for seq := range s.msgs {
				if oldest == 0 || seq < oldest {
					oldest = seq
				}
			}
			delete(s.msgs, oldest)
		}
	}

	return msg.Sequence, nil
}

func (s *stream) firstSeq() uint64 {
	first := uint64(0)
	for seq := range s.msgs {
		if first == 0 || seq < first {
			first = seq
		}
	}
	return first
}

// StreamInfo returns metadata, or broker.ErrStreamNotFound.
func (f *Fake) StreamInfo(ctx context.Context, name string) (*broker.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stream(name)
	if !ok {
		return nil, broker.ErrStreamNotFound
	}
	bytes := uint64(0)
	for _, m := range s.msgs {
		bytes += uint64(len(m.Data))
	}
	return &broker.StreamInfo{
		Name:     name,
		Subjects: s.cfg.Subjects,
		Msgs:     uint64(len(s.msgs)),
		Bytes:    bytes,
		FirstSeq: s.firstSeq(),
		LastSeq:  s.lastSeq,
	}, nil
}

// StreamNames lists all stream names.
func (f *Fake) StreamNames(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.streams))
	for name := range f.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetMsg reads by sequence without consuming.
func (f *Fake) GetMsg(ctx context.Context, name string, seq uint64) (*broker.StoredMsg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stream(name)
	if !ok {
		return nil, broker.ErrStreamNotFound
	}
	m, ok := s.msgs[seq]
	if !ok {
		return nil, broker.ErrMsgNotFound
	}
	return m, nil
}

// DeleteMsg removes one message by sequence.
func (f *Fake) DeleteMsg(ctx context.Context, name string, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stream(name)
	if !ok {
		return broker.ErrStreamNotFound
	}
	if _, ok := s.msgs[seq]; !ok {
		return broker.ErrMsgNotFound
	}
	delete(s.msgs, seq)
	return nil
}

// EnsureConsumer creates the durable consumer if missing.
func (f *Fake) EnsureConsumer(ctx context.Context, name string, cfg broker.ConsumerConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stream(name)
	if !ok {
		return broker.ErrStreamNotFound
	}
	if _, ok := s.consumers[cfg.Durable]; ok {
		return nil
	}
	c := &consumer{
		cfg:       cfg,
		delivered: make(map[uint64]int),
		acked:     make(map[uint64]bool),
		inflight:  make(map[uint64]bool),
	}
	if cfg.DeliverPolicy == broker.DeliverNew {
		c.startSeq = s.lastSeq + 1
	} else {
		c.startSeq = 1
	}
	s.consumers[cfg.Durable] = c
	return nil
}

// Fetch pulls up to Batch messages through a durable consumer.
func (f *Fake) Fetch(ctx context.Context, req broker.FetchRequest) ([]broker.Msg, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stream(req.Stream)
	if !ok {
		return nil, broker.ErrStreamNotFound
	}

	c, ok := s.consumers[req.Durable]
	if !ok {
		return nil, fmt.Errorf("consumer %s not found on stream %s", req.Durable, req.Stream)
	}

	var out []broker.Msg
	seqs := sortedSeqs(s.msgs)
	for _, seq := range seqs {
		if len(out) >= req.Batch {
			break
		}
		if seq < c.startSeq || c.acked[seq] || c.inflight[seq] {
			continue
		}
		if c.cfg.MaxDeliver > 0 && c.delivered[seq] >= c.cfg.MaxDeliver {
			continue
		}
		c.delivered[seq]++
		c.inflight[seq] = true
		out = append(out, &fakeMsg{
			fake:    f,
			stream:  s,
			cons:    c,
			msg:     s.msgs[seq],
			numDlvr: c.delivered[seq],
		})
	}
	return out, nil
}

// ConsumerPending counts undelivered messages for a durable consumer.
func (f *Fake) ConsumerPending(ctx context.Context, name, durable string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stream(name)
	if !ok {
		return 0, nil
	}
	c, ok := s.consumers[durable]
	if !ok {
		return 0, nil
	}
	pending := uint64(0)
	for seq := range s.msgs {
		if seq >= c.startSeq && !c.acked[seq] && c.delivered[seq] == 0 {
			pending++
		}
	}
	return pending, nil
}

// ExpireAckWait simulates ack_wait expiry: every in-flight message on the
// durable consumer becomes eligible for redelivery.
func (f *Fake) ExpireAckWait(name, durable string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.stream(name)
	if !ok {
		return
	}
	c, ok := s.consumers[durable]
	if !ok {
		return
	}
	for seq := range c.inflight {
		delete(c.inflight, seq)
	}
}

// KeyValue opens (creating if needed) a bucket.
func (f *Fake) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (broker.KeyValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	kv, ok := f.kvs[bucket]
	if !ok {
		kv = &fakeKV{entries: make(map[string]kvEntry)}
		f.kvs[bucket] = kv
	}
	return kv, nil
}

func sortedSeqs(msgs map[uint64]*broker.StoredMsg) []uint64 {
	seqs := make([]uint64, 0, len(msgs))
	for seq := range msgs {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

type fakeMsg struct {
	fake    *Fake
	stream  *stream
	cons    *consumer
	msg     *broker.StoredMsg
	numDlvr int
}

func (m *fakeMsg) Subject() string        { return m.msg.Subject }
func (m *fakeMsg) Data() []byte           { return m.msg.Data }
func (m *fakeMsg) NumDelivered() int      { return m.numDlvr }
func (m *fakeMsg) StreamSequence() uint64 { return m.msg.Sequence }
func (m *fakeMsg) Timestamp() time.Time   { return m.msg.Time }

func (m *fakeMsg) Ack() error {
	m.fake.mu.Lock()
	defer m.fake.mu.Unlock()

	if m.cons != nil {
		m.cons.acked[m.msg.Sequence] = true
		delete(m.cons.inflight, m.msg.Sequence)
	}
	if m.stream.cfg.Retention == broker.RetentionWorkQueue {
		delete(m.stream.msgs, m.msg.Sequence)
	}
	return nil
}

func (m *fakeMsg) Nak() error {
	m.fake.mu.Lock()
	defer m.fake.mu.Unlock()

	if m.cons != nil {
		delete(m.cons.inflight, m.msg.Sequence)
	}
	return nil
}

type kvEntry struct {
	value    []byte
	revision uint64
}

type fakeKV struct {
	mu      sync.Mutex
	entries map[string]kvEntry
	rev     uint64
}

func (k *fakeKV) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok {
		return nil, 0, broker.ErrKeyNotFound
	}
	return e.value, e.revision, nil
}

func (k *fakeKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.rev++
	k.entries[key] = kvEntry{value: append([]byte(nil), value...), revision: k.rev}
	return k.rev, nil
}

func (k *fakeKV) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.entries[key]; ok {
		return 0, broker.ErrKeyExists
	}
	k.rev++
	k.entries[key] = kvEntry{value: append([]byte(nil), value...), revision: k.rev}
	return k.rev, nil
}

func (k *fakeKV) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.entries[key]
	if !ok || e.revision != revision {
		return 0, broker.ErrRevisionMismatch
	}
	k.rev++
	k.entries[key] = kvEntry{value: append([]byte(nil), value...), revision: k.rev}
	return k.rev, nil
}

func (k *fakeKV) Delete(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.entries, key)
	return nil
}

func (k *fakeKV) Keys(ctx context.Context) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.entries))
	for key := range k.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ broker.Broker = (*Fake)(nil)
