// Package channels implements topic channels: one append-only stream per
// channel within the project namespace, with non-destructive windowed reads.
package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swarmbus/swarmbus/internal/broker"
	"github.com/swarmbus/swarmbus/internal/common/apperr"
	"github.com/swarmbus/swarmbus/internal/common/config"
	"github.com/swarmbus/swarmbus/internal/common/logger"
	"github.com/swarmbus/swarmbus/internal/identity"
	"github.com/swarmbus/swarmbus/internal/pagination"
)

// Message is one channel message. Seq is broker-assigned and strictly
// increasing within a channel.
type Message struct {
	SenderAgentID string    `json:"sender_agent_id"`
	SenderHandle  string    `json:"sender_handle"`
	Timestamp     time.Time `json:"timestamp"`
	Body          string    `json:"body"`
	Seq           uint64    `json:"seq"`
}

// Info describes one configured channel.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Status is stream metadata for one channel, fetched without consuming.
type Status struct {
	Channel     string `json:"channel"`
	Initialized bool   `json:"initialized"`
	Messages    uint64 `json:"messages"`
	Bytes       uint64 `json:"bytes"`
	FirstSeq    uint64 `json:"first_seq"`
	LastSeq     uint64 `json:"last_seq"`
	Note        string `json:"note,omitempty"`
}

// SendReceipt confirms one publish.
type SendReceipt struct {
	Channel   string    `json:"channel"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
}

// noMessagesNote is the sentinel for channels nothing was published to.
const noMessagesNote = "no messages yet"

// Service is the channel layer.
type Service struct {
	broker broker.Broker
	id     *identity.Service
	specs  []config.ChannelSpec
	logger *logger.Logger
}

// NewService creates the channel layer over the given channel set.
func NewService(b broker.Broker, id *identity.Service, specs []config.ChannelSpec, log *logger.Logger) *Service {
	return &Service{
		broker: b,
		id:     id,
		specs:  specs,
		logger: log.WithFields(zap.String("component", "channels")),
	}
}

// StreamName returns the stream backing a channel within a project.
func StreamName(projectID, channel string) string {
	sanitized := strings.ToUpper(strings.ReplaceAll(channel, "-", "_"))
	return fmt.Sprintf("CHANNEL_%s_%s", strings.ToUpper(projectID), sanitized)
}

// Subject returns the publish subject for a channel within a project.
func Subject(projectID, channel string) string {
	return fmt.Sprintf("global.channels.%s.%s", projectID, channel)
}

func (s *Service) spec(channel string) (config.ChannelSpec, bool) {
	for _, sp := range s.specs {
		if sp.Name == channel {
			return sp, true
		}
	}
	return config.ChannelSpec{}, false
}

func (s *Service) ensureStream(ctx context.Context, sp config.ChannelSpec) error {
	projectID := s.id.ProjectID()
	err := s.broker.EnsureStream(ctx, broker.StreamConfig{
		Name:      StreamName(projectID, sp.Name),
		Subjects:  []string{Subject(projectID, sp.Name)},
		Retention: broker.RetentionLimits,
		MaxMsgs:   sp.MaxMessages,
		MaxAge:    sp.MaxAge(),
	})
	if err != nil {
		return apperr.BrokerUnavailable("ensure channel stream", err)
	}
	return nil
}

// EnsureChannels creates the streams for every configured channel.
func (s *Service) EnsureChannels(ctx context.Context) error {
	for _, sp := range s.specs {
		if err := s.ensureStream(ctx, sp); err != nil {
			return err
		}
	}
	return nil
}

// List returns the configured channels with their descriptions.
func (s *Service) List() []Info {
	infos := make([]Info, 0, len(s.specs))
	for _, sp := range s.specs {
		infos = append(infos, Info{Name: sp.Name, Description: sp.Description})
	}
	return infos
}

// Send publishes one message to a channel, tagged with the caller's identity.
func (s *Service) Send(ctx context.Context, channel, body string) (*SendReceipt, error) {
	if !config.ChannelNamePattern.MatchString(channel) {
		return nil, apperr.InvalidArgument("channel name must be lowercase kebab ([a-z0-9-]+)")
	}
	if body == "" {
		return nil, apperr.InvalidArgument("message body must not be empty")
	}
	sp, ok := s.spec(channel)
	if !ok {
		return nil, apperr.NotFound("channel", channel)
	}
	if err := s.ensureStream(ctx, sp); err != nil {
		return nil, err
	}

	handle, err := s.id.Handle(ctx)
	if err != nil {
		return nil, err
	}
	if handle == "" {
		handle = s.id.AgentID()[:8]
	}

	msg := Message{
		SenderAgentID: s.id.AgentID(),
		SenderHandle:  handle,
		Timestamp:     time.Now().UTC(),
		Body:          body,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Internal("marshal channel message", err)
	}

	seq, err := s.broker.Publish(ctx, Subject(s.id.ProjectID(), channel), data)
	if err != nil {
		return nil, apperr.BrokerUnavailable("publish channel message", err)
	}

	s.logger.Debug("channel message sent",
		zap.String("channel", channel),
		zap.Uint64("seq", seq))

	return &SendReceipt{Channel: channel, Seq: seq, Timestamp: msg.Timestamp}, nil
}

// Read returns the most recent window of a channel, newest first, walking
// backward by stream sequence. Nothing is consumed and no consumer is
// created; messages are read directly by sequence.
func (s *Service) Read(ctx context.Context, channel string, limit int, cursor string) ([]Message, pagination.Meta, error) {
	if _, ok := s.spec(channel); !ok {
		return nil, pagination.Meta{}, apperr.NotFound("channel", channel)
	}

	limit = pagination.Clamp(limit, pagination.MaxLimit)
	cur, err := pagination.Resume(cursor, limit, map[string]string{"channel": channel})
	if err != nil {
		return nil, pagination.Meta{}, err
	}

	info, err := s.broker.StreamInfo(ctx, StreamName(s.id.ProjectID(), channel))
	if err != nil {
		if errors.Is(err, broker.ErrStreamNotFound) {
			return []Message{}, pagination.PageMeta(cur, 0, 0, false), nil
		}
		return nil, pagination.Meta{}, apperr.BrokerUnavailable("channel stream info", err)
	}

	total := int(info.Msgs)
	msgs := []Message{}

	if info.LastSeq > uint64(cur.Offset) {
		seq := info.LastSeq - uint64(cur.Offset)
		for seq >= info.FirstSeq && info.FirstSeq > 0 && len(msgs) < cur.Limit {
			stored, err := s.broker.GetMsg(ctx, StreamName(s.id.ProjectID(), channel), seq)
			if errors.Is(err, broker.ErrMsgNotFound) {
				// retention removed this sequence
				if seq == 0 {
					break
				}
				seq--
				continue
			}
			if err != nil {
				return nil, pagination.Meta{}, apperr.BrokerUnavailable("read channel message", err)
			}

			var m Message
			if err := json.Unmarshal(stored.Data, &m); err != nil {
				s.logger.Warn("skipping malformed channel message",
					zap.String("channel", channel),
					zap.Uint64("seq", seq),
					zap.Error(err))
			} else {
				m.Seq = seq
				msgs = append(msgs, m)
			}
			if seq == 0 {
				break
			}
			seq--
		}
	}

	return msgs, pagination.PageMeta(cur, len(msgs), total, false), nil
}

// Status returns stream metadata for one channel, or all configured channels
// when channel is empty. It never creates a consumer and never acknowledges
// anything; callers detect new messages through the monotonic last_seq.
func (s *Service) Status(ctx context.Context, channel string) ([]Status, error) {
	specs := s.specs
	if channel != "" {
		sp, ok := s.spec(channel)
		if !ok {
			return nil, apperr.NotFound("channel", channel)
		}
		specs = []config.ChannelSpec{sp}
	}

	statuses := make([]Status, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sp := range specs {
		g.Go(func() error {
			st, err := s.channelStatus(gctx, sp.Name)
			if err != nil {
				return err
			}
			statuses[i] = *st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (s *Service) channelStatus(ctx context.Context, channel string) (*Status, error) {
	info, err := s.broker.StreamInfo(ctx, StreamName(s.id.ProjectID(), channel))
	if err != nil {
		if errors.Is(err, broker.ErrStreamNotFound) {
			return &Status{Channel: channel, Note: noMessagesNote}, nil
		}
		return nil, apperr.BrokerUnavailable("channel stream info", err)
	}

	st := &Status{
		Channel:     channel,
		Initialized: true,
		Messages:    info.Msgs,
		Bytes:       info.Bytes,
		FirstSeq:    info.FirstSeq,
		LastSeq:     info.LastSeq,
	}
	if info.Msgs == 0 {
		st.Note = noMessagesNote
	}
	return st, nil
}
