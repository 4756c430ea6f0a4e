// Package directmsg implements per-agent durable inboxes. Delivery is
// offline-tolerant (messages wait in the recipient's stream) and reads are
// consume-once: a message acknowledged on read is never returned again.
package directmsg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swarmbus/swarmbus/internal/broker"
	"github.com/swarmbus/swarmbus/internal/common/apperr"
	"github.com/swarmbus/swarmbus/internal/common/config"
	"github.com/swarmbus/swarmbus/internal/common/logger"
	"github.com/swarmbus/swarmbus/internal/identity"
	"github.com/swarmbus/swarmbus/internal/pagination"
)

// consumerName is the durable pull consumer each agent reads its own inbox
// through. One durable per inbox makes reads consume-once across sessions.
const consumerName = "inbox-reader"

// fetchWait bounds how long a read blocks when the inbox has messages
// pending but the fetch races with another reader.
const fetchWait = 2 * time.Second

// Message is one direct message.
type Message struct {
	SenderAgentID    string         `json:"sender_agent_id"`
	RecipientAgentID string         `json:"recipient_agent_id"`
	MessageType      string         `json:"message_type"`
	Timestamp        time.Time      `json:"timestamp"`
	Body             string         `json:"body"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// SendReceipt confirms one delivery to an inbox stream.
type SendReceipt struct {
	RecipientAgentID string    `json:"recipient_agent_id"`
	Seq              uint64    `json:"seq"`
	Timestamp        time.Time `json:"timestamp"`
}

// ReadParams are the inputs of messages_read_direct.
type ReadParams struct {
	Limit         int
	MessageType   string
	SenderAgentID string
	Cursor        string
}

// Service is the direct messaging layer.
type Service struct {
	broker broker.Broker
	id     *identity.Service
	cfg    config.InboxConfig
	logger *logger.Logger

	// recipientExists is bound after construction (the registry depends on
	// this package for inbox creation, so the check is late-bound to avoid
	// the cycle). When unset, sends skip the existence check.
	recipientExists func(ctx context.Context, agentID string) (bool, error)
}

// BindRecipientCheck installs the registry lookup used to reject sends to
// agents that never registered.
func (s *Service) BindRecipientCheck(check func(ctx context.Context, agentID string) (bool, error)) {
	s.recipientExists = check
}

// NewService creates the direct messaging layer.
func NewService(b broker.Broker, id *identity.Service, cfg config.InboxConfig, log *logger.Logger) *Service {
	return &Service{
		broker: b,
		id:     id,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "directmsg")),
	}
}

// StreamName returns the inbox stream for an agent.
func StreamName(agentID string) string {
	return "INBOX_" + agentID
}

// Subject returns the inbox publish subject for an agent.
func Subject(agentID string) string {
	return "global.inbox." + agentID
}

// EnsureInbox creates the durable inbox stream for an agent. Registration
// calls this so an inbox exists before any peer can send to it.
func (s *Service) EnsureInbox(ctx context.Context, agentID string) error {
	err := s.broker.EnsureStream(ctx, broker.StreamConfig{
		Name:      StreamName(agentID),
		Subjects:  []string{Subject(agentID)},
		Retention: broker.RetentionLimits,
		MaxMsgs:   s.cfg.MaxMessages,
		MaxAge:    s.cfg.MaxAge(),
	})
	if err != nil {
		return apperr.BrokerUnavailable("ensure inbox stream", err)
	}
	return nil
}

// Send publishes one message to the recipient's inbox. An offline recipient
// simply accumulates messages in its durable stream.
func (s *Service) Send(ctx context.Context, recipientID, body, messageType string, metadata map[string]any) (*SendReceipt, error) {
	if !identity.AgentIDPattern.MatchString(recipientID) {
		return nil, apperr.InvalidArgument("recipient_agent_id must be 32 lowercase hex characters")
	}
	if body == "" {
		return nil, apperr.InvalidArgument("message must not be empty")
	}
	if messageType == "" {
		messageType = "text"
	}

	if s.recipientExists != nil {
		exists, err := s.recipientExists(ctx, recipientID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperr.NotFound("agent", recipientID)
		}
	}

	// The recipient's inbox is created at registration; ensuring here keeps
	// sends to agents mid-registration from bouncing.
	if err := s.EnsureInbox(ctx, recipientID); err != nil {
		return nil, err
	}

	msg := Message{
		SenderAgentID:    s.id.AgentID(),
		RecipientAgentID: recipientID,
		MessageType:      messageType,
		Timestamp:        time.Now().UTC(),
		Body:             body,
		Metadata:         metadata,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Internal("marshal direct message", err)
	}

	seq, err := s.broker.Publish(ctx, Subject(recipientID), data)
	if err != nil {
		return nil, apperr.BrokerUnavailable("publish direct message", err)
	}

	s.logger.Debug("direct message sent",
		zap.String("recipient", recipientID),
		zap.String("message_type", messageType),
		zap.Uint64("seq", seq))

	return &SendReceipt{RecipientAgentID: recipientID, Seq: seq, Timestamp: msg.Timestamp}, nil
}

// Read fetches up to Limit messages from the caller's own inbox through its
// durable consumer. Messages matching the filters are acknowledged (consumed)
// and returned; messages failing the filters are nak'd back for a later read.
// Because acknowledged messages are gone, total is unknown; has_more reflects
// the consumer's remaining backlog.
func (s *Service) Read(ctx context.Context, params ReadParams) ([]Message, pagination.Meta, error) {
	if params.SenderAgentID != "" && !identity.AgentIDPattern.MatchString(params.SenderAgentID) {
		return nil, pagination.Meta{}, apperr.InvalidArgument("sender_agent_id must be 32 lowercase hex characters")
	}

	limit := pagination.Clamp(params.Limit, pagination.MaxLimit)
	cur, err := pagination.Resume(params.Cursor, limit, map[string]string{
		"message_type":    params.MessageType,
		"sender_agent_id": params.SenderAgentID,
	})
	if err != nil {
		return nil, pagination.Meta{}, err
	}

	me := s.id.AgentID()
	if err := s.EnsureInbox(ctx, me); err != nil {
		return nil, pagination.Meta{}, err
	}
	if err := s.broker.EnsureConsumer(ctx, StreamName(me), broker.ConsumerConfig{
		Durable:       consumerName,
		DeliverPolicy: broker.DeliverAll,
		AckWait:       30 * time.Second,
	}); err != nil {
		return nil, pagination.Meta{}, apperr.BrokerUnavailable("ensure inbox consumer", err)
	}

	fetched, err := s.broker.Fetch(ctx, broker.FetchRequest{
		Stream:  StreamName(me),
		Durable: consumerName,
		Subject: Subject(me),
		Batch:   cur.Limit,
		MaxWait: fetchWait,
	})
	if err != nil {
		if errors.Is(err, broker.ErrStreamNotFound) {
			return []Message{}, pagination.PageMeta(cur, 0, -1, false), nil
		}
		return nil, pagination.Meta{}, apperr.BrokerUnavailable("fetch inbox messages", err)
	}

	msgs := []Message{}
	for _, raw := range fetched {
		var m Message
		if err := json.Unmarshal(raw.Data(), &m); err != nil {
			s.logger.Warn("discarding malformed inbox message", zap.Error(err))
			_ = raw.Ack()
			continue
		}
		if !s.matches(&m, params) {
			// leave it for a read with different filters
			_ = raw.Nak()
			continue
		}
		if err := raw.Ack(); err != nil {
			return nil, pagination.Meta{}, apperr.BrokerUnavailable("acknowledge inbox message", err)
		}
		msgs = append(msgs, m)
	}

	pending, err := s.broker.ConsumerPending(ctx, StreamName(me), consumerName)
	if err != nil {
		return nil, pagination.Meta{}, apperr.BrokerUnavailable("inbox consumer backlog", err)
	}

	return msgs, pagination.PageMeta(cur, len(msgs), -1, pending > 0), nil
}

func (s *Service) matches(m *Message, params ReadParams) bool {
	if params.MessageType != "" && m.MessageType != params.MessageType {
		return false
	}
	if params.SenderAgentID != "" && m.SenderAgentID != params.SenderAgentID {
		return false
	}
	return true
}

var _ fmt.Stringer = (*Message)(nil)

// String renders a short human-readable form for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s -> %s [%s]", m.SenderAgentID, m.RecipientAgentID, m.MessageType)
}
