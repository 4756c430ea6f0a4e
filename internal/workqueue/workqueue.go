// Package workqueue distributes work items to qualified workers under
// competing-consumer semantics: one stream per capability with work-queue
// retention, one shared durable consumer, at-most-once claims committed by
// acknowledgement, and a dead-letter queue for exhausted items.
package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swarmbus/swarmbus/internal/broker"
	"github.com/swarmbus/swarmbus/internal/common/apperr"
	"github.com/swarmbus/swarmbus/internal/common/config"
	"github.com/swarmbus/swarmbus/internal/common/logger"
	"github.com/swarmbus/swarmbus/internal/identity"
	"github.com/swarmbus/swarmbus/internal/pagination"
)

// Work item scopes.
const (
	ScopeTeam   = "team"
	ScopePublic = "public"
)

const (
	streamPrefix  = "WORKQUEUE_"
	subjectPrefix = "global.workqueue."

	// consumerName is the single durable consumer shared by all claimants
	// of a capability. Sharing one durable is what makes consumers compete:
	// each item is delivered to at most one of them at a time.
	consumerName = "workers"
)

// Claim timeout bounds from the tool contract.
const (
	MinClaimTimeout     = 1 * time.Second
	MaxClaimTimeout     = 60 * time.Second
	DefaultClaimTimeout = 5 * time.Second
)

// capabilityPattern keeps capability names subject-safe.
var capabilityPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

var nonAlnum = regexp.MustCompile(`[^A-Za-z0-9]`)

// WorkItem is one unit of work offered to a capability's queue.
type WorkItem struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Capability  string         `json:"capability"`
	Description string         `json:"description"`
	Priority    int            `json:"priority,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	ContextData map[string]any `json:"context_data,omitempty"`
	OfferedBy   string         `json:"offered_by"`
	OfferedAt   time.Time      `json:"offered_at"`
	Scope       string         `json:"scope"`
	Attempts    int            `json:"attempts"`
}

// BroadcastParams are the caller-supplied fields of work_broadcast.
type BroadcastParams struct {
	TaskID      string
	Description string
	Capability  string
	Priority    int // 0 means unset; valid range is 1..10
	Deadline    *time.Time
	ContextData map[string]any
	Scope       string
}

// ListFilters narrow a non-destructive preview. Zero values are unset.
type ListFilters struct {
	MinPriority    int
	MaxPriority    int
	DeadlineBefore *time.Time
	DeadlineAfter  *time.Time
}

// ListResult is one preview page with its truncation hint.
type ListResult struct {
	Items   []WorkItem `json:"items"`
	Total   int        `json:"total"`
	HasMore bool       `json:"has_more"`
}

// QueueStatus reports one capability queue's backlog.
type QueueStatus struct {
	Capability   string `json:"capability"`
	PendingItems uint64 `json:"pending_items"`
	Bytes        uint64 `json:"bytes"`
}

// Service is the work queue layer.
type Service struct {
	broker broker.Broker
	id     *identity.Service
	cfg    config.WorkQueueConfig
	logger *logger.Logger
}

// NewService creates the work queue layer.
func NewService(b broker.Broker, id *identity.Service, cfg config.WorkQueueConfig, log *logger.Logger) *Service {
	return &Service{
		broker: b,
		id:     id,
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "workqueue")),
	}
}

// StreamName returns the work stream for a capability. Non-alphanumeric
// characters become underscores in the stream name but are preserved in the
// subject.
func StreamName(capability string) string {
	return streamPrefix + strings.ToUpper(nonAlnum.ReplaceAllString(capability, "_"))
}

// SubjectFor returns the publish subject for a capability.
func SubjectFor(capability string) string {
	return subjectPrefix + capability
}

func validCapability(capability string) error {
	if !capabilityPattern.MatchString(capability) {
		return apperr.InvalidArgument("capability must match " + capabilityPattern.String())
	}
	return nil
}

func (s *Service) ensureQueue(ctx context.Context, capability string) error {
	err := s.broker.EnsureStream(ctx, broker.StreamConfig{
		Name:      StreamName(capability),
		Subjects:  []string{SubjectFor(capability)},
		Retention: broker.RetentionWorkQueue,
	})
	if err != nil {
		return apperr.BrokerUnavailable("ensure work stream", err)
	}
	return nil
}

// ensureConsumer creates the shared durable consumer. Broadcast calls this
// before its publish, so the deliver-new consumer exists before the first
// item ever lands and no broadcast is missed. MaxDeliver is one above the
// configured attempt budget so the exhausting delivery is still handed to a
// claimant, which routes it to the DLQ.
func (s *Service) ensureConsumer(ctx context.Context, capability string) error {
	err := s.broker.EnsureConsumer(ctx, StreamName(capability), broker.ConsumerConfig{
		Durable:       consumerName,
		DeliverPolicy: broker.DeliverNew,
		AckWait:       s.cfg.AckTimeout(),
		MaxDeliver:    s.cfg.MaxAttempts + 1,
	})
	if err != nil {
		return apperr.BrokerUnavailable("ensure work consumer", err)
	}
	return nil
}

// Broadcast validates and publishes one work item, creating the capability
// stream on demand. The stored item carries zero attempts.
func (s *Service) Broadcast(ctx context.Context, params BroadcastParams) (string, error) {
	if params.TaskID == "" {
		return "", apperr.InvalidArgument("task_id is required")
	}
	if params.Description == "" {
		return "", apperr.InvalidArgument("description is required")
	}
	if err := validCapability(params.Capability); err != nil {
		return "", err
	}
	if params.Priority != 0 && (params.Priority < 1 || params.Priority > 10) {
		return "", apperr.InvalidArgument("priority must be between 1 and 10")
	}
	if params.Scope == "" {
		params.Scope = ScopeTeam
	}
	if params.Scope != ScopeTeam && params.Scope != ScopePublic {
		return "", apperr.InvalidArgument(fmt.Sprintf("unknown scope %q", params.Scope))
	}

	item := WorkItem{
		ID:          uuid.NewString(),
		TaskID:      params.TaskID,
		Capability:  params.Capability,
		Description: params.Description,
		Priority:    params.Priority,
		Deadline:    params.Deadline,
		ContextData: params.ContextData,
		OfferedBy:   s.id.AgentID(),
		OfferedAt:   time.Now().UTC(),
		Scope:       params.Scope,
		Attempts:    0,
	}
	if parsed, err := uuid.Parse(item.ID); err != nil || parsed.Version() != 4 {
		return "", apperr.InvalidArgument("work item id must be a UUID v4")
	}

	if err := s.ensureQueue(ctx, params.Capability); err != nil {
		return "", err
	}
	if err := s.ensureConsumer(ctx, params.Capability); err != nil {
		return "", err
	}
	if err := s.publishItem(ctx, &item); err != nil {
		return "", err
	}

	s.logger.WithCapability(item.Capability).Info("work item broadcast",
		zap.String("work_item_id", item.ID),
		zap.String("task_id", item.TaskID),
		zap.Int("priority", item.Priority))

	return item.ID, nil
}

func (s *Service) publishItem(ctx context.Context, item *WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return apperr.Internal("marshal work item", err)
	}
	if _, err := s.broker.Publish(ctx, SubjectFor(item.Capability), data); err != nil {
		return apperr.BrokerUnavailable("publish work item", err)
	}
	return nil
}

// List previews a capability queue without consuming anything: a direct
// sequence walk reads up to limit items, creating no consumer and touching
// no delivery state. Work-queue streams reject a second consumer whose
// filter subject overlaps the shared durable, so the walk is the only
// preview path that coexists with claimants. Two calls with no interleaving
// claims or broadcasts return the same items.
func (s *Service) List(ctx context.Context, capability string, filters ListFilters, limit int) (*ListResult, error) {
	if err := validCapability(capability); err != nil {
		return nil, err
	}
	if filters.MinPriority < 0 || filters.MinPriority > 10 || filters.MaxPriority < 0 || filters.MaxPriority > 10 {
		return nil, apperr.InvalidArgument("priority filters must be between 1 and 10")
	}
	limit = pagination.Clamp(limit, pagination.MaxLimit)

	info, err := s.broker.StreamInfo(ctx, StreamName(capability))
	if err != nil {
		if errors.Is(err, broker.ErrStreamNotFound) {
			return &ListResult{Items: []WorkItem{}, Total: 0}, nil
		}
		return nil, apperr.BrokerUnavailable("work stream info", err)
	}
	if info.Msgs == 0 || info.LastSeq == 0 {
		return &ListResult{Items: []WorkItem{}, Total: 0}, nil
	}

	items := []WorkItem{}
	scanned := uint64(0)
	for seq := info.FirstSeq; seq <= info.LastSeq && len(items) < limit; seq++ {
		stored, err := s.broker.GetMsg(ctx, StreamName(capability), seq)
		if errors.Is(err, broker.ErrMsgNotFound) {
			// claimed or retention-evicted since the info snapshot
			continue
		}
		if err != nil {
			return nil, apperr.BrokerUnavailable("preview work items", err)
		}
		scanned++

		var item WorkItem
		if err := json.Unmarshal(stored.Data, &item); err != nil {
			s.logger.Warn("skipping malformed work item in preview",
				zap.String("capability", capability),
				zap.Uint64("seq", seq),
				zap.Error(err))
			continue
		}
		if matchesListFilters(&item, filters) {
			items = append(items, item)
		}
	}

	return &ListResult{
		Items:   items,
		Total:   int(info.Msgs),
		HasMore: scanned < info.Msgs,
	}, nil
}

func matchesListFilters(item *WorkItem, f ListFilters) bool {
	if f.MinPriority != 0 && item.Priority < f.MinPriority {
		return false
	}
	if f.MaxPriority != 0 && item.Priority > f.MaxPriority {
		return false
	}
	if f.DeadlineBefore != nil && (item.Deadline == nil || item.Deadline.After(*f.DeadlineBefore)) {
		return false
	}
	if f.DeadlineAfter != nil && (item.Deadline == nil || item.Deadline.Before(*f.DeadlineAfter)) {
		return false
	}
	return true
}

// ClampClaimTimeout forces a claim timeout into [1s, 60s], defaulting when
// unset.
func ClampClaimTimeout(timeoutMs int64) time.Duration {
	if timeoutMs <= 0 {
		return DefaultClaimTimeout
	}
	d := time.Duration(timeoutMs) * time.Millisecond
	if d < MinClaimTimeout {
		return MinClaimTimeout
	}
	if d > MaxClaimTimeout {
		return MaxClaimTimeout
	}
	return d
}

// Claim fetches one item through the shared durable consumer and commits the
// claim by acknowledging it immediately on successful parse. A nil item with
// a nil error means the queue stayed empty for the whole timeout. Items that
// fail to parse or arrive past the attempt budget are routed to the DLQ and
// acknowledged out of the queue, and the claim keeps looking until its
// deadline.
func (s *Service) Claim(ctx context.Context, capability string, timeoutMs int64) (*WorkItem, error) {
	if err := validCapability(capability); err != nil {
		return nil, err
	}
	if err := s.ensureQueue(ctx, capability); err != nil {
		return nil, err
	}
	if err := s.ensureConsumer(ctx, capability); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(ClampClaimTimeout(timeoutMs))
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		fetched, err := s.broker.Fetch(ctx, broker.FetchRequest{
			Stream:  StreamName(capability),
			Durable: consumerName,
			Subject: SubjectFor(capability),
			Batch:   1,
			MaxWait: remaining,
		})
		if err != nil {
			return nil, apperr.BrokerUnavailable("fetch work item", err)
		}
		if len(fetched) == 0 {
			return nil, nil
		}
		raw := fetched[0]

		var item WorkItem
		if err := json.Unmarshal(raw.Data(), &item); err != nil {
			s.deadLetter(ctx, deadLetterCandidate{
				capability: capability,
				item: WorkItem{
					Capability:  capability,
					ContextData: map[string]any{"raw_payload": string(raw.Data())},
				},
				lastError: fmt.Sprintf("unparseable work item: %v", err),
				seq:       raw.StreamSequence(),
			})
			_ = raw.Ack()
			continue
		}

		if raw.NumDelivered() > s.cfg.MaxAttempts {
			item.Attempts = item.Attempts + raw.NumDelivered() - 1
			s.deadLetter(ctx, deadLetterCandidate{
				capability: capability,
				item:       item,
				lastError:  fmt.Sprintf("redelivery attempts exhausted (%d)", item.Attempts),
				seq:        raw.StreamSequence(),
			})
			_ = raw.Ack()
			continue
		}

		// Claiming is the commit: the ack removes the item from the queue.
		item.Attempts = item.Attempts + raw.NumDelivered() - 1
		if err := raw.Ack(); err != nil {
			return nil, apperr.BrokerUnavailable("acknowledge work item", err)
		}

		s.logger.WithCapability(capability).Info("work item claimed",
			zap.String("work_item_id", item.ID),
			zap.Int("attempts", item.Attempts))

		return &item, nil
	}
}

// QueueStatus reports the backlog of one capability, or of every non-empty
// capability queue when capability is empty, sorted by pending descending.
func (s *Service) QueueStatus(ctx context.Context, capability string) ([]QueueStatus, error) {
	if capability != "" {
		if err := validCapability(capability); err != nil {
			return nil, err
		}
		info, err := s.broker.StreamInfo(ctx, StreamName(capability))
		if err != nil {
			if errors.Is(err, broker.ErrStreamNotFound) {
				return []QueueStatus{{Capability: capability}}, nil
			}
			return nil, apperr.BrokerUnavailable("work stream info", err)
		}
		return []QueueStatus{{
			Capability:   capability,
			PendingItems: info.Msgs,
			Bytes:        info.Bytes,
		}}, nil
	}

	names, err := s.broker.StreamNames(ctx)
	if err != nil {
		return nil, apperr.BrokerUnavailable("list streams", err)
	}

	var queueStreams []string
	for _, name := range names {
		if strings.HasPrefix(name, streamPrefix) && name != dlqStreamName {
			queueStreams = append(queueStreams, name)
		}
	}

	infos := make([]*broker.StreamInfo, len(queueStreams))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range queueStreams {
		g.Go(func() error {
			info, err := s.broker.StreamInfo(gctx, name)
			if err != nil {
				if errors.Is(err, broker.ErrStreamNotFound) {
					return nil
				}
				return apperr.BrokerUnavailable("work stream info", err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	statuses := []QueueStatus{}
	for _, info := range infos {
		if info == nil || info.Msgs == 0 {
			continue
		}
		capability := ""
		for _, subj := range info.Subjects {
			if strings.HasPrefix(subj, subjectPrefix) {
				capability = strings.TrimPrefix(subj, subjectPrefix)
				break
			}
		}
		if capability == "" {
			continue
		}
		statuses = append(statuses, QueueStatus{
			Capability:   capability,
			PendingItems: info.Msgs,
			Bytes:        info.Bytes,
		})
	}

	sort.SliceStable(statuses, func(i, j int) bool {
		if statuses[i].PendingItems != statuses[j].PendingItems {
			return statuses[i].PendingItems > statuses[j].PendingItems
		}
		return statuses[i].Capability < statuses[j].Capability
	})
	return statuses, nil
}
