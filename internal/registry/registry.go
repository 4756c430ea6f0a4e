// Package registry holds agent records in a KV bucket and implements
// presence, discovery with visibility rules, and heartbeats.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/swarmbus/swarmbus/internal/broker"
	"github.com/swarmbus/swarmbus/internal/common/apperr"
	"github.com/swarmbus/swarmbus/internal/common/logger"
	"github.com/swarmbus/swarmbus/internal/identity"
	"github.com/swarmbus/swarmbus/internal/pagination"
)

// Bucket is the global KV bucket of agent records, keyed by AgentID.
const Bucket = "swarmbus_agents"

// Visibility levels for agent records.
const (
	VisibilityPrivate     = "private"
	VisibilityProjectOnly = "project-only"
	VisibilityUserOnly    = "user-only"
	VisibilityPublic      = "public"
)

// Agent status values. Transitions are monotonic within a session:
// online -> busy -> online -> offline.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// AgentRecord is one registry entry.
type AgentRecord struct {
	AgentID            string            `json:"agent_id"`
	Handle             string            `json:"handle"`
	Hostname           string            `json:"hostname"`
	Username           string            `json:"username"`
	ProjectID          string            `json:"project_id"`
	AgentType          string            `json:"agent_type"`
	Capabilities       []string          `json:"capabilities"`
	Visibility         string            `json:"visibility"`
	Status             string            `json:"status"`
	CurrentTaskCount   int               `json:"current_task_count"`
	MaxConcurrentTasks int               `json:"max_concurrent_tasks"`
	LastHeartbeat      time.Time         `json:"last_heartbeat"`
	LastActivity       time.Time         `json:"last_activity"`
	RegisteredAt       time.Time         `json:"registered_at"`
	Metadata           map[string]any    `json:"metadata,omitempty"`
}

// RegisterParams are the caller-supplied fields of registry_register.
type RegisterParams struct {
	AgentType          string
	Capabilities       []string
	Visibility         string
	MaxConcurrentTasks int
	Metadata           map[string]any
}

// DiscoverFilters narrow registry_discover results. All provided filters
// must match.
type DiscoverFilters struct {
	AgentType  string
	Capability string
	Status     string
	Hostname   string
}

// InboxEnsurer creates an agent's durable inbox stream. Satisfied by the
// directmsg service; registration guarantees the inbox exists before any
// peer can send to it.
type InboxEnsurer interface {
	EnsureInbox(ctx context.Context, agentID string) error
}

// Service is the registry and presence layer.
type Service struct {
	kv     broker.KeyValue
	id     *identity.Service
	inbox  InboxEnsurer
	logger *logger.Logger
}

// NewService opens the registry bucket.
func NewService(ctx context.Context, b broker.Broker, id *identity.Service, inbox InboxEnsurer, log *logger.Logger) (*Service, error) {
	kv, err := b.KeyValue(ctx, Bucket, 0)
	if err != nil {
		return nil, apperr.BrokerUnavailable("open registry bucket", err)
	}
	return &Service{
		kv:     kv,
		id:     id,
		inbox:  inbox,
		logger: log.WithFields(zap.String("component", "registry")),
	}, nil
}

func validVisibility(v string) bool {
	switch v {
	case VisibilityPrivate, VisibilityProjectOnly, VisibilityUserOnly, VisibilityPublic:
		return true
	}
	return false
}

func validStatus(s string) bool {
	switch s {
	case StatusOnline, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// dedupeCapabilities collapses duplicates and returns a sorted set.
func dedupeCapabilities(caps []string) []string {
	seen := make(map[string]bool, len(caps))
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Register writes or refreshes the caller's agent record. It is idempotent
// on AgentID: a second call updates the existing record in place, preserving
// registered_at. It also ensures the caller's inbox stream exists and
// auto-generates a handle from the agent type when none was chosen.
func (s *Service) Register(ctx context.Context, params RegisterParams) (*AgentRecord, error) {
	if params.AgentType == "" {
		return nil, apperr.InvalidArgument("agent_type is required")
	}
	if params.Visibility == "" {
		params.Visibility = VisibilityProjectOnly
	}
	if !validVisibility(params.Visibility) {
		return nil, apperr.InvalidArgument(fmt.Sprintf("unknown visibility %q", params.Visibility))
	}
	if params.MaxConcurrentTasks < 0 {
		return nil, apperr.InvalidArgument("max_concurrent_tasks must not be negative")
	}

	handle, err := s.id.Handle(ctx)
	if err != nil {
		return nil, err
	}
	if handle == "" {
		handle = params.AgentType
		if err := s.id.SetHandle(ctx, handle); err != nil {
			return nil, err
		}
	}

	me := s.id.Identity()
	now := time.Now().UTC()
	record := AgentRecord{
		AgentID:            me.AgentID,
		Handle:             handle,
		Hostname:           me.Hostname,
		Username:           me.Username,
		ProjectID:          me.ProjectID,
		AgentType:          params.AgentType,
		Capabilities:       dedupeCapabilities(params.Capabilities),
		Visibility:         params.Visibility,
		Status:             StatusOnline,
		MaxConcurrentTasks: params.MaxConcurrentTasks,
		LastHeartbeat:      now,
		LastActivity:       now,
		RegisteredAt:       now,
		Metadata:           params.Metadata,
	}

	existing, rev, err := s.get(ctx, me.AgentID)
	switch {
	case err == nil:
		// re-registration: keep origin timestamp and task accounting
		record.RegisteredAt = existing.RegisteredAt
		record.CurrentTaskCount = existing.CurrentTaskCount
		if err := s.update(ctx, &record, rev); err != nil {
			return nil, err
		}
	case apperr.IsNotFound(err):
		if err := s.create(ctx, &record); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := s.inbox.EnsureInbox(ctx, me.AgentID); err != nil {
		return nil, err
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", record.AgentID),
		zap.String("agent_type", record.AgentType),
		zap.Strings("capabilities", record.Capabilities))

	return &record, nil
}

func (s *Service) get(ctx context.Context, agentID string) (*AgentRecord, uint64, error) {
	val, rev, err := s.kv.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, broker.ErrKeyNotFound) {
			return nil, 0, apperr.NotFound("agent", agentID)
		}
		return nil, 0, apperr.BrokerUnavailable("read agent record", err)
	}
	var rec AgentRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, 0, apperr.Internal("decode agent record", err)
	}
	return &rec, rev, nil
}

func (s *Service) create(ctx context.Context, rec *AgentRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperr.Internal("encode agent record", err)
	}
	if _, err := s.kv.Create(ctx, rec.AgentID, data); err != nil {
		if errors.Is(err, broker.ErrKeyExists) {
			return apperr.Conflict("agent record was created concurrently")
		}
		return apperr.BrokerUnavailable("create agent record", err)
	}
	return nil
}

func (s *Service) update(ctx context.Context, rec *AgentRecord, rev uint64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperr.Internal("encode agent record", err)
	}
	if _, err := s.kv.Update(ctx, rec.AgentID, data, rev); err != nil {
		if errors.Is(err, broker.ErrRevisionMismatch) {
			return apperr.Conflict("agent record changed concurrently")
		}
		return apperr.BrokerUnavailable("update agent record", err)
	}
	return nil
}

// CallerInfo is the identity slice visibility predicates evaluate against.
type CallerInfo struct {
	AgentID   string
	ProjectID string
	Username  string
}

func (s *Service) caller() CallerInfo {
	me := s.id.Identity()
	return CallerInfo{AgentID: me.AgentID, ProjectID: me.ProjectID, Username: me.Username}
}

// VisibleTo reports whether a record may be read by the caller.
func VisibleTo(rec *AgentRecord, caller CallerInfo) bool {
	switch rec.Visibility {
	case VisibilityPrivate:
		return rec.AgentID == caller.AgentID
	case VisibilityUserOnly:
		return rec.Username == caller.Username
	case VisibilityPublic:
		return true
	default: // project-only is also the default for legacy records
		return rec.ProjectID == caller.ProjectID
	}
}

func matchesFilters(rec *AgentRecord, f DiscoverFilters) bool {
	if f.AgentType != "" && rec.AgentType != f.AgentType {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Hostname != "" && rec.Hostname != f.Hostname {
		return false
	}
	if f.Capability != "" {
		found := false
		for _, c := range rec.Capabilities {
			if c == f.Capability {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Discover scans the registry and returns records matching all provided
// filters that the caller is allowed to see, ordered by last_heartbeat
// descending. Total reflects the match count before pagination.
func (s *Service) Discover(ctx context.Context, filters DiscoverFilters, limit int, cursor string) ([]AgentRecord, pagination.Meta, error) {
	if filters.Status != "" && !validStatus(filters.Status) {
		return nil, pagination.Meta{}, apperr.InvalidArgument(fmt.Sprintf("unknown status %q", filters.Status))
	}

	limit = pagination.Clamp(limit, pagination.MaxLimit)
	cur, err := pagination.Resume(cursor, limit, map[string]string{
		"agent_type": filters.AgentType,
		"capability": filters.Capability,
		"status":     filters.Status,
		"hostname":   filters.Hostname,
	})
	if err != nil {
		return nil, pagination.Meta{}, err
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, pagination.Meta{}, apperr.BrokerUnavailable("scan registry", err)
	}

	caller := s.caller()
	var matched []AgentRecord
	for _, key := range keys {
		rec, _, err := s.get(ctx, key)
		if err != nil {
			if apperr.IsNotFound(err) {
				continue // deleted between Keys and Get
			}
			return nil, pagination.Meta{}, err
		}
		if !VisibleTo(rec, caller) || !matchesFilters(rec, filters) {
			continue
		}
		matched = append(matched, *rec)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].LastHeartbeat.Equal(matched[j].LastHeartbeat) {
			return matched[i].LastHeartbeat.After(matched[j].LastHeartbeat)
		}
		return matched[i].AgentID < matched[j].AgentID
	})

	total := len(matched)
	start := cur.Offset
	if start > total {
		start = total
	}
	end := start + cur.Limit
	if end > total {
		end = total
	}
	page := matched[start:end]

	return page, pagination.PageMeta(cur, len(page), total, false), nil
}

// GetInfo fetches a single record by AgentID, subject to visibility. A
// record hidden from the caller reads as PERMISSION_DENIED.
func (s *Service) GetInfo(ctx context.Context, agentID string) (*AgentRecord, error) {
	if !identity.AgentIDPattern.MatchString(agentID) {
		return nil, apperr.InvalidArgument("agent_id must be 32 lowercase hex characters")
	}
	rec, _, err := s.get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if !VisibleTo(rec, s.caller()) {
		return nil, apperr.PermissionDenied(fmt.Sprintf("agent '%s' is not visible to the caller", agentID))
	}
	return rec, nil
}

// Exists reports whether any record is registered under the AgentID,
// regardless of visibility. Used to validate message recipients.
func (s *Service) Exists(ctx context.Context, agentID string) (bool, error) {
	_, _, err := s.get(ctx, agentID)
	if err != nil {
		if apperr.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Self returns the caller's own record, or NOT_REGISTERED.
func (s *Service) Self(ctx context.Context) (*AgentRecord, error) {
	rec, _, err := s.get(ctx, s.id.AgentID())
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.NotRegistered()
		}
		return nil, err
	}
	return rec, nil
}

// UpdatePresence mutates status and task count on the caller's own record.
// A lost compare-and-set race surfaces as CONFLICT; the caller may retry.
func (s *Service) UpdatePresence(ctx context.Context, status string, taskCount *int) (*AgentRecord, error) {
	if status != "" && !validStatus(status) {
		return nil, apperr.InvalidArgument(fmt.Sprintf("unknown status %q", status))
	}
	if taskCount != nil && *taskCount < 0 {
		return nil, apperr.InvalidArgument("current_task_count must not be negative")
	}

	rec, rev, err := s.get(ctx, s.id.AgentID())
	if err != nil {
		if apperr.IsNotFound(err) {
			return nil, apperr.NotRegistered()
		}
		return nil, err
	}

	now := time.Now().UTC()
	if status != "" {
		rec.Status = status
	}
	if taskCount != nil {
		rec.CurrentTaskCount = *taskCount
	}
	rec.LastActivity = now
	rec.LastHeartbeat = now

	if err := s.update(ctx, rec, rev); err != nil {
		return nil, err
	}
	return rec, nil
}

// Deregister removes the caller's record. Removing an already absent record
// is not an error.
func (s *Service) Deregister(ctx context.Context) error {
	if err := s.kv.Delete(ctx, s.id.AgentID()); err != nil {
		return apperr.BrokerUnavailable("delete agent record", err)
	}
	s.logger.Info("agent deregistered", zap.String("agent_id", s.id.AgentID()))
	return nil
}

// Heartbeat refreshes last_heartbeat on the caller's record. It is invoked
// implicitly by most tool calls and is strictly best effort: an unregistered
// caller or a lost CAS race is ignored.
func (s *Service) Heartbeat(ctx context.Context) {
	rec, rev, err := s.get(ctx, s.id.AgentID())
	if err != nil {
		return
	}
	rec.LastHeartbeat = time.Now().UTC()
	if err := s.update(ctx, rec, rev); err != nil {
		s.logger.Debug("heartbeat skipped", zap.Error(err))
	}
}
