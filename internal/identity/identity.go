// Package identity derives the stable agent identity that glues an agent to
// its host and project. The same (hostname, project path) pair always yields
// the same 32-hex AgentID; subagents mix in their type so siblings under one
// parent do not collide.
package identity

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/user"
	"regexp"

	"go.uber.org/zap"

	"github.com/swarmbus/swarmbus/internal/broker"
	"github.com/swarmbus/swarmbus/internal/common/apperr"
	"github.com/swarmbus/swarmbus/internal/common/config"
	"github.com/swarmbus/swarmbus/internal/common/logger"
)

// Bucket is the KV bucket persisting agent handles.
const Bucket = "swarmbus_identity"

// AgentIDPattern is the canonical identifier form: 32 lowercase hex chars.
var AgentIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Identity is the resolved identity of the running agent.
type Identity struct {
	AgentID      string
	ProjectID    string
	ProjectPath  string
	Hostname     string
	Username     string
	SubagentType string
}

// Derive computes the stable AgentID for a host + project pair.
func Derive(hostname, projectPath string) string {
	sum := md5.Sum([]byte(hostname + "|" + projectPath))
	return hex.EncodeToString(sum[:])
}

// DeriveSubagent computes a subagent's AgentID from its parent's ID and the
// subagent type.
func DeriveSubagent(parentID, subagentType string) string {
	sum := md5.Sum([]byte(parentID + "|" + subagentType))
	return hex.EncodeToString(sum[:])
}

// DeriveProjectID computes the default project namespace from the project
// path: the first 12 hex chars of its digest.
func DeriveProjectID(projectPath string) string {
	sum := md5.Sum([]byte(projectPath))
	return hex.EncodeToString(sum[:])[:12]
}

// Service resolves the agent identity and persists the agent's chosen
// handle across sessions.
type Service struct {
	kv     broker.KeyValue
	id     Identity
	logger *logger.Logger
}

// NewService resolves the running agent's identity. Derivation is
// deterministic, so the same host and project always resolve to the same
// AgentID; the overrides pin identity explicitly when an agent relocates.
func NewService(ctx context.Context, cfg config.IdentityConfig, b broker.Broker, log *logger.Logger) (*Service, error) {
	kv, err := b.KeyValue(ctx, Bucket, 0)
	if err != nil {
		return nil, apperr.BrokerUnavailable("open identity bucket", err)
	}

	id, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	log.Info("identity resolved",
		zap.String("agent_id", id.AgentID),
		zap.String("project_id", id.ProjectID),
		zap.String("hostname", id.Hostname))

	return &Service{
		kv:     kv,
		id:     id,
		logger: log.WithAgentID(id.AgentID),
	}, nil
}

func resolve(cfg config.IdentityConfig) (Identity, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return Identity{}, fmt.Errorf("resolving hostname: %w", err)
	}

	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	projectPath := cfg.ProjectPathOverride
	if projectPath == "" {
		projectPath, err = os.Getwd()
		if err != nil {
			return Identity{}, fmt.Errorf("resolving project path: %w", err)
		}
	}

	projectID := cfg.ProjectIDOverride
	if projectID == "" {
		projectID = DeriveProjectID(projectPath)
	}

	agentID := cfg.AgentIDOverride
	if agentID != "" {
		if !AgentIDPattern.MatchString(agentID) {
			return Identity{}, apperr.InvalidArgument("agent_id_override must be 32 lowercase hex characters")
		}
	} else {
		agentID = Derive(hostname, projectPath)
		if cfg.SubagentType != "" {
			agentID = DeriveSubagent(agentID, cfg.SubagentType)
		}
	}

	return Identity{
		AgentID:      agentID,
		ProjectID:    projectID,
		ProjectPath:  projectPath,
		Hostname:     hostname,
		Username:     username,
		SubagentType: cfg.SubagentType,
	}, nil
}

// Identity returns the resolved identity.
func (s *Service) Identity() Identity {
	return s.id
}

// AgentID returns the resolved agent identifier.
func (s *Service) AgentID() string {
	return s.id.AgentID
}

// ProjectID returns the resolved project namespace.
func (s *Service) ProjectID() string {
	return s.id.ProjectID
}

func (s *Service) handleKey() string {
	return "handle." + s.id.AgentID
}

// SetHandle persists the agent's human-readable handle. Handles are mutable
// and not unique.
func (s *Service) SetHandle(ctx context.Context, handle string) error {
	if handle == "" {
		return apperr.InvalidArgument("handle must not be empty")
	}
	if _, err := s.kv.Put(ctx, s.handleKey(), []byte(handle)); err != nil {
		return apperr.BrokerUnavailable("store handle", err)
	}
	s.logger.Debug("handle set", zap.String("handle", handle))
	return nil
}

// Handle returns the persisted handle, or "" when none was ever set.
func (s *Service) Handle(ctx context.Context) (string, error) {
	val, _, err := s.kv.Get(ctx, s.handleKey())
	if err != nil {
		if errors.Is(err, broker.ErrKeyNotFound) {
			return "", nil
		}
		return "", apperr.BrokerUnavailable("load handle", err)
	}
	return string(val), nil
}
