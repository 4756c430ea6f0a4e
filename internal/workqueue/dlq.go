package workqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/swarmbus/swarmbus/internal/broker"
	"github.com/swarmbus/swarmbus/internal/common/apperr"
	"github.com/swarmbus/swarmbus/internal/pagination"
)

const (
	dlqStreamName    = "WORKQUEUE_DLQ"
	dlqSubjectPrefix = "global.workqueue.dlq."
)

// DLQEntry wraps a work item that exhausted its attempt budget (or could not
// be parsed) together with the failure context.
type DLQEntry struct {
	DLQID     string    `json:"dlq_id"`
	WorkItem  WorkItem  `json:"work_item"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// RetryResult reports the outcome of a DLQ retry or discard.
type RetryResult struct {
	Status     string `json:"status"`
	WorkItemID string `json:"work_item_id,omitempty"`
	Capability string `json:"capability,omitempty"`
}

type deadLetterCandidate struct {
	capability string
	item       WorkItem
	lastError  string
	seq        uint64
}

// dlqID derives a stable identifier for an entry so retries and discards can
// address it without the caller tracking stream sequences.
func dlqID(itemID string, failedAt time.Time) string {
	sum := sha256.Sum256([]byte(itemID + "|" + failedAt.Format(time.RFC3339Nano)))
	return hex.EncodeToString(sum[:])[:32]
}

func (s *Service) ensureDLQ(ctx context.Context) error {
	err := s.broker.EnsureStream(ctx, broker.StreamConfig{
		Name:      dlqStreamName,
		Subjects:  []string{dlqSubjectPrefix + ">"},
		Retention: broker.RetentionLimits,
		MaxAge:    s.cfg.DLQTTL(),
	})
	if err != nil {
		return apperr.BrokerUnavailable("ensure dead-letter stream", err)
	}
	return nil
}

// deadLetter moves one failed item into the DLQ. Best effort: the caller acks
// the original either way, and a failed dead-letter publish only loses the
// failure record, never a live item.
func (s *Service) deadLetter(ctx context.Context, cand deadLetterCandidate) {
	if err := s.ensureDLQ(ctx); err != nil {
		s.logger.Error("dead-letter stream unavailable", zap.Error(err))
		return
	}

	itemID := cand.item.ID
	if itemID == "" {
		// unparseable payloads have no item id; fall back to stream position
		itemID = fmt.Sprintf("%s-%d", cand.capability, cand.seq)
	}

	entry := DLQEntry{
		WorkItem:  cand.item,
		LastError: cand.lastError,
		FailedAt:  time.Now().UTC(),
	}
	entry.DLQID = dlqID(itemID, entry.FailedAt)
	if entry.WorkItem.Capability == "" {
		entry.WorkItem.Capability = cand.capability
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		s.logger.Error("marshal dead-letter entry", zap.Error(err))
		return
	}
	if _, err := s.broker.Publish(ctx, dlqSubjectPrefix+cand.capability, data); err != nil {
		s.logger.Error("publish dead-letter entry",
			zap.String("work_item_id", cand.item.ID),
			zap.Error(err))
		return
	}

	s.logger.Warn("work item dead-lettered",
		zap.String("dlq_id", entry.DLQID),
		zap.String("work_item_id", cand.item.ID),
		zap.String("capability", cand.capability),
		zap.String("last_error", cand.lastError))
}

// dlqScan walks the DLQ newest-first and calls visit for every parseable
// entry with its stream sequence. visit returns false to stop early.
func (s *Service) dlqScan(ctx context.Context, visit func(entry *DLQEntry, seq uint64) bool) error {
	info, err := s.broker.StreamInfo(ctx, dlqStreamName)
	if err != nil {
		if errors.Is(err, broker.ErrStreamNotFound) {
			return nil
		}
		return apperr.BrokerUnavailable("dead-letter stream info", err)
	}
	if info.Msgs == 0 || info.LastSeq == 0 {
		return nil
	}

	for seq := info.LastSeq; seq >= info.FirstSeq && info.FirstSeq > 0; seq-- {
		stored, err := s.broker.GetMsg(ctx, dlqStreamName, seq)
		if errors.Is(err, broker.ErrMsgNotFound) {
			if seq == 0 {
				break
			}
			continue
		}
		if err != nil {
			return apperr.BrokerUnavailable("read dead-letter entry", err)
		}

		var entry DLQEntry
		if err := json.Unmarshal(stored.Data, &entry); err != nil {
			s.logger.Warn("skipping malformed dead-letter entry",
				zap.Uint64("seq", seq), zap.Error(err))
			continue
		}
		if !visit(&entry, seq) {
			return nil
		}
		if seq == 0 {
			break
		}
	}
	return nil
}

// DLQList pages through dead-lettered items newest-first, optionally filtered
// by capability. The DLQ is bounded by TTL retention, so a full scan stays
// cheap; pagination happens over the matched set.
func (s *Service) DLQList(ctx context.Context, capability string, limit int, cursor string) ([]DLQEntry, pagination.Meta, error) {
	if capability != "" {
		if err := validCapability(capability); err != nil {
			return nil, pagination.Meta{}, err
		}
	}

	limit = pagination.Clamp(limit, pagination.MaxLimit)
	cur, err := pagination.Resume(cursor, limit, map[string]string{"capability": capability})
	if err != nil {
		return nil, pagination.Meta{}, err
	}

	matched := []DLQEntry{}
	err = s.dlqScan(ctx, func(entry *DLQEntry, _ uint64) bool {
		if capability == "" || entry.WorkItem.Capability == capability {
			matched = append(matched, *entry)
		}
		return true
	})
	if err != nil {
		return nil, pagination.Meta{}, err
	}

	total := len(matched)
	start := cur.Offset
	if start > total {
		start = total
	}
	end := start + cur.Limit
	if end > total {
		end = total
	}

	return matched[start:end], pagination.PageMeta(cur, end-start, total, false), nil
}

// DLQRetry moves one dead-lettered item back onto its capability queue. The
// DLQ entry is deleted before the item is republished, so two concurrent
// retries of the same entry race on the delete and only the winner requeues.
// When resetAttempts is true the requeued item starts with a fresh budget;
// otherwise it keeps its accumulated count.
func (s *Service) DLQRetry(ctx context.Context, id string, resetAttempts bool) (*RetryResult, error) {
	entry, seq, err := s.dlqFind(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.broker.DeleteMsg(ctx, dlqStreamName, seq); err != nil {
		if errors.Is(err, broker.ErrMsgNotFound) {
			// lost the race; the other retry owns the requeue
			return &RetryResult{Status: "already_processed"}, nil
		}
		return nil, apperr.BrokerUnavailable("remove dead-letter entry", err)
	}

	item := entry.WorkItem
	if resetAttempts {
		item.Attempts = 0
	}
	if err := s.ensureQueue(ctx, item.Capability); err != nil {
		return nil, err
	}
	if err := s.ensureConsumer(ctx, item.Capability); err != nil {
		return nil, err
	}
	if err := s.publishItem(ctx, &item); err != nil {
		return nil, err
	}

	s.logger.Info("dead-lettered item requeued",
		zap.String("dlq_id", id),
		zap.String("work_item_id", item.ID),
		zap.String("capability", item.Capability),
		zap.Bool("reset_attempts", resetAttempts))

	return &RetryResult{
		Status:     "requeued",
		WorkItemID: item.ID,
		Capability: item.Capability,
	}, nil
}

// DLQDiscard permanently removes one dead-lettered item.
func (s *Service) DLQDiscard(ctx context.Context, id string) (*RetryResult, error) {
	entry, seq, err := s.dlqFind(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.broker.DeleteMsg(ctx, dlqStreamName, seq); err != nil {
		if errors.Is(err, broker.ErrMsgNotFound) {
			return &RetryResult{Status: "already_processed"}, nil
		}
		return nil, apperr.BrokerUnavailable("remove dead-letter entry", err)
	}

	s.logger.Info("dead-lettered item discarded",
		zap.String("dlq_id", id),
		zap.String("work_item_id", entry.WorkItem.ID))

	return &RetryResult{
		Status:     "discarded",
		WorkItemID: entry.WorkItem.ID,
		Capability: entry.WorkItem.Capability,
	}, nil
}

func (s *Service) dlqFind(ctx context.Context, id string) (*DLQEntry, uint64, error) {
	if id == "" {
		return nil, 0, apperr.InvalidArgument("dlq_id is required")
	}

	var (
		found    *DLQEntry
		foundSeq uint64
	)
	err := s.dlqScan(ctx, func(entry *DLQEntry, seq uint64) bool {
		if entry.DLQID == id {
			found = entry
			foundSeq = seq
			return false
		}
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	if found == nil {
		return nil, 0, apperr.NotFound("dlq entry", id)
	}
	return found, foundSeq, nil
}
