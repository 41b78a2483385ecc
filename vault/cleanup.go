package vault

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"pqchat/storage"
)

// CleanupResult reports what Cleanup removed.
type CleanupResult struct {
	MessagesRemoved      int
	SeenIDsPruned        int64
	SecurityEventsPruned int64
}

// Stats summarizes vault contents.
type Stats struct {
	Conversations      int
	Messages           int
	AttachmentMessages int
	IndexEntries       int
	PendingSync        int
	PendingConflicts   int
	SecurityEvents     int
}

// Cleanup deletes messages older than retentionDays or whose ephemeral
// expiry has passed, then rebuilds the search index from what remains.
func (v *Vault) Cleanup(retentionDays int) (CleanupResult, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	now := v.now()
	cutoff := now.Add(-time.Duration(retentionDays) * 24 * time.Hour)

	v.mu.Lock()
	defer v.mu.Unlock()

	removed, err := v.store.PruneMessages(cutoff.UnixMilli(), now.UnixMilli())
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup: %w", err)
	}
	gone := make(map[string]struct{}, len(removed))
	for _, id := range removed {
		gone[id] = struct{}{}
		v.forget(id)
	}

	if err := v.rebuildIndex(); err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup: %w", err)
	}
	if err := v.refreshPreviews(gone); err != nil {
		return CleanupResult{}, err
	}

	pruned, err := v.store.PruneSeenIDs(cutoff.UnixMilli())
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup: %w", err)
	}

	events, err := v.store.PruneSecurityEvents(cutoff.UnixMilli())
	if err != nil {
		return CleanupResult{}, fmt.Errorf("cleanup: %w", err)
	}

	result := CleanupResult{MessagesRemoved: len(removed), SeenIDsPruned: pruned, SecurityEventsPruned: events}
	v.log.WithFields(logrus.Fields{
		"retention_days":   retentionDays,
		"messages_removed": result.MessagesRemoved,
		"seen_ids_pruned":  result.SeenIDsPruned,
		"events_pruned":    result.SecurityEventsPruned,
	}).Info("Vault cleanup finished")
	return result, nil
}

func (v *Vault) refreshPreviews(gone map[string]struct{}) error {
	if len(gone) == 0 {
		return nil
	}
	convs, err := v.ListConversations()
	if err != nil {
		return err
	}
	for _, conv := range convs {
		if conv.LastMessage == nil {
			continue
		}
		if _, ok := gone[conv.LastMessage.MessageID]; ok {
			if err := v.refreshLastMessage(conv.ID, conv.LastMessage.MessageID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Stats reports message and conversation counts.
func (v *Vault) Stats() (Stats, error) {
	var stats Stats

	convs, err := v.store.ListConversations()
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	stats.Conversations = len(convs)

	if stats.Messages, err = v.store.CountMessages(storage.MessageQuery{}); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	withAttachment := true
	if stats.AttachmentMessages, err = v.store.CountMessages(storage.MessageQuery{HasAttachment: &withAttachment}); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	stats.IndexEntries = v.index.len()

	if stats.PendingSync, err = v.store.CountSyncOps(); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}

	conflicts, err := v.store.PendingConflicts()
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	stats.PendingConflicts = len(conflicts)

	if stats.SecurityEvents, err = v.store.CountSecurityEvents(storage.SecurityEventFilter{}); err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

// PendingSync returns the queued replication operations.
func (v *Vault) PendingSync(limit int) ([]storage.SyncOp, error) {
	ops, err := v.store.PendingSyncOps(limit)
	if err != nil {
		return nil, fmt.Errorf("pending sync: %w", err)
	}
	return ops, nil
}

// AcknowledgeSync marks operations as replicated. Tombstones with no
// remaining operations are purged.
func (v *Vault) AcknowledgeSync(ids []int64) error {
	if err := v.store.AcknowledgeSyncOps(ids); err != nil {
		return fmt.Errorf("acknowledge sync: %w", err)
	}
	return nil
}
