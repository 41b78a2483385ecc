package vault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pqchat/models"
	"pqchat/storage"
)

// ErrSyncConflict indicates a conflict that was deferred to manual resolution.
var ErrSyncConflict = errors.New("vault: sync conflict")

// ConflictStrategy selects how ApplyRemote settles a conflict.
type ConflictStrategy string

const (
	StrategyPreferLocal  ConflictStrategy = "prefer-local"
	StrategyPreferRemote ConflictStrategy = "prefer-remote"
	StrategyPreferNewer  ConflictStrategy = "prefer-newer"
	StrategyMerge        ConflictStrategy = "merge"
	StrategyManual       ConflictStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyPreferLocal, StrategyPreferRemote, StrategyPreferNewer, StrategyMerge, StrategyManual:
		return true
	default:
		return false
	}
}

// ConflictType classifies how two copies of a message differ.
type ConflictType string

const (
	ConflictContent        ConflictType = "content_mismatch"
	ConflictDeliveryStatus ConflictType = "delivery_status_mismatch"
	ConflictTimestamp      ConflictType = "timestamp_mismatch"
	ConflictEncryption     ConflictType = "encryption_mismatch"
)

// Conflict is a pair of diverging copies of one message.
type Conflict struct {
	ID         string
	MessageID  string
	Types      []ConflictType
	Local      *models.Message
	Remote     *models.Message
	DetectedAt time.Time
}

// ConflictHandler is notified of conflicts left for manual resolution.
type ConflictHandler func(Conflict)

// DetectConflicts classifies the differences between local and remote.
func DetectConflicts(local, remote *models.Message) []ConflictType {
	var types []ConflictType
	if local.Type != remote.Type ||
		!bytes.Equal(local.Content.Data, remote.Content.Data) ||
		local.Content.FileName != remote.Content.FileName ||
		local.Content.MimeType != remote.Content.MimeType {
		types = append(types, ConflictContent)
	}
	if local.Metadata.DeliveryStatus != remote.Metadata.DeliveryStatus {
		types = append(types, ConflictDeliveryStatus)
	}
	if !local.CreatedAt.Equal(remote.CreatedAt) || !local.LastModified().Equal(remote.LastModified()) {
		types = append(types, ConflictTimestamp)
	}
	if !sameEncryption(local.Encryption, remote.Encryption) {
		types = append(types, ConflictEncryption)
	}
	return types
}

func sameEncryption(a, b *models.EncryptionInfo) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Algorithm == b.Algorithm && a.KeyID == b.KeyID && a.Checksum == b.Checksum &&
		a.Version == b.Version && bytes.Equal(a.Nonce, b.Nonce)
}

// Resolve settles a conflict with strategy. StrategyManual cannot be
// settled automatically and returns ErrSyncConflict.
func Resolve(strategy ConflictStrategy, local, remote *models.Message) (*models.Message, error) {
	switch strategy {
	case StrategyPreferLocal:
		return local.Clone(), nil
	case StrategyPreferRemote:
		return remote.Clone(), nil
	case StrategyPreferNewer:
		return newer(local, remote).Clone(), nil
	case StrategyMerge:
		return merge(local, remote), nil
	case StrategyManual:
		return nil, ErrSyncConflict
	default:
		return nil, fmt.Errorf("vault: unknown conflict strategy %q", strategy)
	}
}

// newer picks the later LastModified, then the later CreatedAt; ties keep local.
func newer(local, remote *models.Message) *models.Message {
	lm, rm := local.LastModified(), remote.LastModified()
	if !lm.Equal(rm) {
		if rm.After(lm) {
			return remote
		}
		return local
	}
	if remote.CreatedAt.After(local.CreatedAt) {
		return remote
	}
	return local
}

// merge keeps the newer message as base and unions reactions (by user and
// emoji) and read receipts (by user).
func merge(local, remote *models.Message) *models.Message {
	out := newer(local, remote).Clone()

	reactions := make(map[string]models.Reaction)
	for _, r := range append(append([]models.Reaction(nil), local.Metadata.Reactions...), remote.Metadata.Reactions...) {
		key := r.UserID + "\x00" + r.Emoji
		if prev, ok := reactions[key]; !ok || r.CreatedAt.Before(prev.CreatedAt) {
			reactions[key] = r
		}
	}
	out.Metadata.Reactions = out.Metadata.Reactions[:0]
	for _, r := range reactions {
		out.Metadata.Reactions = append(out.Metadata.Reactions, r)
	}
	sort.Slice(out.Metadata.Reactions, func(i, j int) bool {
		a, b := out.Metadata.Reactions[i], out.Metadata.Reactions[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.UserID != b.UserID {
			return a.UserID < b.UserID
		}
		return a.Emoji < b.Emoji
	})

	receipts := make(map[string]models.ReadReceipt)
	for _, r := range append(append([]models.ReadReceipt(nil), local.Metadata.ReadReceipts...), remote.Metadata.ReadReceipts...) {
		if prev, ok := receipts[r.UserID]; !ok || r.ReadAt.Before(prev.ReadAt) {
			receipts[r.UserID] = r
		}
	}
	out.Metadata.ReadReceipts = out.Metadata.ReadReceipts[:0]
	for _, r := range receipts {
		out.Metadata.ReadReceipts = append(out.Metadata.ReadReceipts, r)
	}
	sort.Slice(out.Metadata.ReadReceipts, func(i, j int) bool {
		return out.Metadata.ReadReceipts[i].UserID < out.Metadata.ReadReceipts[j].UserID
	})

	if deliveryRank(local.Metadata.DeliveryStatus) > deliveryRank(out.Metadata.DeliveryStatus) {
		out.Metadata.DeliveryStatus = local.Metadata.DeliveryStatus
	}
	if deliveryRank(remote.Metadata.DeliveryStatus) > deliveryRank(out.Metadata.DeliveryStatus) {
		out.Metadata.DeliveryStatus = remote.Metadata.DeliveryStatus
	}
	return out
}

func deliveryRank(status models.DeliveryStatus) int {
	switch status {
	case models.DeliverySending:
		return 1
	case models.DeliverySent:
		return 2
	case models.DeliveryDelivered:
		return 3
	case models.DeliveryRead:
		return 4
	default:
		return 0
	}
}

// ApplyRemote reconciles a copy of a message received from another device.
// Unknown messages are stored as-is; a local tombstone wins over the remote
// copy. Conflicts are settled with the configured strategy, or persisted and
// reported through the ConflictHandler under StrategyManual, in which case
// the returned error wraps ErrSyncConflict.
func (v *Vault) ApplyRemote(remote *models.Message) (*models.Message, error) {
	if err := remote.Validate(); err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}

	v.mu.Lock()
	record, err := v.store.GetMessage(remote.ID)
	switch {
	case notFound(err):
		defer v.mu.Unlock()
		if err := v.writeMessage(remote, ""); err != nil {
			return nil, err
		}
		if err := v.touchConversation(remote); err != nil {
			return nil, err
		}
		return remote.Clone(), nil
	case err != nil:
		v.mu.Unlock()
		return nil, fmt.Errorf("apply remote %q: %w", remote.ID, err)
	case record.Deleted:
		v.mu.Unlock()
		return nil, nil
	}

	local, err := v.openMessage(record)
	if err != nil {
		v.mu.Unlock()
		return nil, err
	}
	types := DetectConflicts(local, remote)
	if len(types) == 0 {
		v.mu.Unlock()
		return local, nil
	}

	if v.strategy == StrategyManual {
		conflict, err := v.deferConflict(local, remote, types)
		handler := v.onConflict
		v.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if handler != nil {
			handler(conflict)
		}
		return nil, fmt.Errorf("message %q: %w (conflict %s)", remote.ID, ErrSyncConflict, conflict.ID)
	}
	defer v.mu.Unlock()

	resolved, err := Resolve(v.strategy, local, remote)
	if err != nil {
		return nil, err
	}
	if err := v.writeMessage(resolved, v.syncOpFor(resolved, remote)); err != nil {
		return nil, err
	}

	v.log.WithFields(logrus.Fields{
		"message_id": remote.ID,
		"conflicts":  joinTypes(types),
		"strategy":   v.strategy,
	}).Warn("Resolved sync conflict")
	return resolved.Clone(), nil
}

// syncOpFor records an update only when the stored result carries state
// the remote side does not have yet.
func (v *Vault) syncOpFor(resolved, remote *models.Message) string {
	a, errA := json.Marshal(resolved)
	b, errB := json.Marshal(remote)
	if errA == nil && errB == nil && bytes.Equal(a, b) {
		return ""
	}
	return storage.SyncOpUpdate
}

func (v *Vault) deferConflict(local, remote *models.Message, types []ConflictType) (Conflict, error) {
	conflict := Conflict{
		ID:         uuid.NewString(),
		MessageID:  remote.ID,
		Types:      types,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: v.now(),
	}

	localPayload, err := v.sealDocument(local)
	if err != nil {
		return Conflict{}, err
	}
	remotePayload, err := v.sealDocument(remote)
	if err != nil {
		return Conflict{}, err
	}
	if err := v.store.SaveConflict(storage.ConflictRecord{
		ConflictID:    conflict.ID,
		MessageID:     conflict.MessageID,
		ConflictTypes: joinTypes(types),
		LocalPayload:  localPayload,
		RemotePayload: remotePayload,
		DetectedAt:    conflict.DetectedAt.UnixMilli(),
	}); err != nil {
		return Conflict{}, fmt.Errorf("save conflict for %q: %w", remote.ID, err)
	}

	v.log.WithFields(logrus.Fields{
		"message_id":  conflict.MessageID,
		"conflict_id": conflict.ID,
		"conflicts":   joinTypes(types),
	}).Warn("Deferred sync conflict for manual resolution")
	return conflict, nil
}

// PendingConflicts returns conflicts awaiting manual resolution.
func (v *Vault) PendingConflicts() ([]Conflict, error) {
	records, err := v.store.PendingConflicts()
	if err != nil {
		return nil, fmt.Errorf("pending conflicts: %w", err)
	}

	out := make([]Conflict, 0, len(records))
	for i := range records {
		conflict, err := v.openConflict(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, conflict)
	}
	return out, nil
}

// ResolveConflict settles a deferred conflict with choice and stores the result.
func (v *Vault) ResolveConflict(conflictID string, choice ConflictStrategy) (*models.Message, error) {
	if choice == StrategyManual || !choice.Valid() {
		return nil, fmt.Errorf("vault: cannot resolve conflict with strategy %q", choice)
	}

	record, err := v.store.GetConflict(conflictID)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("conflict %q: %w", conflictID, ErrNotFound)
		}
		return nil, fmt.Errorf("get conflict %q: %w", conflictID, err)
	}
	if record.ResolvedAt != nil {
		return nil, fmt.Errorf("conflict %q already resolved with %s", conflictID, record.Resolution)
	}
	conflict, err := v.openConflict(record)
	if err != nil {
		return nil, err
	}

	resolved, err := Resolve(choice, conflict.Local, conflict.Remote)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writeMessage(resolved, v.syncOpFor(resolved, conflict.Remote)); err != nil {
		return nil, err
	}
	if err := v.store.MarkConflictResolved(conflictID, string(choice), v.now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("resolve conflict %q: %w", conflictID, err)
	}
	return resolved.Clone(), nil
}

func (v *Vault) openConflict(record *storage.ConflictRecord) (Conflict, error) {
	var local, remote models.Message
	if err := v.openDocument(record.LocalPayload, &local); err != nil {
		return Conflict{}, fmt.Errorf("open conflict %q: %w", record.ConflictID, err)
	}
	if err := v.openDocument(record.RemotePayload, &remote); err != nil {
		return Conflict{}, fmt.Errorf("open conflict %q: %w", record.ConflictID, err)
	}

	var types []ConflictType
	for _, t := range strings.Split(record.ConflictTypes, ",") {
		if t != "" {
			types = append(types, ConflictType(t))
		}
	}
	return Conflict{
		ID:         record.ConflictID,
		MessageID:  record.MessageID,
		Types:      types,
		Local:      &local,
		Remote:     &remote,
		DetectedAt: time.UnixMilli(record.DetectedAt).UTC(),
	}, nil
}

func joinTypes(types []ConflictType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, ",")
}
