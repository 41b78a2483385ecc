package storage

import (
	"errors"
	"fmt"
)

// MarkSeen records an inbound message ID for replay protection. It reports
// true only for the first sighting; a replayed ID keeps its original
// received_at so that pruning is measured from first arrival.
func (s *Store) MarkSeen(messageID string, receivedAt int64) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	res, err := s.db.Exec(`INSERT OR IGNORE INTO seen_message_ids (message_id, received_at) VALUES (?, ?)`, messageID, receivedAt)
	if err != nil {
		return false, dbError(fmt.Sprintf("mark seen %q", messageID), err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, dbError(fmt.Sprintf("mark seen %q", messageID), err)
	}
	return inserted == 1, nil
}

// HasSeenID reports whether messageID is in the replay window.
func (s *Store) HasSeenID(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	var seen bool
	err := s.db.QueryRow(`SELECT EXISTS(SELECT 1 FROM seen_message_ids WHERE message_id = ?)`, messageID).Scan(&seen)
	if err != nil {
		return false, dbError(fmt.Sprintf("check seen %q", messageID), err)
	}
	return seen, nil
}

// PruneSeenIDs forgets IDs first received before cutoffTimestamp. A message
// older than the cutoff can be replayed afterwards, so callers keep the
// replay window at least as long as message retention.
func (s *Store) PruneSeenIDs(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, dbError("prune seen IDs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("prune seen IDs", err)
	}
	return n, nil
}
