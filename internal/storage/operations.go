package storage

import (
	"fmt"
	"time"
)

// Operation actions recorded in processed_operations.
const (
	ActionConfirm = "confirm"
	ActionRefund  = "refund"
)

// ClaimOperation records that a chain operation produced a side effect.
// It returns false if the operation was already claimed, which makes
// confirmations and refunds exactly-once across restarts and history
// replays.
func (s *Storage) ClaimOperation(chain, opID, offerID, action string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(s.rebind(`
		INSERT INTO processed_operations (chain, op_id, offer_id, action, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), chain, opID, offerID, action, time.Now().Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim operation: %w", err)
	}

	return true, nil
}

// IsOperationClaimed reports whether an operation was already processed.
func (s *Storage) IsOperationClaimed(chain, opID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(s.rebind(`
		SELECT COUNT(*) FROM processed_operations WHERE chain = ? AND op_id = ?
	`), chain, opID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query operation: %w", err)
	}
	return n > 0, nil
}
