package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Notification Status Constants
// =============================================================================

// OutboxStatus represents the delivery status of a notification.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"   // Awaiting delivery
	OutboxStatusDelivered OutboxStatus = "delivered" // Handed to every sink
	OutboxStatusFailed    OutboxStatus = "failed"    // Gave up after max retries
)

var ErrNotificationNotFound = errors.New("notification not found")

// Notification is a queued message for one party.
type Notification struct {
	ID           int64        `json:"id"`
	MessageID    string       `json:"message_id"`
	OfferID      string       `json:"offer_id"`
	PartyID      string       `json:"party_id"`
	Kind         string       `json:"kind"`
	Payload      []byte       `json:"payload"`
	CreatedAt    int64        `json:"created_at"`
	RetryCount   int          `json:"retry_count"`
	LastAttempt  int64        `json:"last_attempt_at"`
	NextRetryAt  int64        `json:"next_retry_at"`
	DeliveredAt  *int64       `json:"delivered_at"`
	Status       OutboxStatus `json:"status"`
	ErrorMessage string       `json:"error_message"`
}

// =============================================================================
// Outbox Operations
// =============================================================================

// EnqueueNotification adds a notification to the outbox, due immediately.
func (s *Storage) EnqueueNotification(n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO notification_outbox (
			message_id, offer_id, party_id, kind, payload,
			created_at, retry_count, next_retry_at, status
		) VALUES (?, ?, ?, ?, ?, ?, 0, ?, 'pending')
	`), n.MessageID, n.OfferID, n.PartyID, n.Kind, string(n.Payload), now, now)
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	return nil
}

// GetDueNotifications returns pending notifications due at or before now.
func (s *Storage) GetDueNotifications(now int64, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.rebind(`
		SELECT id, message_id, offer_id, party_id, kind, payload, created_at,
		       retry_count, last_attempt_at, next_retry_at, delivered_at, status, error_message
		FROM notification_outbox
		WHERE status = 'pending' AND next_retry_at <= ?
		ORDER BY next_retry_at ASC, id ASC
		LIMIT ?
	`), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due notifications: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

// GetNotification returns a notification by message id.
func (s *Storage) GetNotification(messageID string) (*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.rebind(`
		SELECT id, message_id, offer_id, party_id, kind, payload, created_at,
		       retry_count, last_attempt_at, next_retry_at, delivered_at, status, error_message
		FROM notification_outbox
		WHERE message_id = ?
	`), messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification: %w", err)
	}
	defer rows.Close()

	list, err := scanNotifications(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotificationNotFound
	}
	return list[0], nil
}

// ListNotificationsForOffer returns every notification queued for an offer.
func (s *Storage) ListNotificationsForOffer(offerID string) ([]*Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(s.rebind(`
		SELECT id, message_id, offer_id, party_id, kind, payload, created_at,
		       retry_count, last_attempt_at, next_retry_at, delivered_at, status, error_message
		FROM notification_outbox
		WHERE offer_id = ?
		ORDER BY id ASC
	`), offerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications for offer: %w", err)
	}
	defer rows.Close()

	return scanNotifications(rows)
}

// MarkNotificationDelivered marks a notification as delivered.
func (s *Storage) MarkNotificationDelivered(messageID string) error {
	now := time.Now().Unix()
	return s.execOutbox(`
		UPDATE notification_outbox
		SET status = 'delivered', delivered_at = ?, last_attempt_at = ?
		WHERE message_id = ?
	`, now, now, messageID)
}

// ScheduleNotificationRetry records a failed attempt and the next retry time.
func (s *Storage) ScheduleNotificationRetry(messageID string, nextRetryAt int64, errMsg string) error {
	return s.execOutbox(`
		UPDATE notification_outbox
		SET retry_count = retry_count + 1, last_attempt_at = ?, next_retry_at = ?, error_message = ?
		WHERE message_id = ?
	`, time.Now().Unix(), nextRetryAt, errMsg, messageID)
}

// MarkNotificationFailed marks a notification as permanently failed.
func (s *Storage) MarkNotificationFailed(messageID string, errMsg string) error {
	return s.execOutbox(`
		UPDATE notification_outbox
		SET status = 'failed', retry_count = retry_count + 1, last_attempt_at = ?, error_message = ?
		WHERE message_id = ?
	`, time.Now().Unix(), errMsg, messageID)
}

func (s *Storage) execOutbox(query string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update notification: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// CleanupNotifications removes delivered and failed notifications created
// before olderThan.
func (s *Storage) CleanupNotifications(olderThan int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(s.rebind(`
		DELETE FROM notification_outbox
		WHERE status IN ('delivered', 'failed') AND created_at < ?
	`), olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup notifications: %w", err)
	}

	return result.RowsAffected()
}

// GetOutboxStats returns notification counts by status.
func (s *Storage) GetOutboxStats() (map[OutboxStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM notification_outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[OutboxStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[OutboxStatus(status)] = count
	}

	return stats, rows.Err()
}

func scanNotifications(rows *sql.Rows) ([]*Notification, error) {
	var list []*Notification
	for rows.Next() {
		var (
			n           Notification
			payload     string
			lastAttempt sql.NullInt64
			deliveredAt sql.NullInt64
			errMsg      sql.NullString
			status      string
		)
		err := rows.Scan(
			&n.ID, &n.MessageID, &n.OfferID, &n.PartyID, &n.Kind, &payload, &n.CreatedAt,
			&n.RetryCount, &lastAttempt, &n.NextRetryAt, &deliveredAt, &status, &errMsg,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Payload = []byte(payload)
		n.Status = OutboxStatus(status)
		if lastAttempt.Valid {
			n.LastAttempt = lastAttempt.Int64
		}
		if deliveredAt.Valid {
			v := deliveredAt.Int64
			n.DeliveredAt = &v
		}
		if errMsg.Valid {
			n.ErrorMessage = errMsg.String
		}
		list = append(list, &n)
	}
	return list, rows.Err()
}
