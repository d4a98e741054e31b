package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/Klingon-tech/escrowd/internal/storage"
	"github.com/Klingon-tech/escrowd/pkg/goroutine"
)

// Start starts the delivery worker.
func (s *Service) Start() {
	goroutine.SafeGo(s.log, "notify-worker", s.run)
	s.log.Info("Notification worker started", "sinks", len(s.sinks), "poll_interval", s.config.PollInterval)
}

// Stop stops the worker and waits for the current batch to finish.
func (s *Service) Stop() {
	s.cancel()
	<-s.done
	s.log.Info("Notification worker stopped")
}

func (s *Service) run() {
	defer close(s.done)

	pollTicker := time.NewTicker(s.config.PollInterval)
	cleanupTicker := time.NewTicker(s.config.CleanupInterval)
	defer pollTicker.Stop()
	defer cleanupTicker.Stop()

	s.cleanup()
	s.processDue(s.ctx)

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.wake:
			s.processDue(s.ctx)
		case <-pollTicker.C:
			s.processDue(s.ctx)
		case <-cleanupTicker.C:
			s.cleanup()
		}
	}
}

func (s *Service) cleanup() {
	olderThan := time.Now().Add(-s.config.RetentionPeriod).Unix()
	count, err := s.store.CleanupNotifications(olderThan)
	if err != nil {
		s.log.Warn("Failed to clean up notifications", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("Cleaned up notifications", "count", count)
	}
}

// processDue delivers every notification that is due. It returns the
// number delivered.
func (s *Service) processDue(ctx context.Context) int {
	due, err := s.store.GetDueNotifications(time.Now().Unix(), s.config.BatchSize)
	if err != nil {
		s.log.Warn("Failed to load due notifications", "error", err)
		return 0
	}

	delivered := 0
	for _, n := range due {
		if ctx.Err() != nil {
			break
		}
		if s.deliver(ctx, n) {
			delivered++
		}
	}
	return delivered
}

// deliver hands n to every sink. A failing sink schedules a retry of the
// whole notification, so sinks may see a message more than once.
func (s *Service) deliver(ctx context.Context, n *storage.Notification) bool {
	msg := &Message{
		ID:      n.MessageID,
		OfferID: n.OfferID,
		Party:   n.PartyID,
		Kind:    n.Kind,
		Payload: n.Payload,
		Time:    time.Unix(n.CreatedAt, 0).UTC(),
	}

	var failures []string
	for _, sink := range s.sinks {
		dctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
		err := sink.Deliver(dctx, msg)
		cancel()
		if err != nil && !errors.Is(err, ErrNotAddressable) {
			failures = append(failures, sink.Name()+": "+err.Error())
		}
	}

	if len(failures) == 0 {
		if err := s.store.MarkNotificationDelivered(n.MessageID); err != nil {
			s.log.Warn("Failed to mark notification delivered", "message_id", n.MessageID, "error", err)
		}
		return true
	}

	errMsg := strings.Join(failures, "; ")
	if n.RetryCount+1 >= s.config.MaxRetries {
		s.log.Warn("Giving up on notification", "message_id", n.MessageID, "party", n.PartyID, "kind", n.Kind, "error", errMsg)
		if err := s.store.MarkNotificationFailed(n.MessageID, errMsg); err != nil {
			s.log.Warn("Failed to mark notification failed", "message_id", n.MessageID, "error", err)
		}
		return false
	}

	next := time.Now().Add(s.backoff(n.RetryCount))
	s.log.Debug("Notification delivery failed, retry scheduled",
		"message_id", n.MessageID,
		"retry_count", n.RetryCount,
		"next_retry", next.Format(time.RFC3339),
		"error", errMsg)
	if err := s.store.ScheduleNotificationRetry(n.MessageID, next.Unix(), errMsg); err != nil {
		s.log.Warn("Failed to schedule notification retry", "message_id", n.MessageID, "error", err)
	}
	return false
}

// backoff returns the delay before retry number retryCount+1:
// 10s, 20s, 40s, ... capped at MaxRetryInterval.
func (s *Service) backoff(retryCount int) time.Duration {
	d := s.config.InitialRetryInterval
	for i := 0; i < retryCount; i++ {
		d = time.Duration(float64(d) * s.config.BackoffMultiplier)
		if d >= s.config.MaxRetryInterval {
			return s.config.MaxRetryInterval
		}
	}
	return d
}
