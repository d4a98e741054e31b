// Package notify delivers engine notifications through a persistent outbox.
// Every notification is stored before delivery is attempted, and a worker
// retries failed deliveries with exponential backoff.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// ErrNotAddressable is returned by a sink that has no route to a party.
// The worker treats it as handled.
var ErrNotAddressable = errors.New("party not addressable by sink")

// Message is a notification handed to sinks.
type Message struct {
	ID      string          `json:"id"`
	OfferID string          `json:"offer_id,omitempty"`
	Party   string          `json:"party"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Time    time.Time       `json:"time"`
}

// Sink delivers messages to one transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg *Message) error
}

// LogSink writes messages to the log. It never fails.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink creates a sink that logs through l.
func NewLogSink(l *logging.Logger) *LogSink {
	return &LogSink{log: l}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, msg *Message) error {
	s.log.Info("Notification", "party", msg.Party, "kind", msg.Kind, "offer", msg.OfferID, "payload", string(msg.Payload))
	return nil
}
