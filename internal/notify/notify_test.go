package notify

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"gopkg.in/tucnak/telebot.v2"

	"github.com/Klingon-tech/escrowd/internal/escrow"
	"github.com/Klingon-tech/escrowd/internal/storage"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "escrow-notify-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

type recordingSink struct {
	mu       sync.Mutex
	name     string
	err      error
	messages []*Message
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Deliver(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func queued(t *testing.T, store *storage.Storage, offerID string) []*storage.Notification {
	t.Helper()
	list, err := store.ListNotificationsForOffer(offerID)
	if err != nil {
		t.Fatalf("ListNotificationsForOffer() error = %v", err)
	}
	return list
}

func TestNotifyPersists(t *testing.T) {
	store := newTestStorage(t)
	svc := New(store, DefaultConfig())

	svc.Notify(context.Background(), "1001", escrow.EventOfferCreated, map[string]any{
		"offer_id": "offer-1",
		"sum_buy":  "5000",
	})

	list := queued(t, store, "offer-1")
	if len(list) != 1 {
		t.Fatalf("queued = %d, want 1", len(list))
	}
	n := list[0]
	if n.PartyID != "1001" || n.Kind != string(escrow.EventOfferCreated) || n.Status != storage.OutboxStatusPending {
		t.Errorf("notification = %+v", n)
	}
	var payload map[string]any
	if err := json.Unmarshal(n.Payload, &payload); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if payload["sum_buy"] != "5000" {
		t.Errorf("payload = %v", payload)
	}
}

func TestProcessDueDelivers(t *testing.T) {
	store := newTestStorage(t)
	sink := &recordingSink{name: "rec"}
	svc := New(store, DefaultConfig(), sink)

	svc.Notify(context.Background(), "1001", escrow.EventTransferConfirmed, map[string]any{"offer_id": "offer-1"})
	svc.Notify(context.Background(), "2002", escrow.EventTransferConfirmed, map[string]any{"offer_id": "offer-1"})

	if got := svc.processDue(context.Background()); got != 2 {
		t.Errorf("processDue() = %d, want 2", got)
	}
	if sink.count() != 2 {
		t.Errorf("sink messages = %d, want 2", sink.count())
	}
	for _, n := range queued(t, store, "offer-1") {
		if n.Status != storage.OutboxStatusDelivered {
			t.Errorf("status = %s, want delivered", n.Status)
		}
	}
	if got := svc.processDue(context.Background()); got != 0 {
		t.Errorf("second processDue() = %d, want 0", got)
	}
}

func TestProcessDueRetries(t *testing.T) {
	store := newTestStorage(t)
	sink := &recordingSink{name: "rec", err: errors.New("down")}
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	svc := New(store, cfg, sink)

	svc.Notify(context.Background(), "1001", escrow.EventRefundSent, map[string]any{"offer_id": "offer-1"})
	svc.processDue(context.Background())

	n := queued(t, store, "offer-1")[0]
	if n.Status != storage.OutboxStatusPending || n.RetryCount != 1 {
		t.Fatalf("after first failure: status %s, retries %d", n.Status, n.RetryCount)
	}
	if n.NextRetryAt <= time.Now().Unix() {
		t.Error("retry should be scheduled in the future")
	}
	if n.ErrorMessage != "rec: down" {
		t.Errorf("ErrorMessage = %q, want %q", n.ErrorMessage, "rec: down")
	}

	// Not due yet.
	if got := svc.processDue(context.Background()); got != 0 {
		t.Errorf("processDue() = %d, want 0", got)
	}

	// The last allowed attempt marks it failed.
	svc.deliver(context.Background(), n)
	n = queued(t, store, "offer-1")[0]
	if n.Status != storage.OutboxStatusFailed {
		t.Errorf("status = %s, want failed", n.Status)
	}
}

func TestNotAddressableCountsAsDelivered(t *testing.T) {
	store := newTestStorage(t)
	svc := New(store, DefaultConfig(), &recordingSink{name: "tg", err: ErrNotAddressable})

	svc.Notify(context.Background(), "alice", escrow.EventOfferUpdated, map[string]any{"offer_id": "offer-1"})
	if got := svc.processDue(context.Background()); got != 1 {
		t.Errorf("processDue() = %d, want 1", got)
	}
}

func TestWorkerDeliversOnNotify(t *testing.T) {
	store := newTestStorage(t)
	sink := &recordingSink{name: "rec"}
	cfg := DefaultConfig()
	cfg.PollInterval = time.Hour
	svc := New(store, cfg, sink)
	svc.Start()
	t.Cleanup(svc.Stop)

	svc.Notify(context.Background(), "1001", escrow.EventOfferExpired, map[string]any{"offer_id": "offer-1"})

	deadline := time.Now().Add(3 * time.Second)
	for sink.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("sink messages = %d, want 1", sink.count())
	}
}

func TestBackoff(t *testing.T) {
	svc := New(nil, DefaultConfig())

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 10 * time.Second},
		{1, 20 * time.Second},
		{3, 80 * time.Second},
		{6, 10 * time.Minute},
		{40, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := svc.backoff(tt.retries); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}

type fakeTelegram struct {
	to   []string
	text []string
}

func (f *fakeTelegram) Send(to telebot.Recipient, what interface{}, _ ...interface{}) (*telebot.Message, error) {
	f.to = append(f.to, to.Recipient())
	f.text = append(f.text, what.(string))
	return &telebot.Message{}, nil
}

func TestTelegramSink(t *testing.T) {
	bot := &fakeTelegram{}
	sink := &TelegramSink{bot: bot, operator: 42, operatorParty: escrow.OperatorIdentity}

	msg := &Message{Party: "1001", Kind: "transfer_confirmed", Payload: json.RawMessage(`{"offer_id":"o1","amount":"99.75"}`)}
	if err := sink.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := sink.Deliver(context.Background(), &Message{Party: escrow.OperatorIdentity, Kind: "manual_review"}); err != nil {
		t.Fatalf("Deliver(operator) error = %v", err)
	}
	if err := sink.Deliver(context.Background(), &Message{Party: "alice"}); !errors.Is(err, ErrNotAddressable) {
		t.Errorf("Deliver(alice) error = %v, want %v", err, ErrNotAddressable)
	}

	if len(bot.to) != 2 || bot.to[0] != "1001" || bot.to[1] != "42" {
		t.Errorf("recipients = %v, want [1001 42]", bot.to)
	}
	want := "transfer confirmed\namount: 99.75\noffer_id: o1"
	if bot.text[0] != want {
		t.Errorf("text = %q, want %q", bot.text[0], want)
	}
}

func TestRedisChannels(t *testing.T) {
	s := newRedisSink(nil, "")
	if got := s.PartyChannel("1001"); got != "escrowd:party:1001" {
		t.Errorf("PartyChannel() = %q", got)
	}
	if got := s.EventsChannel(); got != "escrowd:events" {
		t.Errorf("EventsChannel() = %q", got)
	}
}
