package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/tucnak/telebot.v2"
)

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	// TokenEnv names the environment variable holding the bot token.
	TokenEnv string `yaml:"token_env"`
	// OperatorChat receives operator notifications.
	OperatorChat int64 `yaml:"operator_chat"`
}

type telegramSender interface {
	Send(to telebot.Recipient, what interface{}, options ...interface{}) (*telebot.Message, error)
}

// TelegramSink sends messages to parties whose identity is a Telegram
// user id.
type TelegramSink struct {
	bot           telegramSender
	operator      int64
	operatorParty string
}

// NewTelegramSink creates a send-only bot.
func NewTelegramSink(token string, cfg TelegramConfig, operatorParty string) (*TelegramSink, error) {
	bot, err := telebot.NewBot(telebot.Settings{
		Token:  token,
		Poller: &telebot.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &TelegramSink{bot: bot, operator: cfg.OperatorChat, operatorParty: operatorParty}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(_ context.Context, msg *Message) error {
	id, ok := s.chatID(msg.Party)
	if !ok {
		return ErrNotAddressable
	}
	if _, err := s.bot.Send(&telebot.User{ID: int64(id)}, FormatText(msg)); err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	return nil
}

func (s *TelegramSink) chatID(party string) (int, bool) {
	if party == s.operatorParty {
		if s.operator == 0 {
			return 0, false
		}
		return int(s.operator), true
	}
	id, err := strconv.Atoi(party)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// FormatText renders a message as plain text: the event kind on the first
// line, then the payload fields sorted by key.
func FormatText(msg *Message) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(msg.Kind, "_", " "))

	var fields map[string]any
	if err := json.Unmarshal(msg.Payload, &fields); err != nil || len(fields) == 0 {
		return b.String()
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, fields[k])
	}
	return b.String()
}
