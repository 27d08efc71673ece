package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/signalforge/internal/model"
)

// Sink delivers one notification envelope. A nil return is success; a
// Transient classified error is retried, anything else is permanent.
type Sink interface {
	Name() string
	Dispatch(ctx context.Context, env *Envelope) error
}

// LogSink writes notifications to the structured log. The default sink for
// paper sessions.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink() *LogSink {
	return &LogSink{log: log.With().Str("component", "dispatch").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Dispatch(_ context.Context, env *Envelope) error {
	s.log.Info().
		Str("symbol", env.Symbol).
		Str("band", string(env.Band)).
		Str("verdict", string(env.Verdict)).
		Float64("strength", env.Strength).
		Str("message", env.Message).
		Msg("Signal notification")
	return nil
}

// TelegramSink sends notifications to a chat via the Bot API
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &TelegramSink{bot: bot, chatID: chatID}, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Dispatch(_ context.Context, env *Envelope) error {
	msg := tgbotapi.NewMessage(s.chatID, env.Message)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := s.bot.Send(msg); err != nil {
		// the Bot API fails mostly on rate limits and connectivity
		return model.Transient(fmt.Errorf("telegram send: %w", err))
	}
	return nil
}

// NATSSink publishes notification envelopes as JSON onto a subject
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = "signalforge.notifications"
	}
	return &NATSSink{conn: conn, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Dispatch(_ context.Context, env *Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return model.Validationf("envelope marshal: %v", err)
	}
	if err := s.conn.Publish(s.subject, payload); err != nil {
		return model.Transient(fmt.Errorf("nats publish: %w", err))
	}
	return nil
}
