// Package telegram connects a chatrelay.Relay to the Telegram Bot API. It polls
// for updates, runs the relay on a bounded number of workers and performs the
// API calls described by each DeliveryInstruction.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shaharia-lab/chatrelay"
	"github.com/shaharia-lab/chatrelay/observability"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	// DefaultWorkers bounds how many updates are handled at once.
	DefaultWorkers = 8
	// DefaultSendRate is the outbound call rate per second, below Telegram's flood limit.
	DefaultSendRate = 25
	// DefaultPollTimeout is the long polling timeout in seconds.
	DefaultPollTimeout = 30
)

// Handler decides the reply to an inbound message. *chatrelay.Relay satisfies it.
type Handler interface {
	Handle(ctx context.Context, msg chatrelay.InboundMessage) chatrelay.DeliveryInstruction
}

// botAPI is the subset of *tgbotapi.BotAPI used by Bot.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetMe() (tgbotapi.User, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetChatMember(config tgbotapi.GetChatMemberConfig) (tgbotapi.ChatMember, error)
	GetChatMembersCount(config tgbotapi.ChatMemberCountConfig) (int, error)
}

// Config holds configuration for Bot.
type Config struct {
	Token string

	// APIEndpoint overrides tgbotapi.APIEndpoint, e.g. for a local Bot API server.
	APIEndpoint string
	Workers     int
	// SendRate is the maximum number of outbound calls per second.
	SendRate    float64
	PollTimeout int
}

// Bot is the Telegram side of the relay. It implements chatrelay.Platform and
// chatrelay.ActivityNotifier.
type Bot struct {
	api         botAPI
	logger      observability.Logger
	metrics     *chatrelay.Metrics
	limiter     *rate.Limiter
	workers     *semaphore.Weighted
	workerCount int64
	pollTimeout int
}

// New connects to the Bot API with cfg.Token.
func New(cfg Config, logger observability.Logger, metrics *chatrelay.Metrics) (*Bot, error) {
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	return newBot(api, cfg, logger, metrics), nil
}

func newBot(api botAPI, cfg Config, logger observability.Logger, metrics *chatrelay.Metrics) *Bot {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.SendRate <= 0 {
		cfg.SendRate = DefaultSendRate
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if logger == nil {
		logger = observability.NewNullLogger()
	}

	return &Bot{
		api:         api,
		logger:      logger,
		metrics:     metrics,
		limiter:     rate.NewLimiter(rate.Limit(cfg.SendRate), 1),
		workers:     semaphore.NewWeighted(int64(cfg.Workers)),
		workerCount: int64(cfg.Workers),
		pollTimeout: cfg.PollTimeout,
	}
}

// RegisterCommands publishes the relay's command table to Telegram.
func (b *Bot) RegisterCommands(ctx context.Context) error {
	commands := make([]tgbotapi.BotCommand, 0, len(chatrelay.BotCommands))
	for _, cmd := range chatrelay.BotCommands {
		commands = append(commands, tgbotapi.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return &chatrelay.DeliveryError{Action: "set commands", Err: err}
	}
	return nil
}

// Run polls for updates until ctx is cancelled, handing each text message to
// handler. On shutdown it stops polling and waits for in-flight messages; those
// keep running on a context that is not cancelled with ctx.
func (b *Bot) Run(ctx context.Context, handler Handler) error {
	if err := b.RegisterCommands(ctx); err != nil {
		b.logger.WithErr(err).Warn("Failed to register bot commands")
	}

	config := tgbotapi.NewUpdate(0)
	config.Timeout = b.pollTimeout
	updates := b.api.GetUpdatesChan(config)
	b.logger.Info("Telegram polling started")

	workCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.drain()
			b.logger.Info("Telegram polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				b.drain()
				return errors.New("telegram update channel closed")
			}

			msg, chatID, ok := inboundMessage(update)
			if !ok {
				continue
			}
			if err := b.workers.Acquire(ctx, 1); err != nil {
				continue
			}
			go func() {
				defer b.workers.Release(1)
				b.process(workCtx, handler, msg, chatID)
			}()
		}
	}
}

// drain blocks until every worker slot is free.
func (b *Bot) drain() {
	if err := b.workers.Acquire(context.Background(), b.workerCount); err == nil {
		b.workers.Release(b.workerCount)
	}
}

func (b *Bot) process(ctx context.Context, handler Handler, msg chatrelay.InboundMessage, chatID int64) {
	instruction := handler.Handle(ctx, msg)
	if instruction == nil {
		return
	}

	if err := b.Deliver(ctx, chatID, instruction); err != nil {
		b.logger.WithErr(err).WithFields(map[string]interface{}{
			observability.ConversationLogField: string(msg.ConversationID),
			"kind":                             string(instruction.Kind()),
		}).Error("Delivery failed")
	}
}

// inboundMessage extracts a text message from update. Edits, service messages
// and media without text are skipped.
func inboundMessage(update tgbotapi.Update) (chatrelay.InboundMessage, int64, bool) {
	m := update.Message
	if m == nil || m.Chat == nil || m.Text == "" {
		return chatrelay.InboundMessage{}, 0, false
	}

	msg := chatrelay.InboundMessage{
		ConversationID: conversationID(m.Chat.ID),
		Text:           m.Text,
		ReceivedAt:     m.Time(),
	}
	if m.From != nil {
		msg.SenderID = strconv.FormatInt(m.From.ID, 10)
		msg.SenderName = m.From.UserName
		if msg.SenderName == "" {
			msg.SenderName = m.From.FirstName
		}
	}
	return msg, m.Chat.ID, true
}

func conversationID(chatID int64) chatrelay.ConversationID {
	return chatrelay.ConversationID(strconv.FormatInt(chatID, 10))
}

func chatIDOf(id chatrelay.ConversationID) (int64, error) {
	chatID, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("conversation %q is not a telegram chat id: %w", id, err)
	}
	return chatID, nil
}
