package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shaharia-lab/chatrelay/observability"
)

const (
	// GatewayErrorText is sent when a gateway exchange fails.
	GatewayErrorText = "Error talking to the gateway."

	// DefaultMaxMessageLength fits Telegram's 4096 character limit with headroom.
	DefaultMaxMessageLength = 4000
	// DefaultMaxChunks is the chunk count above which a reply is sent as a file.
	DefaultMaxChunks = 12
	// DefaultMaxHistory is the number of non-system turns kept per conversation.
	DefaultMaxHistory = 20
	// DefaultModel is passed to the gateway when none is configured.
	DefaultModel = "auto"

	// MaxPhotoBytes is the largest image sent as a photo; larger ones go out as documents.
	MaxPhotoBytes = 10 << 20

	replyFilename       = "reply.md"
	maxCaptionLength    = 1024
	defaultPreviewLimit = 120
)

// RelayConfig holds the collaborators and limits of a Relay. History and
// Gateway are required; the rest is optional.
type RelayConfig struct {
	History *HistoryStore
	Gateway Gateway

	// Ledger counts usage per conversation. Defaults to an in-memory ledger.
	Ledger UsageLedger
	// Platform serves the metadata commands. Without it they answer with a notice.
	Platform Platform
	// Activity shows typing and upload indicators.
	Activity ActivityNotifier
	Metrics  *Metrics
	Logger   observability.Logger

	Model            string
	Media            MediaOptions
	MaxMessageLength int
	MaxChunks        int
	// LogPreviewLength bounds how much message text reaches the logs.
	LogPreviewLength int
}

// Relay turns inbound messages into delivery instructions. It is safe for
// concurrent use; messages of one conversation are serialized by the HistoryStore
// only around history access, never across gateway calls.
type Relay struct {
	history  *HistoryStore
	gateway  Gateway
	resolver *ResponseResolver
	ledger   UsageLedger
	platform Platform
	activity ActivityNotifier
	metrics  *Metrics
	logger   observability.Logger

	model            string
	media            MediaOptions
	maxMessageLength int
	maxChunks        int
	previewLength    int

	handlers map[string]commandHandler
	newID    func() string
}

// NewRelay creates a Relay.
//
// Example usage:
//
//	relay := NewRelay(RelayConfig{
//	    History: NewHistoryStore("You are terse.", 20),
//	    Gateway: gateway,
//	    Logger:  logger,
//	})
//	instruction := relay.Handle(ctx, InboundMessage{ConversationID: "42", Text: "hi"})
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Ledger == nil {
		cfg.Ledger = NewInMemoryUsageLedger()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNullLogger()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = DefaultMaxChunks
	}
	if cfg.LogPreviewLength < 0 {
		cfg.LogPreviewLength = defaultPreviewLimit
	}

	r := &Relay{
		history:          cfg.History,
		gateway:          cfg.Gateway,
		resolver:         NewResponseResolver(cfg.Gateway),
		ledger:           cfg.Ledger,
		platform:         cfg.Platform,
		activity:         cfg.Activity,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
		model:            cfg.Model,
		media:            cfg.Media,
		maxMessageLength: cfg.MaxMessageLength,
		maxChunks:        cfg.MaxChunks,
		previewLength:    cfg.LogPreviewLength,
		newID:            uuid.NewString,
	}
	r.handlers = r.commandHandlers()
	return r
}

// Handle decides the reply to msg. A nil result means nothing is sent. Errors
// never escape: gateway and media failures become notices.
func (r *Relay) Handle(ctx context.Context, msg InboundMessage) DeliveryInstruction {
	requestID := r.newID()
	ctx = WithRequestID(ctx, requestID)
	logger := r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		observability.ConversationLogField: string(msg.ConversationID),
		observability.RequestIDLogField:    requestID,
	})

	if cmd := ParseCommand(msg.Text); cmd != nil {
		r.metrics.ObserveMessage("command")
		logger.WithFields(map[string]interface{}{"command": cmd.Name}).Debug("Command received")
		return r.dispatch(ctx, commandRequest{msg: msg, args: cmd.Args, name: cmd.Name, logger: logger})
	}

	if strings.TrimSpace(msg.Text) == "" {
		r.metrics.ObserveMessage("ignored")
		return nil
	}

	r.metrics.ObserveMessage("turn")
	return r.converse(ctx, msg, logger)
}

func (r *Relay) converse(ctx context.Context, msg InboundMessage, logger observability.Logger) DeliveryInstruction {
	id := msg.ConversationID
	snapshot := r.history.Get(id)

	logger.WithFields(map[string]interface{}{
		"text":    observability.Preview(msg.Text, r.previewLength),
		"history": len(snapshot),
	}).Info("Conversational turn received")

	r.notify(ctx, logger, id, ActivityTyping)

	user := Turn{Role: UserRole, Content: msg.Text}
	resp, err := r.send(ctx, NewChatRequest(r.model, append(snapshot, user)))

	var reply string
	if err == nil {
		reply, err = r.resolver.ResolveChat(resp)
	}
	if err != nil {
		logger.WithErr(err).Error("Gateway chat request failed")
		r.record(ctx, logger, id, UsageFailure)
		return Notice(GatewayErrorText)
	}

	r.history.Append(id, user, Turn{Role: AssistantRole, Content: reply})
	r.record(ctx, logger, id, UsageExchange)

	logger.WithFields(map[string]interface{}{
		"reply": observability.Preview(reply, r.previewLength),
	}).Info("Gateway replied")

	return r.textReply(reply)
}

// textReply chunks reply for the platform, falling back to a file when it would
// take more than maxChunks messages.
func (r *Relay) textReply(reply string) DeliveryInstruction {
	chunks := SplitText(reply, r.maxMessageLength)
	if len(chunks) > r.maxChunks {
		return DocumentDelivery{
			Data:     []byte(reply),
			Filename: replyFilename,
			Caption:  fmt.Sprintf("The reply was too long for %d messages, so it is attached as a file.", r.maxChunks),
		}
	}
	return TextDelivery{Chunks: chunks}
}

// send calls the gateway and treats any non-2xx status as a failure.
func (r *Relay) send(ctx context.Context, req GatewayRequest) (*GatewayResponse, error) {
	resp, err := r.gateway.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &GatewayError{Op: string(req.Modality), Err: errors.New("no response")}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &GatewayError{
			Op:         string(req.Modality),
			StatusCode: resp.StatusCode,
			Err:        errors.New("unexpected status"),
		}
	}
	return resp, nil
}

func (r *Relay) notify(ctx context.Context, logger observability.Logger, id ConversationID, activity Activity) {
	if r.activity == nil {
		return
	}
	if err := r.activity.NotifyActivity(ctx, id, activity); err != nil {
		err = &DeliveryError{Action: "activity " + string(activity), Err: err}
		logger.WithErr(err).Warn("Activity indicator failed")
	}
}

func (r *Relay) record(ctx context.Context, logger observability.Logger, id ConversationID, event UsageEvent) {
	if err := r.ledger.Record(ctx, id, event); err != nil {
		logger.WithErr(err).Warn("Failed to record usage")
	}
}
