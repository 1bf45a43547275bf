package chatrelay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shaharia-lab/chatrelay/observability"
)

const (
	welcomeText     = "Welcome! Send a message to chat with the gateway."
	resetText       = "Conversation reset."
	emptyHistory    = "History is empty."
	historyCaption  = "Conversation history."
	pollUsage       = "Usage: /poll Question | option 1 | option 2 (2 to 10 options)."
	minPollOptions  = 2
	maxPollOptions  = 10
	maxPollQuestion = 300
	maxPollOption   = 100
)

// CommandInfo describes a command advertised to users.
type CommandInfo struct {
	Name        string
	Description string
}

// BotCommands lists the advertised commands in help order.
var BotCommands = []CommandInfo{
	{Name: "start", Description: "Start the bot and show the welcome message"},
	{Name: "help", Description: "Show available commands"},
	{Name: "reset", Description: "Clear conversation history for this chat"},
	{Name: "history", Description: "Export conversation history as a file"},
	{Name: "image", Description: "Generate an image: /image a lighthouse at dusk"},
	{Name: "speak", Description: "Read text aloud: /speak hello there"},
	{Name: "music", Description: "Generate a music clip: /music calm piano"},
	{Name: "poll", Description: "Create a poll: /poll Question | option 1 | option 2"},
	{Name: "stats", Description: "Show usage counters for this chat"},
	{Name: "model", Description: "Show the gateway model"},
	{Name: "whoami", Description: "Show your chat membership status"},
	{Name: "chatinfo", Description: "Show chat metadata"},
	{Name: "botinfo", Description: "Show bot profile information"},
}

var commandAliases = map[string]string{
	"clear":  "reset",
	"export": "history",
	"img":    "image",
	"tts":    "speak",
	"song":   "music",
	"me":     "botinfo",
}

var noMediaText = map[Modality]string{
	ModalityImage:  "The gateway returned no usable image.",
	ModalitySpeech: "The gateway returned no usable audio.",
	ModalityMusic:  "The gateway returned no usable music.",
}

var mediaUsage = map[Modality]string{
	ModalityImage:  "Usage: /image <description of the picture>",
	ModalitySpeech: "Usage: /speak <text to read aloud>",
	ModalityMusic:  "Usage: /music <description of the music>",
}

var mediaActivity = map[Modality]Activity{
	ModalityImage:  ActivityUploadPhoto,
	ModalitySpeech: ActivityUploadVoice,
	ModalityMusic:  ActivityUploadVoice,
}

type commandRequest struct {
	name   string
	args   string
	msg    InboundMessage
	logger observability.Logger
}

type commandHandler func(ctx context.Context, req commandRequest) DeliveryInstruction

func (r *Relay) commandHandlers() map[string]commandHandler {
	return map[string]commandHandler{
		"start":    r.handleStart,
		"help":     r.handleHelp,
		"reset":    r.handleReset,
		"history":  r.handleHistory,
		"poll":     r.handlePoll,
		"image":    r.mediaHandler(ModalityImage),
		"speak":    r.mediaHandler(ModalitySpeech),
		"music":    r.mediaHandler(ModalityMusic),
		"stats":    r.handleStats,
		"model":    r.handleModel,
		"whoami":   r.handleWhoAmI,
		"chatinfo": r.handleChatInfo,
		"botinfo":  r.handleBotInfo,
	}
}

func (r *Relay) dispatch(ctx context.Context, req commandRequest) DeliveryInstruction {
	name := req.name
	if canonical, ok := commandAliases[name]; ok {
		name = canonical
	}

	handler, ok := r.handlers[name]
	if !ok {
		return Notice(fmt.Sprintf("Unknown command: /%s. Send /help for the list.", req.name))
	}
	return handler(ctx, req)
}

// HelpText renders the command list.
func HelpText() string {
	lines := make([]string, 0, len(BotCommands)+3)
	lines = append(lines, "Available commands:")
	for _, cmd := range BotCommands {
		lines = append(lines, fmt.Sprintf("/%s - %s", cmd.Name, cmd.Description))
	}
	lines = append(lines, "", "Send any other message to chat with the gateway.")
	return strings.Join(lines, "\n")
}

func (r *Relay) handleStart(_ context.Context, _ commandRequest) DeliveryInstruction {
	return Notice(welcomeText + "\n\n" + HelpText())
}

func (r *Relay) handleHelp(_ context.Context, _ commandRequest) DeliveryInstruction {
	return Notice(HelpText())
}

func (r *Relay) handleReset(_ context.Context, req commandRequest) DeliveryInstruction {
	r.history.Reset(req.msg.ConversationID)
	req.logger.Info("Conversation reset")
	return Notice(resetText)
}

func (r *Relay) handleHistory(_ context.Context, req commandRequest) DeliveryInstruction {
	snapshot := r.history.Export(req.msg.ConversationID)

	entries := make([]string, 0, len(snapshot))
	for _, turn := range snapshot {
		if turn.Content == "" {
			continue
		}
		entries = append(entries, fmt.Sprintf("[%s] %s", turn.Role, turn.Content))
	}
	if len(entries) == 0 {
		return Notice(emptyHistory)
	}

	return DocumentDelivery{
		Data:     []byte(strings.Join(entries, "\n\n") + "\n"),
		Filename: fmt.Sprintf("history-%s.md", req.msg.ConversationID),
		Caption:  historyCaption,
	}
}

// ParsePoll splits "Question | option 1 | option 2" into its parts. Empty
// segments are dropped.
func ParsePoll(args string) (question string, options []string, err error) {
	var segments []string
	for _, segment := range strings.Split(args, "|") {
		if segment = strings.TrimSpace(segment); segment != "" {
			segments = append(segments, segment)
		}
	}
	if len(segments) == 0 {
		return "", nil, errors.New("poll needs a question")
	}

	question, options = segments[0], segments[1:]
	switch {
	case len(options) < minPollOptions:
		return "", nil, fmt.Errorf("poll needs at least %d options", minPollOptions)
	case len(options) > maxPollOptions:
		return "", nil, fmt.Errorf("poll allows at most %d options", maxPollOptions)
	case utf8.RuneCountInString(question) > maxPollQuestion:
		return "", nil, fmt.Errorf("poll question exceeds %d characters", maxPollQuestion)
	}
	for _, option := range options {
		if utf8.RuneCountInString(option) > maxPollOption {
			return "", nil, fmt.Errorf("poll option exceeds %d characters", maxPollOption)
		}
	}
	return question, options, nil
}

func (r *Relay) handlePoll(_ context.Context, req commandRequest) DeliveryInstruction {
	question, options, err := ParsePoll(req.args)
	if err != nil {
		req.logger.WithErr(err).Debug("Rejected poll")
		return Notice(pollUsage)
	}
	return PollDelivery{Question: question, Options: options}
}

func (r *Relay) mediaHandler(modality Modality) commandHandler {
	return func(ctx context.Context, req commandRequest) DeliveryInstruction {
		return r.generateMedia(ctx, req, modality)
	}
}

func (r *Relay) generateMedia(ctx context.Context, req commandRequest, modality Modality) DeliveryInstruction {
	if req.args == "" {
		return Notice(mediaUsage[modality])
	}
	id := req.msg.ConversationID
	logger := req.logger.WithFields(map[string]interface{}{
		"modality": string(modality),
		"prompt":   observability.Preview(req.args, r.previewLength),
	})

	r.notify(ctx, logger, id, mediaActivity[modality])

	resp, err := r.send(ctx, NewMediaRequest(modality, req.args, r.media))
	if err != nil {
		logger.WithErr(err).Error("Gateway media request failed")
		r.record(ctx, logger, id, UsageFailure)
		return Notice(GatewayErrorText)
	}

	media, err := r.resolver.ResolveMedia(ctx, resp, modality)
	if err != nil {
		r.record(ctx, logger, id, UsageFailure)

		var mediaErr *MediaResolutionError
		if errors.As(err, &mediaErr) {
			logger.WithErr(err).Warn("Gateway returned no usable media")
			return Notice(noMediaText[modality])
		}
		logger.WithErr(err).Error("Fetching referenced media failed")
		return Notice(GatewayErrorText)
	}

	r.record(ctx, logger, id, UsageMedia)
	logger.WithFields(map[string]interface{}{
		"bytes":     len(media.Data),
		"extension": media.Extension,
	}).Info("Media resolved")

	suffix := r.newID()
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	filename := fmt.Sprintf("%s-%s%s", modality, suffix, media.Extension)
	caption := observability.Preview(req.args, maxCaptionLength-1)

	switch {
	case modality != ModalityImage:
		return AudioDelivery{Data: media.Data, Filename: filename, Caption: caption}
	case len(media.Data) > MaxPhotoBytes:
		return DocumentDelivery{Data: media.Data, Filename: filename, Caption: caption}
	default:
		return PhotoDelivery{Data: media.Data, Filename: filename, Caption: caption}
	}
}

func (r *Relay) handleStats(ctx context.Context, req commandRequest) DeliveryInstruction {
	stats, err := r.ledger.Stats(ctx, req.msg.ConversationID)
	if err != nil {
		req.logger.WithErr(err).Error("Failed to read usage")
		return Notice("Unable to fetch usage stats.")
	}

	lastActivity := "never"
	if !stats.LastActivity.IsZero() {
		lastActivity = stats.LastActivity.UTC().Format(time.RFC3339)
	}
	return Notice(fmt.Sprintf(
		"Usage for this chat:\nExchanges: %d\nMedia requests: %d\nFailures: %d\nLast activity: %s\nTurns in memory: %d",
		stats.Exchanges, stats.MediaRequests, stats.Failures, lastActivity,
		len(r.history.Export(req.msg.ConversationID)),
	))
}

func (r *Relay) handleModel(_ context.Context, _ commandRequest) DeliveryInstruction {
	return Notice("Gateway model: " + r.model)
}

func (r *Relay) handleWhoAmI(ctx context.Context, req commandRequest) DeliveryInstruction {
	if req.msg.SenderID == "" {
		return Notice("Unable to determine your user ID.")
	}
	if r.platform == nil {
		return Notice("Unable to fetch your membership status.")
	}

	member, err := r.platform.MemberInfo(ctx, req.msg.ConversationID, req.msg.SenderID)
	if err != nil {
		req.logger.WithErr(err).Warn("Member lookup failed")
		return Notice("Unable to fetch your membership status.")
	}

	text := fmt.Sprintf("You are %s in this chat.", member.Status)
	if member.Username != "" {
		text += fmt.Sprintf(" (@%s)", member.Username)
	}
	return Notice(text)
}

func (r *Relay) handleChatInfo(ctx context.Context, req commandRequest) DeliveryInstruction {
	if r.platform == nil {
		return Notice("Unable to fetch chat info.")
	}

	chat, err := r.platform.ChatInfo(ctx, req.msg.ConversationID)
	if err != nil {
		req.logger.WithErr(err).Warn("Chat lookup failed")
		return Notice("Unable to fetch chat info.")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Chat: %s\nType: %s\nID: %s", chat.DisplayName(), chat.Type, chat.ID)
	if chat.MemberCount > 0 {
		fmt.Fprintf(&sb, "\nMembers: %d", chat.MemberCount)
	}
	if chat.Description != "" {
		fmt.Fprintf(&sb, "\nDescription: %s", chat.Description)
	}
	return Notice(sb.String())
}

func (r *Relay) handleBotInfo(ctx context.Context, req commandRequest) DeliveryInstruction {
	if r.platform == nil {
		return Notice("Unable to fetch bot info.")
	}

	bot, err := r.platform.BotInfo(ctx)
	if err != nil {
		req.logger.WithErr(err).Warn("Bot lookup failed")
		return Notice("Unable to fetch bot info.")
	}

	text := "Bot: " + bot.FirstName
	if bot.Username != "" {
		text += fmt.Sprintf(" (@%s)", bot.Username)
	}
	return Notice(fmt.Sprintf("%s | ID: %d", text, bot.ID))
}
