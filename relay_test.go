package chatrelay

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	activities []Activity
	err        error
}

func (n *fakeNotifier) NotifyActivity(_ context.Context, _ ConversationID, activity Activity) error {
	n.activities = append(n.activities, activity)
	return n.err
}

type fakePlatform struct {
	bot    BotInfo
	chat   ChatInfo
	member MemberInfo
	err    error

	memberCalls []string
}

func (p *fakePlatform) BotInfo(context.Context) (BotInfo, error) { return p.bot, p.err }

func (p *fakePlatform) ChatInfo(context.Context, ConversationID) (ChatInfo, error) {
	return p.chat, p.err
}

func (p *fakePlatform) MemberInfo(_ context.Context, _ ConversationID, userID string) (MemberInfo, error) {
	p.memberCalls = append(p.memberCalls, userID)
	return p.member, p.err
}

type failingLedger struct{}

func (failingLedger) Record(context.Context, ConversationID, UsageEvent) error {
	return errors.New("ledger down")
}

func (failingLedger) Stats(context.Context, ConversationID) (UsageStats, error) {
	return UsageStats{}, errors.New("ledger down")
}

func (failingLedger) Close() error { return nil }

func chatResponse(content string) *GatewayResponse {
	body := fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%q}}]}`, content)
	return response("application/json", body)
}

type relayFixture struct {
	relay    *Relay
	history  *HistoryStore
	gateway  *fakeGateway
	notifier *fakeNotifier
	platform *fakePlatform
	metrics  *Metrics
}

func newRelayFixture(t *testing.T, systemPrompt string, maxTurns int, mutate func(*RelayConfig)) *relayFixture {
	t.Helper()
	f := &relayFixture{
		history:  NewHistoryStore(systemPrompt, maxTurns),
		gateway:  &fakeGateway{},
		notifier: &fakeNotifier{},
		platform: &fakePlatform{},
		metrics:  NewMetrics(prometheus.NewRegistry(), nil),
	}
	cfg := RelayConfig{
		History:          f.history,
		Gateway:          f.gateway,
		Platform:         f.platform,
		Activity:         f.notifier,
		Metrics:          f.metrics,
		LogPreviewLength: 40,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f.relay = NewRelay(cfg)
	f.relay.newID = func() string { return "abcdef12-3456-7890" }
	return f
}

func inbound(text string) InboundMessage {
	return InboundMessage{
		ConversationID: "chat-1",
		SenderID:       "1001",
		SenderName:     "alex",
		Text:           text,
		ReceivedAt:     time.Now(),
	}
}

func TestRelay_ConversationalTurn(t *testing.T) {
	f := newRelayFixture(t, "be brief", 10, nil)
	f.gateway.responses = []*GatewayResponse{chatResponse("Hi! How can I help?")}

	instruction := f.relay.Handle(context.Background(), inbound("hello"))

	assert.Equal(t, TextDelivery{Chunks: []string{"Hi! How can I help?"}}, instruction)
	assert.Equal(t, []Activity{ActivityTyping}, f.notifier.activities)

	require.Len(t, f.gateway.requests, 1)
	payload, ok := f.gateway.requests[0].Payload.(ChatPayload)
	require.True(t, ok)
	assert.Equal(t, DefaultModel, payload.Model)
	assert.Equal(t, []ChatMessage{{Role: "system", Content: "be brief"}, {Role: "user", Content: "hello"}}, payload.Messages)

	assert.Equal(t, []Turn{
		{Role: SystemRole, Content: "be brief"},
		userTurn("hello"),
		assistantTurn("Hi! How can I help?"),
	}, f.history.Export("chat-1"))

	stats, err := f.relay.ledger.Stats(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Exchanges)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.messagesTotal.WithLabelValues("turn")))
}

func TestRelay_SecondTurnSendsHistory(t *testing.T) {
	f := newRelayFixture(t, "", 10, nil)
	f.gateway.responses = []*GatewayResponse{chatResponse("A1"), chatResponse("A2")}

	f.relay.Handle(context.Background(), inbound("U1"))
	f.relay.Handle(context.Background(), inbound("U2"))

	require.Len(t, f.gateway.requests, 2)
	payload := f.gateway.requests[1].Payload.(ChatPayload)
	assert.Equal(t, []ChatMessage{
		{Role: "user", Content: "U1"},
		{Role: "assistant", Content: "A1"},
		{Role: "user", Content: "U2"},
	}, payload.Messages)
}

func TestRelay_FailedTurnLeavesHistoryUnchanged(t *testing.T) {
	failures := map[string]func(g *fakeGateway){
		"transport error": func(g *fakeGateway) {
			g.errs = []error{nil, &GatewayError{Op: "chat", Err: errors.New("connection refused")}}
		},
		"non-2xx status": func(g *fakeGateway) {
			g.responses = append(g.responses, &GatewayResponse{StatusCode: http.StatusServiceUnavailable, Header: http.Header{}, Body: []byte("busy")})
		},
		"malformed body": func(g *fakeGateway) {
			g.responses = append(g.responses, response("application/json", `{"choices":[`))
		},
	}

	for name, fail := range failures {
		t.Run(name, func(t *testing.T) {
			f := newRelayFixture(t, "sys", 10, nil)
			f.gateway.responses = []*GatewayResponse{chatResponse("A1")}
			fail(f.gateway)

			f.relay.Handle(context.Background(), inbound("U1"))
			before := f.history.Export("chat-1")

			instruction := f.relay.Handle(context.Background(), inbound("U2"))

			assert.Equal(t, Notice(GatewayErrorText), instruction)
			assert.Equal(t, before, f.history.Export("chat-1"))

			stats, err := f.relay.ledger.Stats(context.Background(), "chat-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Exchanges)
			assert.Equal(t, int64(1), stats.Failures)
		})
	}
}

func TestRelay_MaxTwoTurnsKeepsLastExchange(t *testing.T) {
	f := newRelayFixture(t, "", 2, nil)
	f.gateway.responses = []*GatewayResponse{chatResponse("A1"), chatResponse("A2"), chatResponse("A3")}

	for i := 1; i <= 3; i++ {
		f.relay.Handle(context.Background(), inbound(fmt.Sprintf("U%d", i)))
	}

	assert.Equal(t, []Turn{userTurn("U3"), assistantTurn("A3")}, f.history.Export("chat-1"))
}

func TestRelay_EmptyTextIgnored(t *testing.T) {
	f := newRelayFixture(t, "sys", 10, nil)

	for _, text := range []string{"", "   ", "\n\t"} {
		assert.Nil(t, f.relay.Handle(context.Background(), inbound(text)))
	}

	assert.Empty(t, f.gateway.requests)
	assert.Empty(t, f.notifier.activities)
	assert.Equal(t, 0, f.history.Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.messagesTotal.WithLabelValues("ignored")))
}

func TestRelay_NoContentSentinel(t *testing.T) {
	f := newRelayFixture(t, "", 10, nil)
	f.gateway.responses = []*GatewayResponse{chatResponse("")}

	instruction := f.relay.Handle(context.Background(), inbound("hello"))

	assert.Equal(t, Notice(NoContentText), instruction)
	assert.Equal(t, []Turn{userTurn("hello"), assistantTurn(NoContentText)}, f.history.Export("chat-1"))
}

func TestRelay_ChunkCeiling(t *testing.T) {
	reply := "aaaa\n\nbbbb\n\ncccc\n\ndddd\n\neeee"

	t.Run("within ceiling", func(t *testing.T) {
		f := newRelayFixture(t, "", 10, func(cfg *RelayConfig) {
			cfg.MaxMessageLength = 10
			cfg.MaxChunks = 3
		})
		f.gateway.responses = []*GatewayResponse{chatResponse(reply)}

		instruction := f.relay.Handle(context.Background(), inbound("long please"))
		assert.Equal(t, TextDelivery{Chunks: []string{"aaaa\n\nbbbb", "cccc\n\ndddd", "eeee"}}, instruction)
	})

	t.Run("over ceiling becomes a document", func(t *testing.T) {
		f := newRelayFixture(t, "", 10, func(cfg *RelayConfig) {
			cfg.MaxMessageLength = 10
			cfg.MaxChunks = 2
		})
		f.gateway.responses = []*GatewayResponse{chatResponse(reply)}

		instruction := f.relay.Handle(context.Background(), inbound("long please"))
		document, ok := instruction.(DocumentDelivery)
		require.True(t, ok, "got %T", instruction)
		assert.Equal(t, "reply.md", document.Filename)
		assert.Equal(t, reply, string(document.Data))
	})
}

func TestRelay_ActivityFailureIsSwallowed(t *testing.T) {
	f := newRelayFixture(t, "", 10, nil)
	f.notifier.err = errors.New("forbidden")
	f.gateway.responses = []*GatewayResponse{chatResponse("still here")}

	instruction := f.relay.Handle(context.Background(), inbound("hello"))
	assert.Equal(t, Notice("still here"), instruction)
}

func TestRelay_LedgerFailureIsSwallowed(t *testing.T) {
	f := newRelayFixture(t, "", 10, func(cfg *RelayConfig) { cfg.Ledger = failingLedger{} })
	f.gateway.responses = []*GatewayResponse{chatResponse("fine")}

	assert.Equal(t, Notice("fine"), f.relay.Handle(context.Background(), inbound("hello")))
	assert.Equal(t, Notice("Unable to fetch usage stats."), f.relay.Handle(context.Background(), inbound("/stats")))
}

func TestRelay_TextCommands(t *testing.T) {
	f := newRelayFixture(t, "", 10, nil)

	tests := []struct {
		text     string
		expected DeliveryInstruction
	}{
		{text: "/help", expected: Notice(HelpText())},
		{text: "/start", expected: Notice(welcomeText + "\n\n" + HelpText())},
		{text: "/model", expected: Notice("Gateway model: auto")},
		{text: "/frobnicate now", expected: Notice("Unknown command: /frobnicate. Send /help for the list.")},
		{text: "/", expected: Notice("Unknown command: /. Send /help for the list.")},
		{text: "/poll Only one option", expected: Notice(pollUsage)},
		{text: "/poll Q | a", expected: Notice(pollUsage)},
		{text: "/poll", expected: Notice(pollUsage)},
		{text: "/poll Lunch? | Pizza | Sushi", expected: PollDelivery{Question: "Lunch?", Options: []string{"Pizza", "Sushi"}}},
		{text: "/poll Q | a || b |", expected: PollDelivery{Question: "Q", Options: []string{"a", "b"}}},
		{text: "/image", expected: Notice(mediaUsage[ModalityImage])},
		{text: "/tts", expected: Notice(mediaUsage[ModalitySpeech])},
		{text: "/song   ", expected: Notice(mediaUsage[ModalityMusic])},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.expected, f.relay.Handle(context.Background(), inbound(tt.text)))
		})
	}

	assert.Empty(t, f.gateway.requests, "commands must not reach the chat endpoint")
	assert.Equal(t, 0, f.history.Len())
}

func TestRelay_HelpListsEveryCommand(t *testing.T) {
	help := HelpText()
	for _, cmd := range BotCommands {
		assert.Contains(t, help, "/"+cmd.Name+" - ")
	}
}

func TestRelay_PollOptionLimit(t *testing.T) {
	options := make([]string, 11)
	for i := range options {
		options[i] = fmt.Sprintf("o%d", i)
	}
	_, _, err := ParsePoll("Q | " + strings.Join(options, " | "))
	assert.Error(t, err)

	question, parsed, err := ParsePoll("Q | " + strings.Join(options[:10], " | "))
	require.NoError(t, err)
	assert.Equal(t, "Q", question)
	assert.Len(t, parsed, 10)

	_, _, err = ParsePoll("Q | " + strings.Repeat("x", 101) + " | b")
	assert.Error(t, err)
}

func TestRelay_ResetAndHistory(t *testing.T) {
	f := newRelayFixture(t, "sys", 10, nil)
	f.gateway.responses = []*GatewayResponse{chatResponse("A1")}

	assert.Equal(t, Notice(emptyHistory), f.relay.Handle(context.Background(), inbound("/history")))

	f.relay.Handle(context.Background(), inbound("U1"))

	instruction := f.relay.Handle(context.Background(), inbound("/export"))
	document, ok := instruction.(DocumentDelivery)
	require.True(t, ok, "got %T", instruction)
	assert.Equal(t, "history-chat-1.md", document.Filename)
	assert.Equal(t, "[system] sys\n\n[user] U1\n\n[assistant] A1\n", string(document.Data))
	assert.Equal(t, historyCaption, document.Caption)

	assert.Equal(t, Notice(resetText), f.relay.Handle(context.Background(), inbound("/reset")))
	assert.Empty(t, f.history.Export("chat-1"))

	f.relay.Handle(context.Background(), inbound("/clear"))
	assert.Equal(t, 0, f.history.Len())
}

func TestRelay_ImageInline(t *testing.T) {
	f := newRelayFixture(t, "", 10, func(cfg *RelayConfig) { cfg.Media = MediaOptions{Model: "sdxl-turbo"} })
	body := `{"data":[{"b64_json":"` + base64.StdEncoding.EncodeToString(pngBytes) + `"}]}`
	f.gateway.responses = []*GatewayResponse{response("application/json", body)}

	instruction := f.relay.Handle(context.Background(), inbound("/Image@RelayBot a red fox"))

	assert.Equal(t, PhotoDelivery{Data: pngBytes, Filename: "image-abcdef12.png", Caption: "a red fox"}, instruction)
	assert.Equal(t, []Activity{ActivityUploadPhoto}, f.notifier.activities)
	require.Len(t, f.gateway.requests, 1)
	assert.Equal(t, ImagePayload{Model: "sdxl-turbo", Prompt: "a red fox"}, f.gateway.requests[0].Payload)
	assert.Equal(t, 0, f.history.Len(), "media commands do not touch history")

	stats, err := f.relay.ledger.Stats(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.MediaRequests)
}

func TestRelay_LargeImageBecomesDocument(t *testing.T) {
	f := newRelayFixture(t, "", 10, nil)
	large := append(append([]byte{}, pngBytes...), bytes.Repeat([]byte{0}, MaxPhotoBytes)...)
	f.gateway.responses = []*GatewayResponse{{StatusCode: http.StatusOK, Header: http.Header{"Content-Type": {"image/png"}}, Body: large}}

	instruction := f.relay.Handle(context.Background(), inbound("/img huge"))

	document, ok := instruction.(DocumentDelivery)
	require.True(t, ok, "got %T", instruction)
	assert.Equal(t, "image-abcdef12.png", document.Filename)
	assert.Len(t, document.Data, len(large))
}

func TestRelay_SpeechBinary(t *testing.T) {
	f := newRelayFixture(t, "", 10, func(cfg *RelayConfig) { cfg.Media = MediaOptions{Voice: "alba"} })
	f.gateway.responses = []*GatewayResponse{response("audio/mpeg", "ID3-mp3-bytes")}

	instruction := f.relay.Handle(context.Background(), inbound("/tts good morning"))

	assert.Equal(t, AudioDelivery{Data: []byte("ID3-mp3-bytes"), Filename: "speech-abcdef12.mp3", Caption: "good morning"}, instruction)
	assert.Equal(t, []Activity{ActivityUploadVoice}, f.notifier.activities)
	assert.Equal(t, SpeechPayload{Input: "good morning", Text: "good morning", Voice: "alba"}, f.gateway.requests[0].Payload)
}

func TestRelay_MusicURL(t *testing.T) {
	f := newRelayFixture(t, "", 10, func(cfg *RelayConfig) { cfg.Media = MediaOptions{MusicDuration: 30} })
	f.gateway.responses = []*GatewayResponse{response("application/json", `{"audio_url":"/audio/abc.wav"}`)}
	f.gateway.fetchResp = response("audio/wav", string(wavBytes))

	instruction := f.relay.Handle(context.Background(), inbound("/music calm piano"))

	assert.Equal(t, AudioDelivery{Data: wavBytes, Filename: "music-abcdef12.wav", Caption: "calm piano"}, instruction)
	assert.Equal(t, []string{"/audio/abc.wav"}, f.gateway.fetches)
	assert.Equal(t, MusicPayload{Prompt: "calm piano", Duration: 30}, f.gateway.requests[0].Payload)
}

func TestRelay_MediaFailures(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		setup    func(g *fakeGateway)
		expected DeliveryInstruction
	}{
		{
			name:     "no usable image",
			text:     "/image cat",
			setup:    func(g *fakeGateway) { g.responses = []*GatewayResponse{response("application/json", `{"status":"queued"}`)} },
			expected: Notice(noMediaText[ModalityImage]),
		},
		{
			name:     "empty audio",
			text:     "/speak hi",
			setup:    func(g *fakeGateway) { g.responses = []*GatewayResponse{response("audio/wav", "")} },
			expected: Notice(noMediaText[ModalitySpeech]),
		},
		{
			name:     "gateway error",
			text:     "/music drums",
			setup:    func(g *fakeGateway) { g.errs = []error{&GatewayError{Op: "music", Err: context.DeadlineExceeded}} },
			expected: Notice(GatewayErrorText),
		},
		{
			name: "secondary fetch fails",
			text: "/music drums",
			setup: func(g *fakeGateway) {
				g.responses = []*GatewayResponse{response("application/json", `{"audio_url":"/audio/x.wav"}`)}
				g.fetchErr = &GatewayError{Op: "fetch", StatusCode: http.StatusNotFound, Err: errors.New("missing")}
			},
			expected: Notice(GatewayErrorText),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t, "", 10, nil)
			tt.setup(f.gateway)

			assert.Equal(t, tt.expected, f.relay.Handle(context.Background(), inbound(tt.text)))

			stats, err := f.relay.ledger.Stats(context.Background(), "chat-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.Failures)
			assert.Zero(t, stats.MediaRequests)
		})
	}
}

func TestRelay_Stats(t *testing.T) {
	f := newRelayFixture(t, "", 10, nil)
	f.gateway.responses = []*GatewayResponse{chatResponse("A1")}
	f.relay.Handle(context.Background(), inbound("U1"))

	instruction := f.relay.Handle(context.Background(), inbound("/stats"))
	text, ok := instruction.(TextDelivery)
	require.True(t, ok)
	require.Len(t, text.Chunks, 1)
	assert.Contains(t, text.Chunks[0], "Exchanges: 1")
	assert.Contains(t, text.Chunks[0], "Failures: 0")
	assert.Contains(t, text.Chunks[0], "Turns in memory: 2")
	assert.NotContains(t, text.Chunks[0], "never")
}

func TestRelay_PlatformCommands(t *testing.T) {
	f := newRelayFixture(t, "", 10, nil)
	f.platform.bot = BotInfo{ID: 42, Username: "relay_bot", FirstName: "Relay"}
	f.platform.chat = ChatInfo{ID: "chat-1", Type: "group", Title: "Team", Description: "Daily chatter", MemberCount: 7}
	f.platform.member = MemberInfo{UserID: "1001", Username: "alex", Status: "administrator"}

	assert.Equal(t, Notice("Bot: Relay (@relay_bot) | ID: 42"), f.relay.Handle(context.Background(), inbound("/botinfo")))
	assert.Equal(t, Notice("Bot: Relay (@relay_bot) | ID: 42"), f.relay.Handle(context.Background(), inbound("/me")))
	assert.Equal(t, Notice("Chat: Team\nType: group\nID: chat-1\nMembers: 7\nDescription: Daily chatter"), f.relay.Handle(context.Background(), inbound("/chatinfo")))
	assert.Equal(t, Notice("You are administrator in this chat. (@alex)"), f.relay.Handle(context.Background(), inbound("/whoami")))
	assert.Equal(t, []string{"1001"}, f.platform.memberCalls)

	anonymous := inbound("/whoami")
	anonymous.SenderID = ""
	assert.Equal(t, Notice("Unable to determine your user ID."), f.relay.Handle(context.Background(), anonymous))
}

func TestRelay_PlatformFailures(t *testing.T) {
	f := newRelayFixture(t, "", 10, nil)
	f.platform.err = errors.New("chat not found")

	assert.Equal(t, Notice("Unable to fetch bot info."), f.relay.Handle(context.Background(), inbound("/botinfo")))
	assert.Equal(t, Notice("Unable to fetch chat info."), f.relay.Handle(context.Background(), inbound("/chatinfo")))
	assert.Equal(t, Notice("Unable to fetch your membership status."), f.relay.Handle(context.Background(), inbound("/whoami")))

	withoutPlatform := newRelayFixture(t, "", 10, func(cfg *RelayConfig) { cfg.Platform = nil })
	assert.Equal(t, Notice("Unable to fetch bot info."), withoutPlatform.relay.Handle(context.Background(), inbound("/botinfo")))
}

func TestRelay_ForwardsRequestID(t *testing.T) {
	var seen string
	gateway := &requestIDGateway{fakeGateway: fakeGateway{responses: []*GatewayResponse{chatResponse("ok")}}, seen: &seen}
	relay := NewRelay(RelayConfig{History: NewHistoryStore("", 4), Gateway: gateway})
	relay.newID = func() string { return "req-1" }

	relay.Handle(context.Background(), inbound("hello"))
	assert.Equal(t, "req-1", seen)
}

type requestIDGateway struct {
	fakeGateway
	seen *string
}

func (g *requestIDGateway) Send(ctx context.Context, req GatewayRequest) (*GatewayResponse, error) {
	*g.seen = RequestIDFromContext(ctx)
	return g.fakeGateway.Send(ctx, req)
}
