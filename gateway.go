package chatrelay

import (
	"context"
	"mime"
	"net/http"
	"strings"
)

// Gateway sends requests to the inference gateway and returns its raw responses.
// Implementations must apply a finite timeout and must not retry.
type Gateway interface {
	// Send issues the request for the given modality.
	Send(ctx context.Context, req GatewayRequest) (*GatewayResponse, error)

	Fetcher
}

// Fetcher downloads a secondary resource referenced by a gateway response.
type Fetcher interface {
	// Fetch issues a GET for rawURL. Relative URLs resolve against the gateway base.
	Fetch(ctx context.Context, rawURL string) (*GatewayResponse, error)
}

// GatewayRequest is one call to the gateway. Payload is encoded as JSON.
type GatewayRequest struct {
	Modality Modality
	Payload  interface{}
}

// GatewayResponse is a fully read gateway response.
type GatewayResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// MediaType returns the lowercased media type of the Content-Type header without
// parameters, or "" when absent.
func (r *GatewayResponse) MediaType() string {
	if r == nil || r.Header == nil {
		return ""
	}
	return parseMediaType(r.Header.Get("Content-Type"))
}

func parseMediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	return strings.ToLower(mediaType)
}

// ChatMessage is the wire form of a Turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is the body of a chat completion request.
type ChatPayload struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// ImagePayload is the body of an image generation request.
type ImagePayload struct {
	Model  string `json:"model,omitempty"`
	Prompt string `json:"prompt"`
}

// SpeechPayload is the body of a speech synthesis request. Input and Text carry
// the same text; backends differ in which field they read.
type SpeechPayload struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
	Text  string `json:"text"`
	Voice string `json:"voice,omitempty"`
}

// MusicPayload is the body of a music generation request.
type MusicPayload struct {
	Prompt   string `json:"prompt"`
	Duration int    `json:"duration,omitempty"`
}

// NewChatRequest builds a non-streaming chat request from the conversation turns.
func NewChatRequest(model string, turns []Turn) GatewayRequest {
	messages := make([]ChatMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, ChatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return GatewayRequest{
		Modality: ModalityChat,
		Payload: ChatPayload{
			Model:    model,
			Messages: messages,
			Stream:   false,
		},
	}
}

// MediaOptions tunes media generation requests.
type MediaOptions struct {
	Model         string
	Voice         string
	MusicDuration int
}

// NewMediaRequest builds an image, speech or music request for prompt.
func NewMediaRequest(modality Modality, prompt string, opts MediaOptions) GatewayRequest {
	var payload interface{}
	switch modality {
	case ModalitySpeech:
		payload = SpeechPayload{Model: opts.Model, Input: prompt, Text: prompt, Voice: opts.Voice}
	case ModalityMusic:
		payload = MusicPayload{Prompt: prompt, Duration: opts.MusicDuration}
	default:
		payload = ImagePayload{Model: opts.Model, Prompt: prompt}
	}
	return GatewayRequest{Modality: modality, Payload: payload}
}

type requestIDKey struct{}

// WithRequestID attaches a request identifier that gateways forward upstream.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the identifier set by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
