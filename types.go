// Package chatrelay relays chat-platform messages to an OpenAI-compatible inference
// gateway. It keeps a bounded per-conversation history, splits long replies to fit
// platform message limits, routes slash commands and resolves the gateway's text,
// JSON-wrapped and binary media responses into platform-agnostic delivery
// instructions.
package chatrelay

import (
	"time"
)

// ConversationID identifies one chat scope. It is the only key into the history
// store and the usage ledger.
type ConversationID string

// TurnRole is the author of a Turn.
type TurnRole string

const (
	SystemRole    TurnRole = "system"
	UserRole      TurnRole = "user"
	AssistantRole TurnRole = "assistant"
)

// Turn is one message of a conversation.
type Turn struct {
	Role    TurnRole `json:"role"`
	Content string   `json:"content"`
}

// Modality is the kind of response expected from the gateway.
type Modality string

const (
	ModalityChat   Modality = "chat"
	ModalityImage  Modality = "image"
	ModalitySpeech Modality = "speech"
	ModalityMusic  Modality = "music"
)

// InboundMessage is a text message received from the chat platform.
type InboundMessage struct {
	ConversationID ConversationID
	SenderID       string
	SenderName     string
	Text           string
	ReceivedAt     time.Time
}

// DeliveryKind names a DeliveryInstruction variant.
type DeliveryKind string

const (
	DeliveryText     DeliveryKind = "text"
	DeliveryDocument DeliveryKind = "document"
	DeliveryPhoto    DeliveryKind = "photo"
	DeliveryAudio    DeliveryKind = "audio"
	DeliveryPoll     DeliveryKind = "poll"
)

// DeliveryInstruction is the resolved shape of a reply. The chat platform adapter
// turns it into the actual API calls.
type DeliveryInstruction interface {
	Kind() DeliveryKind
}

// TextDelivery sends each chunk as its own message, in order.
type TextDelivery struct {
	Chunks []string
}

// DocumentDelivery sends Data as a file attachment.
type DocumentDelivery struct {
	Data     []byte
	Filename string
	Caption  string
}

// PhotoDelivery sends Data as an inline image.
type PhotoDelivery struct {
	Data     []byte
	Filename string
	Caption  string
}

// AudioDelivery sends Data as a playable audio file.
type AudioDelivery struct {
	Data     []byte
	Filename string
	Caption  string
}

// PollDelivery asks the platform to create a poll.
type PollDelivery struct {
	Question string
	Options  []string
}

func (TextDelivery) Kind() DeliveryKind     { return DeliveryText }
func (DocumentDelivery) Kind() DeliveryKind { return DeliveryDocument }
func (PhotoDelivery) Kind() DeliveryKind    { return DeliveryPhoto }
func (AudioDelivery) Kind() DeliveryKind    { return DeliveryAudio }
func (PollDelivery) Kind() DeliveryKind     { return DeliveryPoll }

// Notice builds a single-message text delivery.
func Notice(text string) DeliveryInstruction {
	return TextDelivery{Chunks: []string{text}}
}
