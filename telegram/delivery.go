package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shaharia-lab/chatrelay"
)

// Deliver performs the API calls for instruction in chatID. Text chunks are sent
// in order and the first failure stops the rest.
func (b *Bot) Deliver(ctx context.Context, chatID int64, instruction chatrelay.DeliveryInstruction) error {
	switch v := instruction.(type) {
	case chatrelay.TextDelivery:
		for _, chunk := range v.Chunks {
			if err := b.send(ctx, chatrelay.DeliveryText, tgbotapi.NewMessage(chatID, chunk)); err != nil {
				return err
			}
		}
		return nil

	case chatrelay.DocumentDelivery:
		doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: v.Filename, Bytes: v.Data})
		doc.Caption = v.Caption
		return b.send(ctx, chatrelay.DeliveryDocument, doc)

	case chatrelay.PhotoDelivery:
		photo := tgbotapi.NewPhoto(chatID, tgbotapi.FileBytes{Name: v.Filename, Bytes: v.Data})
		photo.Caption = v.Caption
		return b.send(ctx, chatrelay.DeliveryPhoto, photo)

	case chatrelay.AudioDelivery:
		audio := tgbotapi.NewAudio(chatID, tgbotapi.FileBytes{Name: v.Filename, Bytes: v.Data})
		audio.Caption = v.Caption
		return b.send(ctx, chatrelay.DeliveryAudio, audio)

	case chatrelay.PollDelivery:
		return b.send(ctx, chatrelay.DeliveryPoll, tgbotapi.NewPoll(chatID, v.Question, v.Options...))

	default:
		return &chatrelay.DeliveryError{
			Action: "deliver",
			Err:    fmt.Errorf("unsupported instruction %T", instruction),
		}
	}
}

func (b *Bot) send(ctx context.Context, kind chatrelay.DeliveryKind, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return &chatrelay.DeliveryError{Action: "send " + string(kind), Err: fmt.Errorf("rate limit wait failed: %w", err)}
	}

	_, err := b.api.Send(c)
	b.metrics.ObserveDelivery(kind, err)
	if err != nil {
		return &chatrelay.DeliveryError{Action: "send " + string(kind), Err: err}
	}
	return nil
}

// NotifyActivity shows a chat action such as "typing" in the conversation.
func (b *Bot) NotifyActivity(ctx context.Context, id chatrelay.ConversationID, activity chatrelay.Activity) error {
	chatID, err := chatIDOf(id)
	if err != nil {
		return err
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err = b.api.Request(tgbotapi.NewChatAction(chatID, string(activity)))
	return err
}
