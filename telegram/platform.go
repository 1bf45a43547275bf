package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shaharia-lab/chatrelay"
)

// BotInfo returns the bot's own account.
func (b *Bot) BotInfo(_ context.Context) (chatrelay.BotInfo, error) {
	me, err := b.api.GetMe()
	if err != nil {
		return chatrelay.BotInfo{}, fmt.Errorf("get me: %w", err)
	}
	return chatrelay.BotInfo{ID: me.ID, Username: me.UserName, FirstName: me.FirstName}, nil
}

// ChatInfo returns chat metadata. A failed member count leaves MemberCount at zero.
func (b *Bot) ChatInfo(_ context.Context, id chatrelay.ConversationID) (chatrelay.ChatInfo, error) {
	chatID, err := chatIDOf(id)
	if err != nil {
		return chatrelay.ChatInfo{}, err
	}

	chat, err := b.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		return chatrelay.ChatInfo{}, fmt.Errorf("get chat %d: %w", chatID, err)
	}

	info := chatrelay.ChatInfo{
		ID:          strconv.FormatInt(chat.ID, 10),
		Type:        chat.Type,
		Title:       chat.Title,
		Username:    chat.UserName,
		FirstName:   chat.FirstName,
		Description: chat.Description,
	}

	count, err := b.api.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{ChatConfig: tgbotapi.ChatConfig{ChatID: chatID}})
	if err != nil {
		b.logger.WithErr(err).Debug("Member count unavailable")
	} else {
		info.MemberCount = count
	}
	return info, nil
}

// MemberInfo returns userID's membership status in the chat.
func (b *Bot) MemberInfo(_ context.Context, id chatrelay.ConversationID, userID string) (chatrelay.MemberInfo, error) {
	chatID, err := chatIDOf(id)
	if err != nil {
		return chatrelay.MemberInfo{}, err
	}
	uid, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return chatrelay.MemberInfo{}, fmt.Errorf("user %q is not a telegram user id: %w", userID, err)
	}

	member, err := b.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: uid},
	})
	if err != nil {
		return chatrelay.MemberInfo{}, fmt.Errorf("get chat member %d in %d: %w", uid, chatID, err)
	}

	info := chatrelay.MemberInfo{UserID: userID, Status: member.Status}
	if member.User != nil {
		info.Username = member.User.UserName
	}
	return info, nil
}
