package chatrelay

import "context"

// Activity is a transient status shown to the user while a reply is prepared.
type Activity string

const (
	ActivityTyping      Activity = "typing"
	ActivityUploadPhoto Activity = "upload_photo"
	ActivityUploadVoice Activity = "upload_voice"
)

// ActivityNotifier shows activity indicators. Failures are never fatal to the reply.
type ActivityNotifier interface {
	NotifyActivity(ctx context.Context, id ConversationID, activity Activity) error
}

// Platform answers metadata queries about the bot, chats and their members.
type Platform interface {
	// BotInfo describes the bot account itself.
	BotInfo(ctx context.Context) (BotInfo, error)

	// ChatInfo describes the chat behind id.
	ChatInfo(ctx context.Context, id ConversationID) (ChatInfo, error)

	// MemberInfo describes the membership of userID in the chat behind id.
	MemberInfo(ctx context.Context, id ConversationID, userID string) (MemberInfo, error)
}

// BotInfo is the bot's own profile.
type BotInfo struct {
	ID        int64
	Username  string
	FirstName string
}

// ChatInfo is chat metadata. MemberCount is zero when unknown.
type ChatInfo struct {
	ID          string
	Type        string
	Title       string
	Username    string
	FirstName   string
	Description string
	MemberCount int
}

// DisplayName picks the most descriptive name available.
func (c ChatInfo) DisplayName() string {
	switch {
	case c.Title != "":
		return c.Title
	case c.Username != "":
		return "@" + c.Username
	case c.FirstName != "":
		return c.FirstName
	default:
		return "this chat"
	}
}

// MemberInfo is a user's membership in a chat.
type MemberInfo struct {
	UserID   string
	Username string
	Status   string
}
