package chat

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/groupchat/internal/models"
)

const systemPrefix = "[system] "

// groupCreatedPrefix marks a global notification about a new group.
const groupCreatedPrefix = "new_group:"

// ChatEvent is the structured payload broadcast for a persisted message.
// CreatedAt always comes from the stored record.
type ChatEvent struct {
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SystemAnnouncement renders a plain-text system line, e.g. "[system] alice joined".
func SystemAnnouncement(text string) []byte {
	return []byte(systemPrefix + text)
}

// JoinedAnnouncement is broadcast when a user's connection joins a group.
func JoinedAnnouncement(username string) []byte {
	return SystemAnnouncement(username + " joined")
}

// LeftAnnouncement is broadcast after a user's connection leaves a group.
func LeftAnnouncement(username string) []byte {
	return SystemAnnouncement(username + " left")
}

// GroupCreatedNotice is pushed on the unscoped channel when a group is created.
func GroupCreatedNotice(name string) []byte {
	return []byte(groupCreatedPrefix + name)
}

// EncodeChatEvent builds the wire payload for msg authored by author.
func EncodeChatEvent(author string, msg models.StoredMessage) ([]byte, error) {
	return json.Marshal(ChatEvent{
		Author:    author,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
}
