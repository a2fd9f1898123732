// Package models defines the domain types shared by the chat core, the
// persistence layer, and the HTTP surface.
package models

import (
	"strconv"
	"time"
)

// UserID identifies a registered user.
type UserID int64

// GroupID identifies a chat group.
type GroupID int64

// MessageID identifies a stored message.
type MessageID int64

// User is a registered account.
type User struct {
	ID           UserID    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the authenticated caller as seen by the chat core.
type Identity struct {
	ID       UserID
	Username string
}

// Group is a named chat room.
type Group struct {
	ID        GroupID   `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Membership records that a user joined a group.
type Membership struct {
	UserID   UserID    `json:"user_id"`
	GroupID  GroupID   `json:"group_id"`
	JoinedAt time.Time `json:"joined_at"`
}

// StoredMessage is the durable, server-timestamped record of one chat event.
// ID and CreatedAt are assigned by the store at append time.
type StoredMessage struct {
	ID        MessageID `json:"id"`
	GroupID   GroupID   `json:"group_id"`
	AuthorID  UserID    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// UserView is the public projection of a user returned by presence queries.
type UserView struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
}

// GroupView is the public projection of a group.
type GroupView struct {
	ID   GroupID `json:"id"`
	Name string  `json:"name"`
}

// MessageView is a stored message with its author resolved to a display name.
type MessageView struct {
	ID        MessageID `json:"id"`
	GroupID   GroupID   `json:"group_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PlaceholderName is the display name used when an author id cannot be resolved.
func PlaceholderName(id UserID) string {
	return "user#" + strconv.FormatInt(int64(id), 10)
}
