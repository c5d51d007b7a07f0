package realtime

import (
	"encoding/json"
	"time"
)

// ChatMessage one chat message of an account conversation
type ChatMessage struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"accountId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	IsRead     bool      `json:"isRead"`
	CreatedAt  time.Time `json:"createdAt"`
}

// TypingIndicator typing started / stopped signal of one sender
type TypingIndicator struct {
	AccountID  string `json:"accountId"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	IsTyping   bool   `json:"isTyping"`
}

// NotificationCategory category of a user notification. Unknown categories are passed
// through unchanged.
type NotificationCategory string

// Known notification categories
const (
	NotificationNewMessage      NotificationCategory = "NEW_MESSAGE"
	NotificationAccountApproved NotificationCategory = "ACCOUNT_APPROVED"
	NotificationAccountRejected NotificationCategory = "ACCOUNT_REJECTED"
	NotificationAccountSold     NotificationCategory = "ACCOUNT_SOLD"
	NotificationTransaction     NotificationCategory = "TRANSACTION"
	NotificationSystem          NotificationCategory = "SYSTEM"
)

// Known whether the category is one of the known categories
func (c NotificationCategory) Known() bool {
	switch c {
	case NotificationNewMessage, NotificationAccountApproved, NotificationAccountRejected,
		NotificationAccountSold, NotificationTransaction, NotificationSystem:
		return true
	default:
		return false
	}
}

// NotificationEvent one user notification
type NotificationEvent struct {
	ID        string               `json:"id"`
	Type      NotificationCategory `json:"type"`
	Title     string               `json:"title"`
	Message   string               `json:"message"`
	Data      json.RawMessage      `json:"data,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	IsRead    bool                 `json:"isRead"`
}

// AccountEventType discriminant of AccountUpdateEvent
type AccountEventType string

// Account update event types
const (
	AccountNewPosted     AccountEventType = "new_account_posted"
	AccountStatusChanged AccountEventType = "account_status_changed"
)

// AccountSnapshot marketplace listing carried by a new-account event. Nested seller
// and game objects are flattened to their ids.
type AccountSnapshot struct {
	ID        string          `json:"id"`
	Title     string          `json:"title,omitempty"`
	Price     string          `json:"price,omitempty"`
	Status    string          `json:"status,omitempty"`
	SellerID  string          `json:"sellerId,omitempty"`
	GameID    string          `json:"gameId,omitempty"`
	CreatedAt time.Time       `json:"createdAt,omitempty"`
	Raw       json.RawMessage `json:"raw,omitempty"`
}

// AccountUpdateEvent marketplace account broadcast event.
//
// For AccountNewPosted, Account is set. For AccountStatusChanged, OldStatus and NewStatus
// are set.
type AccountUpdateEvent struct {
	Type      AccountEventType `json:"type"`
	AccountID string           `json:"accountId"`
	Account   *AccountSnapshot `json:"accountData,omitempty"`
	OldStatus string           `json:"oldStatus,omitempty"`
	NewStatus string           `json:"newStatus,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ChatHandler callback for chat messages
type ChatHandler func(msg ChatMessage)

// NotificationHandler callback for notifications
type NotificationHandler func(event NotificationEvent)

// AccountUpdateHandler callback for account broadcast events
type AccountUpdateHandler func(event AccountUpdateEvent)

// TypingHandler callback for typing indicators
type TypingHandler func(indicator TypingIndicator)
