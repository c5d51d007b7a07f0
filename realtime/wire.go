package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var payloadValidator = validator.New()

// flexString accepts a JSON string or number. Numeric ids are kept in their literal form.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*s = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*s = flexString(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(trimmed))
	}
	*s = flexString(number.String())
	return nil
}

// zone-less layouts are read as UTC
var localTimeLayouts = []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05"}

// flexTime accepts RFC3339, a zone-less local date-time, a date-time array
// [y,M,d,h,m,s,ns], or epoch milliseconds
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		if value == "" {
			t.Time = time.Time{}
			return nil
		}
		if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
			t.Time = parsed
			return nil
		}
		for _, layout := range localTimeLayouts {
			if parsed, err := time.Parse(layout, value); err == nil {
				t.Time = parsed
				return nil
			}
		}
		return fmt.Errorf("unsupported timestamp '%s'", value)
	case '[':
		var parts []int
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		if len(parts) < 3 {
			return fmt.Errorf("unsupported timestamp %s", string(trimmed))
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		t.Time = time.Date(
			parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC,
		)
		return nil
	default:
		var millis int64
		if err := json.Unmarshal(trimmed, &millis); err != nil {
			return fmt.Errorf("unsupported timestamp %s", string(trimmed))
		}
		t.Time = time.UnixMilli(millis).UTC()
		return nil
	}
}

type wireChatMessage struct {
	ID         flexString `json:"id" validate:"required"`
	AccountID  flexString `json:"accountId" validate:"required"`
	SenderID   flexString `json:"senderId" validate:"required"`
	SenderName string     `json:"senderName"`
	ReceiverID flexString `json:"receiverId" validate:"required"`
	Content    string     `json:"content"`
	IsRead     bool       `json:"isRead"`
	CreatedAt  flexTime   `json:"createdAt"`
}

type wireTypingIndicator struct {
	AccountID  flexString `json:"accountId" validate:"required"`
	SenderID   flexString `json:"senderId" validate:"required"`
	SenderName string     `json:"senderName"`
	IsTyping   bool       `json:"isTyping"`
}

type wireNotification struct {
	ID        flexString      `json:"id" validate:"required"`
	Type      string          `json:"type" validate:"required"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	CreatedAt flexTime        `json:"createdAt"`
	IsRead    bool            `json:"isRead"`
}

type wireAccountUpdate struct {
	EventType      string          `json:"eventType" validate:"required"`
	Account        json.RawMessage `json:"account"`
	AccountID      flexString      `json:"accountId"`
	Status         string          `json:"status"`
	PreviousStatus string          `json:"previousStatus"`
	Timestamp      flexTime        `json:"timestamp"`
}

type wireReference struct {
	ID flexString `json:"id"`
}

type wireAccountSnapshot struct {
	ID        flexString     `json:"id" validate:"required"`
	Title     string         `json:"title"`
	Price     flexString     `json:"price"`
	Status    string         `json:"status"`
	SellerID  flexString     `json:"sellerId"`
	Seller    *wireReference `json:"seller"`
	GameID    flexString     `json:"gameId"`
	Game      *wireReference `json:"game"`
	CreatedAt flexTime       `json:"createdAt"`
}

// outbound command bodies

type chatSendCommand struct {
	AccountID  string `json:"accountId"`
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
}

type typingCommand struct {
	AccountID  string `json:"accountId"`
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

type readReceiptCommand struct {
	AccountID  string `json:"accountId"`
	ReceiverID string `json:"receiverId"`
}
