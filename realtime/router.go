package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/alwitt/marketlink/core"
)

// DecodeError an inbound frame which could not be decoded. It never reaches the
// subscription callback.
type DecodeError struct {
	Kind        SubscriptionKind
	Key         SubscriptionKey
	Destination string
	MessageID   string
	Payload     []byte
	Err         error
}

// Error implements error
func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %s frame on %s: %s", e.Kind, e.Destination, e.Err.Error())
}

// Unwrap returns the underlying decode failure
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// routeFunc decode one frame and invoke the caller callback with the result
type routeFunc func(msg core.StompMessage) error

// DecodeChatMessage decode a chat topic payload
func DecodeChatMessage(payload []byte) (ChatMessage, error) {
	var wire wireChatMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return ChatMessage{}, err
	}
	if err := payloadValidator.Struct(&wire); err != nil {
		return ChatMessage{}, err
	}
	return ChatMessage{
		ID:         string(wire.ID),
		AccountID:  string(wire.AccountID),
		SenderID:   string(wire.SenderID),
		SenderName: wire.SenderName,
		ReceiverID: string(wire.ReceiverID),
		Content:    wire.Content,
		IsRead:     wire.IsRead,
		CreatedAt:  wire.CreatedAt.Time,
	}, nil
}

// DecodeTypingIndicator decode a typing topic payload
func DecodeTypingIndicator(payload []byte) (TypingIndicator, error) {
	var wire wireTypingIndicator
	if err := json.Unmarshal(payload, &wire); err != nil {
		return TypingIndicator{}, err
	}
	if err := payloadValidator.Struct(&wire); err != nil {
		return TypingIndicator{}, err
	}
	return TypingIndicator{
		AccountID:  string(wire.AccountID),
		SenderID:   string(wire.SenderID),
		SenderName: wire.SenderName,
		IsTyping:   wire.IsTyping,
	}, nil
}

// DecodeNotification decode a notification topic payload
func DecodeNotification(payload []byte) (NotificationEvent, error) {
	var wire wireNotification
	if err := json.Unmarshal(payload, &wire); err != nil {
		return NotificationEvent{}, err
	}
	if err := payloadValidator.Struct(&wire); err != nil {
		return NotificationEvent{}, err
	}
	event := NotificationEvent{
		ID:        string(wire.ID),
		Type:      NotificationCategory(wire.Type),
		Title:     wire.Title,
		Message:   wire.Message,
		CreatedAt: wire.CreatedAt.Time,
		IsRead:    wire.IsRead,
	}
	if len(wire.Data) > 0 && string(wire.Data) != "null" {
		event.Data = wire.Data
	}
	return event, nil
}

// DecodeAccountUpdate translate an account broadcast payload into an AccountUpdateEvent.
// receivedAt stands in for a timestamp missing from the payload.
func DecodeAccountUpdate(payload []byte, receivedAt time.Time) (AccountUpdateEvent, error) {
	var wire wireAccountUpdate
	if err := json.Unmarshal(payload, &wire); err != nil {
		return AccountUpdateEvent{}, err
	}
	if err := payloadValidator.Struct(&wire); err != nil {
		return AccountUpdateEvent{}, err
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	switch AccountEventType(wire.EventType) {
	case AccountNewPosted:
		if len(wire.Account) == 0 || string(wire.Account) == "null" {
			return AccountUpdateEvent{}, fmt.Errorf("%s event without account", wire.EventType)
		}
		snapshot, err := decodeAccountSnapshot(wire.Account)
		if err != nil {
			return AccountUpdateEvent{}, err
		}
		timestamp := wire.Timestamp.Time
		if timestamp.IsZero() {
			timestamp = snapshot.CreatedAt
		}
		if timestamp.IsZero() {
			timestamp = receivedAt
		}
		return AccountUpdateEvent{
			Type:      AccountNewPosted,
			AccountID: snapshot.ID,
			Account:   &snapshot,
			Timestamp: timestamp,
		}, nil

	case AccountStatusChanged:
		if wire.AccountID == "" || wire.Status == "" {
			return AccountUpdateEvent{}, fmt.Errorf("%s event without accountId or status", wire.EventType)
		}
		timestamp := wire.Timestamp.Time
		if timestamp.IsZero() {
			timestamp = receivedAt
		}
		return AccountUpdateEvent{
			Type:      AccountStatusChanged,
			AccountID: string(wire.AccountID),
			OldStatus: wire.PreviousStatus,
			NewStatus: wire.Status,
			Timestamp: timestamp,
		}, nil

	default:
		return AccountUpdateEvent{}, fmt.Errorf("unknown account eventType '%s'", wire.EventType)
	}
}

func decodeAccountSnapshot(raw json.RawMessage) (AccountSnapshot, error) {
	var wire wireAccountSnapshot
	if err := json.Unmarshal(raw, &wire); err != nil {
		return AccountSnapshot{}, err
	}
	if err := payloadValidator.Struct(&wire); err != nil {
		return AccountSnapshot{}, err
	}
	snapshot := AccountSnapshot{
		ID:        string(wire.ID),
		Title:     wire.Title,
		Price:     string(wire.Price),
		Status:    wire.Status,
		SellerID:  string(wire.SellerID),
		GameID:    string(wire.GameID),
		CreatedAt: wire.CreatedAt.Time,
		Raw:       raw,
	}
	if snapshot.SellerID == "" && wire.Seller != nil {
		snapshot.SellerID = string(wire.Seller.ID)
	}
	if snapshot.GameID == "" && wire.Game != nil {
		snapshot.GameID = string(wire.Game.ID)
	}
	return snapshot, nil
}

// ==============================================================================
// Routes

func chatRoute(handler ChatHandler) routeFunc {
	return func(msg core.StompMessage) error {
		decoded, err := DecodeChatMessage(msg.Body)
		if err != nil {
			return err
		}
		handler(decoded)
		return nil
	}
}

func notificationRoute(handler NotificationHandler) routeFunc {
	return func(msg core.StompMessage) error {
		decoded, err := DecodeNotification(msg.Body)
		if err != nil {
			return err
		}
		handler(decoded)
		return nil
	}
}

func accountUpdateRoute(handler AccountUpdateHandler) routeFunc {
	return func(msg core.StompMessage) error {
		decoded, err := DecodeAccountUpdate(msg.Body, msg.ReceivedAt)
		if err != nil {
			return err
		}
		handler(decoded)
		return nil
	}
}

func typingRoute(handler TypingHandler) routeFunc {
	return func(msg core.StompMessage) error {
		decoded, err := DecodeTypingIndicator(msg.Body)
		if err != nil {
			return err
		}
		handler(decoded)
		return nil
	}
}
