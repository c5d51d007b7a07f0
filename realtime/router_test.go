package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAccountUpdateTranslation(t *testing.T) {
	assert := assert.New(t)
	receivedAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// Case 0: new account posted, nested seller and game
	event, err := DecodeAccountUpdate([]byte(`{
		"eventType": "new_account_posted",
		"account": {
			"id": 7,
			"title": "Diamond rank main",
			"price": 125.50,
			"status": "APPROVED",
			"seller": {"id": 11, "username": "bob"},
			"game": {"id": "g-3", "name": "Some Game"}
		}
	}`), receivedAt)
	assert.Nil(err)
	assert.Equal(AccountNewPosted, event.Type)
	assert.Equal("7", event.AccountID)
	assert.NotNil(event.Account)
	assert.Equal("7", event.Account.ID)
	assert.Equal("Diamond rank main", event.Account.Title)
	assert.Equal("125.50", event.Account.Price)
	assert.Equal("11", event.Account.SellerID)
	assert.Equal("g-3", event.Account.GameID)
	assert.Equal(receivedAt, event.Timestamp)
	{
		encoded, err := json.Marshal(event)
		assert.Nil(err)
		var generic map[string]interface{}
		assert.Nil(json.Unmarshal(encoded, &generic))
		assert.Equal("new_account_posted", generic["type"])
		assert.Equal("7", generic["accountId"])
		accountData, ok := generic["accountData"].(map[string]interface{})
		assert.True(ok)
		assert.Equal("7", accountData["id"])
	}

	// Case 1: status change
	event, err = DecodeAccountUpdate([]byte(
		`{"eventType":"account_status_changed","accountId":9,"status":"SOLD","previousStatus":"APPROVED"}`,
	), receivedAt)
	assert.Nil(err)
	assert.Equal(AccountStatusChanged, event.Type)
	assert.Equal("9", event.AccountID)
	assert.Equal("APPROVED", event.OldStatus)
	assert.Equal("SOLD", event.NewStatus)
	assert.Nil(event.Account)
	assert.Equal(receivedAt, event.Timestamp)

	// Case 2: wire timestamp wins, flat ids accepted
	event, err = DecodeAccountUpdate([]byte(
		`{"eventType":"new_account_posted","timestamp":"2024-02-01T08:00:00Z","account":{"id":"a-1","sellerId":4,"gameId":5,"createdAt":"2024-01-01T00:00:00"}}`,
	), receivedAt)
	assert.Nil(err)
	assert.Equal("a-1", event.AccountID)
	assert.Equal("4", event.Account.SellerID)
	assert.Equal("5", event.Account.GameID)
	assert.Equal(time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC), event.Timestamp.UTC())

	// Case 3: account creation time when the event has none
	event, err = DecodeAccountUpdate([]byte(
		`{"eventType":"new_account_posted","account":{"id":3,"createdAt":"2024-01-01T00:00:00"}}`,
	), receivedAt)
	assert.Nil(err)
	assert.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), event.Timestamp)

	// Case 4: failures
	failures := []string{
		`{"eventType":"account_deleted","accountId":1}`,
		`{"eventType":"new_account_posted"}`,
		`{"eventType":"new_account_posted","account":{"title":"no id"}}`,
		`{"eventType":"account_status_changed","status":"SOLD"}`,
		`{"eventType":"account_status_changed","accountId":true,"status":"SOLD"}`,
		`{"accountId":1}`,
		`not json`,
	}
	for _, payload := range failures {
		_, err := DecodeAccountUpdate([]byte(payload), receivedAt)
		assert.NotNilf(err, "payload %s", payload)
	}
}

func TestChatAndTypingDecode(t *testing.T) {
	assert := assert.New(t)

	// Case 0: chat message with numeric ids and zone-less time
	msg, err := DecodeChatMessage([]byte(chatOneBody))
	assert.Nil(err)
	assert.Equal("101", msg.ID)
	assert.Equal("2", msg.SenderID)
	assert.Equal("seller", msg.SenderName)
	assert.Equal("3", msg.ReceiverID)
	assert.Equal("hello", msg.Content)
	assert.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), msg.CreatedAt)

	// Case 1: missing receiver
	_, err = DecodeChatMessage([]byte(`{"id":1,"accountId":1,"senderId":2}`))
	assert.NotNil(err)

	// Case 2: typing
	indicator, err := DecodeTypingIndicator([]byte(
		`{"accountId":1,"senderId":"u-2","senderName":"bob","isTyping":true}`,
	))
	assert.Nil(err)
	assert.Equal(TypingIndicator{AccountID: "1", SenderID: "u-2", SenderName: "bob", IsTyping: true}, indicator)
	_, err = DecodeTypingIndicator([]byte(`{"accountId":1,"isTyping":true}`))
	assert.NotNil(err)

	// Case 3: notification with an unknown category passes through
	event, err := DecodeNotification([]byte(`{"id":9,"type":"PROMOTION","title":"t","message":"m","data":null,"createdAt":1709287200000}`))
	assert.Nil(err)
	assert.Equal(NotificationCategory("PROMOTION"), event.Type)
	assert.False(event.Type.Known())
	assert.True(NotificationSystem.Known())
	assert.Nil(event.Data)
	assert.Equal(time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), event.CreatedAt)
	_, err = DecodeNotification([]byte(`{"id":9,"title":"no type"}`))
	assert.NotNil(err)
}

func TestFlexTimeFormats(t *testing.T) {
	assert := assert.New(t)
	expected := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	inputs := []string{
		`"2024-03-01T10:00:00Z"`,
		`"2024-03-01T11:00:00+01:00"`,
		`"2024-03-01T10:00:00"`,
		`"2024-03-01 10:00:00"`,
		`[2024,3,1,10,0]`,
		`1709287200000`,
	}
	for _, input := range inputs {
		var parsed flexTime
		assert.Nilf(json.Unmarshal([]byte(input), &parsed), "input %s", input)
		assert.Truef(expected.Equal(parsed.Time), "input %s gave %s", input, parsed.Time)
	}

	var parsed flexTime
	assert.Nil(json.Unmarshal([]byte(`null`), &parsed))
	assert.True(parsed.IsZero())
	assert.NotNil(json.Unmarshal([]byte(`"yesterday"`), &parsed))
	assert.NotNil(json.Unmarshal([]byte(`{}`), &parsed))
}
