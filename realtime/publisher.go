package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alwitt/marketlink/core"
	"github.com/apex/log"
)

// Outbound command destinations
const (
	DestinationChatSend   = "/app/chat.send"
	DestinationChatTyping = "/app/chat.typing"
	DestinationChatRead   = "/app/chat.read"
)

// SendChatMessage send a chat message in an account conversation. Fire-and-forget:
// while disconnected the command is dropped and ErrNotConnected is returned and
// reported on Errors().
func (c *Client) SendChatMessage(accountID, receiverID, content string) error {
	return c.publish("chat.send", DestinationChatSend, chatSendCommand{
		AccountID:  accountID,
		ReceiverID: receiverID,
		Content:    content,
	})
}

// SendTypingIndicator send a typing started / stopped signal
func (c *Client) SendTypingIndicator(accountID, receiverID string, isTyping bool) error {
	return c.publish("chat.typing", DestinationChatTyping, typingCommand{
		AccountID:  accountID,
		ReceiverID: receiverID,
		IsTyping:   isTyping,
	})
}

// SendReadReceipt mark the conversation with another user as read
func (c *Client) SendReadReceipt(accountID, otherUserID string) error {
	return c.publish("chat.read", DestinationChatRead, readReceiptCommand{
		AccountID:  accountID,
		ReceiverID: otherUserID,
	})
}

func (c *Client) publish(command, destination string, body interface{}) error {
	if !c.IsConnected() {
		return c.rejectCommand(command, ErrNotConnected)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return c.rejectCommand(command, fmt.Errorf("unable to encode %s: %w", command, err))
	}
	if err := c.transport.Publish(destination, payload); err != nil {
		if errors.Is(err, core.ErrNotConnected) {
			err = ErrNotConnected
		}
		return c.rejectCommand(command, err)
	}
	commandsSent.WithLabelValues(command, "sent").Inc()
	c.updateStats(func(stats *ClientStats) { stats.CommandsSent++ })
	log.WithFields(c.LogTags).Debugf("Sent %s to %s", command, destination)
	return nil
}

func (c *Client) rejectCommand(command string, err error) error {
	commandsSent.WithLabelValues(command, "rejected").Inc()
	c.updateStats(func(stats *ClientStats) { stats.CommandsRejected++ })
	log.WithError(err).WithFields(c.LogTags).Errorf("Dropping %s command", command)
	c.reportError(err)
	return err
}
