// Copyright 2021-2022 The marketlink Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/marketlink/common"
	"github.com/alwitt/marketlink/core"
	"github.com/alwitt/marketlink/realtime"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
)

// fakeSource records the callbacks registered by the relay
type fakeSource struct {
	chat          map[string]realtime.ChatHandler
	notifications map[string]realtime.NotificationHandler
	typing        map[string]realtime.TypingHandler
	accounts      realtime.AccountUpdateHandler
	listeners     []realtime.StateListener
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		chat:          make(map[string]realtime.ChatHandler),
		notifications: make(map[string]realtime.NotificationHandler),
		typing:        make(map[string]realtime.TypingHandler),
	}
}

func (s *fakeSource) SubscribeChat(accountID string, handler realtime.ChatHandler) error {
	s.chat[accountID] = handler
	return nil
}

func (s *fakeSource) SubscribeNotifications(userID string, handler realtime.NotificationHandler) error {
	s.notifications[userID] = handler
	return nil
}

func (s *fakeSource) SubscribeAccountUpdates(handler realtime.AccountUpdateHandler) error {
	s.accounts = handler
	return nil
}

func (s *fakeSource) SubscribeTyping(userID string, handler realtime.TypingHandler) error {
	s.typing[userID] = handler
	return nil
}

func (s *fakeSource) OnStateChange(listener realtime.StateListener) (realtime.ListenerID, error) {
	s.listeners = append(s.listeners, listener)
	return realtime.ListenerID(len(s.listeners)), nil
}

type failingPublisher struct {
	attempts int
}

func (p *failingPublisher) Publish(subject string, data []byte) error {
	p.attempts++
	return fmt.Errorf("nats unavailable")
}

func nextMsg(t *testing.T, ch <-chan *nats.Msg) *nats.Msg {
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NATS message")
		return nil
	}
}

func TestRelayForwardsEvents(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	nc, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           server.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer func() {
		closeCtxt, closeCancel := context.WithTimeout(context.Background(), time.Second)
		defer closeCancel()
		nc.Close(closeCtxt)
	}()

	received := make(chan *nats.Msg, 16)
	sub, err := nc.NATs().ChanSubscribe("marketlink.>", received)
	assert.Nil(err)
	defer func() {
		_ = sub.Unsubscribe()
	}()
	assert.Nil(nc.NATs().Flush())

	ctxt, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	defer func() {
		cancel()
		wg.Wait()
	}()
	tracker, err := realtime.GetTypingTrackerInstance("testing", time.Second, ctxt, &wg)
	assert.Nil(err)

	source := newFakeSource()
	uut, err := DefineRelay("testing", common.RelayConfig{
		SubjectPrefix:     "marketlink",
		AccountUpdates:    true,
		ChatAccounts:      []string{"42"},
		NotificationUsers: []string{"5"},
		TypingUsers:       []string{"5"},
	}, source, nc, tracker)
	assert.Nil(err)
	assert.Nil(uut.Start())

	assert.Len(source.listeners, 1)
	assert.NotNil(source.accounts)
	assert.Contains(source.chat, "42")
	assert.Contains(source.notifications, "5")
	assert.Contains(source.typing, "5")

	// Case 0: chat
	source.chat["42"](realtime.ChatMessage{ID: "m-1", AccountID: "42", SenderID: "2", ReceiverID: "3", Content: "hi"})
	msg := nextMsg(t, received)
	assert.Equal("marketlink.chat.42", msg.Subject)
	var chat realtime.ChatMessage
	assert.Nil(json.Unmarshal(msg.Data, &chat))
	assert.Equal("m-1", chat.ID)
	assert.Equal("hi", chat.Content)

	// Case 1: account updates
	source.accounts(realtime.AccountUpdateEvent{
		Type: realtime.AccountStatusChanged, AccountID: "9", OldStatus: "APPROVED", NewStatus: "SOLD",
	})
	msg = nextMsg(t, received)
	assert.Equal("marketlink.accounts", msg.Subject)
	var update realtime.AccountUpdateEvent
	assert.Nil(json.Unmarshal(msg.Data, &update))
	assert.Equal("SOLD", update.NewStatus)

	// Case 2: notifications
	source.notifications["5"](realtime.NotificationEvent{ID: "n-1", Type: realtime.NotificationSystem})
	msg = nextMsg(t, received)
	assert.Equal("marketlink.notifications.5", msg.Subject)

	// Case 3: typing, plus the typer set change
	source.typing["5"](realtime.TypingIndicator{AccountID: "42", SenderID: "2", IsTyping: true})
	subjects := map[string][]byte{}
	for i := 0; i < 2; i++ {
		msg = nextMsg(t, received)
		subjects[msg.Subject] = msg.Data
	}
	assert.Contains(subjects, "marketlink.typing.5")
	assert.Contains(subjects, "marketlink.typers.42")
	var typers TypersMessage
	assert.Nil(json.Unmarshal(subjects["marketlink.typers.42"], &typers))
	assert.Equal([]string{"2"}, typers.Typers)
	assert.True(tracker.IsTyping("42", "2"))

	// Case 4: state
	source.listeners[0](realtime.StateConnected)
	msg = nextMsg(t, received)
	assert.Equal("marketlink.state", msg.Subject)
	var state StateMessage
	assert.Nil(json.Unmarshal(msg.Data, &state))
	assert.Equal("connected", state.State)
	assert.Equal("testing", state.Instance)
}

func TestRelayPublishFailure(t *testing.T) {
	assert := assert.New(t)

	source := newFakeSource()
	publisher := &failingPublisher{}
	uut, err := DefineRelay("testing", common.RelayConfig{
		SubjectPrefix: "marketlink", ChatAccounts: []string{"1"},
	}, source, publisher, nil)
	assert.Nil(err)
	assert.Nil(uut.Start())
	assert.Nil(source.accounts)

	// Case 0: failures are contained
	source.chat["1"](realtime.ChatMessage{ID: "m-1", AccountID: "1"})
	source.listeners[0](realtime.StateError)
	assert.Equal(2, publisher.attempts)

	// Case 1: invalid definitions
	_, err = DefineRelay("testing", common.RelayConfig{}, source, publisher, nil)
	assert.NotNil(err)
	_, err = DefineRelay("testing", common.RelayConfig{SubjectPrefix: "x"}, nil, publisher, nil)
	assert.NotNil(err)
}

func TestSubjectNames(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("p.chat.42", Subject("p", realtime.KindChat, "42"))
	assert.Equal("p.accounts", Subject("p", realtime.KindAccountUpdates, "global"))
	assert.Equal("p.typing.a_b_c", Subject("p", realtime.KindTyping, "a.b*c"))
}
