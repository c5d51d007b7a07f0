package realtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/marketlink/core"
)

// fakeTransport in-memory core.StompClient driven by the test
type fakeTransport struct {
	lock         sync.Mutex
	activations  int
	tokens       []string
	handlers     core.StompEventHandlers
	active       bool
	connected    bool
	session      int
	nextID       int
	subs         map[string]*fakeSubscription
	unsubscribed []string
	published    []fakePublished
}

type fakePublished struct {
	destination string
	body        string
}

type fakeSubscription struct {
	id          string
	destination string
	handler     core.MessageHandler
	session     int
	transport   *fakeTransport
}

func (s *fakeSubscription) ID() string          { return s.id }
func (s *fakeSubscription) Destination() string { return s.destination }

func (s *fakeSubscription) Unsubscribe() error {
	s.transport.lock.Lock()
	defer s.transport.lock.Unlock()
	if s.session != s.transport.session {
		return nil
	}
	if _, ok := s.transport.subs[s.id]; ok {
		delete(s.transport.subs, s.id)
		s.transport.unsubscribed = append(s.transport.unsubscribed, s.destination)
	}
	return nil
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]*fakeSubscription)}
}

func (f *fakeTransport) Activate(token string, handlers core.StompEventHandlers) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.active {
		return core.ErrAlreadyActive
	}
	f.active = true
	f.activations++
	f.tokens = append(f.tokens, token)
	f.handlers = handlers
	return nil
}

func (f *fakeTransport) Deactivate() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.active = false
	f.connected = false
	f.session++
	f.subs = make(map[string]*fakeSubscription)
	f.handlers = core.StompEventHandlers{}
	return nil
}

func (f *fakeTransport) Subscribe(
	destination string, handler core.MessageHandler,
) (core.StompSubscription, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.connected {
		return nil, core.ErrNotConnected
	}
	f.nextID++
	sub := &fakeSubscription{
		id:          fmt.Sprintf("sub-%d", f.nextID),
		destination: destination,
		handler:     handler,
		session:     f.session,
		transport:   f,
	}
	f.subs[sub.id] = sub
	return sub, nil
}

func (f *fakeTransport) Publish(destination string, body []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if !f.connected {
		return core.ErrNotConnected
	}
	f.published = append(f.published, fakePublished{destination: destination, body: string(body)})
	return nil
}

func (f *fakeTransport) Connected() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.connected
}

// establish complete a handshake of the current activation
func (f *fakeTransport) establish() {
	f.lock.Lock()
	f.connected = true
	f.session++
	hook := f.handlers.OnConnect
	f.lock.Unlock()
	if hook != nil {
		hook()
	}
}

// drop lose the session, as the broker going away would
func (f *fakeTransport) drop() {
	f.lock.Lock()
	f.connected = false
	f.session++
	f.subs = make(map[string]*fakeSubscription)
	onError := f.handlers.OnWebSocketError
	onClose := f.handlers.OnWebSocketClose
	f.lock.Unlock()
	if onError != nil {
		onError(fmt.Errorf("connection reset"))
	}
	if onClose != nil {
		onClose()
	}
}

// stompError deliver a broker ERROR frame
func (f *fakeTransport) stompError(message string) {
	f.lock.Lock()
	hook := f.handlers.OnStompError
	f.lock.Unlock()
	if hook != nil {
		hook(core.StompError{Message: message})
	}
}

// deliver send a MESSAGE to every subscription of the destination
func (f *fakeTransport) deliver(destination, body string) int {
	f.lock.Lock()
	targets := []*fakeSubscription{}
	for _, sub := range f.subs {
		if sub.destination == destination {
			targets = append(targets, sub)
		}
	}
	f.lock.Unlock()
	for _, sub := range targets {
		sub.handler(core.StompMessage{
			Destination:    destination,
			SubscriptionID: sub.id,
			MessageID:      fmt.Sprintf("msg-%d", time.Now().UnixNano()),
			ContentType:    "application/json",
			Body:           []byte(body),
			ReceivedAt:     time.Now(),
		})
	}
	return len(targets)
}

func (f *fakeTransport) subscriptionCount(destination string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	count := 0
	for _, sub := range f.subs {
		if sub.destination == destination {
			count++
		}
	}
	return count
}

func (f *fakeTransport) activationCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.activations
}

func (f *fakeTransport) publishedCommands() []fakePublished {
	f.lock.Lock()
	defer f.lock.Unlock()
	result := make([]fakePublished, len(f.published))
	copy(result, f.published)
	return result
}

// ==============================================================================

type testFlush struct {
	done chan struct{}
}

// defineTestClient build a client on a fake transport, with a flush hook to wait for
// the event loop to drain
func defineTestClient(t *testing.T, ctxt context.Context, wg *sync.WaitGroup) (*Client, *fakeTransport) {
	transport := newFakeTransport()
	uut, err := GetClientInstance("testing", transport, DefaultClientOptions(), ctxt, wg)
	if err != nil {
		t.Fatalf("unable to define client: %s", err.Error())
	}
	if err := uut.tp.AddToTaskExecutionMap(reflect.TypeOf(testFlush{}), func(param interface{}) error {
		close(param.(testFlush).done)
		return nil
	}); err != nil {
		t.Fatalf("unable to install flush hook: %s", err.Error())
	}
	return uut, transport
}

// flush wait until everything submitted before the call has been processed
func flush(t *testing.T, uut *Client) {
	done := make(chan struct{})
	if err := uut.tp.Submit(context.Background(), testFlush{done: done}); err != nil {
		t.Fatalf("flush submit failed: %s", err.Error())
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush timed out")
	}
}

func waitResult(t *testing.T, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect result")
		return nil
	}
}

func fakeMessage(body string) core.StompMessage {
	return core.StompMessage{
		Destination: "/test",
		MessageID:   "msg-test",
		Body:        []byte(body),
		ReceivedAt:  time.Now(),
	}
}
