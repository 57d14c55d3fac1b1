package bambu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/john/printbridge/printer"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func doneToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool { <-t.done; return true }

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type publication struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeBroker creates fakeClients and records what they do.
type fakeBroker struct {
	mu         sync.Mutex
	clients    []*fakeClient
	connects   int
	connectErr error
	// gate, when set, holds every Connect until it is closed.
	gate      chan struct{}
	published []publication
	// onPublish runs after a publish is recorded.
	onPublish func(c *fakeClient, topic string, payload []byte)
	// hang, when set, holds every Disconnect until it is closed.
	hang chan struct{}
}

func (b *fakeBroker) newClient(opts *mqtt.ClientOptions) mqtt.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := &fakeClient{broker: b, opts: opts}
	b.clients = append(b.clients, c)
	return c
}

func (b *fakeBroker) connectCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *fakeBroker) publications() []publication {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publication(nil), b.published...)
}

type fakeClient struct {
	broker *fakeBroker
	opts   *mqtt.ClientOptions

	mu          sync.Mutex
	connected   bool
	disconnects int
	subscribed  []string
	handler     mqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) IsConnectionOpen() bool { return c.IsConnected() }

func (c *fakeClient) Connect() mqtt.Token {
	b := c.broker
	b.mu.Lock()
	b.connects++
	gate, connectErr := b.gate, b.connectErr
	b.mu.Unlock()

	t := &fakeToken{done: make(chan struct{})}
	go func() {
		if gate != nil {
			<-gate
		}
		if connectErr != nil {
			t.err = connectErr
			close(t.done)
			return
		}
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		if c.opts.OnConnect != nil {
			c.opts.OnConnect(c)
		}
		close(t.done)
	}()
	return t
}

func (c *fakeClient) Disconnect(uint) {
	c.broker.mu.Lock()
	hang := c.broker.hang
	c.broker.mu.Unlock()
	if hang != nil {
		<-hang
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// drop simulates a transport failure.
func (c *fakeClient) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.opts.OnConnectionLost != nil {
		c.opts.OnConnectionLost(c, errors.New("connection reset"))
	}
}

// reconnect simulates a successful automatic reconnect.
func (c *fakeClient) reconnect() {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(c)
	}
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(c, fakeMessage{topic: topic, payload: payload})
	}
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	data, _ := payload.([]byte)
	b := c.broker
	b.mu.Lock()
	b.published = append(b.published, publication{topic: topic, qos: qos, payload: data})
	hook := b.onPublish
	b.mu.Unlock()
	if hook != nil {
		hook(c, topic, data)
	}
	return doneToken(nil)
}

func (c *fakeClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed = append(c.subscribed, topic)
	c.handler = callback
	return doneToken(nil)
}

func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken(nil)
}

func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken(nil) }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.NewOptionsReader(c.opts) }

// fakeStore is an in-memory FileStore.
type fakeStore struct {
	mu        sync.Mutex
	sessions  int
	closed    int
	uploadErr error
	files     map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: make(map[string][]byte)}
}

func (s *fakeStore) Session(context.Context, string, string, string) (FileSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions++
	return s, nil
}

func (s *fakeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeStore) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *fakeStore) Upload(_ context.Context, remotePath string, r io.Reader) error {
	if s.uploadErr != nil {
		return s.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[remotePath] = data
	return nil
}

func (s *fakeStore) List(_ context.Context, dir string) ([]printer.FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []printer.FileInfo
	for p, data := range s.files {
		if len(p) > len(dir) && p[:len(dir)+1] == dir+"/" {
			out = append(out, printer.FileInfo{Name: p[len(dir)+1:], Path: p, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (s *fakeStore) Download(_ context.Context, remotePath string, w io.Writer) (int64, error) {
	s.mu.Lock()
	data, ok := s.files[remotePath]
	s.mu.Unlock()
	if !ok {
		return 0, printer.ErrNotFound
	}
	return io.Copy(w, bytes.NewReader(data))
}
