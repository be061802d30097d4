package socket

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	errDialRefused = errors.New("dial refused")
	errWriteFailed = errors.New("write failed")
	errLinkClosed  = errors.New("link closed")
)

// fakeTransport is an in-memory link. Each successful Connect opens a fresh
// inbox; drop simulates the server going away.
type fakeTransport struct {
	mu           sync.Mutex
	connected    bool
	inbox        chan []byte
	closed       chan struct{}
	connects     int
	failConnects int
	failSends    int
	tokens       []string
	sent         [][]byte
	links        []int
	hold         chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Connect(ctx context.Context, token string) error {
	f.mu.Lock()
	hold := f.hold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if f.connected {
		return nil
	}
	f.tokens = append(f.tokens, token)
	if f.failConnects > 0 {
		f.failConnects--
		return errDialRefused
	}
	f.connects++
	f.connected = true
	f.inbox = make(chan []byte, 64)
	f.closed = make(chan struct{})
	return nil
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.connected {
		return errLinkClosed
	}
	if f.failSends > 0 {
		f.failSends--
		return errWriteFailed
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	f.links = append(f.links, f.connects)
	return nil
}

func (f *fakeTransport) Receive() ([]byte, error) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return nil, errLinkClosed
	}
	inbox, closed := f.inbox, f.closed
	f.mu.Unlock()

	select {
	case data := <-inbox:
		return data, nil
	case <-closed:
		return nil, errLinkClosed
	}
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.connected {
		f.connected = false
		close(f.closed)
	}
	return nil
}

// drop closes the current link without the client asking for it.
func (f *fakeTransport) drop() {
	f.Close()
}

func (f *fakeTransport) push(t *testing.T, frame string) {
	t.Helper()

	f.mu.Lock()
	inbox := f.inbox
	connected := f.connected
	f.mu.Unlock()

	require.True(t, connected, "push on a closed link")
	inbox <- []byte(frame)
}

func (f *fakeTransport) isConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeTransport) setFailConnects(n int) {
	f.mu.Lock()
	f.failConnects = n
	f.mu.Unlock()
}

// holdConnects makes Connect block until the returned func is called or the
// dial context ends.
func (f *fakeTransport) holdConnects() func() {
	hold := make(chan struct{})
	f.mu.Lock()
	f.hold = hold
	f.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(hold) }) }
}

func (f *fakeTransport) setFailSends(n int) {
	f.mu.Lock()
	f.failSends = n
	f.mu.Unlock()
}

type sentCommand struct {
	Action  string `json:"action"`
	Topic   string `json:"topic"`
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Text    string `json:"text"`
}

func (f *fakeTransport) sentCommands(t *testing.T) []sentCommand {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	cmds := make([]sentCommand, len(f.sent))
	for i, data := range f.sent {
		require.NoError(t, json.Unmarshal(data, &cmds[i]))
	}
	return cmds
}

func (f *fakeTransport) sentActions(t *testing.T) []string {
	t.Helper()

	var actions []string
	for _, c := range f.sentCommands(t) {
		actions = append(actions, c.Action+" "+c.Topic)
	}
	return actions
}

// joinsByLink counts join commands per topic for every link they were
// written on.
func (f *fakeTransport) joinsByLink(t *testing.T) map[int]map[string]int {
	t.Helper()

	cmds := f.sentCommands(t)
	f.mu.Lock()
	links := append([]int(nil), f.links...)
	f.mu.Unlock()

	out := make(map[int]map[string]int)
	for i, cmd := range cmds {
		if !strings.HasPrefix(cmd.Action, "join") {
			continue
		}
		if out[links[i]] == nil {
			out[links[i]] = make(map[string]int)
		}
		out[links[i]][cmd.Topic]++
	}
	return out
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func frameJSON(topic string, typ EventType, payload string, seq int) string {
	if seq < 0 {
		return `{"topic":"` + topic + `","type":"` + string(typ) + `","payload":` + payload + `}`
	}
	b, _ := json.Marshal(struct {
		Topic   string          `json:"topic"`
		Type    EventType       `json:"type"`
		Payload json.RawMessage `json:"payload"`
		Seq     int             `json:"seq"`
	}{topic, typ, json.RawMessage(payload), seq})
	return string(b)
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func newTestClient(t *testing.T, ft *fakeTransport, opts ...ClientOption) *Client {
	t.Helper()

	base := []ClientOption{
		WithReconnectDelay(5 * time.Millisecond),
		WithMaxReconnectDelay(20 * time.Millisecond),
		WithConnectTimeout(time.Second),
	}
	c := NewClient(ft, append(base, opts...)...)
	t.Cleanup(func() { c.Disconnect() })
	return c
}

// recorder collects events delivered to a handler.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// errorSink collects errors reported through WithErrorHandler.
type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *errorSink) matching(target error) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, err := range s.errs {
		if errors.Is(err, target) {
			n++
		}
	}
	return n
}
