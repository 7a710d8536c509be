// Package connectivity derives the client's online flag from a presence
// websocket to the chat API. The link being up means online.
package connectivity

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPath = "/api/ws"

	defaultRetryInterval = 5 * time.Second
	pongWait             = 60 * time.Second
	writeWait            = 10 * time.Second
)

// Event is a server push frame, e.g. {"type":"chats_changed"}.
type Event struct {
	Type string `json:"type"`
}

const EventChatsChanged = "chats_changed"

type Option func(*Monitor)

func WithRetryInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.retry = d
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(m *Monitor) {
		m.dialer = d
	}
}

type Monitor struct {
	url    string
	token  func() string
	dialer *websocket.Dialer
	retry  time.Duration

	mu         sync.Mutex
	online     bool
	known      bool
	conn       *websocket.Conn
	refreshing bool
	onChange   func(online bool)
	onEvent    func(Event)

	wake chan struct{}
}

// New builds a monitor for the API at baseURL. token is called on every
// dial so the link follows login and logout.
func New(baseURL string, token func() string, opts ...Option) *Monitor {
	m := &Monitor{
		url:    toWebsocketURL(baseURL) + wsPath,
		token:  token,
		dialer: websocket.DefaultDialer,
		retry:  defaultRetryInterval,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Monitor) OnEvent(fn func(Event)) {
	m.mu.Lock()
	m.onEvent = fn
	m.mu.Unlock()
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Refresh drops the current link and redials at once with the current
// token. The drop itself is not reported as going offline.
func (m *Monitor) Refresh() {
	m.mu.Lock()
	conn := m.conn
	if conn != nil {
		m.refreshing = true
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
		return
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run dials and redials until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	for {
		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setOnline(false)
			if !m.wait(ctx) {
				return
			}
			continue
		}

		m.setOnline(true)
		m.readLoop(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		refreshed := m.refreshing
		m.refreshing = false
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if refreshed {
			continue
		}
		m.setOnline(false)
		if !m.wait(ctx) {
			return
		}
	}
}

func (m *Monitor) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if token := m.token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := m.dialer.DialContext(ctx, m.url, header)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return conn, nil
}

func (m *Monitor) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Printf("[Connectivity] link closed error=%v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var event Event
		if err := json.Unmarshal(data, &event); err != nil || event.Type == "" {
			continue
		}
		m.mu.Lock()
		fn := m.onEvent
		m.mu.Unlock()
		if fn != nil {
			fn(event)
		}
	}
}

func (m *Monitor) wait(ctx context.Context) bool {
	timer := time.NewTimer(m.retry)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-m.wake:
		return true
	}
}

// setOnline reports transitions only. The first observation is always
// reported.
func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	m.known = true
	m.online = online
	fn := m.onChange
	m.mu.Unlock()

	log.Printf("[Connectivity] online=%v", online)
	if fn != nil {
		fn(online)
	}
}

func toWebsocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
