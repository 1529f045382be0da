// Package notify получает уведомления: живьём через хаб SignalR, а когда хаб
// недоступен, опросом REST API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// recordSeparator завершает каждое сообщение протокола SignalR JSON
const recordSeparator = 0x1e

// Типы сообщений SignalR
const (
	msgInvocation = 1
	msgCompletion = 3
	msgPing       = 6
	msgClose      = 7
)

const (
	keepAliveInterval = 15 * time.Second
	handshakeTimeout  = 15 * time.Second
)

var (
	// ErrReconnectExhausted все задержки переподключения использованы
	ErrReconnectExhausted = errors.New("notification hub: reconnect attempts exhausted")
	// ErrServerClosed сервер закрыл соединение и запретил переподключение
	ErrServerClosed = errors.New("notification hub: closed by server")
)

type hubMessage struct {
	Type           int               `json:"type"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// Handler получает вызовы сервера (target + аргументы)
type Handler func(target string, args []json.RawMessage)

type HubClient struct {
	url     string
	token   func() (string, error)
	delays  []time.Duration
	dialer  *websocket.Dialer
	handler Handler
	logger  *zap.Logger

	// onState сообщает о подключении и потере связи
	onState func(connected bool)
}

type HubOption func(*HubClient)

func WithReconnectDelays(delays []time.Duration) HubOption {
	return func(h *HubClient) { h.delays = delays }
}

func WithHubLogger(l *zap.Logger) HubOption {
	return func(h *HubClient) { h.logger = l }
}

func withStateHook(fn func(bool)) HubOption {
	return func(h *HubClient) { h.onState = fn }
}

// NewHubClient hubURL - http(s) адрес хаба, схема меняется на ws(s) при подключении
func NewHubClient(hubURL string, token func() (string, error), handler Handler, opts ...HubOption) *HubClient {
	h := &HubClient{
		url:     hubURL,
		token:   token,
		delays:  []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second, 20 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: handshakeTimeout, Proxy: http.ProxyFromEnvironment},
		handler: handler,
		logger:  zap.NewNop(),
		onState: func(bool) {},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("hub")
	return h
}

// Run держит соединение, пока не отменён ctx. После потери связи пробует
// переподключиться с задержками из списка; успешное подключение сбрасывает счётчик.
func (h *HubClient) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := h.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrServerClosed) {
			return err
		}
		if connected {
			attempt = 0
		}
		if attempt >= len(h.delays) {
			h.logger.Warn("giving up on notification hub", zap.Error(err))
			return ErrReconnectExhausted
		}

		delay := h.delays[attempt]
		attempt++
		h.logger.Info("reconnecting to notification hub",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (h *HubClient) endpoint() (string, error) {
	u, err := url.Parse(h.url)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	if h.token != nil {
		token, err := h.token()
		if err != nil {
			return "", err
		}
		if token != "" {
			q := u.Query()
			q.Set("access_token", token)
			u.RawQuery = q.Encode()
		}
	}
	return u.String(), nil
}

// session одно соединение от рукопожатия до разрыва.
// connected=true, если рукопожатие прошло.
func (h *HubClient) session(ctx context.Context) (connected bool, err error) {
	endpoint, err := h.endpoint()
	if err != nil {
		return false, err
	}

	conn, _, err := h.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	if err := h.handshake(conn); err != nil {
		return false, err
	}
	h.logger.Info("connected to notification hub")
	h.onState(true)
	defer h.onState(false)

	var writeMu sync.Mutex
	write := func(msg hubMessage) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(websocket.TextMessage, append(data, recordSeparator))
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				// разблокирует ReadMessage
				conn.Close()
				return
			case <-ticker.C:
				if err := write(hubMessage{Type: msgPing}); err != nil {
					h.logger.Debug("keep-alive failed", zap.Error(err))
				}
			}
		}
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read hub: %w", err)
		}
		for _, msg := range splitRecords(data) {
			if err := h.dispatch(msg); err != nil {
				return true, err
			}
		}
	}
}

func (h *HubClient) handshake(conn *websocket.Conn) error {
	req := append([]byte(`{"protocol":"json","version":1}`), recordSeparator)
	if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	records := splitRecords(data)
	if len(records) == 0 {
		return errors.New("empty handshake response")
	}
	var resp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(records[0], &resp); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("handshake rejected: %s", resp.Error)
	}
	// сервер может прислать первое сообщение в том же кадре
	for _, rec := range records[1:] {
		if err := h.dispatch(rec); err != nil {
			return err
		}
	}
	return nil
}

func (h *HubClient) dispatch(raw []byte) error {
	var msg hubMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Warn("skipping malformed hub message", zap.Error(err))
		return nil
	}

	switch msg.Type {
	case msgInvocation:
		if h.handler != nil {
			h.handler(msg.Target, msg.Arguments)
		}
	case msgPing, msgCompletion:
	case msgClose:
		if msg.AllowReconnect {
			return fmt.Errorf("hub closed: %s", msg.Error)
		}
		if msg.Error != "" {
			return fmt.Errorf("%w: %s", ErrServerClosed, msg.Error)
		}
		return ErrServerClosed
	default:
		h.logger.Debug("ignoring hub message", zap.Int("type", msg.Type))
	}
	return nil
}

func splitRecords(data []byte) [][]byte {
	var out [][]byte
	for _, part := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(part)) > 0 {
			out = append(out, part)
		}
	}
	return out
}
