package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	errBridgeClosed       = errors.New("bridge closed")
	errBridgeNotConnected = errors.New("bridge not connected")
)

// BridgeConfig points the driver at an automation bridge: a process running the
// messaging web client in a headless browser and speaking JSON frames over a websocket.
type BridgeConfig struct {
	URL          string
	SessionDir   string
	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// frame is the wire format in both directions.
type frame struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	To         string `json:"to,omitempty"`
	Text       string `json:"text,omitempty"`
	Data       string `json:"data,omitempty"`
	Reason     string `json:"reason,omitempty"`
	SessionDir string `json:"session_dir,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Bridge is a Driver backed by an automation bridge connection.
type Bridge struct {
	cfg    BridgeConfig
	emit   func(Event)
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame

	closed    chan struct{}
	closeOnce sync.Once
}

// NewBridgeFactory returns a DriverFactory producing Bridge drivers.
func NewBridgeFactory(cfg BridgeConfig) DriverFactory {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return func(emit func(Event)) (Driver, error) {
		if cfg.URL == "" {
			return nil, errors.New("bridge url not configured")
		}
		return &Bridge{
			cfg:     cfg,
			emit:    emit,
			dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
			pending: make(map[string]chan frame),
			closed:  make(chan struct{}),
		}, nil
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, b.cfg.DialTimeout)
	defer cancel()
	conn, _, err := b.dialer.DialContext(dctx, b.cfg.URL, b.cfg.Header)
	if err != nil {
		return fmt.Errorf("dial bridge: %w", err)
	}

	b.mu.Lock()
	select {
	case <-b.closed:
		b.mu.Unlock()
		_ = conn.Close()
		return errBridgeClosed
	default:
	}
	b.conn = conn
	b.mu.Unlock()

	if err := b.write(frame{Type: "init", SessionDir: b.cfg.SessionDir}); err != nil {
		return fmt.Errorf("init bridge: %w", err)
	}
	go b.readLoop(conn)
	return nil
}

func (b *Bridge) Send(ctx context.Context, to, text string) (string, error) {
	ack, err := b.request(ctx, frame{Type: "send", To: to, Text: text})
	if err != nil {
		return "", err
	}
	return ack.MessageID, nil
}

func (b *Bridge) Logout(ctx context.Context) error {
	_, err := b.request(ctx, frame{Type: "logout"})
	return err
}

func (b *Bridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		conn := b.conn
		b.mu.Unlock()
		if conn == nil {
			return
		}
		b.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		b.writeMu.Unlock()
		err = conn.Close()
	})
	return err
}

// request writes f with a fresh correlation id and waits for the matching ack.
func (b *Bridge) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	b.mu.Lock()
	if b.conn == nil {
		b.mu.Unlock()
		return frame{}, errBridgeNotConnected
	}
	b.pending[f.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, f.ID)
		b.mu.Unlock()
	}()

	if err := b.write(f); err != nil {
		return frame{}, err
	}
	select {
	case ack := <-ch:
		if ack.Error != "" {
			return ack, errors.New(ack.Error)
		}
		return ack, nil
	case <-b.closed:
		return frame{}, errBridgeClosed
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (b *Bridge) write(f frame) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return errBridgeNotConnected
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
	return conn.WriteJSON(f)
}

func (b *Bridge) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			b.failPending(err)
			select {
			case <-b.closed:
			default:
				b.emit(Event{Kind: EventDisconnected, Reason: err.Error()})
			}
			return
		}
		switch f.Type {
		case "qr":
			b.emit(Event{Kind: EventChallenge, Challenge: f.Data})
		case "ready":
			b.emit(Event{Kind: EventReady})
		case "disconnected":
			b.emit(Event{Kind: EventDisconnected, Reason: f.Reason})
		case "auth_failure":
			b.emit(Event{Kind: EventAuthFailure, Reason: f.Reason})
		case "error":
			b.emit(Event{Kind: EventError, Reason: f.Reason})
		case "ack":
			b.resolve(f)
		}
	}
}

func (b *Bridge) resolve(f frame) {
	b.mu.Lock()
	ch, ok := b.pending[f.ID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- f:
	default:
	}
}

func (b *Bridge) failPending(cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.pending {
		select {
		case ch <- frame{Type: "ack", Error: "connection lost: " + cause.Error()}:
		default:
		}
	}
}
