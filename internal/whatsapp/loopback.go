package whatsapp

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Loopback is an in-process driver for local development. It presents a fake
// challenge, authenticates after AuthDelay and accepts every send.
type Loopback struct {
	AuthDelay time.Duration
	Latency   time.Duration

	emit   func(Event)
	mu     sync.Mutex
	closed bool
	sent   []string
}

func NewLoopbackFactory(authDelay, latency time.Duration) DriverFactory {
	return func(emit func(Event)) (Driver, error) {
		return &Loopback{AuthDelay: authDelay, Latency: latency, emit: emit}, nil
	}
}

func (l *Loopback) Start(ctx context.Context) error {
	l.emit(Event{Kind: EventChallenge, Challenge: "loopback-" + uuid.NewString()})
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.AuthDelay):
		}
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if !closed {
			l.emit(Event{Kind: EventReady})
		}
	}()
	return nil
}

func (l *Loopback) Send(ctx context.Context, to, text string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(l.Latency):
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", errors.New("loopback session closed")
	}
	l.sent = append(l.sent, to)
	return "loop-" + uuid.NewString(), nil
}

func (l *Loopback) Logout(context.Context) error { return nil }

func (l *Loopback) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}
