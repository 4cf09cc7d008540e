package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gdbrns/go-whatsapp-session-bridge/pkg/env"
)

// State of a session's connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateAwaitingScan State = "awaiting_scan"
	StateOpen         State = "open"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

const (
	// DefaultUserServer is the transport domain suffix for direct chats.
	DefaultUserServer = "s.whatsapp.net"
	// GroupServer is the transport domain suffix marking group conversations.
	GroupServer = "g.us"
)

var (
	ErrNotConnected   = errors.New("session is not connected")
	ErrReconnectLimit = errors.New("session reconnect limit exceeded")
)

// Config tunes the lifecycle manager, router and dispatcher. The reconnect
// constants mirror the historically observed behavior but stay configurable.
type Config struct {
	MaxRetries     int
	ReconnectDelay time.Duration
	ConnectWait    time.Duration
	RouterWorkers  int
	SendPerSecond  int
	SendBurst      int
}

// ConfigFromEnv loads the session configuration with defaults.
func ConfigFromEnv() Config {
	return Config{
		MaxRetries:     env.GetEnvIntOrDefault("SESSION_RECONNECT_MAX_RETRIES", 5),
		ReconnectDelay: env.GetEnvDurationOrDefault("SESSION_RECONNECT_DELAY", 5*time.Second),
		ConnectWait:    env.GetEnvDurationOrDefault("SESSION_CONNECT_WAIT", 20*time.Second),
		RouterWorkers:  env.GetEnvIntOrDefault("SESSION_ROUTER_WORKERS", 8),
		SendPerSecond:  env.GetEnvIntOrDefault("SESSION_SEND_PER_SECOND", 10),
		SendBurst:      env.GetEnvIntOrDefault("SESSION_SEND_BURST", 10),
	}
}

// Session is one logical connection to the messaging transport. The registry
// owns the instance; only the lifecycle manager mutates state and retryCount.
type Session struct {
	id string

	mu         sync.Mutex
	state      State
	retryCount int
	qr         string
	handle     Handle
	lastErr    error
	changed    chan struct{}

	cancel context.CancelFunc
}

func newSession(id string) *Session {
	return &Session{
		id:      id,
		state:   StateDisconnected,
		changed: make(chan struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RetryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retryCount
}

// QR returns the pending pairing code, if one is waiting to be scanned.
func (s *Session) QR() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr, s.qr != ""
}

// Err reports the terminal error of a closed session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// WaitReady blocks until the session reaches Open, returning an error when it
// lands on a terminal state or the context expires first.
func (s *Session) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		state := s.state
		lastErr := s.lastErr
		changed := s.changed
		s.mu.Unlock()

		switch state {
		case StateOpen:
			return nil
		case StateClosed, StateFailed:
			if lastErr != nil {
				return lastErr
			}
			return ErrNotConnected
		}

		select {
		case <-ctx.Done():
			return ErrNotConnected
		case <-changed:
		}
	}
}

// SendText forwards a text message through the live handle.
func (s *Session) SendText(ctx context.Context, target string, text string) error {
	h := s.currentHandle()
	if h == nil {
		return ErrNotConnected
	}
	return h.SendText(ctx, target, text)
}

// SendImage forwards an image through the live handle.
func (s *Session) SendImage(ctx context.Context, target string, data []byte, mimeType string, caption string) error {
	h := s.currentHandle()
	if h == nil {
		return ErrNotConnected
	}
	return h.SendImage(ctx, target, data, mimeType, caption)
}

// SendAudio forwards an audio clip through the live handle.
func (s *Session) SendAudio(ctx context.Context, target string, data []byte, mimeType string) error {
	h := s.currentHandle()
	if h == nil {
		return ErrNotConnected
	}
	return h.SendAudio(ctx, target, data, mimeType)
}

// Download fetches media bytes for an event received on this session.
func (s *Session) Download(ctx context.Context, ev *MessageEvent) ([]byte, error) {
	h := s.currentHandle()
	if h == nil {
		return nil, ErrNotConnected
	}
	return h.Download(ctx, ev)
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) setQR(code string) {
	s.mu.Lock()
	s.qr = code
	s.mu.Unlock()
}

// clearQR wipes a pending pairing code, reporting whether one was set.
func (s *Session) clearQR() bool {
	s.mu.Lock()
	had := s.qr != ""
	s.qr = ""
	s.mu.Unlock()
	return had
}

func (s *Session) setHandle(h Handle) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

func (s *Session) currentHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) incRetry() int {
	s.mu.Lock()
	s.retryCount++
	n := s.retryCount
	s.mu.Unlock()
	return n
}

// NormalizeTarget suffixes a bare identity with the direct-chat domain unless
// it already carries a group-chat suffix or an explicit domain.
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "@"+GroupServer) {
		return target
	}
	if strings.Contains(target, "@") {
		return target
	}
	return target + "@" + DefaultUserServer
}

// StripServer removes the direct-chat domain suffix from an identity. Group
// identities are returned untouched.
func StripServer(id string) string {
	return strings.TrimSuffix(id, "@"+DefaultUserServer)
}
