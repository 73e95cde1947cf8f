// Package cloudsession maintains a persistent mTLS-authenticated
// WebSocket connection to the cloud controller, with reconnect-with-
// backoff, a single {topic, payload} JSON envelope per frame, and no
// outbound queue — a disconnected session simply drops outbound
// traffic.
package cloudsession

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 5 * time.Second
	jitterFrac = 0.2

	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second
	pingInterval     = 20 * time.Second
	pongWait         = 45 * time.Second
)

// Envelope is the single wire shape every frame carries in both
// directions: a named topic and its JSON payload.
type Envelope struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
}

// ReceiveHandler processes one inbound topic+payload and returns the
// reply envelope payload to send back, or nil to send nothing. Satisfied
// by (*dispatcher.Dispatcher).Dispatch.
type ReceiveHandler func(ctx context.Context, topic string, payload map[string]any) map[string]any

// LifecycleHook is invoked on connect/disconnect transitions, used to
// drive the connect/disconnect dispatcher topics (e.g. starting the
// telemetry emitter) without this package importing the dispatcher.
type LifecycleHook func(ctx context.Context)

// Session maintains the single reconnecting connection to the cloud
// controller's WebSocket endpoint.
type Session struct {
	serverURL    string
	dialer       websocket.Dialer
	handler      ReceiveHandler
	onConnect    LifecycleHook
	onDisconnect LifecycleHook

	mu        sync.RWMutex
	conn      *websocket.Conn
	writeMu   sync.Mutex
	connected bool
}

// New constructs a session dialing serverURL with tlsConfig for mutual
// authentication. onConnect/onDisconnect may be nil.
func New(serverURL string, tlsConfig *tls.Config, handler ReceiveHandler, onConnect, onDisconnect LifecycleHook) *Session {
	return &Session{
		serverURL: serverURL,
		dialer: websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  tlsConfig,
		},
		handler:      handler,
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
	}
}

// Connected reports whether the session currently has a live connection.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Emit sends topic/payload if the session is currently connected.
// Disconnected sessions drop the message rather than queuing it.
func (s *Session) Emit(topic string, payload map[string]any) error {
	s.mu.RLock()
	conn := s.conn
	connected := s.connected
	s.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("cloud session disconnected, dropping %q", topic)
	}
	return s.writeEnvelope(conn, Envelope{Topic: topic, Payload: payload})
}

func (s *Session) writeEnvelope(conn *websocket.Conn, env Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(env)
}

// Run dials and re-dials the cloud endpoint until ctx is cancelled,
// reconnecting with jittered backoff bounded to [1s, 5s] on every
// disconnect. Never returns a fatal error for transport failures; only
// ctx cancellation ends the loop.
func (s *Session) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := s.connectAndServe(ctx); err != nil {
			slog.Warn("cloud session connection lost, reconnecting", "error", err)
		}

		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := backoffDelay(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func backoffDelay(attempt int) time.Duration {
	d := minBackoff * time.Duration(1<<uint(min(attempt, 4)))
	if d > maxBackoff {
		d = maxBackoff
	}
	jitter := time.Duration(float64(d) * jitterFrac * (rand.Float64()*2 - 1))
	d += jitter
	if d < minBackoff {
		d = minBackoff
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (s *Session) connectAndServe(ctx context.Context) error {
	slog.Info("connecting to cloud controller", "url", s.serverURL)
	conn, _, err := s.dialer.DialContext(ctx, s.serverURL, nil)
	if err != nil {
		return fmt.Errorf("dial cloud controller: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.connected = true
	s.mu.Unlock()

	slog.Info("connected to cloud controller", "url", s.serverURL)

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.connected = false
		s.mu.Unlock()
		conn.Close()
		if s.onDisconnect != nil {
			s.onDisconnect(ctx)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.onConnect != nil {
		s.onConnect(connCtx)
	}

	go s.pingLoop(connCtx, conn)

	return s.readLoop(connCtx, conn)
}

func (s *Session) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("read cloud frame: %w", err)
		}
		if env.Topic == "" {
			slog.Warn("cloud frame missing topic, skipping")
			continue
		}

		if s.handler == nil {
			continue
		}
		reply := s.handler(ctx, env.Topic, env.Payload)
		if reply == nil {
			continue
		}
		action, _ := reply["action"].(string)
		if action == "" {
			action = env.Topic
		}
		if err := s.writeEnvelope(conn, Envelope{Topic: action, Payload: reply}); err != nil {
			slog.Warn("failed to send reply to cloud controller", "topic", action, "error", err)
		}
	}
}
