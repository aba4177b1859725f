package replica

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected     = errors.New("not connected to host")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrHostUnreachable  = errors.New("host unreachable")
	ErrUnexpectedHealth = errors.New("unexpected ping response")
)

// Status is a transport lifecycle signal.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
)

// Message is one item from the host channel: a lifecycle signal or a
// snapshot. Both travel on one channel so a snapshot is never seen before the
// status of the session that carried it.
type Message struct {
	Status Status
	State  *models.EngineState
}

// TransportConfig holds connection and reconnection settings
type TransportConfig struct {
	URL              string
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int // consecutive dial failures before giving up, 0 retries forever
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	SendBufferSize   int
}

// DefaultTransportConfig returns 1s..30s exponential backoff
func DefaultTransportConfig(wsURL string) TransportConfig {
	return TransportConfig{
		URL:              wsURL,
		InitialBackoff:   time.Second,
		MaxBackoff:       30 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      90 * time.Second,
		SendBufferSize:   16,
	}
}

// Transport is the replica end of the host channel. It owns reconnection and
// always asks for state right after connecting.
type Transport struct {
	config TransportConfig
	clock  clockwork.Clock
	dialer *websocket.Dialer

	messages chan Message

	mu   sync.Mutex
	send chan []byte // nil while offline
}

// NewTransport creates a transport. A nil clock uses the real clock.
func NewTransport(config TransportConfig, clock clockwork.Clock) *Transport {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	defaults := DefaultTransportConfig(config.URL)
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}

	return &Transport{
		config: config,
		clock:  clock,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		messages: make(chan Message, 16),
	}
}

// Messages delivers lifecycle signals and snapshots in arrival order.
func (t *Transport) Messages() <-chan Message {
	return t.messages
}

// Send queues a command for the host without blocking.
func (t *Transport) Send(cmd protocol.MessageType) error {
	env, err := protocol.NewCommandEnvelope(cmd, t.clock.Now())
	if err != nil {
		return err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.send == nil {
		return ErrNotConnected
	}
	select {
	case t.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Run connects and reconnects until ctx is cancelled or MaxAttempts
// consecutive dials fail.
func (t *Transport) Run(ctx context.Context) error {
	backoff := t.config.InitialBackoff
	failures := 0

	for {
		if !t.emit(ctx, StatusConnecting) {
			return ctx.Err()
		}

		conn, _, err := t.dialer.DialContext(ctx, t.config.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			log.Warn().
				Err(err).
				Str("url", t.config.URL).
				Int("attempt", failures).
				Dur("backoff", backoff).
				Msg("failed to connect to host")

			if !t.emit(ctx, StatusFailed) {
				return ctx.Err()
			}
			if t.config.MaxAttempts > 0 && failures >= t.config.MaxAttempts {
				return fmt.Errorf("%w after %d attempts: %v", ErrHostUnreachable, failures, err)
			}
			if err := t.wait(ctx, backoff); err != nil {
				return err
			}
			backoff *= 2
			if backoff > t.config.MaxBackoff {
				backoff = t.config.MaxBackoff
			}
			continue
		}

		failures = 0
		backoff = t.config.InitialBackoff

		t.serve(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !t.emit(ctx, StatusDisconnected) {
			return ctx.Err()
		}
		if err := t.wait(ctx, t.config.InitialBackoff); err != nil {
			return err
		}
	}
}

// serve runs one session and returns when the connection drops.
func (t *Transport) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, t.config.SendBufferSize)
	done := make(chan struct{})

	t.mu.Lock()
	t.send = send
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.send = nil
		t.mu.Unlock()
		close(done)
		conn.Close()
	}()

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	go t.writePump(conn, send, done)

	log.Info().Str("url", t.config.URL).Msg("connected to host")
	if !t.emit(ctx, StatusConnected) {
		return
	}
	if err := t.Send(protocol.MessageTypeRequestState); err != nil {
		log.Error().Err(err).Msg("failed to request state after connect")
	}

	t.readLoop(ctx, conn)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.config.WriteTimeout))
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Msg("host connection lost")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))

		env, err := protocol.Decode(message)
		if err != nil {
			log.Warn().Err(err).Msg("ignoring malformed host message")
			continue
		}
		state, err := env.State()
		if err != nil {
			log.Warn().Err(err).Str("type", string(env.Type)).Msg("ignoring host message without state")
			continue
		}

		select {
		case t.messages <- Message{State: &state}:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Msg("failed to write command to host")
				conn.Close()
				return
			}
		}
	}
}

func (t *Transport) emit(ctx context.Context, status Status) bool {
	select {
	case t.messages <- Message{Status: status}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (t *Transport) wait(ctx context.Context, d time.Duration) error {
	timer := t.clock.NewTimer(d)
	defer stopAndDrainTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.Chan():
		return nil
	}
}

// WebSocketURL converts a host base URL such as http://10.0.0.2:8888 into the
// clock channel endpoint.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse host url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported host url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/clock"
	return u.String(), nil
}

// Ping checks that baseURL answers the liveness probe.
func Ping(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(baseURL, "/")+"/ping", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("ping host: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return fmt.Errorf("read ping response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != protocol.PingResponse {
		return fmt.Errorf("%w: %d %q", ErrUnexpectedHealth, resp.StatusCode, body)
	}
	return nil
}
