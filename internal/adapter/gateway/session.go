package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"paracord-validate/internal/domain"
)

// DefaultHeartbeatInterval is used when HELLO omits or malforms the
// negotiated interval.
const DefaultHeartbeatInterval = 41250 * time.Millisecond

// Predicate is a structural match over a dispatch frame's payload.
type Predicate func(d map[string]any) bool

// Option configures a Session.
type Option func(*Session)

// WithOrigin sets the Origin header sent on the websocket handshake.
func WithOrigin(origin string) Option {
	return func(s *Session) { s.origin = origin }
}

// WithInsecureTLS skips certificate verification for wss:// gateways.
func WithInsecureTLS(v bool) Option {
	return func(s *Session) { s.insecureTLS = v }
}

// WithConnectTimeout bounds the dial plus HELLO exchange.
func WithConnectTimeout(d time.Duration) Option {
	return func(s *Session) { s.connectTimeout = d }
}

// WithReadyTimeout bounds the IDENTIFY → READY wait.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Session) { s.readyTimeout = d }
}

// Session is one persistent gateway connection acting as a simulated user.
// It owns its connection and backlog exclusively; one logical waiter drives
// it at a time. A session that is never waited on sends no heartbeats and
// may be disconnected by its peer after the negotiated interval — acceptable
// here because every session is waited on between consecutive REST calls.
type Session struct {
	name   string // label used in logs and errors ("guest1", "admin-a")
	url    string
	token  string
	origin string
	logger *slog.Logger

	insecureTLS    bool
	connectTimeout time.Duration
	readyTimeout   time.Duration

	conn              *websocket.Conn
	heartbeatInterval time.Duration
	lastHeartbeat     time.Time
	backlog           []Frame // dispatch frames not yet matched by a waiter, FIFO

	// The reader goroutine blocks handing frames over, so the transport is
	// only drained while a wait is in progress.
	frames    chan Frame
	readErr   chan error
	readOnce  sync.Once
	closeOnce sync.Once
	closeCtx  context.Context
	closeFn   context.CancelFunc
}

// NewSession creates a disconnected session. Connect must be called before
// any wait.
func NewSession(name, url, token string, logger *slog.Logger, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		name:              name,
		url:               url,
		token:             token,
		logger:            logger,
		connectTimeout:    12 * time.Second,
		readyTimeout:      25 * time.Second,
		heartbeatInterval: DefaultHeartbeatInterval,
		frames:            make(chan Frame),
		readErr:           make(chan error, 1),
		closeCtx:          ctx,
		closeFn:           cancel,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect dials the gateway, performs the HELLO/IDENTIFY handshake, and
// blocks until the READY dispatch arrives. Failure at any stage is fatal for
// the session; this layer never retries.
func (s *Session) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if s.origin != "" {
		opts.HTTPHeader.Set("Origin", s.origin)
	}
	if s.insecureTLS {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, s.url, opts)
	if err != nil {
		return fmt.Errorf("%s: dial gateway: %w", s.name, err)
	}
	conn.SetReadLimit(1 << 20)
	s.conn = conn

	var hello Frame
	if err := wsjson.Read(dialCtx, conn, &hello); err != nil {
		s.Close()
		return fmt.Errorf("%s: read first frame: %w", s.name, err)
	}
	if hello.Op != OpHello {
		s.Close()
		return fmt.Errorf("%s: %w: expected HELLO, got op %d", s.name, domain.ErrProtocol, hello.Op)
	}

	var d helloData
	if err := json.Unmarshal(hello.D, &d); err == nil && d.HeartbeatInterval > 0 {
		s.heartbeatInterval = time.Duration(d.HeartbeatInterval) * time.Millisecond
	}
	if s.heartbeatInterval < time.Second {
		s.heartbeatInterval = time.Second
	}
	// The connection start doubles as the first heartbeat baseline.
	s.lastHeartbeat = time.Now()

	identify, err := json.Marshal(identifyData{Token: s.token})
	if err != nil {
		s.Close()
		return fmt.Errorf("%s: marshal identify: %w", s.name, err)
	}
	if err := s.send(ctx, Frame{Op: OpIdentify, D: identify}); err != nil {
		s.Close()
		return fmt.Errorf("%s: send identify: %w", s.name, err)
	}

	if _, err := s.WaitForDispatch(ctx, "READY", nil, s.readyTimeout); err != nil {
		s.Close()
		return fmt.Errorf("%s: await READY: %w", s.name, err)
	}
	s.logger.Debug("gateway session ready", "session", s.name, "heartbeat_interval", s.heartbeatInterval)
	return nil
}

// WaitForDispatch blocks until a dispatch frame with the given event name
// satisfies the predicate, or the timeout elapses. The backlog is scanned
// first, so events that raced ahead of the caller are not lost; every
// non-matching dispatch encountered on the wire is appended to the backlog
// for later waits. A nil predicate matches any payload. Each frame is
// delivered to at most one wait.
func (s *Session) WaitForDispatch(ctx context.Context, eventName string, predicate Predicate, timeout time.Duration) (Frame, error) {
	for i, f := range s.backlog {
		if f.T != eventName {
			continue
		}
		if predicate == nil || predicate(f.Payload()) {
			s.backlog = append(s.backlog[:i], s.backlog[i+1:]...)
			return f, nil
		}
	}

	if s.conn == nil {
		return Frame{}, fmt.Errorf("%s: session not connected", s.name)
	}
	s.startReader()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		// Keepalive is evaluated on every iteration so a single long wait
		// cannot starve it.
		wake := s.heartbeatInterval - time.Since(s.lastHeartbeat)
		if wake <= 0 {
			if err := s.send(ctx, Frame{Op: OpHeartbeat}); err != nil {
				return Frame{}, fmt.Errorf("%s: send heartbeat: %w", s.name, err)
			}
			s.lastHeartbeat = time.Now()
			wake = s.heartbeatInterval
		}
		keepalive := time.NewTimer(wake)

		select {
		case f := <-s.frames:
			keepalive.Stop()
			switch f.Op {
			case OpHeartbeatACK, OpHello:
				// Absorbed silently.
			case OpHeartbeat:
				// Server-initiated keepalive: answer immediately.
				if err := s.send(ctx, Frame{Op: OpHeartbeatACK}); err != nil {
					return Frame{}, fmt.Errorf("%s: send heartbeat ack: %w", s.name, err)
				}
			case OpDispatch:
				if f.T == eventName && (predicate == nil || predicate(f.Payload())) {
					return f, nil
				}
				s.backlog = append(s.backlog, f)
			default:
				s.logger.Warn("unexpected gateway opcode", "session", s.name, "op", f.Op)
			}
		case err := <-s.readErr:
			keepalive.Stop()
			return Frame{}, fmt.Errorf("%s: gateway read: %w", s.name, err)
		case <-keepalive.C:
			// Loop re-evaluates the heartbeat clock.
		case <-deadline.C:
			keepalive.Stop()
			return Frame{}, fmt.Errorf("%s: %w: no %s within %s", s.name, domain.ErrTimeout, eventName, timeout)
		case <-ctx.Done():
			keepalive.Stop()
			return Frame{}, fmt.Errorf("%s: wait for %s: %w", s.name, eventName, ctx.Err())
		}
	}
}

// Backlog reports how many unmatched dispatch frames are queued. Test hook.
func (s *Session) Backlog() int { return len(s.backlog) }

// Close shuts the transport down. Idempotent; shutdown errors are swallowed
// because the session is being discarded regardless.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closeFn()
		if s.conn != nil {
			_ = s.conn.Close(websocket.StatusNormalClosure, "")
		}
	})
}

// startReader launches the read pump on first use. The pump blocks handing
// each frame to the active wait, so frames are pulled off the transport only
// while someone is waiting.
func (s *Session) startReader() {
	s.readOnce.Do(func() {
		go func() {
			for {
				var f Frame
				if err := wsjson.Read(s.closeCtx, s.conn, &f); err != nil {
					select {
					case s.readErr <- err:
					case <-s.closeCtx.Done():
					}
					return
				}
				select {
				case s.frames <- f:
				case <-s.closeCtx.Done():
					return
				}
			}
		}()
	})
}

func (s *Session) send(ctx context.Context, f Frame) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(writeCtx, s.conn, f)
}
