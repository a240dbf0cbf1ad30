package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// SocketServer implements the persistent multiplexed channel over WebSocket.
// Each accepted connection becomes one Session carrying interleaved requests,
// responses, and notifications in both directions for the whole connection
// lifetime.
//
// Instances should be created using NewSocketServer and shut down using
// Shutdown when no longer needed.
type SocketServer struct {
	addr   string
	logger *slog.Logger

	sessions chan *socketSession

	mu         sync.Mutex
	active     map[string]*socketSession
	httpServer *http.Server
	boundAddr  string
	running    bool

	done chan struct{}
}

// SocketServerOption represents the options for the SocketServer.
type SocketServerOption func(*SocketServer)

type socketSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu      sync.Mutex
	receivedMsgs chan JSONRPCMessage

	done     chan struct{}
	stopOnce sync.Once
}

// NewSocketServer creates a WebSocket transport listening on addr. The
// returned server is inert until Start is called.
func NewSocketServer(addr string, options ...SocketServerOption) *SocketServer {
	s := &SocketServer{
		addr:     addr,
		logger:   slog.Default(),
		sessions: make(chan *socketSession, 5),
		active:   make(map[string]*socketSession),
		done:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	s.logger = s.logger.With(slog.String("transport", "socket"))

	return s
}

// WithSocketServerLogger sets the logger for the SocketServer.
func WithSocketServerLogger(logger *slog.Logger) SocketServerOption {
	return func(s *SocketServer) {
		s.logger = logger
	}
}

// Start binds the listen address and begins accepting WebSocket upgrades.
func (s *SocketServer) Start(_ context.Context) (TransportInfo, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return TransportInfo{}, fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	httpServer := &http.Server{
		Handler: http.HandlerFunc(s.handleUpgrade),
	}

	s.mu.Lock()
	s.httpServer = httpServer
	s.boundAddr = ln.Addr().String()
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("socket server stopped", slog.String("err", err.Error()))
		}
	}()

	return TransportInfo{Addr: ln.Addr().String()}, nil
}

// Sessions returns an iterator over newly connected client sessions.
func (s *SocketServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Broadcast delivers msg to every connected session, best-effort. A write
// failure to one session does not abort delivery to the rest; the error is
// non-nil only when no delivery succeeded.
func (s *SocketServer) Broadcast(ctx context.Context, msg JSONRPCMessage) (int, error) {
	s.mu.Lock()
	targets := make([]*socketSession, 0, len(s.active))
	for _, sess := range s.active {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	if len(targets) == 0 {
		return 0, nil
	}

	delivered := 0
	var lastErr error
	for _, sess := range targets {
		if err := sess.Send(ctx, msg); err != nil {
			lastErr = err
			s.logger.Debug("broadcast delivery failed",
				slog.String("sessionID", sess.id),
				slog.String("err", err.Error()))
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return 0, fmt.Errorf("broadcast reached no sessions: %w", lastErr)
	}
	return delivered, nil
}

// Running reports whether the transport currently holds its listener.
func (s *SocketServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listen address, or the empty string before Start.
func (s *SocketServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Shutdown closes every open connection with a going-away close code and
// releases the listening port. Calling it on a stopped server is a no-op.
func (s *SocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	httpServer := s.httpServer
	targets := make([]*socketSession, 0, len(s.active))
	for _, sess := range s.active {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	close(s.done)

	for _, sess := range targets {
		if err := sess.conn.Close(websocket.StatusGoingAway, "server shutting down"); err != nil {
			s.logger.Debug("close connection",
				slog.String("sessionID", sess.id),
				slog.String("err", err.Error()))
		}
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown socket server: %w", err)
	}
	return nil
}

func (s *SocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("failed to accept websocket", slog.String("err", err.Error()))
		return
	}

	sessID := uuid.New().String()
	sess := &socketSession{
		id:           sessID,
		conn:         conn,
		logger:       s.logger.With(slog.String("sessionID", sessID)),
		receivedMsgs: make(chan JSONRPCMessage, 5),
		done:         make(chan struct{}),
	}

	// Tell the client its session identity before any protocol traffic.
	connected := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsConnected,
	}
	connected.Params, _ = json.Marshal(notificationsConnectedParams{SessionID: sessID})
	if err := sess.Send(r.Context(), connected); err != nil {
		s.logger.Warn("failed to send connected notification", slog.String("err", err.Error()))
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return
	}

	s.mu.Lock()
	s.active[sessID] = sess
	s.mu.Unlock()

	select {
	case s.sessions <- sess:
	case <-s.done:
		s.mu.Lock()
		delete(s.active, sessID)
		s.mu.Unlock()
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	sess.readLoop(r.Context())

	s.mu.Lock()
	delete(s.active, sessID)
	s.mu.Unlock()
}

func (s *socketSession) ID() string { return s.id }

// Send writes a single frame to the connection. Writes are serialized so
// concurrent senders never interleave frames.
func (s *socketSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := wsjson.Write(ctx, s.conn, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (s *socketSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case msg := <-s.receivedMsgs:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *socketSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.conn.Close(websocket.StatusNormalClosure, "session stopped")
	})
}

// readLoop reads frames until the connection or session closes. Frames that
// fail to parse are answered with an error response on this session alone;
// the connection stays up.
func (s *socketSession) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				status := websocket.CloseStatus(err)
				if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
					s.logger.Debug("read failed", slog.String("err", err.Error()))
				}
				s.Stop()
			}
			return
		}

		msg, rpcErr := parseMessage(data)
		if rpcErr != nil {
			resp := errorResponse(msg.ID, rpcErr)
			if err := s.Send(ctx, resp); err != nil {
				s.logger.Warn("failed to send error response", slog.String("err", err.Error()))
			}
			continue
		}

		select {
		case s.receivedMsgs <- msg:
		case <-s.done:
			return
		}
	}
}
