package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// StreamServer implements the request/response channel: clients POST
// JSON-RPC messages to the message endpoint and read the response from the
// same HTTP exchange, while server-initiated traffic (notifications,
// sampling requests) is pushed over a per-session SSE stream opened with GET.
//
// Instances should be created using NewStreamServer and shut down using
// Shutdown when no longer needed.
type StreamServer struct {
	addr   string
	logger *slog.Logger

	sessions chan *streamSession

	mu         sync.Mutex
	active     map[string]*streamSession
	handler    RequestHandler
	httpServer *http.Server
	boundAddr  string
	running    bool

	done chan struct{}
}

// StreamServerOption represents the options for the StreamServer.
type StreamServerOption func(*StreamServer)

type streamSession struct {
	id     string
	sess   *sse.Session
	logger *slog.Logger

	sendMsgs     chan streamSessionSendMsg
	receivedMsgs chan JSONRPCMessage

	done       chan struct{}
	sendClosed chan struct{}
	stopOnce   sync.Once
}

type streamSessionSendMsg struct {
	msg  *sse.Message
	errs chan<- error
}

// NewStreamServer creates an HTTP POST + SSE transport listening on addr. The
// returned server is inert until Start is called.
func NewStreamServer(addr string, options ...StreamServerOption) *StreamServer {
	s := &StreamServer{
		addr:     addr,
		logger:   slog.Default(),
		sessions: make(chan *streamSession, 5),
		active:   make(map[string]*streamSession),
		done:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	s.logger = s.logger.With(slog.String("transport", "stream"))

	return s
}

// WithStreamServerLogger sets the logger for the StreamServer.
func WithStreamServerLogger(logger *slog.Logger) StreamServerOption {
	return func(s *StreamServer) {
		s.logger = logger
	}
}

// UseHandler installs the function that answers POSTed requests in-band.
func (s *StreamServer) UseHandler(h RequestHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start binds the listen address and begins serving the SSE and message
// endpoints.
func (s *StreamServer) Start(_ context.Context) (TransportInfo, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return TransportInfo{}, fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("POST /message", s.handleMessage)

	httpServer := &http.Server{Handler: mux}

	s.mu.Lock()
	s.httpServer = httpServer
	s.boundAddr = ln.Addr().String()
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stream server stopped", slog.String("err", err.Error()))
		}
	}()

	return TransportInfo{Addr: ln.Addr().String()}, nil
}

// Sessions returns an iterator over newly connected client sessions.
func (s *StreamServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				go sess.processSendMessages()
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Broadcast pushes msg over every open SSE stream, best-effort. The error is
// non-nil only when no delivery succeeded.
func (s *StreamServer) Broadcast(ctx context.Context, msg JSONRPCMessage) (int, error) {
	s.mu.Lock()
	targets := make([]*streamSession, 0, len(s.active))
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
func (s *StreamServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Addr returns the bound listen address, or the empty string before Start.
func (s *StreamServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Shutdown terminates every SSE stream and releases the listening port.
// Calling it on a stopped server is a no-op.
func (s *StreamServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	httpServer := s.httpServer
	targets := make([]*streamSession, 0, len(s.active))
	for _, sess := range s.active {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	close(s.done)

	for _, sess := range targets {
		sess.Stop()
	}

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown stream server: %w", err)
	}
	return nil
}

// handleEvents upgrades a GET request to an SSE stream and keeps it open for
// the session's lifetime. The first event tells the client its session ID,
// which it must echo back as the sessionID query parameter on POSTs.
func (s *StreamServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	sseSess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	sessID := uuid.New().String()
	sess := &streamSession{
		id:           sessID,
		sess:         sseSess,
		logger:       s.logger.With(slog.String("sessionID", sessID)),
		sendMsgs:     make(chan streamSessionSendMsg, 5),
		receivedMsgs: make(chan JSONRPCMessage, 5),
		done:         make(chan struct{}),
		sendClosed:   make(chan struct{}),
	}

	connected := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsConnected,
	}
	connected.Params, _ = json.Marshal(notificationsConnectedParams{SessionID: sessID})
	connectedBs, _ := json.Marshal(connected)

	msg := sse.Message{Type: sse.Type("message")}
	msg.AppendData(string(connectedBs))
	if err := sseSess.Send(&msg); err != nil {
		s.logger.Error("failed to send connected event", slog.String("err", err.Error()))
		return
	}
	if err := sseSess.Flush(); err != nil {
		s.logger.Error("failed to flush connected event", slog.String("err", err.Error()))
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
		return
	}

	// Keep the HTTP exchange open until the session ends or the client
	// disconnects.
	select {
	case <-sess.done:
	case <-r.Context().Done():
		sess.Stop()
	}

	s.mu.Lock()
	delete(s.active, sessID)
	s.mu.Unlock()
}

// handleMessage answers one POSTed message. Requests are dispatched and the
// response written on the same exchange; notifications and responses to
// server-initiated requests are routed into the session's message stream and
// acknowledged with 202.
func (s *StreamServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessID := r.URL.Query().Get("sessionID")
	if sessID == "" {
		http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	sess, ok := s.active[sessID]
	handler := s.handler
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	msg, rpcErr := parseMessage(body)
	if rpcErr != nil {
		s.writeResponse(w, errorResponse(msg.ID, rpcErr))
		return
	}

	switch msg.Kind() {
	case KindRequest:
		if handler == nil {
			http.Error(w, "server not ready", http.StatusServiceUnavailable)
			return
		}
		resp := handler(r.Context(), sess, msg)
		if resp == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.writeResponse(w, *resp)
	case KindNotification, KindResponse:
		select {
		case sess.receivedMsgs <- msg:
			w.WriteHeader(http.StatusAccepted)
		case <-sess.done:
			http.Error(w, "session closed", http.StatusGone)
		case <-s.done:
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		}
	}
}

func (s *StreamServer) writeResponse(w http.ResponseWriter, msg JSONRPCMessage) {
	bs, err := serializeMessage(msg)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("err", err.Error()))
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(bs); err != nil {
		s.logger.Debug("failed to write response", slog.String("err", err.Error()))
	}
}

func (s *streamSession) ID() string { return s.id }

// Send queues a message for the SSE stream. Writes go through a single
// goroutine to avoid racing inside the SSE session.
func (s *streamSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := serializeMessage(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	sseMsg := &sse.Message{Type: sse.Type("message")}
	sseMsg.AppendData(string(msgBs))

	errs := make(chan error, 1)

	select {
	case s.sendMsgs <- streamSessionSendMsg{sseMsg, errs}:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errs:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *streamSession) Messages() iter.Seq[JSONRPCMessage] {
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

func (s *streamSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *streamSession) processSendMessages() {
	defer close(s.sendClosed)

	for {
		select {
		case sm := <-s.sendMsgs:
			if err := s.sess.Send(sm.msg); err != nil {
				s.logger.Warn("failed to send message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			if err := s.sess.Flush(); err != nil {
				s.logger.Warn("failed to flush message", slog.String("err", err.Error()))
				sm.errs <- err
				continue
			}
			sm.errs <- nil
		case <-s.done:
			return
		}
	}
}
