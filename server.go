package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server implements a Model Context Protocol (MCP) server that exposes tools,
// resources, and prompts to connected clients over one or more transports. It
// manages session lifecycles, dispatches protocol messages, correlates
// server-initiated requests with their responses, and fans out resource
// change notifications to subscribed sessions.
//
// Instances should be created using NewServer; Serve starts the configured
// transports and blocks until Shutdown.
type Server struct {
	info         Info
	instructions string
	capabilities ServerCapabilities
	cfg          Config

	transports []Transport

	tools     ToolProvider
	resources ResourceProvider
	prompts   PromptProvider
	policy    AccessPolicy

	promptListUpdater   PromptListUpdater
	resourceListUpdater ResourceListUpdater
	toolListUpdater     ToolListUpdater

	samplingMaxAttempts uint

	logger *slog.Logger

	onClientConnected    func(string)
	onClientDisconnected func(string)

	subs     *SubscriptionManager
	outbound *correlator
	dispatch *dispatcher

	mu       sync.Mutex
	sessions map[string]*sessionState

	sessionsWaitGroup sync.WaitGroup

	shutdownOnce       sync.Once
	done               chan struct{}
	promptListClosed   chan struct{}
	resourceListClosed chan struct{}
	toolListClosed     chan struct{}
	subUpdatesClosed   chan struct{}
	broadcasterClosed  chan struct{}
}

type sessionState struct {
	session     Session
	connectedAt time.Time

	mu          sync.Mutex
	lastActive  time.Time
	initialized bool
}

// SessionStat describes one connected session.
type SessionStat struct {
	ID          string
	ConnectedAt time.Time
	LastActive  time.Time
	Initialized bool
}

// NewServer creates a new Model Context Protocol (MCP) server with the
// specified configuration. Capabilities are derived from the providers given:
// a server without a ResourceProvider does not advertise resources, and a
// server with one advertises subscribe support.
func NewServer(info Info, options ...ServerOption) *Server {
	s := &Server{
		info:                info,
		cfg:                 Config{},
		logger:              slog.Default(),
		samplingMaxAttempts: 1,
		sessions:            make(map[string]*sessionState),
		done:                make(chan struct{}),
		promptListClosed:    make(chan struct{}),
		resourceListClosed:  make(chan struct{}),
		toolListClosed:      make(chan struct{}),
		subUpdatesClosed:    make(chan struct{}),
		broadcasterClosed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.logger = s.logger.With(slog.String("component", "server"))

	// Prepares the server's capabilities based on the provided implementations.

	s.capabilities = ServerCapabilities{}

	if s.prompts != nil {
		s.capabilities.Prompts = &PromptsCapability{}
		if s.promptListUpdater != nil {
			s.capabilities.Prompts.ListChanged = true
		}
	}
	if s.resources != nil {
		s.capabilities.Resources = &ResourcesCapability{
			Subscribe: true,
		}
		if s.resourceListUpdater != nil {
			s.capabilities.Resources.ListChanged = true
		}
	}
	if s.tools != nil {
		s.capabilities.Tools = &ToolsCapability{}
		if s.toolListUpdater != nil {
			s.capabilities.Tools.ListChanged = true
		}
	}

	return s
}

// WithToolProvider returns a ServerOption that configures the tool provider implementation.
func WithToolProvider(p ToolProvider) ServerOption {
	return func(s *Server) {
		s.tools = p
	}
}

// WithResourceProvider returns a ServerOption that configures the resource provider implementation.
func WithResourceProvider(p ResourceProvider) ServerOption {
	return func(s *Server) {
		s.resources = p
	}
}

// WithPromptProvider returns a ServerOption that configures the prompt provider implementation.
func WithPromptProvider(p PromptProvider) ServerOption {
	return func(s *Server) {
		s.prompts = p
	}
}

// WithAccessPolicy returns a ServerOption that configures the resource access policy.
// Without one, every URI is considered accessible.
func WithAccessPolicy(p AccessPolicy) ServerOption {
	return func(s *Server) {
		s.policy = p
	}
}

// WithTransport returns a ServerOption that adds a transport to serve on.
// It may be given more than once; the server runs all of them concurrently.
func WithTransport(t Transport) ServerOption {
	return func(s *Server) {
		s.transports = append(s.transports, t)
	}
}

// WithPromptListUpdater returns a ServerOption that configures the prompt list updater implementation.
func WithPromptListUpdater(updater PromptListUpdater) ServerOption {
	return func(s *Server) {
		s.promptListUpdater = updater
	}
}

// WithResourceListUpdater returns a ServerOption that configures the resource list updater implementation.
func WithResourceListUpdater(updater ResourceListUpdater) ServerOption {
	return func(s *Server) {
		s.resourceListUpdater = updater
	}
}

// WithToolListUpdater returns a ServerOption that configures the tool list updater implementation.
func WithToolListUpdater(updater ToolListUpdater) ServerOption {
	return func(s *Server) {
		s.toolListUpdater = updater
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithConfig returns a ServerOption that sets the server configuration.
// Zero fields fall back to defaults.
func WithConfig(cfg Config) ServerOption {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithSamplingRetries returns a ServerOption that sets how many attempts a
// sampling request makes before giving up. Timeouts are retried with
// exponential backoff; a disconnected session is never retried.
func WithSamplingRetries(maxAttempts uint) ServerOption {
	return func(s *Server) {
		s.samplingMaxAttempts = maxAttempts
	}
}

// WithServerOnClientConnected sets the callback for when a client connects.
// The callback's parameter is the ID of the session.
func WithServerOnClientConnected(onClientConnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback for when a client disconnects.
// The callback's parameter is the ID of the session.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// Serve starts every configured transport and processes sessions until
// Shutdown is called. It returns immediately with an error when a transport
// fails to bind its listener.
//
// Serve blocks until the server is shut down.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.transports) == 0 {
		return errors.New("no transports configured")
	}

	if s.resources != nil {
		s.subs = NewSubscriptionManager(s.cfg, s.resources, s.policy, s.logger)
	}
	s.outbound = newCorrelator(s.logger)
	s.dispatch = newDispatcher(
		s.info, s.instructions, s.capabilities,
		s.tools, s.resources, s.prompts, s.subs,
		s.logger,
	)

	// Transports that answer requests in-band get the dispatch function
	// directly; everything else goes through the session message loops.
	for _, t := range s.transports {
		if responder, ok := t.(requestResponder); ok {
			responder.UseHandler(s.handleInbandRequest)
		}
	}

	started := make([]Transport, 0, len(s.transports))
	for _, t := range s.transports {
		info, err := t.Start(ctx)
		if err != nil {
			for _, st := range started {
				if sErr := st.Shutdown(ctx); sErr != nil {
					s.logger.Error("failed to shutdown transport", slog.String("err", sErr.Error()))
				}
			}
			return fmt.Errorf("start transport: %w", err)
		}
		started = append(started, t)
		s.logger.Info("transport started", slog.String("addr", info.Addr))
	}

	broadcasts := make(chan JSONRPCMessage, 10)

	if s.promptListUpdater != nil {
		go s.listenUpdates(methodNotificationsPromptsListChanged,
			s.promptListUpdater.PromptListUpdates(), broadcasts, s.promptListClosed)
	} else {
		close(s.promptListClosed)
	}

	if s.resourceListUpdater != nil {
		go s.listenUpdates(methodNotificationsResourcesListChanged,
			s.resourceListUpdater.ResourceListUpdates(), broadcasts, s.resourceListClosed)
	} else {
		close(s.resourceListClosed)
	}

	if s.toolListUpdater != nil {
		go s.listenUpdates(methodNotificationsToolsListChanged,
			s.toolListUpdater.ToolListUpdates(), broadcasts, s.toolListClosed)
	} else {
		close(s.toolListClosed)
	}

	if s.subs != nil {
		go s.listenSubscriptionUpdates()
	} else {
		close(s.subUpdatesClosed)
	}

	go s.broadcaster(broadcasts)

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range s.transports {
		g.Go(func() error {
			s.acceptSessions(gctx, t)
			return nil
		})
	}
	return g.Wait()
}

// Shutdown gracefully shuts down the server: sessions are drained, transports
// release their listeners, and subscription watchers are torn down. It
// returns an error if the context expires before shutdown completes.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	s.sessionsWaitGroup.Wait()

	for _, t := range s.transports {
		if err := t.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown transport: %w", err)
		}
	}

	if s.subs != nil {
		s.subs.Close()
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close PromptListUpdater: %w", ctx.Err())
	case <-s.promptListClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close ResourceListUpdater: %w", ctx.Err())
	case <-s.resourceListClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close ToolListUpdater: %w", ctx.Err())
	case <-s.toolListClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close subscription updates: %w", ctx.Err())
	case <-s.subUpdatesClosed:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close broadcaster: %w", ctx.Err())
	case <-s.broadcasterClosed:
	}

	return nil
}

// CreateSamplingMessage asks the client on the given session to run an LLM
// sampling request, blocking until the client responds or the request times
// out. The sessionID identifies which connected client to ask.
func (s *Server) CreateSamplingMessage(
	ctx context.Context,
	sessionID string,
	params SamplingParams,
) (SamplingResult, error) {
	s.mu.Lock()
	state, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return SamplingResult{}, ErrSessionNotFound
	}

	var msg JSONRPCMessage
	var err error
	if s.samplingMaxAttempts > 1 {
		msg, err = s.outbound.issueWithRetry(ctx, state.session,
			MethodSamplingCreateMessage, params, s.cfg.RequestTimeout, s.samplingMaxAttempts)
	} else {
		msg, err = s.outbound.issue(ctx, state.session,
			MethodSamplingCreateMessage, params, s.cfg.RequestTimeout)
	}
	if err != nil {
		return SamplingResult{}, err
	}

	if msg.Error != nil {
		return SamplingResult{}, *msg.Error
	}

	var result SamplingResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return SamplingResult{}, fmt.Errorf("unmarshal sampling result: %w", err)
	}
	return result, nil
}

// SessionStats returns a snapshot of the connected sessions.
func (s *Server) SessionStats() []SessionStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make([]SessionStat, 0, len(s.sessions))
	for id, state := range s.sessions {
		state.mu.Lock()
		stats = append(stats, SessionStat{
			ID:          id,
			ConnectedAt: state.connectedAt,
			LastActive:  state.lastActive,
			Initialized: state.initialized,
		})
		state.mu.Unlock()
	}
	return stats
}

func (s *Server) acceptSessions(ctx context.Context, t Transport) {
	// This loop breaks when the transport is shut down.
	for sess := range t.Sessions() {
		now := time.Now()
		state := &sessionState{
			session:     sess,
			connectedAt: now,
			lastActive:  now,
		}

		s.mu.Lock()
		s.sessions[sess.ID()] = state
		s.mu.Unlock()

		s.sessionsWaitGroup.Add(1)

		go func() {
			defer s.sessionsWaitGroup.Done()

			if s.onClientConnected != nil {
				s.onClientConnected(sess.ID())
			}

			s.runSession(ctx, state)

			s.dropSession(sess.ID())

			if s.onClientDisconnected != nil {
				s.onClientDisconnected(sess.ID())
			}
		}()
	}
}

// runSession consumes one session's inbound messages until it closes. Each
// request is dispatched on its own goroutine so a slow tool call never blocks
// other traffic on the same connection.
func (s *Server) runSession(ctx context.Context, state *sessionState) {
	sess := state.session
	logger := s.logger.With(slog.String("sessionID", sess.ID()))

	loopDone := make(chan struct{})
	defer close(loopDone)
	go func() {
		select {
		case <-s.done:
			sess.Stop()
		case <-loopDone:
		}
	}()

	for msg := range sess.Messages() {
		state.touch()

		switch msg.Kind() {
		case KindResponse:
			if !s.outbound.resolveResponse(msg) {
				logger.Debug("response without pending request",
					slog.String("id", msg.ID.String()))
			}
		case KindNotification:
			s.handleNotification(state, msg, logger)
		case KindRequest:
			go func() {
				resp := s.dispatch.Handle(ctx, sess, msg)

				sendCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
				defer cancel()
				if err := sess.Send(sendCtx, resp); err != nil {
					logger.Error("failed to send response",
						slog.String("method", msg.Method),
						slog.String("err", err.Error()))
				}
			}()
		}
	}
}

func (s *Server) handleNotification(state *sessionState, msg JSONRPCMessage, logger *slog.Logger) {
	switch msg.Method {
	case methodNotificationsInitialized:
		state.mu.Lock()
		state.initialized = true
		state.mu.Unlock()
	default:
		logger.Debug("unhandled notification", slog.String("method", msg.Method))
	}
}

// handleInbandRequest serves transports that pair each request with a
// synchronous response on the same exchange.
func (s *Server) handleInbandRequest(ctx context.Context, sess Session, msg JSONRPCMessage) *JSONRPCMessage {
	s.mu.Lock()
	state, ok := s.sessions[sess.ID()]
	s.mu.Unlock()
	if ok {
		state.touch()
	}

	resp := s.dispatch.Handle(ctx, sess, msg)
	return &resp
}

func (s *Server) dropSession(sessionID string) {
	s.outbound.failSession(sessionID)
	if s.subs != nil {
		s.subs.DropSession(sessionID)
	}

	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

func (s *Server) listenUpdates(
	method string,
	updates iter.Seq[struct{}],
	broadcasts chan<- JSONRPCMessage,
	closed chan struct{},
) {
	defer close(closed)

	for range updates {
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  method,
		}

		select {
		case <-s.done:
			return
		case broadcasts <- msg:
		}
	}
}

// listenSubscriptionUpdates fans debounced resource change events out to the
// sessions subscribed to each URI. The subscriber snapshot is taken before
// sending so no manager lock is held across slow writes.
func (s *Server) listenSubscriptionUpdates() {
	defer close(s.subUpdatesClosed)

	for update := range s.subs.Updates() {
		if update.Kind == UpdateDegraded {
			s.logger.Warn("resource change detection degraded",
				slog.String("uri", update.URI))
		}

		params, err := json.Marshal(notificationsResourcesUpdatedParams{URI: update.URI})
		if err != nil {
			s.logger.Error("failed to marshal resource updated params",
				slog.String("err", err.Error()))
			continue
		}
		msg := JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsResourcesUpdated,
			Params:  params,
		}

		for _, sessID := range s.subs.SubscribersOf(update.URI) {
			s.mu.Lock()
			state, ok := s.sessions[sessID]
			s.mu.Unlock()
			if !ok {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			if err := state.session.Send(ctx, msg); err != nil {
				s.logger.Error("failed to send resource updated notification",
					slog.String("sessionID", sessID),
					slog.String("uri", update.URI),
					slog.String("err", err.Error()))
			}
			cancel()
		}
	}
}

// broadcaster delivers list change notifications to every session on every
// transport.
func (s *Server) broadcaster(broadcasts <-chan JSONRPCMessage) {
	defer close(s.broadcasterClosed)

	for {
		select {
		case <-s.done:
			return
		case msg := <-broadcasts:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
			for _, t := range s.transports {
				if _, err := t.Broadcast(ctx, msg); err != nil {
					s.logger.Error("broadcast failed", slog.String("err", err.Error()))
				}
			}
			cancel()
		}
	}
}

func (st *sessionState) touch() {
	st.mu.Lock()
	st.lastActive = time.Now()
	st.mu.Unlock()
}
