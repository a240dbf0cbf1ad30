package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tmaxmax/go-sse"

	mcp "github.com/kaeawc/app-mcp"
)

type testToolProvider struct{}

func (testToolProvider) ListTools(context.Context) ([]mcp.Tool, error) {
	return []mcp.Tool{{Name: "echo", Description: "echoes its arguments"}}, nil
}

func (testToolProvider) CallTool(_ context.Context, name string, args []byte) (mcp.CallToolResult, error) {
	if name != "echo" {
		return mcp.CallToolResult{}, mcp.ErrToolNotFound
	}
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: string(args)}},
	}, nil
}

type testResourceProvider struct{}

func (testResourceProvider) ListResources(context.Context) ([]mcp.Resource, error) {
	return []mcp.Resource{{URI: "test://doc", Name: "doc"}}, nil
}

func (testResourceProvider) ReadResource(_ context.Context, uri string) (mcp.ReadResourceResult, error) {
	if strings.HasPrefix(uri, "file://") {
		bs, err := os.ReadFile(strings.TrimPrefix(uri, "file://"))
		if err != nil {
			return mcp.ReadResourceResult{}, mcp.ErrResourceNotFound
		}
		return mcp.ReadResourceResult{
			Contents: []mcp.ResourceContents{{URI: uri, Text: string(bs)}},
		}, nil
	}
	if uri != "test://doc" {
		return mcp.ReadResourceResult{}, mcp.ErrResourceNotFound
	}
	return mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{{URI: uri, Text: "static"}},
	}, nil
}

type testSuite struct {
	srv    *mcp.Server
	socket *mcp.SocketServer
	stream *mcp.StreamServer

	serveErr chan error
}

func newTestSuite(t *testing.T, options ...mcp.ServerOption) *testSuite {
	t.Helper()

	s := &testSuite{
		socket:   mcp.NewSocketServer("localhost:0"),
		stream:   mcp.NewStreamServer("localhost:0"),
		serveErr: make(chan error, 1),
	}

	options = append(options,
		mcp.WithToolProvider(testToolProvider{}),
		mcp.WithResourceProvider(testResourceProvider{}),
		mcp.WithTransport(s.socket),
		mcp.WithTransport(s.stream),
	)
	s.srv = mcp.NewServer(mcp.Info{Name: "test-server", Version: "0.0.1"}, options...)

	go func() {
		s.serveErr <- s.srv.Serve(context.Background())
	}()

	deadline := time.After(5 * time.Second)
	for s.socket.Addr() == "" || s.stream.Addr() == "" {
		select {
		case err := <-s.serveErr:
			t.Fatalf("serve exited early: %v", err)
		case <-deadline:
			t.Fatal("transports never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
		select {
		case err := <-s.serveErr:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("serve did not return after shutdown")
		}
	})

	return s
}

// socketClient is a minimal WebSocket client for exercising the persistent
// channel: one read pump routes responses to their waiters and queues
// server-initiated requests and notifications.
type socketClient struct {
	t    *testing.T
	conn *websocket.Conn

	sessionID string

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]chan mcp.JSONRPCMessage

	requests      chan mcp.JSONRPCMessage
	notifications chan mcp.JSONRPCMessage
}

func dialSocket(t *testing.T, addr string) *socketClient {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+addr, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	c := &socketClient{
		t:             t,
		conn:          conn,
		waiters:       make(map[string]chan mcp.JSONRPCMessage),
		requests:      make(chan mcp.JSONRPCMessage, 5),
		notifications: make(chan mcp.JSONRPCMessage, 5),
	}

	// The first frame is the connected notification carrying the session ID.
	var connected mcp.JSONRPCMessage
	if err := wsjson.Read(ctx, conn, &connected); err != nil {
		t.Fatalf("read connected notification: %v", err)
	}
	if connected.Method != "notifications/connected" {
		t.Fatalf("got first message method %q, want notifications/connected", connected.Method)
	}
	var params struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(connected.Params, &params); err != nil {
		t.Fatalf("unmarshal connected params: %v", err)
	}
	if params.SessionID == "" {
		t.Fatal("connected notification carries no session id")
	}
	c.sessionID = params.SessionID

	go c.pump()

	t.Cleanup(func() {
		conn.Close(websocket.StatusNormalClosure, "test done")
	})

	return c
}

func (c *socketClient) pump() {
	for {
		var msg mcp.JSONRPCMessage
		if err := wsjson.Read(context.Background(), c.conn, &msg); err != nil {
			return
		}

		switch msg.Kind() {
		case mcp.KindResponse:
			c.mu.Lock()
			waiter, ok := c.waiters[msg.ID.String()]
			delete(c.waiters, msg.ID.String())
			c.mu.Unlock()
			if ok {
				waiter <- msg
			}
		case mcp.KindRequest:
			c.requests <- msg
		case mcp.KindNotification:
			c.notifications <- msg
		}
	}
}

func (c *socketClient) send(msg mcp.JSONRPCMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *socketClient) call(id, method string, params any) mcp.JSONRPCMessage {
	c.t.Helper()

	var paramsBs json.RawMessage
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			c.t.Fatalf("marshal params: %v", err)
		}
		paramsBs = bs
	}

	waiter := make(chan mcp.JSONRPCMessage, 1)
	c.mu.Lock()
	c.waiters[id] = waiter
	c.mu.Unlock()

	if err := c.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.NewMessageID(id),
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		c.t.Fatalf("send %s: %v", method, err)
	}

	select {
	case resp := <-waiter:
		return resp
	case <-time.After(5 * time.Second):
		c.t.Fatalf("no response to %s (id %s)", method, id)
		return mcp.JSONRPCMessage{}
	}
}

func (c *socketClient) initialize() {
	c.t.Helper()

	resp := c.call("init-1", mcp.MethodInitialize, map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{"sampling": map[string]any{}},
		"clientInfo":      map[string]any{"name": "test-client", "version": "0.0.1"},
	})
	if resp.Error != nil {
		c.t.Fatalf("initialize failed: %v", resp.Error)
	}

	if err := c.send(mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		Method:  "notifications/initialized",
	}); err != nil {
		c.t.Fatalf("send initialized: %v", err)
	}
}

func TestSocketInitializeAndPing(t *testing.T) {
	s := newTestSuite(t)
	c := dialSocket(t, s.socket.Addr())

	resp := c.call("1", mcp.MethodInitialize, map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "cli", "version": "1.0"},
	})
	if resp.Error != nil {
		t.Fatalf("initialize failed: %v", resp.Error)
	}

	var result struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ServerCapabilities `json:"capabilities"`
		ServerInfo      mcp.Info               `json:"serverInfo"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal initialize result: %v", err)
	}
	if result.ServerInfo.Name != "test-server" {
		t.Errorf("got server name %q", result.ServerInfo.Name)
	}
	if result.Capabilities.Tools == nil {
		t.Error("tools capability not advertised")
	}
	if result.Capabilities.Resources == nil || !result.Capabilities.Resources.Subscribe {
		t.Error("resource subscribe capability not advertised")
	}

	ping := c.call("2", mcp.MethodPing, nil)
	if ping.Error != nil {
		t.Errorf("ping failed: %v", ping.Error)
	}
}

func TestSocketToolFlow(t *testing.T) {
	s := newTestSuite(t)
	c := dialSocket(t, s.socket.Addr())
	c.initialize()

	resp := c.call("t-1", mcp.MethodToolsList, nil)
	if resp.Error != nil {
		t.Fatalf("tools/list failed: %v", resp.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("unmarshal tools: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", list.Tools)
	}

	resp = c.call("t-2", mcp.MethodToolsCall, mcp.CallToolParams{
		Name:      "echo",
		Arguments: json.RawMessage(`{"say":"hello"}`),
	})
	if resp.Error != nil {
		t.Fatalf("tools/call failed: %v", resp.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal call result: %v", err)
	}
	if result.IsError || len(result.Content) != 1 {
		t.Fatalf("unexpected call result: %+v", result)
	}

	resp = c.call("t-3", mcp.MethodToolsCall, mcp.CallToolParams{Name: "missing"})
	if resp.Error == nil {
		t.Fatal("expected error for unknown tool")
	}
	if resp.Error.Code != mcp.ErrCodeToolNotFound {
		t.Errorf("got code %d, want %d", resp.Error.Code, mcp.ErrCodeToolNotFound)
	}
}

func TestSocketMethodNotFoundPreservesID(t *testing.T) {
	s := newTestSuite(t)
	c := dialSocket(t, s.socket.Addr())

	resp := c.call("odd-id-77", "bogus/method", nil)
	if resp.Error == nil {
		t.Fatal("expected method not found")
	}
	if resp.Error.Code != mcp.ErrCodeMethodNotFound {
		t.Errorf("got code %d, want %d", resp.Error.Code, mcp.ErrCodeMethodNotFound)
	}
	if resp.ID.String() != "odd-id-77" {
		t.Errorf("response id %q, want odd-id-77", resp.ID.String())
	}
}

func TestSocketConcurrentRequests(t *testing.T) {
	s := newTestSuite(t)
	c := dialSocket(t, s.socket.Addr())
	c.initialize()

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("conc-%d", i)
			resp := c.call(id, mcp.MethodToolsCall, mcp.CallToolParams{
				Name:      "echo",
				Arguments: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			})
			if resp.Error != nil {
				errs <- fmt.Errorf("request %d failed: %v", i, resp.Error)
				return
			}
			if resp.ID.String() != id {
				errs <- fmt.Errorf("request %d answered with id %s", i, resp.ID.String())
				return
			}
			var result mcp.CallToolResult
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				errs <- fmt.Errorf("request %d: %w", i, err)
				return
			}
			want := fmt.Sprintf(`{"n":%d}`, i)
			if len(result.Content) != 1 || result.Content[0].Text != want {
				errs <- fmt.Errorf("request %d got cross-wired content %v", i, result.Content)
			}
		}()
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSocketSampling(t *testing.T) {
	connected := make(chan string, 1)
	s := newTestSuite(t, mcp.WithServerOnClientConnected(func(id string) {
		select {
		case connected <- id:
		default:
		}
	}))
	c := dialSocket(t, s.socket.Addr())
	c.initialize()

	var sessionID string
	select {
	case sessionID = <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connected callback never fired")
	}
	if sessionID != c.sessionID {
		t.Fatalf("callback session %q != handshake session %q", sessionID, c.sessionID)
	}

	// Answer the sampling request like a client with an LLM would.
	go func() {
		select {
		case req := <-c.requests:
			if req.Method != mcp.MethodSamplingCreateMessage {
				t.Errorf("got request method %q", req.Method)
				return
			}
			result := json.RawMessage(
				`{"role":"assistant","content":{"type":"text","text":"sampled"},"model":"test-model","stopReason":"endTurn"}`)
			if err := c.send(mcp.JSONRPCMessage{
				JSONRPC: mcp.JSONRPCVersion,
				ID:      req.ID,
				Result:  result,
			}); err != nil {
				t.Errorf("send sampling response: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("sampling request never arrived")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := s.srv.CreateSamplingMessage(ctx, sessionID, mcp.SamplingParams{MaxTokens: 100})
	if err != nil {
		t.Fatalf("sampling failed: %v", err)
	}
	if result.Content.Text != "sampled" || result.Model != "test-model" {
		t.Errorf("unexpected sampling result: %+v", result)
	}

	_, err = s.srv.CreateSamplingMessage(ctx, "no-such-session", mcp.SamplingParams{})
	if err != mcp.ErrSessionNotFound {
		t.Errorf("got error %v, want ErrSessionNotFound", err)
	}
}

func TestStreamRequestResponse(t *testing.T) {
	s := newTestSuite(t)

	sessionID, events := openStream(t, s.stream.Addr())

	resp := postMessage(t, s.stream.Addr(), sessionID,
		`{"jsonrpc":"2.0","id":"s-1","method":"tools/list"}`)
	if resp.Error != nil {
		t.Fatalf("tools/list failed: %v", resp.Error)
	}
	if resp.ID.String() != "s-1" {
		t.Errorf("response id %q, want s-1", resp.ID.String())
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(resp.Result, &list); err != nil {
		t.Fatalf("unmarshal tools: %v", err)
	}
	if len(list.Tools) != 1 {
		t.Errorf("unexpected tools: %+v", list.Tools)
	}

	// Malformed JSON gets a parse error with a null id, not a dropped request.
	resp = postMessage(t, s.stream.Addr(), sessionID, `{"jsonrpc":"2.0",`)
	if resp.Error == nil {
		t.Fatal("expected parse error")
	}
	if resp.Error.Code != mcp.ErrCodeParse {
		t.Errorf("got code %d, want %d", resp.Error.Code, mcp.ErrCodeParse)
	}
	if !resp.ID.IsNull() {
		t.Errorf("parse error response id %q, want null", string(resp.ID))
	}

	drainEvents(events)
}

func TestStreamSubscribeNotification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o600); err != nil {
		t.Fatal(err)
	}
	uri := "file://" + path

	s := newTestSuite(t, mcp.WithConfig(mcp.Config{
		DebounceWindow: 50 * time.Millisecond,
	}))

	sessionID, events := openStream(t, s.stream.Addr())

	resp := postMessage(t, s.stream.Addr(), sessionID,
		fmt.Sprintf(`{"jsonrpc":"2.0","id":"sub-1","method":"resources/subscribe","params":{"uri":%q}}`, uri))
	if resp.Error != nil {
		t.Fatalf("subscribe failed: %v", resp.Error)
	}

	// Give the OS watch a moment to attach before changing the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("v2"), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(10 * time.Second)
	for {
		select {
		case msg := <-events:
			if msg.Method != "notifications/resources/updated" {
				continue
			}
			var params struct {
				URI string `json:"uri"`
			}
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				t.Fatalf("unmarshal updated params: %v", err)
			}
			if params.URI != uri {
				t.Errorf("got uri %q, want %q", params.URI, uri)
			}
			return
		case <-deadline:
			t.Fatal("resource updated notification never arrived")
		}
	}
}

type chanToolListUpdater struct {
	ch chan struct{}
}

func (u chanToolListUpdater) ToolListUpdates() iter.Seq[struct{}] {
	return func(yield func(struct{}) bool) {
		for range u.ch {
			if !yield(struct{}{}) {
				return
			}
		}
	}
}

func TestToolListChangedBroadcast(t *testing.T) {
	updater := chanToolListUpdater{ch: make(chan struct{})}
	s := newTestSuite(t, mcp.WithToolListUpdater(updater))
	t.Cleanup(func() { close(updater.ch) })

	c := dialSocket(t, s.socket.Addr())
	c.initialize()

	updater.ch <- struct{}{}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.notifications:
			if msg.Method == "notifications/tools/list_changed" {
				return
			}
		case <-deadline:
			t.Fatal("list_changed notification never arrived")
		}
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	socket := mcp.NewSocketServer("localhost:0")
	srv := mcp.NewServer(mcp.Info{Name: "t", Version: "0"},
		mcp.WithToolProvider(testToolProvider{}),
		mcp.WithTransport(socket),
	)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(context.Background())
	}()

	deadline := time.After(5 * time.Second)
	for socket.Addr() == "" {
		select {
		case err := <-serveErr:
			t.Fatalf("serve exited early: %v", err)
		case <-deadline:
			t.Fatal("transport never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if socket.Running() {
		t.Error("transport still running after shutdown")
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("serve did not return after shutdown")
	}
}

// openStream opens the SSE event stream and returns the assigned session ID
// plus a channel of pushed messages.
func openStream(t *testing.T, addr string) (string, <-chan mcp.JSONRPCMessage) {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, "http://"+addr+"/events", nil)
	if err != nil {
		t.Fatalf("build events request: %v", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open event stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	events := make(chan mcp.JSONRPCMessage, 16)
	firstMsg := make(chan mcp.JSONRPCMessage, 1)

	go func() {
		defer close(events)
		first := true
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			var msg mcp.JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				continue
			}
			if first {
				first = false
				firstMsg <- msg
				continue
			}
			events <- msg
		}
	}()

	select {
	case msg := <-firstMsg:
		if msg.Method != "notifications/connected" {
			t.Fatalf("got first event method %q, want notifications/connected", msg.Method)
		}
		var params struct {
			SessionID string `json:"sessionId"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			t.Fatalf("unmarshal connected params: %v", err)
		}
		return params.SessionID, events
	case <-time.After(5 * time.Second):
		t.Fatal("connected event never arrived")
		return "", nil
	}
}

func postMessage(t *testing.T, addr, sessionID, body string) mcp.JSONRPCMessage {
	t.Helper()

	url := fmt.Sprintf("http://%s/message?sessionID=%s", addr, sessionID)
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return msg
}

func drainEvents(events <-chan mcp.JSONRPCMessage) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
