package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// handlerFunc processes one request and returns either a result value to be
// marshaled into the response, or a protocol error. It must not panic.
type handlerFunc func(ctx context.Context, sess Session, msg JSONRPCMessage) (any, *JSONRPCError)

// dispatcher routes requests to provider-backed handlers. The method table is
// assembled once at construction from the configured providers; lookups after
// that are read-only, so Handle is safe for any number of in-flight requests.
type dispatcher struct {
	info         Info
	instructions string
	capabilities ServerCapabilities

	tools     ToolProvider
	resources ResourceProvider
	prompts   PromptProvider
	subs      *SubscriptionManager

	handlers map[string]handlerFunc
	logger   *slog.Logger
}

func newDispatcher(
	info Info,
	instructions string,
	capabilities ServerCapabilities,
	tools ToolProvider,
	resources ResourceProvider,
	prompts PromptProvider,
	subs *SubscriptionManager,
	logger *slog.Logger,
) *dispatcher {
	d := &dispatcher{
		info:         info,
		instructions: instructions,
		capabilities: capabilities,
		tools:        tools,
		resources:    resources,
		prompts:      prompts,
		subs:         subs,
		logger:       logger,
	}

	d.handlers = map[string]handlerFunc{
		MethodInitialize: d.handleInitialize,
		MethodPing:       d.handlePing,
	}
	if tools != nil {
		d.handlers[MethodToolsList] = d.handleToolsList
		d.handlers[MethodToolsCall] = d.handleToolsCall
	}
	if resources != nil {
		d.handlers[MethodResourcesList] = d.handleResourcesList
		d.handlers[MethodResourcesRead] = d.handleResourcesRead
	}
	if prompts != nil {
		d.handlers[MethodPromptsList] = d.handlePromptsList
		d.handlers[MethodPromptsGet] = d.handlePromptsGet
	}
	if subs != nil {
		d.handlers[MethodResourcesSubscribe] = d.handleSubscribe
		d.handlers[MethodResourcesUnsubscribe] = d.handleUnsubscribe
	}

	return d
}

// Handle processes one request and always produces a response carrying the
// request's identifier. Provider faults never escape as panics or raw errors;
// they are converted to the protocol error taxonomy here.
func (d *dispatcher) Handle(ctx context.Context, sess Session, msg JSONRPCMessage) JSONRPCMessage {
	handler, ok := d.handlers[msg.Method]
	if !ok {
		return errorResponse(msg.ID, &JSONRPCError{
			Code:    ErrCodeMethodNotFound,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
	}

	result, rpcErr := handler(ctx, sess, msg)
	if rpcErr != nil {
		return errorResponse(msg.ID, rpcErr)
	}

	resBs, err := json.Marshal(result)
	if err != nil {
		d.logger.Error("failed to marshal result",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		return errorResponse(msg.ID, &JSONRPCError{
			Code:    ErrCodeInternal,
			Message: "internal error",
		})
	}

	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}
}

func (d *dispatcher) handleInitialize(_ context.Context, _ Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	if params.ProtocolVersion != protocolVersion {
		return nil, &JSONRPCError{
			Code:    ErrCodeInvalidParams,
			Message: fmt.Sprintf("protocol version mismatch: %s != %s", params.ProtocolVersion, protocolVersion),
		}
	}

	return initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    d.capabilities,
		ServerInfo:      d.info,
		Instructions:    d.instructions,
	}, nil
}

func (d *dispatcher) handlePing(context.Context, Session, JSONRPCMessage) (any, *JSONRPCError) {
	return struct{}{}, nil
}

func (d *dispatcher) handleToolsList(ctx context.Context, _ Session, _ JSONRPCMessage) (any, *JSONRPCError) {
	tools, err := d.tools.ListTools(ctx)
	if err != nil {
		return nil, d.providerError("list tools", err)
	}
	if tools == nil {
		tools = []Tool{}
	}
	return ListToolsResult{Tools: tools}, nil
}

func (d *dispatcher) handleToolsCall(ctx context.Context, _ Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	result, err := d.tools.CallTool(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, ErrToolNotFound) {
			return nil, &JSONRPCError{
				Code:    ErrCodeToolNotFound,
				Message: fmt.Sprintf("tool not found: %s", params.Name),
			}
		}
		// Execution failures travel inside the result so the client can show
		// them to the model, matching the tools/call contract.
		return CallToolResult{
			Content: []Content{{Type: ContentTypeText, Text: err.Error()}},
			IsError: true,
		}, nil
	}

	return result, nil
}

func (d *dispatcher) handleResourcesList(ctx context.Context, _ Session, _ JSONRPCMessage) (any, *JSONRPCError) {
	resources, err := d.resources.ListResources(ctx)
	if err != nil {
		return nil, d.providerError("list resources", err)
	}
	if resources == nil {
		resources = []Resource{}
	}
	return ListResourcesResult{Resources: resources}, nil
}

func (d *dispatcher) handleResourcesRead(ctx context.Context, _ Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	result, err := d.resources.ReadResource(ctx, params.URI)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return nil, &JSONRPCError{
				Code:    ErrCodeResourceNotFound,
				Message: fmt.Sprintf("resource not found: %s", params.URI),
			}
		}
		return nil, d.providerError("read resource", err)
	}

	return result, nil
}

func (d *dispatcher) handlePromptsList(ctx context.Context, _ Session, _ JSONRPCMessage) (any, *JSONRPCError) {
	prompts, err := d.prompts.ListPrompts(ctx)
	if err != nil {
		return nil, d.providerError("list prompts", err)
	}
	if prompts == nil {
		prompts = []Prompt{}
	}
	return ListPromptsResult{Prompts: prompts}, nil
}

func (d *dispatcher) handlePromptsGet(ctx context.Context, _ Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	result, err := d.prompts.GetPrompt(ctx, params.Name, params.Arguments)
	if err != nil {
		if errors.Is(err, ErrPromptNotFound) {
			return nil, &JSONRPCError{
				Code:    ErrCodePromptNotFound,
				Message: fmt.Sprintf("prompt not found: %s", params.Name),
			}
		}
		return nil, d.providerError("get prompt", err)
	}

	return result, nil
}

func (d *dispatcher) handleSubscribe(_ context.Context, sess Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params SubscribeResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	if err := d.subs.Subscribe(sess.ID(), params.URI); err != nil {
		switch {
		case errors.Is(err, ErrAccessDenied):
			return nil, &JSONRPCError{
				Code:    ErrCodeAccessDenied,
				Message: fmt.Sprintf("access denied: %s", params.URI),
			}
		case errors.Is(err, ErrTooManyWatchers):
			return nil, &JSONRPCError{
				Code:    ErrCodeTooManyWatchers,
				Message: "watcher limit exceeded",
			}
		default:
			return nil, d.providerError("subscribe resource", err)
		}
	}

	return struct{}{}, nil
}

func (d *dispatcher) handleUnsubscribe(_ context.Context, sess Session, msg JSONRPCMessage) (any, *JSONRPCError) {
	var params UnsubscribeResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, invalidParams(err)
	}

	d.subs.Unsubscribe(sess.ID(), params.URI)

	return struct{}{}, nil
}

// providerError wraps an unclassified provider failure as an internal error.
// The original error is logged, not sent: clients get a stable message with
// no stack traces or provider internals.
func (d *dispatcher) providerError(op string, err error) *JSONRPCError {
	jsonErr := JSONRPCError{}
	if errors.As(err, &jsonErr) {
		return &jsonErr
	}

	d.logger.Error("provider call failed",
		slog.String("op", op),
		slog.String("err", err.Error()))

	return &JSONRPCError{
		Code:    ErrCodeInternal,
		Message: "internal error",
	}
}

func invalidParams(err error) *JSONRPCError {
	return &JSONRPCError{
		Code:    ErrCodeInvalidParams,
		Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
	}
}
