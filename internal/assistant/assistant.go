// Package assistant generates support replies with an OpenAI-compatible model.
//
// A reply may take several model calls: whenever the model asks for tools,
// the tools run (locally or on an MCP server) and their results are sent back
// until the model answers with plain content or the turn budget runs out.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/dudenrb/think41nikhil/internal/config"
	"github.com/dudenrb/think41nikhil/internal/history"
	"github.com/dudenrb/think41nikhil/internal/llm"
	"github.com/dudenrb/think41nikhil/internal/logger"
	"github.com/dudenrb/think41nikhil/pkg/tools"
)

// FSM States
type FSMState stateless.State

var (
	StateIdle           FSMState = "Idle"
	StateReadyToCallLLM FSMState = "ReadyToCallLLM"
	StateExecutingTools FSMState = "ExecutingTools"
	StateDone           FSMState = "Done"  // Terminal: successful completion
	StateError          FSMState = "Error" // Terminal: error state
)

// FSM Triggers
type FSMTrigger stateless.Trigger

var (
	TriggerProcessInput            FSMTrigger = "ProcessInput"
	TriggerLLMRespondedWithContent FSMTrigger = "LLMRespondedWithContent"
	TriggerLLMRequestedTools       FSMTrigger = "LLMRequestedTools"
	TriggerToolsExecutionCompleted FSMTrigger = "ToolsExecutionCompleted"
	TriggerErrorOccurred           FSMTrigger = "ErrorOccurred"
)

// ErrEmptyReply is returned when the model finishes without any text.
var ErrEmptyReply = errors.New("model returned an empty reply")

const defaultSystemPrompt = `You are ShopAssist, the customer support assistant of an online clothing store.
Help customers with questions about products, orders and stock.
Use the available tools to look up order status, stock levels, product details and best sellers instead of guessing.
If a lookup needs an order id or a product name the customer has not given, ask for it.
Answer in a friendly, concise way and never mention tools or queries in your answer.`

// MCPClientInterface defines the methods the assistant expects from an MCP client.
type MCPClientInterface interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Assistant turns a conversation into the next assistant message.
type Assistant struct {
	llmClient            llm.Client
	cfg                  config.LLMConfig
	localTools           *tools.ToolManager
	mcpClients           []MCPClientInterface
	mcpToolOwner         map[string]MCPClientInterface
	availableLLMTools    []openai.Tool
	discoveredMCPPrompts []string
}

// New creates an assistant offering the local tools and every tool exposed by
// the configured MCP servers. Servers that fail to start are logged and skipped.
func New(ctx context.Context, llmClient llm.Client, appCfg config.Config, localTools *tools.ToolManager) *Assistant {
	if localTools == nil {
		localTools = tools.NewToolManager()
	}
	a := &Assistant{
		llmClient:    llmClient,
		cfg:          appCfg.LLM,
		localTools:   localTools,
		mcpToolOwner: make(map[string]MCPClientInterface),
	}

	for _, t := range localTools.List() {
		a.availableLLMTools = append(a.availableLLMTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
		logger.L.Debug("Registered local tool for LLM", "tool", t.Name())
	}

	for _, serverCfg := range appCfg.MCPServers {
		a.connectMCPServer(ctx, serverCfg)
	}
	if len(a.mcpClients) == 0 && len(appCfg.MCPServers) > 0 {
		logger.L.Warn("No MCP clients were successfully initialized despite servers configured.", "length", len(appCfg.MCPServers))
	}

	return a
}

func (a *Assistant) connectMCPServer(ctx context.Context, serverCfg config.MCPServerConfig) {
	var mcpC *client.Client
	var err error

	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(serverCfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(serverCfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
		}
		mcpC, err = client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
	default:
		logger.L.Warn("Unsupported MCP server type. Supported types are 'sse', 'streamable_http' or 'stdio'.", "type", serverCfg.Type, "name", serverCfg.Name)
		return
	}
	if err != nil {
		logger.L.Error("Failed to create MCP client", "name", serverCfg.Name, "error", err)
		return
	}

	// stdio clients start their transport on creation
	if serverCfg.Type != config.ClientTypeStdio {
		if err := mcpC.Start(ctx); err != nil {
			logger.L.Error("Failed to start MCP client transport", "name", serverCfg.Name, "error", err)
			if cerr := mcpC.Close(); cerr != nil {
				logger.L.Warn("MCP client close error after start failure", "error", cerr)
			}
			return
		}
	}

	initResult, err := a.attachMCPClient(ctx, serverCfg.Name, mcpC)
	if err != nil {
		logger.L.Error("Failed to initialize MCP client", "name", serverCfg.Name, "error", err)
		if cerr := mcpC.Close(); cerr != nil {
			logger.L.Warn("MCP client close error after init failure", "error", cerr)
		}
		return
	}

	if initResult.Capabilities.Prompts != nil {
		if prompt := discoverSystemPrompt(ctx, mcpC); prompt != "" {
			a.discoveredMCPPrompts = append(a.discoveredMCPPrompts, prompt)
			logger.L.Info("Discovered system prompt from MCP server", "name", serverCfg.Name)
		}
	}
}

// attachMCPClient initializes c and registers the tools it exposes. Tool names
// already taken by a local tool or an earlier server are skipped.
func (a *Assistant) attachMCPClient(ctx context.Context, name string, c MCPClientInterface) (*mcp.InitializeResult, error) {
	initResult, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{Capabilities: mcp.ClientCapabilities{}},
	})
	if err != nil {
		return nil, err
	}
	if initResult == nil {
		initResult = &mcp.InitializeResult{}
	}
	logger.L.Info("MCP server initialized", "name", name)
	a.mcpClients = append(a.mcpClients, c)

	serverTools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		// the server may still be useful for prompts
		logger.L.Warn("Failed to list tools for MCP client", "name", name, "error", err)
		return initResult, nil
	}

	for _, mcpTool := range serverTools.Tools {
		if a.localTools.Has(mcpTool.Name) {
			logger.L.Warn("MCP tool shadows a local tool. Skipping.", "tool", mcpTool.Name, "name", name)
			continue
		}
		if _, exists := a.mcpToolOwner[mcpTool.Name]; exists {
			logger.L.Warn("Tool from MCP server already registered from another server. Skipping.", "tool", mcpTool.Name, "name", name)
			continue
		}
		a.mcpToolOwner[mcpTool.Name] = c
		a.availableLLMTools = append(a.availableLLMTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        mcpTool.Name,
				Description: mcpTool.Description,
				Parameters:  toolSchema(mcpTool),
			},
		})
		logger.L.Info("Registered tool from MCP server for LLM", "tool", mcpTool.Name, "name", name)
	}
	return initResult, nil
}

var emptyObjectSchema = json.RawMessage(`{"type": "object", "properties": {}}`)

func toolSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 && string(t.RawInputSchema) != "null" {
		return t.RawInputSchema
	}
	if t.InputSchema.Type == "" {
		return emptyObjectSchema
	}
	schemaBytes, err := json.Marshal(t.InputSchema)
	if err != nil {
		return emptyObjectSchema
	}
	return schemaBytes
}

// discoverSystemPrompt returns the assistant text of the server's first
// argument-less prompt, if any.
func discoverSystemPrompt(ctx context.Context, c *client.Client) string {
	prompts, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil || prompts == nil {
		return ""
	}
	for _, p := range prompts.Prompts {
		if len(p.Arguments) > 0 {
			continue
		}
		res, err := c.GetPrompt(ctx, mcp.GetPromptRequest{Params: mcp.GetPromptParams{Name: p.Name}})
		if err != nil || res == nil {
			return ""
		}
		for _, m := range res.Messages {
			if m.Role != mcp.RoleAssistant {
				continue
			}
			if content, ok := m.Content.(mcp.TextContent); ok {
				return content.Text
			}
		}
		return ""
	}
	return ""
}

// Close shuts down every MCP client.
func (a *Assistant) Close() error {
	var errs []error
	for _, c := range a.mcpClients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Assistant) systemPrompt() string {
	base := defaultSystemPrompt
	if a.cfg.SystemPrompt != "" {
		base = a.cfg.SystemPrompt
	}
	parts := append([]string{base}, a.discoveredMCPPrompts...)
	return strings.Join(parts, "\n\n")
}

func (a *Assistant) buildMessages(past []history.Message, userMessage string) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(past)+2)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt()})
	for _, m := range past {
		role := openai.ChatMessageRoleUser
		if m.Role == history.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMessage})
}

// GenerateReply returns the assistant's answer to userMessage given the
// earlier messages of the session.
func (a *Assistant) GenerateReply(ctx context.Context, past []history.Message, userMessage string) (string, error) {
	type fsmContext struct {
		messages     []openai.ChatCompletionMessage
		llmMessage   openai.ChatCompletionMessage
		finalContent string
		lastError    error
		currentTurn  int
		maxTurns     int
		next         FSMTrigger
	}

	fsmCtx := &fsmContext{
		messages: a.buildMessages(past, userMessage),
		maxTurns: a.cfg.MaxTurns,
	}
	if fsmCtx.maxTurns <= 0 {
		fsmCtx.maxTurns = 5
	}
	log := logger.FromContext(ctx)

	fail := func(err error) {
		fsmCtx.lastError = err
		fsmCtx.next = TriggerErrorOccurred
	}

	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(TriggerProcessInput, StateReadyToCallLLM)

	// State: ReadyToCallLLM
	// Action: call the model with the current messages.
	fsm.Configure(StateReadyToCallLLM).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if fsmCtx.currentTurn >= fsmCtx.maxTurns {
				log.Warn("Max interaction turns reached.", "maxTurns", fsmCtx.maxTurns)
				fail(errors.New("exceeded maximum interaction turns"))
				return nil
			}
			fsmCtx.currentTurn++

			resp, err := a.llmClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    a.cfg.Model,
				Messages: fsmCtx.messages,
				Tools:    a.availableLLMTools,
			})
			if err != nil {
				log.Error("LLM call failed", "error", err, "turn", fsmCtx.currentTurn)
				fail(err)
				return nil
			}
			if len(resp.Choices) == 0 {
				fail(errors.New("LLM response has no choices"))
				return nil
			}

			fsmCtx.llmMessage = resp.Choices[0].Message
			if len(fsmCtx.llmMessage.ToolCalls) > 0 {
				fsmCtx.next = TriggerLLMRequestedTools
			} else {
				fsmCtx.next = TriggerLLMRespondedWithContent
			}
			return nil
		}).
		Permit(TriggerLLMRequestedTools, StateExecutingTools).
		Permit(TriggerLLMRespondedWithContent, StateDone).
		Permit(TriggerErrorOccurred, StateError)

	// State: ExecutingTools
	// Action: run every requested tool and append the results.
	fsm.Configure(StateExecutingTools).
		OnEntry(func(ctx context.Context, _ ...any) error {
			fsmCtx.messages = append(fsmCtx.messages, fsmCtx.llmMessage)
			for _, toolCall := range fsmCtx.llmMessage.ToolCalls {
				fsmCtx.messages = append(fsmCtx.messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    a.executeTool(ctx, toolCall.Function.Name, toolCall.Function.Arguments),
					ToolCallID: toolCall.ID,
					Name:       toolCall.Function.Name,
				})
			}
			fsmCtx.next = TriggerToolsExecutionCompleted
			return nil
		}).
		Permit(TriggerToolsExecutionCompleted, StateReadyToCallLLM)

	fsm.Configure(StateDone).
		OnEntry(func(context.Context, ...any) error {
			fsmCtx.finalContent = strings.TrimSpace(fsmCtx.llmMessage.Content)
			return nil
		})

	fsm.Configure(StateError)

	// Each entry action records the next trigger; the loop fires it until a
	// terminal state leaves none.
	fsmCtx.next = TriggerProcessInput
	for fsmCtx.next != nil {
		trigger := fsmCtx.next
		fsmCtx.next = nil
		if err := fsm.FireCtx(ctx, trigger); err != nil {
			return "", fmt.Errorf("FSM internal error: %w", err)
		}
	}

	currentState, err := fsm.State(ctx)
	if err != nil {
		return "", fmt.Errorf("FSM internal error: %w", err)
	}

	switch currentState {
	case StateDone:
		if fsmCtx.finalContent == "" {
			return "", ErrEmptyReply
		}
		return fsmCtx.finalContent, nil
	case StateError:
		if fsmCtx.lastError != nil {
			return "", fsmCtx.lastError
		}
		return "", errors.New("FSM ended in StateError without a specific error")
	default:
		return "", fmt.Errorf("FSM ended in an unexpected state: %v", currentState)
	}
}

// executeTool runs a local or MCP tool and renders its outcome as text for the
// model. Failures are reported to the model rather than aborting the reply.
func (a *Assistant) executeTool(ctx context.Context, name, args string) string {
	log := logger.FromContext(ctx)

	if local, err := a.localTools.GetTool(name); err == nil {
		out, err := local.Run(ctx, args)
		if err != nil {
			log.Warn("Local tool failed", "tool", name, "error", err)
			return "Error: " + err.Error()
		}
		return out
	}

	mcpClientInstance, ok := a.mcpToolOwner[name]
	if !ok {
		log.Warn("LLM requested an unknown tool", "tool", name)
		return "Error: unknown tool " + name
	}

	var toolArgs map[string]any
	if strings.TrimSpace(args) != "" {
		if err := json.Unmarshal([]byte(args), &toolArgs); err != nil {
			log.Error("Failed to unmarshal tool arguments", "tool", name, "error", err)
			return "Error: Could not parse arguments for tool " + name
		}
	}

	log.Debug("Calling MCP tool", "tool", name, "arguments", toolArgs)
	mcpResult, err := mcpClientInstance.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: toolArgs},
	})
	if err != nil || mcpResult == nil {
		log.Warn("MCP CallTool failed", "tool", name, "error", err)
		return "Error: tool " + name + " is unavailable right now."
	}

	for _, contentItem := range mcpResult.Content {
		if textContent, ok := contentItem.(mcp.TextContent); ok {
			if mcpResult.IsError {
				return "Error: " + textContent.Text
			}
			return textContent.Text
		}
	}
	if mcpResult.IsError {
		return "Tool execution resulted in an error without specific text."
	}
	resultBytes, err := json.Marshal(mcpResult)
	if err != nil {
		return "Tool executed successfully, but result could not be formatted."
	}
	return string(resultBytes)
}
