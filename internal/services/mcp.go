package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/streamchat/internal/agent"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// MCPTools exposes the tools of one or more MCP servers as an agent.Toolset. Each tool is routed
// to the server that listed it; when two servers list the same name, the first server wins.
type MCPTools struct {
	names   []string
	clients map[string]MCPClient

	logger *slog.Logger

	mu     sync.RWMutex
	routes map[string]string
}

// MCPClient is the subset of an MCP client MCPTools uses.
type MCPClient interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// ErrUnknownTool is returned when a tool is called that no server provides.
var ErrUnknownTool = errors.New("unknown tool")

// NewMCPTools creates an MCPTools over the given clients, keyed by server name.
func NewMCPTools(clients map[string]MCPClient, logger *slog.Logger) *MCPTools {
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	slices.Sort(names)

	return &MCPTools{
		names:   names,
		clients: clients,
		logger:  logger.With(slog.String("module", "mcp")),
		routes:  make(map[string]string),
	}
}

// ConnectMCP starts c and performs the MCP initialization handshake. The transport lives as long
// as c, not ctx: ctx only bounds the handshake.
func ConnectMCP(ctx context.Context, c *client.Client, clientName, clientVersion string) error {
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to start mcp client: %w", err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    clientName,
		Version: clientVersion,
	}
	if _, err := c.Initialize(ctx, req); err != nil {
		return fmt.Errorf("failed to initialize mcp client: %w", err)
	}
	return nil
}

// Tools lists the tools of every server. A server that fails to answer is logged and skipped.
func (m *MCPTools) Tools(ctx context.Context) ([]agent.ToolSpec, error) {
	var specs []agent.ToolSpec
	routes := make(map[string]string)

	for _, name := range m.names {
		res, err := m.clients[name].ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.logger.Warn("Failed to list tools",
				slog.String("server", name),
				slog.String(errLoggerKey, err.Error()),
			)
			continue
		}

		for _, tool := range res.Tools {
			if _, ok := routes[tool.Name]; ok {
				m.logger.Warn("Duplicate tool name, keeping the first server's tool",
					slog.String("tool", tool.Name),
					slog.String("server", name),
				)
				continue
			}
			schema, err := mcpToolSchema(tool)
			if err != nil {
				m.logger.Warn("Failed to marshal tool schema",
					slog.String("tool", tool.Name),
					slog.String(errLoggerKey, err.Error()),
				)
				continue
			}
			routes[tool.Name] = name
			specs = append(specs, agent.ToolSpec{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: schema,
			})
		}
	}

	m.mu.Lock()
	m.routes = routes
	m.mu.Unlock()

	return specs, nil
}

// CallTool invokes the tool called name with the JSON object input and returns the text of its
// result. A result flagged as an error by the server is returned as an error.
func (m *MCPTools) CallTool(ctx context.Context, name string, input json.RawMessage) (string, error) {
	m.mu.RLock()
	server, ok := m.routes[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return "", fmt.Errorf("invalid arguments for tool %s: %w", name, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := m.clients[server].CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to call tool %s: %w", name, err)
	}

	texts := make([]string, 0, len(res.Content))
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok && tc.Text != "" {
			texts = append(texts, tc.Text)
		}
	}
	output := strings.Join(texts, "\n")
	if res.IsError {
		return "", fmt.Errorf("tool %s returned an error: %s", name, output)
	}
	return output, nil
}

// Close closes every client.
func (m *MCPTools) Close() error {
	var errs []error
	for _, name := range m.names {
		if err := m.clients[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close mcp server %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func mcpToolSchema(tool mcp.Tool) (json.RawMessage, error) {
	if tool.RawInputSchema != nil {
		return tool.RawInputSchema, nil
	}
	return json.Marshal(tool.InputSchema)
}

const errLoggerKey = "err"
