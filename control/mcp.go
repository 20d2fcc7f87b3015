package control

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/olafkfreund/cosmic-connect/device"
	"github.com/olafkfreund/cosmic-connect/logger"
	"github.com/olafkfreund/cosmic-connect/plugins/ping"
)

// MCPServer exposes engine operations as MCP tools over stdio so local
// agents can inspect and drive the daemon.
type MCPServer struct {
	srv      *server.MCPServer
	registry *device.Registry
	log      logger.Logger
}

func NewMCPServer(registry *device.Registry, log logger.Logger) *MCPServer {
	s := &MCPServer{
		srv:      server.NewMCPServer("cosmic-connect", "1.0.0"),
		registry: registry,
		log:      log.WithComponent("mcp"),
	}
	s.registerTools()
	return s
}

func (s *MCPServer) registerTools() {
	listDevices := mcp.NewTool("list_devices",
		mcp.WithDescription("List known devices with their pairing and reachability state"),
	)
	s.srv.AddTool(listDevices, s.handleListDevices)

	requestPairing := mcp.NewTool("request_pairing",
		mcp.WithDescription("Request pairing with a device; the peer has to confirm"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Target device id"),
		),
	)
	s.srv.AddTool(requestPairing, s.handleRequestPairing)

	sendPing := mcp.NewTool("send_ping",
		mcp.WithDescription("Send a ping packet to a paired device"),
		mcp.WithString("device_id",
			mcp.Required(),
			mcp.Description("Target device id"),
		),
		mcp.WithString("message",
			mcp.Description("Optional message carried in the ping"),
		),
	)
	s.srv.AddTool(sendPing, s.handleSendPing)
}

func (s *MCPServer) handleListDevices(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	devices := s.registry.Devices()

	out, err := json.MarshalIndent(map[string]any{
		"devices": devices,
		"count":   len(devices),
	}, "", "  ")
	if err != nil {
		return nil, err
	}

	return mcp.NewToolResultText(string(out)), nil
}

func (s *MCPServer) handleRequestPairing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required"), err
	}

	if err := s.registry.RequestPairing(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pairing request failed: %v", err)), err
	}

	return mcp.NewToolResultText(fmt.Sprintf("pairing requested with %s", id)), nil
}

func (s *MCPServer) handleSendPing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("device_id")
	if err != nil {
		return mcp.NewToolResultError("device_id is required"), err
	}
	message := request.GetString("message", "")

	peer, err := s.registry.Peer(id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("unknown device %s", id)), err
	}

	if err := ping.Send(peer, message); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ping failed: %v", err)), err
	}

	return mcp.NewToolResultText(fmt.Sprintf("ping sent to %s", id)), nil
}

// Start serves MCP over stdio until stdin closes.
func (s *MCPServer) Start() error {
	s.log.Info().Msg("mcp stdio server started")
	defer s.log.Info().Msg("mcp stdio server stopped")

	return server.ServeStdio(s.srv)
}
