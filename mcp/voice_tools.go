package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// VoiceStatusTool reports the voice session snapshot.
type VoiceStatusTool struct{}

func (*VoiceStatusTool) Tool() mcp.Tool {
	return mcp.NewTool("voice_status",
		mcp.WithDescription("Show the voice agent session: state, thread id, latest transcript and agent text, and audio counters."),
	)
}

func (*VoiceStatusTool) Handler(deps *Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Voice == nil {
			return mcp.NewToolResultError("Voice agent is not configured (set VOICE_AGENT_URL)."), nil
		}
		return marshalResult(deps.Voice.Snapshot())
	}
}
